package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mailzen/ingest-api/internal/model"
	"github.com/mailzen/ingest-api/internal/repository"
)

type analysisRepository struct {
	db *sqlx.DB
}

func NewAnalysisRepository(db *sqlx.DB) repository.AnalysisRepository {
	return &analysisRepository{db: db}
}

func (r *analysisRepository) Create(ctx context.Context, analysis *model.EmailAnalysis) error {
	if analysis.ProcessedAt.IsZero() {
		analysis.ProcessedAt = time.Now()
	}

	query := `
		INSERT INTO email_analyses (
			user_id, provider, message_id, importance, categories,
			sender_summary, sender_validated, summary, extracted_info,
			matched_note_ids, should_create_note, note_title, note_keywords,
			note_content, created_note_id, processed_at
		) VALUES (
			:user_id, :provider, :message_id, :importance, :categories,
			:sender_summary, :sender_validated, :summary, :extracted_info,
			:matched_note_ids, :should_create_note, :note_title, :note_keywords,
			:note_content, :created_note_id, :processed_at
		)
		ON CONFLICT (user_id, provider, message_id) DO NOTHING
	`
	result, err := r.db.NamedExecContext(ctx, query, analysis)
	if err != nil {
		return fmt.Errorf("failed to create analysis: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return model.ErrDuplicateEvent
	}
	return nil
}

func (r *analysisRepository) Get(ctx context.Context, userID string, provider model.Provider, messageID string) (*model.EmailAnalysis, error) {
	var analysis model.EmailAnalysis
	query := `SELECT * FROM email_analyses WHERE user_id = $1 AND provider = $2 AND message_id = $3`
	err := r.db.GetContext(ctx, &analysis, query, userID, provider, messageID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get analysis: %w", err)
	}
	return &analysis, nil
}

func (r *analysisRepository) List(ctx context.Context, filter repository.AnalysisFilter) ([]*model.EmailAnalysis, error) {
	query := `SELECT * FROM email_analyses WHERE user_id = $1`
	args := []interface{}{filter.UserID}

	if filter.Provider != "" {
		args = append(args, filter.Provider)
		query += fmt.Sprintf(" AND provider = $%d", len(args))
	}
	if filter.Category != "" {
		args = append(args, filter.Category)
		query += fmt.Sprintf(" AND $%d = ANY(categories)", len(args))
	}

	query += " ORDER BY processed_at DESC"

	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))

	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	var analyses []*model.EmailAnalysis
	err := r.db.SelectContext(ctx, &analyses, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list analyses: %w", err)
	}
	return analyses, nil
}

func (r *analysisRepository) CategoryCounts(ctx context.Context, userID string) (map[string]int, error) {
	query := `
		SELECT category, COUNT(*) AS count
		FROM email_analyses, UNNEST(categories) AS category
		WHERE user_id = $1
		GROUP BY category
	`
	rows, err := r.db.QueryxContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to count categories: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var category string
		var count int
		if err := rows.Scan(&category, &count); err != nil {
			return nil, fmt.Errorf("failed to scan category count: %w", err)
		}
		counts[category] = count
	}
	return counts, rows.Err()
}

func (r *analysisRepository) SetCreatedNote(ctx context.Context, userID string, provider model.Provider, messageID, noteID string) error {
	query := `
		UPDATE email_analyses
		SET created_note_id = $4
		WHERE user_id = $1 AND provider = $2 AND message_id = $3
	`
	_, err := r.db.ExecContext(ctx, query, userID, provider, messageID, noteID)
	if err != nil {
		return fmt.Errorf("failed to set created note: %w", err)
	}
	return nil
}
