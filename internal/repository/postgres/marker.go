package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/mailzen/ingest-api/internal/model"
	"github.com/mailzen/ingest-api/internal/repository"
)

type markerRepository struct {
	db *sqlx.DB
}

func NewMarkerRepository(db *sqlx.DB) repository.MarkerRepository {
	return &markerRepository{db: db}
}

func (r *markerRepository) Get(ctx context.Context, userID string, provider model.Provider) (*model.ProcessedMarker, error) {
	var marker model.ProcessedMarker
	query := `SELECT * FROM processed_markers WHERE user_id = $1 AND provider = $2`
	err := r.db.GetContext(ctx, &marker, query, userID, provider)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get processed marker: %w", err)
	}
	return &marker, nil
}

func (r *markerRepository) Advance(ctx context.Context, userID string, provider model.Provider, messageID string) error {
	// Message identifiers are compared in Go, not in SQL, so the row is
	// locked for the duration of the comparison.
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	query := `SELECT last_message_id FROM processed_markers WHERE user_id = $1 AND provider = $2 FOR UPDATE`
	err = tx.GetContext(ctx, &current, query, userID, provider)
	switch {
	case err == sql.ErrNoRows:
		insert := `
			INSERT INTO processed_markers (user_id, provider, last_message_id, updated_at)
			VALUES ($1, $2, $3, NOW())
		`
		if _, err := tx.ExecContext(ctx, insert, userID, provider, messageID); err != nil {
			return fmt.Errorf("failed to insert processed marker: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to read processed marker: %w", err)
	default:
		if !model.MessageIDNewer(messageID, current) {
			return nil
		}
		update := `
			UPDATE processed_markers
			SET last_message_id = $3, updated_at = NOW()
			WHERE user_id = $1 AND provider = $2
		`
		if _, err := tx.ExecContext(ctx, update, userID, provider, messageID); err != nil {
			return fmt.Errorf("failed to advance processed marker: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit marker advance: %w", err)
	}
	return nil
}
