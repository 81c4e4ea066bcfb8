package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/mailzen/ingest-api/internal/model"
	"github.com/mailzen/ingest-api/internal/repository"
)

type subscriptionRepository struct {
	db *sqlx.DB
}

func NewSubscriptionRepository(db *sqlx.DB) repository.SubscriptionRepository {
	return &subscriptionRepository{db: db}
}

func (r *subscriptionRepository) Create(ctx context.Context, sub *model.Subscription) error {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	now := time.Now()
	sub.CreatedAt = now
	sub.UpdatedAt = now

	query := `
		INSERT INTO webhook_subscriptions (
			id, user_id, provider, channel_kind, address, remote_id,
			topic_name, status, expires_at, consecutive_failures,
			created_at, updated_at
		) VALUES (
			:id, :user_id, :provider, :channel_kind, :address, :remote_id,
			:topic_name, :status, :expires_at, :consecutive_failures,
			:created_at, :updated_at
		)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			channel_kind = EXCLUDED.channel_kind,
			address = EXCLUDED.address,
			remote_id = EXCLUDED.remote_id,
			topic_name = EXCLUDED.topic_name,
			status = EXCLUDED.status,
			expires_at = EXCLUDED.expires_at,
			consecutive_failures = 0,
			updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.NamedExecContext(ctx, query, sub)
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

func (r *subscriptionRepository) Get(ctx context.Context, id uuid.UUID) (*model.Subscription, error) {
	var sub model.Subscription
	err := r.db.GetContext(ctx, &sub, `SELECT * FROM webhook_subscriptions WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("subscription not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return &sub, nil
}

func (r *subscriptionRepository) GetForUser(ctx context.Context, userID string, provider model.Provider) (*model.Subscription, error) {
	var sub model.Subscription
	query := `SELECT * FROM webhook_subscriptions WHERE user_id = $1 AND provider = $2`
	err := r.db.GetContext(ctx, &sub, query, userID, provider)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return &sub, nil
}

func (r *subscriptionRepository) ListByStatus(ctx context.Context, statuses ...model.SubscriptionStatus) ([]*model.Subscription, error) {
	query, args, err := sqlx.In(
		`SELECT * FROM webhook_subscriptions WHERE status IN (?) ORDER BY created_at`,
		statuses,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	var subs []*model.Subscription
	err = r.db.SelectContext(ctx, &subs, r.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return subs, nil
}

func (r *subscriptionRepository) ListExpiringWithin(ctx context.Context, window time.Duration) ([]*model.Subscription, error) {
	query := `
		SELECT * FROM webhook_subscriptions
		WHERE status IN ('active', 'expiring')
		AND expires_at IS NOT NULL
		AND expires_at <= $1
		ORDER BY expires_at ASC
	`
	var subs []*model.Subscription
	err := r.db.SelectContext(ctx, &subs, query, time.Now().Add(window))
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring subscriptions: %w", err)
	}
	return subs, nil
}

func (r *subscriptionRepository) MarkRenewed(ctx context.Context, id uuid.UUID, remoteID string, expiresAt time.Time) error {
	query := `
		UPDATE webhook_subscriptions
		SET remote_id = $2,
			expires_at = GREATEST(COALESCE(expires_at, $3), $3),
			status = 'active',
			consecutive_failures = 0,
			last_renewed_at = NOW(),
			updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.ExecContext(ctx, query, id, remoteID, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to mark subscription renewed: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("subscription not found")
	}
	return nil
}

func (r *subscriptionRepository) RecordFailure(ctx context.Context, id uuid.UUID, threshold int) (*model.Subscription, error) {
	query := `
		UPDATE webhook_subscriptions
		SET consecutive_failures = consecutive_failures + 1,
			status = CASE
				WHEN consecutive_failures + 1 >= $2 THEN 'failed'
				ELSE status
			END,
			updated_at = NOW()
		WHERE id = $1
		RETURNING *
	`
	var sub model.Subscription
	err := r.db.GetContext(ctx, &sub, query, id, threshold)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("subscription not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record subscription failure: %w", err)
	}
	return &sub, nil
}

func (r *subscriptionRepository) UpdateRemoteID(ctx context.Context, id uuid.UUID, remoteID string) error {
	query := `UPDATE webhook_subscriptions SET remote_id = $2, updated_at = NOW() WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, remoteID)
	if err != nil {
		return fmt.Errorf("failed to update subscription remote id: %w", err)
	}
	return nil
}

func (r *subscriptionRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status model.SubscriptionStatus) error {
	query := `UPDATE webhook_subscriptions SET status = $2, updated_at = NOW() WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, status)
	if err != nil {
		return fmt.Errorf("failed to update subscription status: %w", err)
	}
	return nil
}

func (r *subscriptionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}
