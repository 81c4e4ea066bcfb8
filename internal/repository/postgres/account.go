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

type accountRepository struct {
	db *sqlx.DB
}

func NewAccountRepository(db *sqlx.DB) repository.AccountRepository {
	return &accountRepository{db: db}
}

func (r *accountRepository) Upsert(ctx context.Context, account *model.MailAccount) error {
	now := time.Now()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now

	query := `
		INSERT INTO mail_accounts (user_id, provider, address, status, created_at, updated_at)
		VALUES (:user_id, :provider, :address, :status, :created_at, :updated_at)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			address = EXCLUDED.address,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.NamedExecContext(ctx, query, account)
	if err != nil {
		return fmt.Errorf("failed to upsert account: %w", err)
	}
	return nil
}

func (r *accountRepository) Get(ctx context.Context, userID string, provider model.Provider) (*model.MailAccount, error) {
	var account model.MailAccount
	query := `SELECT * FROM mail_accounts WHERE user_id = $1 AND provider = $2`
	err := r.db.GetContext(ctx, &account, query, userID, provider)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

func (r *accountRepository) GetByAddress(ctx context.Context, provider model.Provider, address string) (*model.MailAccount, error) {
	var account model.MailAccount
	query := `SELECT * FROM mail_accounts WHERE provider = $1 AND LOWER(address) = LOWER($2)`
	err := r.db.GetContext(ctx, &account, query, provider, address)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account by address: %w", err)
	}
	return &account, nil
}

func (r *accountRepository) ListConnected(ctx context.Context) ([]*model.MailAccount, error) {
	var accounts []*model.MailAccount
	query := `SELECT * FROM mail_accounts WHERE status = 'connected' ORDER BY user_id`
	err := r.db.SelectContext(ctx, &accounts, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list connected accounts: %w", err)
	}
	return accounts, nil
}

func (r *accountRepository) UpdateStatus(ctx context.Context, userID string, provider model.Provider, status model.AccountStatus) error {
	query := `
		UPDATE mail_accounts
		SET status = $3, updated_at = NOW()
		WHERE user_id = $1 AND provider = $2
	`
	_, err := r.db.ExecContext(ctx, query, userID, provider, status)
	if err != nil {
		return fmt.Errorf("failed to update account status: %w", err)
	}
	return nil
}
