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

type credentialRepository struct {
	db *sqlx.DB
}

func NewCredentialRepository(db *sqlx.DB) repository.CredentialRepository {
	return &credentialRepository{db: db}
}

func (r *credentialRepository) Upsert(ctx context.Context, cred *model.Credential) error {
	cred.UpdatedAt = time.Now()

	query := `
		INSERT INTO mail_credentials (
			user_id, provider, access_token, refresh_token, token_expiry,
			imap_host, imap_port, imap_username, imap_password, updated_at
		) VALUES (
			:user_id, :provider, :access_token, :refresh_token, :token_expiry,
			:imap_host, :imap_port, :imap_username, :imap_password, :updated_at
		)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_expiry = EXCLUDED.token_expiry,
			imap_host = EXCLUDED.imap_host,
			imap_port = EXCLUDED.imap_port,
			imap_username = EXCLUDED.imap_username,
			imap_password = EXCLUDED.imap_password,
			updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.NamedExecContext(ctx, query, cred)
	if err != nil {
		return fmt.Errorf("failed to upsert credential: %w", err)
	}
	return nil
}

func (r *credentialRepository) Get(ctx context.Context, userID string, provider model.Provider) (*model.Credential, error) {
	var cred model.Credential
	query := `SELECT * FROM mail_credentials WHERE user_id = $1 AND provider = $2`
	err := r.db.GetContext(ctx, &cred, query, userID, provider)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return &cred, nil
}

func (r *credentialRepository) Delete(ctx context.Context, userID string, provider model.Provider) error {
	query := `DELETE FROM mail_credentials WHERE user_id = $1 AND provider = $2`
	_, err := r.db.ExecContext(ctx, query, userID, provider)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}
