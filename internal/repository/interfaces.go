package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mailzen/ingest-api/internal/model"
)

type SubscriptionRepository interface {
	Create(ctx context.Context, sub *model.Subscription) error
	Get(ctx context.Context, id uuid.UUID) (*model.Subscription, error)
	GetForUser(ctx context.Context, userID string, provider model.Provider) (*model.Subscription, error)
	ListByStatus(ctx context.Context, statuses ...model.SubscriptionStatus) ([]*model.Subscription, error)
	ListExpiringWithin(ctx context.Context, window time.Duration) ([]*model.Subscription, error)
	// MarkRenewed records a successful renewal. The stored expiry never
	// moves backwards, so a stale renewal result cannot shorten a
	// subscription that a concurrent renewal already extended.
	MarkRenewed(ctx context.Context, id uuid.UUID, remoteID string, expiresAt time.Time) error
	RecordFailure(ctx context.Context, id uuid.UUID, threshold int) (*model.Subscription, error)
	UpdateRemoteID(ctx context.Context, id uuid.UUID, remoteID string) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status model.SubscriptionStatus) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type MarkerRepository interface {
	Get(ctx context.Context, userID string, provider model.Provider) (*model.ProcessedMarker, error)
	// Advance moves the marker forward to messageID. A marker that is
	// already at or past messageID is left untouched.
	Advance(ctx context.Context, userID string, provider model.Provider, messageID string) error
}

type AnalysisFilter struct {
	UserID   string
	Provider model.Provider
	Category string
	Limit    int
	Offset   int
}

type AnalysisRepository interface {
	// Create persists an analysis result. Inserting a (user, provider,
	// message) triple that already exists returns model.ErrDuplicateEvent.
	Create(ctx context.Context, analysis *model.EmailAnalysis) error
	Get(ctx context.Context, userID string, provider model.Provider, messageID string) (*model.EmailAnalysis, error)
	List(ctx context.Context, filter AnalysisFilter) ([]*model.EmailAnalysis, error)
	CategoryCounts(ctx context.Context, userID string) (map[string]int, error)
	SetCreatedNote(ctx context.Context, userID string, provider model.Provider, messageID, noteID string) error
}

type AccountRepository interface {
	Upsert(ctx context.Context, account *model.MailAccount) error
	Get(ctx context.Context, userID string, provider model.Provider) (*model.MailAccount, error)
	GetByAddress(ctx context.Context, provider model.Provider, address string) (*model.MailAccount, error)
	ListConnected(ctx context.Context) ([]*model.MailAccount, error)
	UpdateStatus(ctx context.Context, userID string, provider model.Provider, status model.AccountStatus) error
}

type CredentialRepository interface {
	Upsert(ctx context.Context, cred *model.Credential) error
	Get(ctx context.Context, userID string, provider model.Provider) (*model.Credential, error)
	Delete(ctx context.Context, userID string, provider model.Provider) error
}
