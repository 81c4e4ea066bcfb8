// Package provider implements mail provider adapters.
package provider

import (
	"context"
	"time"

	"github.com/mailzen/ingest-api/internal/model"
)

// WatchResult describes a registered push channel.
type WatchResult struct {
	// RemoteID identifies the provider-side channel, for Gmail the
	// history id returned by users.watch.
	RemoteID  string
	ExpiresAt time.Time
}

// MailProvider is the outbound contract for one mail backend. Credential
// problems must surface as model.CredentialError so callers disable the
// channel instead of retrying.
type MailProvider interface {
	Name() model.Provider

	// Watch registers a push channel for the user's mailbox. Providers
	// without push support return an error.
	Watch(ctx context.Context, userID string) (*WatchResult, error)
	StopWatch(ctx context.Context, userID string) error

	// ResolveDelta returns message ids that arrived after deltaRef,
	// oldest first, plus the new reference to store.
	ResolveDelta(ctx context.Context, userID, deltaRef string) ([]string, string, error)

	// ListMessagesSince returns up to max message ids newer than sinceID,
	// oldest first. An empty sinceID returns the most recent messages.
	ListMessagesSince(ctx context.Context, userID, sinceID string, max int) ([]string, error)

	GetMessage(ctx context.Context, userID, messageID string) (*model.EmailMessage, error)
}

// Registry maps provider names to adapters.
type Registry struct {
	providers map[model.Provider]MailProvider
}

func NewRegistry(providers ...MailProvider) *Registry {
	r := &Registry{providers: make(map[model.Provider]MailProvider)}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

func (r *Registry) Get(name model.Provider) (MailProvider, bool) {
	p, ok := r.providers[name]
	return p, ok
}
