package model

import (
	"time"

	"github.com/google/uuid"
)

type Provider string

const (
	ProviderGmail Provider = "gmail"
	ProviderIMAP  Provider = "imap"
)

func (p Provider) Valid() bool {
	return p == ProviderGmail || p == ProviderIMAP
}

type ChannelKind string

const (
	ChannelPush ChannelKind = "push"
	ChannelIdle ChannelKind = "idle"
	// ChannelPoll marks events produced by the fallback poller rather
	// than a registered real-time channel.
	ChannelPoll ChannelKind = "poll"
)

type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusExpiring SubscriptionStatus = "expiring"
	SubscriptionStatusFailed   SubscriptionStatus = "failed"
	SubscriptionStatusExpired  SubscriptionStatus = "expired"
)

// Subscription is a registered real-time delivery channel for one
// (user, provider) pair. Push subscriptions carry a finite expiry and a
// provider-side delta reference (Gmail history id); idle subscriptions have
// no expiry and exist so channel health is visible to the poller.
type Subscription struct {
	ID                  uuid.UUID          `db:"id" json:"id"`
	UserID              string             `db:"user_id" json:"user_id"`
	Provider            Provider           `db:"provider" json:"provider"`
	ChannelKind         ChannelKind        `db:"channel_kind" json:"channel_kind"`
	Status              SubscriptionStatus `db:"status" json:"status"`
	Address             string             `db:"address" json:"address"`
	RemoteID            string             `db:"remote_id" json:"remote_id,omitempty"`
	TopicName           string             `db:"topic_name" json:"topic_name,omitempty"`
	ExpiresAt           *time.Time         `db:"expires_at" json:"expires_at,omitempty"`
	LastRenewedAt       *time.Time         `db:"last_renewed_at" json:"last_renewed_at,omitempty"`
	ConsecutiveFailures int                `db:"consecutive_failures" json:"consecutive_failures"`
	CreatedAt           time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time          `db:"updated_at" json:"updated_at"`
}

// Live reports whether the subscription still represents a channel worth
// trusting: active or expiring (still being renewed), but not failed/expired.
func (s *Subscription) Live() bool {
	return s.Status == SubscriptionStatusActive || s.Status == SubscriptionStatusExpiring
}

// ExpiresWithin reports whether the subscription expires inside the given
// window. Subscriptions without an expiry (idle channels) never expire.
func (s *Subscription) ExpiresWithin(window time.Duration) bool {
	if s.ExpiresAt == nil {
		return false
	}
	return s.ExpiresAt.Before(time.Now().Add(window))
}
