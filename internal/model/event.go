package model

import "time"

// RawMailEvent is the envelope every delivery channel produces for a new
// message. It is ephemeral: consumed immediately by the dispatcher, never
// persisted.
type RawMailEvent struct {
	UserID      string      `json:"user_id"`
	Provider    Provider    `json:"provider"`
	ChannelKind ChannelKind `json:"channel_kind"`
	MessageID   string      `json:"message_id"`
	ReceivedAt  time.Time   `json:"received_at"`
}

// EmailMessage is the fetched content of one mail message, the unit handed
// to the analyzer.
type EmailMessage struct {
	MessageID string   `json:"message_id"`
	Provider  Provider `json:"provider"`
	From      string   `json:"from"`
	Subject   string   `json:"subject"`
	Body      string   `json:"body"`
}

// ProcessedMarker records, per (user, provider), the newest message id that
// completed dispatch. It is the dedupe authority and the poller's resume
// point; it only ever moves forward.
type ProcessedMarker struct {
	UserID        string    `db:"user_id" json:"user_id"`
	Provider      Provider  `db:"provider" json:"provider"`
	LastMessageID string    `db:"last_message_id" json:"last_message_id"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}
