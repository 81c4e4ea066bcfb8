package model

import "time"

type AccountStatus string

const (
	AccountStatusConnected    AccountStatus = "connected"
	AccountStatusDisconnected AccountStatus = "disconnected"
)

// MailAccount records that a user connected a mailbox of a given provider.
// The hybrid poller scans connected accounts; the webhook handler resolves
// inbound callbacks to a user through the account's address.
type MailAccount struct {
	UserID    string        `db:"user_id" json:"user_id"`
	Provider  Provider      `db:"provider" json:"provider"`
	Address   string        `db:"address" json:"address"`
	Status    AccountStatus `db:"status" json:"status"`
	CreatedAt time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt time.Time     `db:"updated_at" json:"updated_at"`
}
