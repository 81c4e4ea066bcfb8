package model

import "time"

// Credential holds per-account provider secrets. Gmail accounts carry an
// OAuth token pair, IMAP accounts carry host and login details.
type Credential struct {
	UserID       string    `db:"user_id" json:"user_id"`
	Provider     Provider  `db:"provider" json:"provider"`
	AccessToken  string    `db:"access_token" json:"-"`
	RefreshToken string    `db:"refresh_token" json:"-"`
	TokenExpiry  time.Time `db:"token_expiry" json:"token_expiry"`
	IMAPHost     string    `db:"imap_host" json:"imap_host,omitempty"`
	IMAPPort     int       `db:"imap_port" json:"imap_port,omitempty"`
	IMAPUsername string    `db:"imap_username" json:"imap_username,omitempty"`
	IMAPPassword string    `db:"imap_password" json:"-"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}
