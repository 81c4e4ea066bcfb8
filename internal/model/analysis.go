package model

import (
	"time"

	"github.com/lib/pq"
)

// DefaultCategories are the built-in buckets the analyzer may assign when a
// user has not customized their category set.
var DefaultCategories = []string{"spam", "work", "private", "newsletter", "finance", "social", "other"}

// NoteDraft carries the fields the analyzer proposes when an email warrants
// a new note.
type NoteDraft struct {
	Title    string   `json:"title"`
	Keywords []string `json:"keywords"`
	Content  string   `json:"content"`
}

// Note is the external notes service's representation, as much of it as this
// service needs: an id for matched-context bookkeeping and the text supplied
// to the analyzer.
type Note struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// EmailAnalysis is the persisted outcome of analyzing one message. At most
// one row exists per (user, provider, message); the unique index is the
// at-most-once guard for racing channels.
type EmailAnalysis struct {
	UserID           string         `db:"user_id" json:"user_id"`
	Provider         Provider       `db:"provider" json:"provider"`
	MessageID        string         `db:"message_id" json:"message_id"`
	Importance       int            `db:"importance" json:"importance"`
	Categories       pq.StringArray `db:"categories" json:"categories"`
	SenderSummary    string         `db:"sender_summary" json:"sender_summary"`
	SenderValidated  bool           `db:"sender_validated" json:"sender_validated"`
	Summary          string         `db:"summary" json:"summary"`
	ExtractedInfo    pq.StringArray `db:"extracted_info" json:"extracted_info"`
	MatchedNoteIDs   pq.StringArray `db:"matched_note_ids" json:"matched_note_ids"`
	ShouldCreateNote bool           `db:"should_create_note" json:"should_create_note"`
	NoteTitle        *string        `db:"note_title" json:"note_title,omitempty"`
	NoteKeywords     pq.StringArray `db:"note_keywords" json:"note_keywords,omitempty"`
	NoteContent      *string        `db:"note_content" json:"note_content,omitempty"`
	CreatedNoteID    *string        `db:"created_note_id" json:"created_note_id,omitempty"`
	ProcessedAt      time.Time      `db:"processed_at" json:"processed_at"`
}

// ClampImportance forces the analyzer's importance score into the 1..10
// scale, falling back to the midpoint for out-of-range values.
func ClampImportance(v int) int {
	if v < 1 || v > 10 {
		return 5
	}
	return v
}

// Draft returns the proposed note draft, or nil when the analysis did not
// flag note creation.
func (a *EmailAnalysis) Draft() *NoteDraft {
	if !a.ShouldCreateNote || a.NoteTitle == nil {
		return nil
	}
	d := &NoteDraft{Title: *a.NoteTitle, Keywords: a.NoteKeywords}
	if a.NoteContent != nil {
		d.Content = *a.NoteContent
	}
	return d
}
