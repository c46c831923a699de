// Package store implements the durable, single-writer document snapshot
// store: atomic write-then-rename JSON records keyed by document id.
package store

import "time"

// Status is the document's publication state.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPublished Status = "published"
	StatusArchived  Status = "archived"
)

// Metadata is the document's derived bookkeeping, updated on each flush.
type Metadata struct {
	WordCount      int       `json:"wordCount"`
	CharacterCount int       `json:"characterCount"`
	Status         Status    `json:"status"`
	CreatedBy      string    `json:"createdBy"`
	LastModifiedBy string    `json:"lastModifiedBy"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
	LastAccessedBy string    `json:"lastAccessedBy"`
}

// PersistedOp is the on-disk shape of an applied operation kept in the
// retained tail. It mirrors ot.Op's JSON shape without importing the ot
// package's transform machinery into the persisted record.
type PersistedOp struct {
	ID        string  `json:"id"`
	Kind      string  `json:"type"`
	Position  int     `json:"position"`
	Content   *string `json:"content,omitempty"`
	Length    *int    `json:"length,omitempty"`
	UserID    string  `json:"userId"`
	ClientID  string  `json:"clientId"`
	Timestamp int64   `json:"timestamp"`
	Version   int     `json:"version,omitempty"`
}

// PersistedPresence is the observational, non-authoritative record of a
// session active at the moment of the last save. It is never used to
// repopulate presence on load; presence is transient.
type PersistedPresence struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Color       string    `json:"color"`
	Avatar      string    `json:"avatar"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// Document is the persisted snapshot record.
type Document struct {
	ID          string                       `json:"id"`
	Title       string                       `json:"title"`
	Content     string                       `json:"content"`
	Version     int                          `json:"version"`
	Operations  []PersistedOp                `json:"operations"`
	CreatedAt   time.Time                    `json:"createdAt"`
	UpdatedAt   time.Time                    `json:"updatedAt"`
	CreatedBy   string                       `json:"createdBy"`
	Metadata    Metadata                     `json:"metadata"`
	ActiveUsers map[string]PersistedPresence `json:"activeUsers"`
	LastSaved   time.Time                    `json:"lastSaved"`
}

// NewEmpty builds an empty, never-yet-saved document record for id.
func NewEmpty(id, title, userID string, now time.Time) *Document {
	return &Document{
		ID:        id,
		Title:     title,
		Content:   "",
		Version:   0,
		CreatedAt: now,
		UpdatedAt: now,
		CreatedBy: userID,
		Metadata: Metadata{
			Status:         StatusDraft,
			CreatedBy:      userID,
			LastModifiedBy: userID,
			LastAccessedAt: now,
			LastAccessedBy: userID,
		},
		ActiveUsers: map[string]PersistedPresence{},
	}
}
