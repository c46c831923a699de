// Package engine implements the per-document collaboration engine: the
// serialized actor owning content, the applied-operation tail, the pending
// queue and the presence map.
package engine

import (
	"time"

	"collabedit/internal/ot"
	"collabedit/internal/store"
)

// UserRecord is the caller-supplied opaque identity plus a short display
// record. The engine never interprets the identifiers.
type UserRecord struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Color       string `json:"color"`
	Avatar      string `json:"avatar"`
}

// Cursor is the opaque per-user cursor state broadcast to peers.
type Cursor struct {
	Position  int  `json:"position"`
	Selection *int `json:"selection,omitempty"`
}

// Presence is the per-session display record visible to peers of the
// same document.
type Presence struct {
	SessionID        string    `json:"socketId"`
	UserID           string    `json:"userId"`
	DisplayName      string    `json:"displayName"`
	Color            string    `json:"color"`
	Avatar           string    `json:"avatar"`
	JoinedAt         time.Time `json:"joinedAt"`
	Cursor           Cursor    `json:"cursor"`
	LastCursorUpdate time.Time `json:"lastCursorUpdate"`
}

// DocumentSnapshot is the read-only view returned to a joining session and
// to the metadata API.
type DocumentSnapshot struct {
	DocumentID  string         `json:"documentId"`
	Content     string         `json:"content"`
	Version     int            `json:"version"`
	Metadata    store.Metadata `json:"metadata"`
	ActiveUsers []Presence     `json:"activeUsers"`
}

// Stats is the read-only summary exposed via the metadata API's stats
// endpoint.
type Stats struct {
	Version         int            `json:"version"`
	ActiveUserCount int            `json:"activeUserCount"`
	TailLength      int            `json:"tailLength"`
	QueuedCount     int            `json:"queuedCount"`
	Metadata        store.Metadata `json:"metadata"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// EventType enumerates the outbound emissions.
type EventType string

const (
	EventDocumentState      EventType = "document-state"
	EventOperationImmediate EventType = "operation-immediate"
	EventDocumentSync       EventType = "document-sync"
	EventUserJoined         EventType = "user-joined"
	EventUserLeft           EventType = "user-left"
	EventUsersUpdated       EventType = "users-updated"
	EventCursorUpdate       EventType = "cursor-update"
	EventError              EventType = "error"
	EventFatal              EventType = "fatal"
)

// Event is one engine emission. ExcludeSessionID, when non-empty, is the
// originating session a broadcast must skip (operation-immediate and
// cursor-update).
type Event struct {
	Type             EventType
	DocumentID       string
	ExcludeSessionID string
	// TargetSessionID, when non-empty, restricts delivery to exactly one
	// session (used for the per-join document-state send and for
	// InvalidOperation/UnknownDocument error replies).
	TargetSessionID string
	Payload         any
}

// Emitter is the Hub-provided handle an engine uses to publish events. It
// must not block on I/O and must not be held while the engine's actor loop
// is processing the next request.
type Emitter func(Event)

// DocumentStatePayload backs the document-state event delivered to the
// joining session alone, before it becomes a broadcast target.
type DocumentStatePayload struct {
	DocumentID  string         `json:"documentId"`
	Content     string         `json:"content"`
	Version     int            `json:"version"`
	Metadata    store.Metadata `json:"metadata"`
	ActiveUsers []Presence     `json:"activeUsers"`
}

// OperationImmediatePayload backs the operation-immediate event.
type OperationImmediatePayload struct {
	Operation   *ot.Op     `json:"operation"`
	TempContent string     `json:"tempContent"`
	User        UserRecord `json:"user"`
}

// DocumentSyncPayload backs the document-sync event.
type DocumentSyncPayload struct {
	Content    string         `json:"content"`
	Version    int            `json:"version"`
	Operations []*ot.Op       `json:"operations"`
	Metadata   store.Metadata `json:"metadata"`
}

// UserJoinedPayload / UserLeftPayload back user-joined / user-left.
type UserJoinedPayload struct {
	User     UserRecord `json:"user"`
	SocketID string     `json:"socketId"`
}

type UserLeftPayload struct {
	User     UserRecord `json:"user"`
	SocketID string     `json:"socketId"`
}

// UsersUpdatedPayload backs users-updated.
type UsersUpdatedPayload struct {
	ActiveUsers []Presence `json:"activeUsers"`
}

// CursorUpdatePayload backs cursor-update.
type CursorUpdatePayload struct {
	User      UserRecord `json:"user"`
	Cursor    Cursor     `json:"cursor"`
	Timestamp time.Time  `json:"timestamp"`
}

// ErrorPayload backs the error event.
type ErrorPayload struct {
	Message string `json:"message"`
}
