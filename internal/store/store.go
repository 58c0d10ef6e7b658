// ABOUTME: Store interface and data types for coven-relay persistence
// ABOUTME: Defines session, transition and audit records and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// SessionRecord is the persisted summary of one relay session.
type SessionRecord struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	Reason      string     `json:"reason,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"` // nil while the session is live
	FinalCursor int64      `json:"final_cursor"`
}

// TransitionRecord is one state change of a session or one of its channels.
type TransitionRecord struct {
	ID        int64     `json:"id"` // assigned by the database
	SessionID string    `json:"session_id"`
	Component string    `json:"component"` // "session", "push" or "pull"
	State     string    `json:"state"`
	Detail    string    `json:"detail,omitempty"`
	Cursor    int64     `json:"cursor"`
	At        time.Time `json:"at"`
}

// Store is the persistence boundary of the relay.
type Store interface {
	// SaveSession inserts the session or updates its mutable fields.
	SaveSession(ctx context.Context, rec *SessionRecord) error
	GetSession(ctx context.Context, id string) (*SessionRecord, error)
	// ListSessions returns the most recent sessions first.
	ListSessions(ctx context.Context, limit int) ([]*SessionRecord, error)

	AppendTransition(ctx context.Context, rec *TransitionRecord) error
	// ListTransitions returns a session's transitions in the order they happened.
	ListTransitions(ctx context.Context, sessionID string, limit int) ([]*TransitionRecord, error)

	AppendAuditLog(ctx context.Context, e *AuditEntry) error
	ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error)

	Close() error
}

// normalizeLimit applies default (50) and cap (1000) to list limits.
func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
