// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu          sync.RWMutex
	sessions    map[string]*SessionRecord      // keyed by session ID
	transitions map[string][]*TransitionRecord // keyed by session ID
	audit       []AuditEntry
	nextID      int64
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		sessions:    make(map[string]*SessionRecord),
		transitions: make(map[string][]*TransitionRecord),
	}
}

// SaveSession inserts or updates a session.
func (m *MockStore) SaveSession(ctx context.Context, rec *SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}

	// Make a copy to avoid external modification
	r := *rec
	if existing, ok := m.sessions[r.ID]; ok {
		r.StartedAt = existing.StartedAt
	}
	m.sessions[r.ID] = &r
	return nil
}

// GetSession retrieves a session by ID.
func (m *MockStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}

	// Return a copy
	result := *r
	return &result, nil
}

// ListSessions returns sessions newest first.
func (m *MockStore) ListSessions(ctx context.Context, limit int) ([]*SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]*SessionRecord, 0, len(m.sessions))
	for _, r := range m.sessions {
		c := *r
		sessions = append(sessions, &c)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.After(sessions[j].StartedAt)
	})

	if limit = normalizeLimit(limit); len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

// AppendTransition stores a transition. Like the SQLite store it requires the session to exist.
func (m *MockStore) AppendTransition(ctx context.Context, rec *TransitionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[rec.SessionID]; !ok {
		return ErrNotFound
	}
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	m.nextID++
	rec.ID = m.nextID

	r := *rec
	m.transitions[r.SessionID] = append(m.transitions[r.SessionID], &r)
	return nil
}

// ListTransitions returns a session's transitions oldest first.
func (m *MockStore) ListTransitions(ctx context.Context, sessionID string, limit int) ([]*TransitionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.transitions[sessionID]
	if limit = normalizeLimit(limit); len(all) > limit {
		all = all[:limit]
	}
	out := make([]*TransitionRecord, 0, len(all))
	for _, r := range all {
		c := *r
		out = append(out, &c)
	}
	return out, nil
}

// AppendAuditLog stores an audit entry.
func (m *MockStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	m.audit = append(m.audit, *e)
	return nil
}

// ListAuditLog returns matching entries newest first.
func (m *MockStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := []AuditEntry{}
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if f.Since != nil && e.Timestamp.Before(*f.Since) {
			continue
		}
		if f.Actor != nil && e.Actor != *f.Actor {
			continue
		}
		if f.Action != nil && e.Action != *f.Action {
			continue
		}
		entries = append(entries, e)
		if len(entries) == normalizeLimit(f.Limit) {
			break
		}
	}
	return entries, nil
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}
