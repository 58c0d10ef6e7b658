// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers session upserts, history ordering and transition persistence

package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestSaveSession_InsertThenUpdate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	started := time.Now().UTC().Truncate(time.Millisecond)
	rec := &SessionRecord{ID: "s-1", Status: "starting", StartedAt: started, FinalCursor: -1}
	require.NoError(t, store.SaveSession(ctx, rec))

	got, err := store.GetSession(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, "starting", got.Status)
	assert.Nil(t, got.EndedAt)
	assert.Equal(t, int64(-1), got.FinalCursor)
	assert.True(t, started.Equal(got.StartedAt))

	ended := started.Add(time.Minute)
	rec.Status = "stopped_by_failure"
	rec.Reason = "pull channel closed_by_error"
	rec.EndedAt = &ended
	rec.FinalCursor = 17
	rec.StartedAt = started.Add(time.Hour) // not updatable
	require.NoError(t, store.SaveSession(ctx, rec))

	got, err = store.GetSession(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, "stopped_by_failure", got.Status)
	assert.Equal(t, "pull channel closed_by_error", got.Reason)
	require.NotNil(t, got.EndedAt)
	assert.True(t, ended.Equal(*got.EndedAt))
	assert.Equal(t, int64(17), got.FinalCursor)
	assert.True(t, started.Equal(got.StartedAt))
}

func TestGetSession_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetSession(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListSessions_NewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	// Fractional seconds of different precision must still sort by time.
	offsets := []time.Duration{0, 100 * time.Millisecond, 120 * time.Millisecond, time.Second}
	for i, off := range offsets {
		rec := &SessionRecord{ID: string(rune('a' + i)), Status: "running", StartedAt: base.Add(off)}
		require.NoError(t, store.SaveSession(ctx, rec))
	}

	sessions, err := store.ListSessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, sessions, 4)
	assert.Equal(t, []string{"d", "c", "b", "a"}, []string{sessions[0].ID, sessions[1].ID, sessions[2].ID, sessions[3].ID})

	sessions, err = store.ListSessions(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestTransitions_AppendAndList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveSession(ctx, &SessionRecord{ID: "s-1", Status: "running"}))

	steps := []TransitionRecord{
		{SessionID: "s-1", Component: "session", State: "starting", Cursor: -1},
		{SessionID: "s-1", Component: "pull", State: "receiving", Detail: "receiving data", Cursor: -1},
		{SessionID: "s-1", Component: "pull", State: "closed_by_error", Detail: "transport failure", Cursor: 3},
	}
	for i := range steps {
		require.NoError(t, store.AppendTransition(ctx, &steps[i]))
		assert.NotZero(t, steps[i].ID)
	}

	got, err := store.ListTransitions(ctx, "s-1", 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "starting", got[0].State)
	assert.Empty(t, got[0].Detail)
	assert.Equal(t, "closed_by_error", got[2].State)
	assert.Equal(t, int64(3), got[2].Cursor)
	assert.False(t, got[2].At.IsZero())

	other, err := store.ListTransitions(ctx, "s-2", 0)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestTransitions_RequireSession(t *testing.T) {
	store := newTestStore(t)

	err := store.AppendTransition(context.Background(), &TransitionRecord{SessionID: "ghost", Component: "session", State: "running"})
	assert.Error(t, err)
}

func TestTransitions_RejectUnknownComponent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveSession(ctx, &SessionRecord{ID: "s-1", Status: "running"}))

	err := store.AppendTransition(ctx, &TransitionRecord{SessionID: "s-1", Component: "websocket", State: "open"})
	assert.Error(t, err)
}

func TestMockStore_MatchesSQLiteBehavior(t *testing.T) {
	ctx := context.Background()
	for name, s := range map[string]Store{"sqlite": newTestStore(t), "mock": NewMockStore()} {
		t.Run(name, func(t *testing.T) {
			_, err := s.GetSession(ctx, "nope")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.SaveSession(ctx, &SessionRecord{ID: "x", Status: "running", FinalCursor: -1}))
			require.NoError(t, s.AppendTransition(ctx, &TransitionRecord{SessionID: "x", Component: "push", State: "receiving"}))
			assert.Error(t, s.AppendTransition(ctx, &TransitionRecord{SessionID: "y", Component: "push", State: "receiving"}))

			list, err := s.ListTransitions(ctx, "x", 0)
			require.NoError(t, err)
			assert.Len(t, list, 1)
		})
	}
}
