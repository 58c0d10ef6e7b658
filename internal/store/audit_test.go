// ABOUTME: Tests for audit log store operations
// ABOUTME: Covers Append and List with filtering for the audit_log table

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditStore_Append(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry := &AuditEntry{
		Actor:     "operator-1",
		Action:    AuditStartSession,
		SessionID: "session-1",
		Detail:    map[string]any{"remote_addr": "127.0.0.1"},
	}

	err := store.AppendAuditLog(ctx, entry)
	require.NoError(t, err)

	// Should have generated ID and timestamp
	assert.NotEmpty(t, entry.ID)
	assert.False(t, entry.Timestamp.IsZero())

	entries, err := store.ListAuditLog(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "session-1", entries[0].SessionID)
	assert.Equal(t, "127.0.0.1", entries[0].Detail["remote_addr"])
}

func TestAuditStore_List_NoFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, action := range []AuditAction{AuditStartSession, AuditStopSession, AuditCreateToken} {
		entry := &AuditEntry{
			Actor:     "operator-1",
			Action:    action,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, store.AppendAuditLog(ctx, entry))
	}

	entries, err := store.ListAuditLog(ctx, AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	// Should be newest first
	assert.Equal(t, AuditCreateToken, entries[0].Action)
	assert.Empty(t, entries[0].SessionID)
}

func TestAuditStore_List_Filters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	baseTime := time.Now().UTC().Add(-time.Hour)
	entries := []*AuditEntry{
		{Actor: "alice", Action: AuditStartSession, Timestamp: baseTime},
		{Actor: "bob", Action: AuditStopSession, Timestamp: baseTime.Add(10 * time.Minute)},
		{Actor: "alice", Action: AuditStopSession, Timestamp: baseTime.Add(20 * time.Minute)},
	}
	for _, e := range entries {
		require.NoError(t, store.AppendAuditLog(ctx, e))
	}

	since := baseTime.Add(5 * time.Minute)
	got, err := store.ListAuditLog(ctx, AuditFilter{Since: &since})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	alice := "alice"
	got, err = store.ListAuditLog(ctx, AuditFilter{Actor: &alice})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	stop := AuditStopSession
	got, err = store.ListAuditLog(ctx, AuditFilter{Actor: &alice, Action: &stop})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, entries[2].ID, got[0].ID)

	got, err = store.ListAuditLog(ctx, AuditFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
