// Package store provides persistent storage for the relay using SQLite.
//
// # Data Models
//
//   - SessionRecord: one relay session, its terminal status and final cursor
//   - TransitionRecord: every phase or status change, in order
//   - AuditEntry: operator actions (start, stop, token issue)
//
// SQLiteStore implements Store on modernc.org/sqlite in WAL mode. MockStore
// is an in-memory implementation for tests.
//
// Transitions are written by the gateway observer, never from inside the
// channel loops.
package store
