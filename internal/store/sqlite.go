// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides session and transition persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id           TEXT PRIMARY KEY,
			status       TEXT NOT NULL,
			reason       TEXT,
			started_at   TEXT NOT NULL,
			ended_at     TEXT,
			final_cursor INTEGER NOT NULL DEFAULT -1
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at DESC);

		CREATE TABLE IF NOT EXISTS transitions (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			component  TEXT NOT NULL,
			state      TEXT NOT NULL,
			detail     TEXT,
			cursor     INTEGER NOT NULL,
			at         TEXT NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id),

			CHECK (component IN ('session', 'push', 'pull'))
		);

		CREATE INDEX IF NOT EXISTS idx_transitions_session ON transitions(session_id, id);

		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id    TEXT PRIMARY KEY,
			actor       TEXT NOT NULL,
			action      TEXT NOT NULL,
			session_id  TEXT,
			ts          TEXT NOT NULL,
			detail_json TEXT,

			CHECK (action IN ('start_session', 'stop_session', 'create_token'))
		);

		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_log(actor);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// SaveSession inserts a session row or updates status, reason, end time and cursor.
func (s *SQLiteStore) SaveSession(ctx context.Context, rec *SessionRecord) error {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO sessions (id, status, reason, started_at, ended_at, final_cursor)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			reason = excluded.reason,
			ended_at = excluded.ended_at,
			final_cursor = excluded.final_cursor
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.Status,
		nullString(rec.Reason),
		formatTime(rec.StartedAt),
		formatTimePtr(rec.EndedAt),
		rec.FinalCursor,
	)
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}

	s.logger.Debug("saved session", "id", rec.ID, "status", rec.Status)
	return nil
}

// GetSession retrieves a session by ID
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	query := `
		SELECT id, status, reason, started_at, ended_at, final_cursor
		FROM sessions
		WHERE id = ?
	`

	rec, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return rec, nil
}

// ListSessions returns the most recently started sessions first.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]*SessionRecord, error) {
	query := `
		SELECT id, status, reason, started_at, ended_at, final_cursor
		FROM sessions
		ORDER BY started_at DESC, id
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	sessions := []*SessionRecord{}
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return sessions, nil
}

// AppendTransition records a state change. The session row must already exist.
func (s *SQLiteStore) AppendTransition(ctx context.Context, rec *TransitionRecord) error {
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}

	query := `
		INSERT INTO transitions (session_id, component, state, detail, cursor, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	res, err := s.db.ExecContext(ctx, query,
		rec.SessionID,
		rec.Component,
		rec.State,
		nullString(rec.Detail),
		rec.Cursor,
		formatTime(rec.At),
	)
	if err != nil {
		return fmt.Errorf("inserting transition: %w", err)
	}

	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}
	return nil
}

// ListTransitions returns a session's transitions oldest first.
func (s *SQLiteStore) ListTransitions(ctx context.Context, sessionID string, limit int) ([]*TransitionRecord, error) {
	query := `
		SELECT id, session_id, component, state, detail, cursor, at
		FROM transitions
		WHERE session_id = ?
		ORDER BY id
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, sessionID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying transitions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	transitions := []*TransitionRecord{}
	for rows.Next() {
		var (
			rec    TransitionRecord
			detail sql.NullString
			at     string
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Component, &rec.State, &detail, &rec.Cursor, &at); err != nil {
			return nil, fmt.Errorf("scanning transition: %w", err)
		}
		rec.Detail = detail.String
		if rec.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("parsing transition time: %w", err)
		}
		transitions = append(transitions, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transitions: %w", err)
	}
	return transitions, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*SessionRecord, error) {
	var (
		rec       SessionRecord
		reason    sql.NullString
		startedAt string
		endedAt   sql.NullString
	)
	if err := row.Scan(&rec.ID, &rec.Status, &reason, &startedAt, &endedAt, &rec.FinalCursor); err != nil {
		return nil, err
	}
	rec.Reason = reason.String

	var err error
	if rec.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if endedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, endedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing ended_at: %w", err)
		}
		rec.EndedAt = &t
	}
	return &rec, nil
}

// nullString converts an empty string to nil for nullable columns.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
