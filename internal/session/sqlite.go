package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"

	t21otel "github.com/soportecyclops/tienda21/internal/otel"
)

var tracer = t21otel.Tracer("github.com/soportecyclops/tienda21/internal/session")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    channel TEXT NOT NULL,
    state TEXT NOT NULL,
    turns TEXT NOT NULL DEFAULT '[]',
    escalation_reason TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    last_activity_at TIMESTAMP NOT NULL,
    version INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_open
    ON sessions(user_id, channel) WHERE state != 'closed';
CREATE INDEX IF NOT EXISTS idx_sessions_last_activity ON sessions(last_activity_at);
`

// SQLiteStore persists sessions in SQLite with an optimistic version column.
// The partial unique index enforces the one-open-session-per-pair invariant
// at the storage layer, independent of the per-session locks.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the session database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening session database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing session schema: %w", err)
	}
	// Serialized writes; SQLite handles one writer at a time anyway.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Get returns the open session for the (user, channel) pair.
func (s *SQLiteStore) Get(ctx context.Context, userID, channel string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, channel, state, turns, escalation_reason, created_at, last_activity_at, version
		FROM sessions
		WHERE user_id = ? AND channel = ? AND state != 'closed'`,
		userID, channel)
	return scanSession(row)
}

// GetByID returns a session by ID regardless of state.
func (s *SQLiteStore) GetByID(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, channel, state, turns, escalation_reason, created_at, last_activity_at, version
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// Put inserts a new session (Version 0) or conditionally updates an existing
// one. On success the session's Version is advanced in place.
func (s *SQLiteStore) Put(ctx context.Context, sess *Session) error {
	ctx, span := tracer.Start(ctx, "session.put")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", sess.ID),
		attribute.String("session.state", string(sess.State)),
	)

	turns, err := json.Marshal(sess.Turns)
	if err != nil {
		return fmt.Errorf("encoding session turns: %w", err)
	}

	if sess.Version == 0 {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (id, user_id, channel, state, turns, escalation_reason, created_at, last_activity_at, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			sess.ID, sess.UserID, sess.Channel, string(sess.State), string(turns),
			sess.EscalationReason, sess.CreatedAt.UTC(), sess.LastActivityAt.UTC())
		if err != nil {
			return fmt.Errorf("inserting session: %w", err)
		}
		sess.Version = 1
		return nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET state = ?, turns = ?, escalation_reason = ?, last_activity_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		string(sess.State), string(turns), sess.EscalationReason,
		sess.LastActivityAt.UTC(), sess.ID, sess.Version)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	sess.Version++
	return nil
}

// CloseSession marks the open session for the pair as closed.
func (s *SQLiteStore) CloseSession(ctx context.Context, userID, channel string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET state = 'closed', version = version + 1
		WHERE user_id = ? AND channel = ? AND state != 'closed'`,
		userID, channel)
	if err != nil {
		return fmt.Errorf("closing session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("closing session: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ExpireIdle closes every open session idle since before cutoff.
func (s *SQLiteStore) ExpireIdle(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET state = 'closed', version = version + 1
		WHERE state != 'closed' AND last_activity_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("expiring sessions: %w", err)
	}
	return res.RowsAffected()
}

// CountOpen returns the number of open sessions (for the status endpoint).
func (s *SQLiteStore) CountOpen(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE state != 'closed'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting sessions: %w", err)
	}
	return n, nil
}

func scanSession(row *sql.Row) (*Session, error) {
	var (
		sess  Session
		state string
		turns string
	)
	err := row.Scan(&sess.ID, &sess.UserID, &sess.Channel, &state, &turns,
		&sess.EscalationReason, &sess.CreatedAt, &sess.LastActivityAt, &sess.Version)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	sess.State = State(state)
	if err := json.Unmarshal([]byte(turns), &sess.Turns); err != nil {
		return nil, fmt.Errorf("decoding session turns: %w", err)
	}
	return &sess, nil
}
