package session

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no open session exists for a (user, channel) pair.
	ErrNotFound = errors.New("session not found")
	// ErrConflict is returned when Put loses an optimistic-concurrency race:
	// the stored version no longer matches the session's version.
	ErrConflict = errors.New("session version conflict")
)

// Store is the persistence boundary for sessions. Put is conditional on the
// session's version so a lost update cannot silently occur even if the
// per-session lock were ever bypassed.
type Store interface {
	// Get returns the open (active or escalated) session for the pair,
	// or ErrNotFound.
	Get(ctx context.Context, userID, channel string) (*Session, error)
	// GetByID returns a session by its ID regardless of state, or ErrNotFound.
	GetByID(ctx context.Context, id string) (*Session, error)
	// Put inserts (version 0) or conditionally updates the session.
	// On success the session's Version is advanced in place.
	Put(ctx context.Context, s *Session) error
	// CloseSession marks the open session for the pair as closed. Returns
	// ErrNotFound when there is none.
	CloseSession(ctx context.Context, userID, channel string) error
	// ExpireIdle closes every open session idle since before cutoff and
	// returns how many were closed.
	ExpireIdle(ctx context.Context, cutoff time.Time) (int64, error)
}
