// Package session holds durable conversation state: one open session per
// (user, channel) pair, its ordered turn history, and the per-session locks
// that serialize pipeline processing.
package session

import (
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a session.
type State string

const (
	StateActive    State = "active"
	StateEscalated State = "escalated"
	StateClosed    State = "closed"
)

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one entry in a session's conversation history.
// User turns carry the guardrail outcome that was recorded for them so the
// escalation decider can detect repeated friction without re-evaluating.
type Turn struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Rule      string    `json:"rule,omitempty"`     // violated guardrail rule, if any
	Severity  string    `json:"severity,omitempty"` // severity of that rule
}

// Session is the durable conversation state for one (user, channel) pair.
// At most one session per pair is open (active or escalated) at a time;
// closed sessions are never mutated again.
type Session struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	Channel          string    `json:"channel"`
	State            State     `json:"state"`
	Turns            []Turn    `json:"turns"`
	EscalationReason string    `json:"escalation_reason,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	LastActivityAt   time.Time `json:"last_activity_at"`

	// Version supports optimistic concurrency on Put. Zero means the
	// session has never been persisted.
	Version int64 `json:"version"`
}

// New creates a fresh active session for the given user and channel.
func New(userID, channel string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		Channel:        channel,
		State:          StateActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

// Open reports whether the session still accepts messages.
func (s *Session) Open() bool {
	return s.State == StateActive || s.State == StateEscalated
}

// Expired reports whether the session has been idle longer than ttl.
func (s *Session) Expired(ttl time.Duration, now time.Time) bool {
	if !s.Open() {
		return true
	}
	return now.After(s.LastActivityAt.Add(ttl))
}

// Escalate transitions the session to escalated. The transition is one-way:
// an already escalated session keeps its original reason.
func (s *Session) Escalate(reason string) {
	if s.State != StateActive {
		return
	}
	s.State = StateEscalated
	s.EscalationReason = reason
}

// Append adds a turn and refreshes the activity timestamp.
func (s *Session) Append(t Turn) {
	s.Turns = append(s.Turns, t)
	if t.Timestamp.After(s.LastActivityAt) {
		s.LastActivityAt = t.Timestamp
	}
}

// RecentTurns returns up to n most recent turns, oldest first.
func (s *Session) RecentTurns(n int) []Turn {
	if n <= 0 || len(s.Turns) <= n {
		return s.Turns
	}
	return s.Turns[len(s.Turns)-n:]
}

// Key returns the lock/store key for a (user, channel) pair.
func Key(userID, channel string) string {
	return userID + ":" + channel
}
