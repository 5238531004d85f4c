// Package testutil provides in-memory fakes shared across package tests.
package testutil

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soportecyclops/tienda21/internal/escalate"
	"github.com/soportecyclops/tienda21/internal/llm"
	"github.com/soportecyclops/tienda21/internal/session"
)

// MockProvider is a scriptable llm.Provider that counts calls.
type MockProvider struct {
	ProviderName string
	Reply        string
	Err          error
	Delay        time.Duration

	calls atomic.Int64
}

func (m *MockProvider) Name() string { return m.ProviderName }

func (m *MockProvider) Generate(ctx context.Context, _ *llm.Request) (*llm.Response, error) {
	m.calls.Add(1)
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.Err != nil {
		return nil, m.Err
	}
	return &llm.Response{Content: m.Reply, FinishReason: "stop"}, nil
}

// Calls returns how many times Generate has been invoked.
func (m *MockProvider) Calls() int64 { return m.calls.Load() }

// MemoryStore is an in-memory session.Store with the same version semantics
// as the SQLite implementation.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*session.Session // by ID
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*session.Session)}
}

func (m *MemoryStore) Get(_ context.Context, userID, channel string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.UserID == userID && s.Channel == channel && s.Open() {
			return clone(s), nil
		}
	}
	return nil, session.ErrNotFound
}

func (m *MemoryStore) GetByID(_ context.Context, id string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	return clone(s), nil
}

func (m *MemoryStore) Put(_ context.Context, s *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.sessions[s.ID]
	if s.Version == 0 {
		if ok {
			return session.ErrConflict
		}
		s.Version = 1
		m.sessions[s.ID] = clone(s)
		return nil
	}
	if !ok || stored.Version != s.Version {
		return session.ErrConflict
	}
	s.Version++
	m.sessions[s.ID] = clone(s)
	return nil
}

func (m *MemoryStore) CloseSession(_ context.Context, userID, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.UserID == userID && s.Channel == channel && s.Open() {
			s.State = session.StateClosed
			s.Version++
			return nil
		}
	}
	return session.ErrNotFound
}

func (m *MemoryStore) ExpireIdle(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.sessions {
		if s.Open() && s.LastActivityAt.Before(cutoff) {
			s.State = session.StateClosed
			s.Version++
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CountOpen(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.sessions {
		if s.Open() {
			n++
		}
	}
	return n, nil
}

func clone(s *session.Session) *session.Session {
	c := *s
	c.Turns = append([]session.Turn(nil), s.Turns...)
	return &c
}

// CaptureNotifier records escalation events for assertions.
type CaptureNotifier struct {
	mu     sync.Mutex
	events []escalate.Event
	ch     chan escalate.Event
}

// NewCaptureNotifier creates a notifier with a buffered delivery channel.
func NewCaptureNotifier() *CaptureNotifier {
	return &CaptureNotifier{ch: make(chan escalate.Event, 16)}
}

func (c *CaptureNotifier) Notify(_ context.Context, ev escalate.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	select {
	case c.ch <- ev:
	default:
	}
}

// Events returns a snapshot of the captured events.
func (c *CaptureNotifier) Events() []escalate.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]escalate.Event(nil), c.events...)
}

// Wait blocks until an event is delivered or the timeout elapses.
func (c *CaptureNotifier) Wait(timeout time.Duration) (escalate.Event, bool) {
	select {
	case ev := <-c.ch:
		return ev, true
	case <-time.After(timeout):
		return escalate.Event{}, false
	}
}
