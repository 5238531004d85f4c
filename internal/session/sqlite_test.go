package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPutAndGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := New("user-1", "chat")
	sess.Append(Turn{Role: RoleUser, Text: "hola", Timestamp: time.Now().UTC()})
	sess.Append(Turn{Role: RoleAssistant, Text: "¡Hola! ¿En qué puedo ayudarte?", Timestamp: time.Now().UTC()})

	require.NoError(t, store.Put(ctx, sess))
	assert.Equal(t, int64(1), sess.Version)

	got, err := store.Get(ctx, "user-1", "chat")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, StateActive, got.State)
	require.Len(t, got.Turns, 2)
	assert.Equal(t, "hola", got.Turns[0].Text)
	assert.Equal(t, int64(1), got.Version)
}

func TestGetNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "nobody", "chat")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutConflictOnStaleVersion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := New("user-1", "chat")
	require.NoError(t, store.Put(ctx, sess))

	// Two copies of the same persisted session.
	a, err := store.Get(ctx, "user-1", "chat")
	require.NoError(t, err)
	b, err := store.Get(ctx, "user-1", "chat")
	require.NoError(t, err)

	a.Append(Turn{Role: RoleUser, Text: "primero", Timestamp: time.Now().UTC()})
	require.NoError(t, store.Put(ctx, a))

	b.Append(Turn{Role: RoleUser, Text: "segundo", Timestamp: time.Now().UTC()})
	err = store.Put(ctx, b)
	assert.ErrorIs(t, err, ErrConflict)

	// The first write survived untouched.
	got, err := store.Get(ctx, "user-1", "chat")
	require.NoError(t, err)
	require.Len(t, got.Turns, 1)
	assert.Equal(t, "primero", got.Turns[0].Text)
}

func TestCloseSessionAndReopen(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := New("user-1", "chat")
	require.NoError(t, store.Put(ctx, sess))

	require.NoError(t, store.CloseSession(ctx, "user-1", "chat"))
	_, err := store.Get(ctx, "user-1", "chat")
	assert.ErrorIs(t, err, ErrNotFound)

	// Closed sessions stay readable by ID.
	got, err := store.GetByID(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, got.State)

	// A new open session for the same pair is allowed once the old one closed.
	require.NoError(t, store.Put(ctx, New("user-1", "chat")))
}

func TestCloseSessionNotFound(t *testing.T) {
	store := newTestStore(t)
	err := store.CloseSession(context.Background(), "ghost", "chat")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExpireIdle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	stale := New("user-1", "chat")
	stale.LastActivityAt = time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, store.Put(ctx, stale))

	fresh := New("user-2", "chat")
	require.NoError(t, store.Put(ctx, fresh))

	n, err := store.ExpireIdle(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.Get(ctx, "user-1", "chat")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(ctx, "user-2", "chat")
	assert.NoError(t, err)
}

func TestCountOpen(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, New("u1", "chat")))
	require.NoError(t, store.Put(ctx, New("u2", "chat")))
	require.NoError(t, store.CloseSession(ctx, "u2", "chat"))

	n, err := store.CountOpen(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSessionExpiredHelper(t *testing.T) {
	sess := New("u", "chat")
	now := sess.LastActivityAt

	assert.False(t, sess.Expired(30*time.Minute, now.Add(10*time.Minute)))
	assert.True(t, sess.Expired(30*time.Minute, now.Add(31*time.Minute)))

	sess.State = StateClosed
	assert.True(t, sess.Expired(30*time.Minute, now))
}

func TestEscalateIsOneWay(t *testing.T) {
	sess := New("u", "chat")
	sess.Escalate("guardrail-high")
	assert.Equal(t, StateEscalated, sess.State)
	assert.Equal(t, "guardrail-high", sess.EscalationReason)

	sess.Escalate("llm-unavailable")
	assert.Equal(t, "guardrail-high", sess.EscalationReason)
}
