package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soportecyclops/tienda21/internal/session"
	"github.com/soportecyclops/tienda21/internal/testutil"
)

type mockSyncer struct {
	calls int
}

func (m *mockSyncer) Sync(context.Context) (int, error) {
	m.calls++
	return 0, nil
}

func TestRegisterJobsAddEntries(t *testing.T) {
	sched := NewScheduler()

	require.NoError(t, sched.RegisterSessionExpiry("*/5 * * * *", testutil.NewMemoryStore(), 30*time.Minute))
	require.NoError(t, sched.RegisterCatalogSync("0 * * * *", &mockSyncer{}))
	assert.Equal(t, 2, sched.Entries())
}

func TestRegisterInvalidCron(t *testing.T) {
	sched := NewScheduler()

	assert.Error(t, sched.RegisterSessionExpiry("nope", testutil.NewMemoryStore(), time.Minute))
	assert.Error(t, sched.RegisterCatalogSync("also nope", &mockSyncer{}))
}

func TestSessionExpirySweepClosesIdle(t *testing.T) {
	store := testutil.NewMemoryStore()
	ctx := context.Background()

	idle := session.New("u1", "whatsapp")
	idle.LastActivityAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, store.Put(ctx, idle))
	fresh := session.New("u2", "whatsapp")
	require.NoError(t, store.Put(ctx, fresh))

	n, err := store.ExpireIdle(ctx, time.Now().UTC().Add(-30*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = store.Get(ctx, "u1", "whatsapp")
	assert.ErrorIs(t, err, session.ErrNotFound)
	_, err = store.Get(ctx, "u2", "whatsapp")
	assert.NoError(t, err)
}

func TestStartStop(t *testing.T) {
	sched := NewScheduler()
	sched.Start()
	sched.Stop()
}
