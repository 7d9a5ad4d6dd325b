package session

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmynk/cashflow/internal/backend/memory"
	"github.com/mmynk/cashflow/internal/coordinator"
	"github.com/mmynk/cashflow/internal/metrics"
	"github.com/mmynk/cashflow/internal/storage"
)

func newRegistry(t *testing.T) (*Registry, *memory.Backend, *metrics.Metrics) {
	t.Helper()
	b := memory.New()
	m := metrics.New(prometheus.NewRegistry())
	r := NewRegistry(storage.New(b), m, nil, coordinator.WithMetrics(m))
	t.Cleanup(r.Close)
	return r, b, m
}

func TestAcquireSharesCoordinatorPerIdentity(t *testing.T) {
	r, b, m := newRegistry(t)
	ctx := context.Background()

	c1, err := r.Acquire(ctx, "u1")
	require.NoError(t, err)
	c2, err := r.Acquire(ctx, "u1")
	require.NoError(t, err)
	assert.Same(t, c1, c2)

	other, err := r.Acquire(ctx, "u2")
	require.NoError(t, err)
	assert.NotSame(t, c1, other)

	assert.Equal(t, 2, r.Len())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ActiveSessions))
	assert.Equal(t, 1, b.Subscribers(storage.Path("u1", storage.CollectionPersons)))

	require.Eventually(t, func() bool {
		return c1.State() == coordinator.StateReady
	}, 2*time.Second, 5*time.Millisecond)
}

func TestReleaseDisposes(t *testing.T) {
	r, b, m := newRegistry(t)
	c, err := r.Acquire(context.Background(), "u1")
	require.NoError(t, err)

	r.Release("u1")
	r.Release("u1")
	r.Release("nobody")

	assert.Equal(t, coordinator.StateUninitialized, c.State())
	assert.Equal(t, 0, b.Subscribers(storage.Path("u1", storage.CollectionTransactions)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveSessions))
	_, ok := r.Lookup("u1")
	assert.False(t, ok)
}

func TestAcquireValidation(t *testing.T) {
	r, _, _ := newRegistry(t)
	_, err := r.Acquire(context.Background(), "")
	assert.ErrorIs(t, err, coordinator.ErrNoIdentity)

	r.Close()
	_, err = r.Acquire(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEvictIdleSkipsRecentAndWatchedSessions(t *testing.T) {
	r, b, m := newRegistry(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	r.now = func() time.Time { return now }

	stale, err := r.Acquire(ctx, "stale")
	require.NoError(t, err)
	watched, err := r.Acquire(ctx, "watched")
	require.NoError(t, err)
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	watched.Watch(watchCtx)

	now = now.Add(20 * time.Minute)
	_, err = r.Acquire(ctx, "recent")
	require.NoError(t, err)

	now = now.Add(15 * time.Minute)
	assert.Equal(t, 1, r.EvictIdle(30*time.Minute))

	assert.Equal(t, coordinator.StateUninitialized, stale.State())
	assert.Equal(t, 0, b.Subscribers(storage.Path("stale", storage.CollectionPersons)))
	_, ok := r.Lookup("stale")
	assert.False(t, ok)
	_, ok = r.Lookup("watched")
	assert.True(t, ok)
	_, ok = r.Lookup("recent")
	assert.True(t, ok)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ActiveSessions))

	// Acquiring refreshes the idle clock.
	now = now.Add(25 * time.Minute)
	_, err = r.Acquire(ctx, "recent")
	require.NoError(t, err)
	assert.Equal(t, 0, r.EvictIdle(30*time.Minute))
}

func TestRunEvictsIdleSessions(t *testing.T) {
	r, _, _ := newRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := r.Acquire(ctx, "u1")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		r.Run(ctx, 40*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return r.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
