package lease

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hustlex/backend/internal/hxerr"
	"github.com/hustlex/backend/internal/infra"
)

func TestAcquireAndRelease(t *testing.T) {
	ctx := context.Background()
	m := NewManager(infra.NewMemoryCache(), time.Minute)

	l1, err := m.Acquire(ctx, "task:t1", "user:p1")
	require.NoError(t, err)

	// Overlapping batch blocks until release.
	_, err = m.Acquire(ctx, "user:p1", "user:h1")
	assert.True(t, hxerr.Is(err, hxerr.ErrLeaseBusy))

	l1.Release(ctx)
	l2, err := m.Acquire(ctx, "user:p1", "user:h1")
	require.NoError(t, err)
	l2.Release(ctx)
}

func TestDisjointBatchesCoexist(t *testing.T) {
	ctx := context.Background()
	m := NewManager(infra.NewMemoryCache(), time.Minute)

	l1, err := m.Acquire(ctx, "task:t1")
	require.NoError(t, err)
	defer l1.Release(ctx)

	l2, err := m.Acquire(ctx, "task:t2")
	require.NoError(t, err)
	defer l2.Release(ctx)
}

func TestPartialAcquisitionRollsBack(t *testing.T) {
	ctx := context.Background()
	cache := infra.NewMemoryCache()
	m := NewManager(cache, time.Minute)

	l1, err := m.Acquire(ctx, "user:p1")
	require.NoError(t, err)

	// The batch wants a free key and a held one: it must take neither.
	_, err = m.Acquire(ctx, "task:t1", "user:p1")
	require.Error(t, err)
	l1.Release(ctx)

	// task:t1 was not left locked by the failed batch.
	l2, err := m.Acquire(ctx, "task:t1")
	require.NoError(t, err)
	l2.Release(ctx)
}

func TestLeaseExpiresByTTL(t *testing.T) {
	ctx := context.Background()
	m := NewManager(infra.NewMemoryCache(), 10*time.Millisecond)

	_, err := m.Acquire(ctx, "task:t1")
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	// Abandoned lease is reaped by the TTL.
	l2, err := m.Acquire(ctx, "task:t1")
	require.NoError(t, err)
	l2.Release(ctx)
}
