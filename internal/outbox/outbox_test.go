package outbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEventIdempotencyKey(t *testing.T) {
	ev, err := NewEvent("escrow.released", "task", "task-1", 3, "domain", map[string]string{"x": "y"})
	require.NoError(t, err)
	assert.Equal(t, "escrow.released:task-1:3", ev.IdempotencyKey)
	assert.Equal(t, StatusPending, ev.Status)
	assert.NotEmpty(t, ev.ID)
	assert.JSONEq(t, `{"x":"y"}`, string(ev.Payload))
}

func TestInsertDeduplicatesByKey(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	ev1, err := NewEvent("escrow.released", "task", "task-1", 3, "domain", nil)
	require.NoError(t, err)
	require.NoError(t, s.Insert(ctx, ev1))

	// A re-run of the same commit produces the same key with a fresh row id.
	ev2, err := NewEvent("escrow.released", "task", "task-1", 3, "domain", nil)
	require.NoError(t, err)
	require.NoError(t, s.Insert(ctx, ev2))

	assert.Len(t, s.Events(), 1, "same transition must not double-publish")

	// A later version of the same aggregate is a distinct event.
	ev3, err := NewEvent("escrow.released", "task", "task-1", 4, "domain", nil)
	require.NoError(t, err)
	require.NoError(t, s.Insert(ctx, ev3))
	assert.Len(t, s.Events(), 2)
}

func TestClaimLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	for _, id := range []string{"t1", "t2", "t3"} {
		ev, err := NewEvent("escrow.funded", "task", id, 1, "domain", nil)
		require.NoError(t, err)
		require.NoError(t, s.Insert(ctx, ev))
	}

	batch, err := s.ClaimBatch(ctx, "domain", 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, 1, batch[0].Attempts)

	// Claimed events disappear from subsequent claims.
	rest, err := s.ClaimBatch(ctx, "domain", 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)

	require.NoError(t, s.MarkDone(ctx, batch[0].ID))
	require.NoError(t, s.MarkRetry(ctx, batch[1].ID, "publish failed"))

	// The retried event is claimable again with a bumped attempt count.
	again, err := s.ClaimBatch(ctx, "domain", 10)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, batch[1].ID, again[0].ID)
	assert.Equal(t, 2, again[0].Attempts)

	n, err := s.PendingCount(ctx, "domain")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestQueuesAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	ev, err := NewEvent("identity.verified", "user", "u1", 1, "domain", nil)
	require.NoError(t, err)
	require.NoError(t, s.Insert(ctx, ev))

	batch, err := s.ClaimBatch(ctx, "other", 10)
	require.NoError(t, err)
	assert.Empty(t, batch)
}
