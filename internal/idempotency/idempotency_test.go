package idempotency

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hustlex/backend/internal/hxerr"
)

func TestReserveExecuteReplay(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	hash := HashRequest([]byte(`{"amountCents":5000}`))

	rec, fresh, err := s.Reserve(ctx, "key-1", hash)
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.Nil(t, rec)

	require.NoError(t, s.Complete(ctx, "key-1", 200, []byte(`{"state":"held"}`)))

	rec, fresh, err = s.Reserve(ctx, "key-1", hash)
	require.NoError(t, err)
	assert.False(t, fresh)
	require.NotNil(t, rec)
	assert.Equal(t, 200, rec.Status)
	assert.Equal(t, `{"state":"held"}`, string(rec.Body))
}

func TestReserveWhileInFlight(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	hash := HashRequest([]byte(`{}`))

	_, fresh, err := s.Reserve(ctx, "key-1", hash)
	require.NoError(t, err)
	require.True(t, fresh)

	// Same key before Complete: the duplicate must wait, not execute.
	_, _, err = s.Reserve(ctx, "key-1", hash)
	assert.True(t, hxerr.Is(err, hxerr.ErrLeaseBusy))
}

func TestKeyReuseWithDifferentPayload(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	_, _, err := s.Reserve(ctx, "key-1", HashRequest([]byte(`{"amountCents":5000}`)))
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, "key-1", 200, nil))

	_, _, err = s.Reserve(ctx, "key-1", HashRequest([]byte(`{"amountCents":9999}`)))
	assert.True(t, hxerr.Is(err, hxerr.ErrDuplicateEvent))
}

func TestHashRequestIsStable(t *testing.T) {
	a := HashRequest([]byte("body"))
	b := HashRequest([]byte("body"))
	c := HashRequest([]byte("other"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}
