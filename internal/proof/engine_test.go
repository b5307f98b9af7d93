package proof

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hustlex/backend/internal/hxerr"
	"github.com/hustlex/backend/internal/policy"
)

func newEngine(t *testing.T) (*Engine, *MemStore, *policy.MemStore) {
	t.Helper()
	store := NewMemStore()
	scores := policy.NewMemStore()
	return NewEngine(store, scores, 3), store, scores
}

// cameraMeta passes the forensics pass cleanly.
func cameraMeta() Metadata {
	return Metadata{
		EXIF:       map[string]string{"Make": "Apple", "Model": "iPhone 14"},
		Width:      4032,
		Height:     3024,
		CapturedAt: time.Now().Add(-10 * time.Minute),
	}
}

func TestRequestSubmitVerifyLock(t *testing.T) {
	e, store, _ := newEngine(t)
	ctx := context.Background()

	req, err := e.RequestProof(ctx, "task-1", "poster-1", "cleaning", TypePhoto, "before/after", TierVerified)
	require.NoError(t, err)
	assert.Equal(t, StateRequested, req.State)

	sub, err := e.Submit(ctx, req.ID, "hustler-1", "hash-abc", "image/jpeg", 1024, cameraMeta())
	require.NoError(t, err)
	assert.Equal(t, StateAnalyzing, sub.State)
	require.NotNil(t, sub.Forensics)
	assert.False(t, sub.Forensics.LikelyScreenshot)
	assert.Equal(t, StateVerified, sub.Forensics.Decision())

	sub, err = e.Finalize(ctx, sub.ID, StateVerified)
	require.NoError(t, err)
	assert.Equal(t, StateVerified, sub.State)

	require.NoError(t, e.LockVerified(ctx, "task-1"))
	got, err := store.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, StateLocked, got.State)

	// Locked evidence is immutable.
	_, err = e.Finalize(ctx, sub.ID, StateRejected)
	assert.True(t, hxerr.Is(err, hxerr.ErrProofLocked))
}

func TestRequestCapPerTask(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := e.RequestProof(ctx, "task-1", "poster-1", "cleaning", TypePhoto, "more", TierVerified)
		require.NoError(t, err)
	}
	_, err := e.RequestProof(ctx, "task-1", "poster-1", "cleaning", TypePhoto, "one too many", TierVerified)
	assert.True(t, hxerr.Is(err, hxerr.ErrProofLimit))
}

func TestRequestPolicy(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()

	// Video proof is off-limits for delivery tasks.
	_, err := e.RequestProof(ctx, "task-1", "poster-1", "delivery", TypeVideo, "x", TierVerified)
	assert.True(t, hxerr.Is(err, hxerr.ErrPolicyBlocked))

	// New-tier posters cannot demand video at all.
	_, err = e.RequestProof(ctx, "task-1", "poster-1", "cleaning", TypeVideo, "x", TierNew)
	assert.True(t, hxerr.Is(err, hxerr.ErrPolicyBlocked))

	// Unlisted categories allow everything.
	_, err = e.RequestProof(ctx, "task-1", "poster-1", "gardening", TypeVideo, "x", TierVerified)
	assert.NoError(t, err)
}

func TestSubmitRequiresOpenRequest(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()

	req, err := e.RequestProof(ctx, "task-1", "poster-1", "cleaning", TypePhoto, "x", TierVerified)
	require.NoError(t, err)
	_, err = e.Submit(ctx, req.ID, "hustler-1", "hash-1", "image/jpeg", 10, cameraMeta())
	require.NoError(t, err)

	// The request moved to submitted; a second upload needs a new request.
	_, err = e.Submit(ctx, req.ID, "hustler-1", "hash-2", "image/jpeg", 10, cameraMeta())
	assert.True(t, hxerr.Is(err, hxerr.ErrProofTransition))
}

func TestHashReuseAcrossTasksEscalates(t *testing.T) {
	e, store, scores := newEngine(t)
	ctx := context.Background()

	req1, err := e.RequestProof(ctx, "task-1", "poster-1", "cleaning", TypePhoto, "x", TierVerified)
	require.NoError(t, err)
	sub1, err := e.Submit(ctx, req1.ID, "hustler-1", "hash-dup", "image/jpeg", 10, cameraMeta())
	require.NoError(t, err)
	assert.Equal(t, StateAnalyzing, sub1.State)

	req2, err := e.RequestProof(ctx, "task-2", "poster-2", "cleaning", TypePhoto, "x", TierVerified)
	require.NoError(t, err)
	sub2, err := e.Submit(ctx, req2.ID, "hustler-2", "hash-dup", "image/jpeg", 10, cameraMeta())
	require.NoError(t, err)
	assert.Equal(t, StateEscalated, sub2.State)

	// Original binding and submission untouched.
	assert.ElementsMatch(t, []string{"task-1", "task-2"}, store.BoundTasks("hash-dup"))
	got, err := store.GetSubmission(ctx, sub1.ID)
	require.NoError(t, err)
	assert.Equal(t, StateAnalyzing, got.State)

	// The reuser's shadow score takes the hash-reuse penalty.
	score, err := scores.GetScore(ctx, "hustler-2")
	require.NoError(t, err)
	assert.Equal(t, 30.0, score)
	score, err = scores.GetScore(ctx, "hustler-1")
	require.NoError(t, err)
	assert.Equal(t, 50.0, score)
}

func TestSameTaskResubmissionIsNotReuse(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()

	req1, err := e.RequestProof(ctx, "task-1", "poster-1", "cleaning", TypePhoto, "x", TierVerified)
	require.NoError(t, err)
	_, err = e.Submit(ctx, req1.ID, "hustler-1", "hash-same", "image/jpeg", 10, cameraMeta())
	require.NoError(t, err)

	req2, err := e.RequestProof(ctx, "task-1", "poster-1", "cleaning", TypePhoto, "again", TierVerified)
	require.NoError(t, err)
	sub, err := e.Submit(ctx, req2.ID, "hustler-1", "hash-same", "image/jpeg", 10, cameraMeta())
	require.NoError(t, err)
	assert.Equal(t, StateAnalyzing, sub.State, "same-task rebind must not escalate")
}

func TestFinalizeRejectionPenalizes(t *testing.T) {
	e, _, scores := newEngine(t)
	ctx := context.Background()

	req, err := e.RequestProof(ctx, "task-1", "poster-1", "cleaning", TypePhoto, "x", TierVerified)
	require.NoError(t, err)
	sub, err := e.Submit(ctx, req.ID, "hustler-1", "hash-1", "image/jpeg", 10, cameraMeta())
	require.NoError(t, err)

	_, err = e.Finalize(ctx, sub.ID, StateRejected)
	require.NoError(t, err)
	score, err := scores.GetScore(ctx, "hustler-1")
	require.NoError(t, err)
	assert.Equal(t, 45.0, score)
}

func TestFinalizeValidatesDecision(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()

	req, err := e.RequestProof(ctx, "task-1", "poster-1", "cleaning", TypePhoto, "x", TierVerified)
	require.NoError(t, err)
	sub, err := e.Submit(ctx, req.ID, "hustler-1", "hash-1", "image/jpeg", 10, cameraMeta())
	require.NoError(t, err)

	_, err = e.Finalize(ctx, sub.ID, StateSubmitted)
	assert.True(t, hxerr.Is(err, hxerr.ErrProofTransition))

	_, err = e.Finalize(ctx, sub.ID, StateVerified)
	require.NoError(t, err)
	// Terminal decisions cannot be re-decided (verified -> rejected is not
	// in the table).
	_, err = e.Finalize(ctx, sub.ID, StateRejected)
	assert.True(t, hxerr.Is(err, hxerr.ErrProofTransition))
}

func TestSnapshotForDisputeFreezesEverything(t *testing.T) {
	e, store, _ := newEngine(t)
	ctx := context.Background()

	req, err := e.RequestProof(ctx, "task-1", "poster-1", "cleaning", TypePhoto, "x", TierVerified)
	require.NoError(t, err)
	sub, err := e.Submit(ctx, req.ID, "hustler-1", "hash-1", "image/jpeg", 10, cameraMeta())
	require.NoError(t, err)

	require.NoError(t, e.SnapshotForDispute(ctx, "task-1", "dispute-1"))

	snaps := store.Snapshots()
	require.Len(t, snaps, 1)
	assert.Contains(t, string(snaps[0]), "task-1")
	assert.Contains(t, string(snaps[0]), "dispute-1")

	got, err := store.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, StateLocked, got.State)

	_, err = e.Finalize(ctx, sub.ID, StateVerified)
	assert.True(t, hxerr.Is(err, hxerr.ErrProofLocked))
	_, err = e.Submit(ctx, req.ID, "hustler-1", "hash-2", "image/jpeg", 10, cameraMeta())
	assert.True(t, hxerr.Is(err, hxerr.ErrProofLocked))
}

func TestTransitionTable(t *testing.T) {
	assert.True(t, CanTransition(StateNone, StateRequested))
	assert.True(t, CanTransition(StateAnalyzing, StateVerified))
	assert.True(t, CanTransition(StateVerified, StateLocked))
	assert.False(t, CanTransition(StateRequested, StateAnalyzing))
	assert.False(t, CanTransition(StateLocked, StateVerified))
	assert.False(t, CanTransition(StateRejected, StateSubmitted))

	for _, s := range []State{StateLocked, StateRejected, StateEscalated} {
		assert.True(t, s.Terminal(), string(s))
	}
	assert.False(t, StateVerified.Terminal())
}
