package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hustlex/backend/internal/dlq"
)

// memSource is a minimal in-memory Source for pool tests.
type memSource struct {
	mu   sync.Mutex
	jobs map[string]*memJob
}

type memJob struct {
	id       string
	status   string // pending, claimed, done, failed
	attempts int
}

func newMemSource(ids ...string) *memSource {
	s := &memSource{jobs: make(map[string]*memJob)}
	for _, id := range ids {
		s.jobs[id] = &memJob{id: id, status: "pending"}
	}
	return s
}

func (s *memSource) Claim(ctx context.Context, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Job
	for _, j := range s.jobs {
		if len(out) >= limit {
			break
		}
		if j.status != "pending" {
			continue
		}
		j.status = "claimed"
		j.attempts++
		out = append(out, Job{ID: j.id, Kind: "test", Attempts: j.attempts})
	}
	return out, nil
}

func (s *memSource) setStatus(id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return errors.New("no such job")
	}
	j.status = status
	return nil
}

func (s *memSource) Done(ctx context.Context, id string) error  { return s.setStatus(id, "done") }
func (s *memSource) Fail(ctx context.Context, id, _ string) error { return s.setStatus(id, "failed") }
func (s *memSource) Retry(ctx context.Context, id, _ string) error {
	return s.setStatus(id, "pending")
}

func (s *memSource) status(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id].status
}

func TestPoolProcessesBatch(t *testing.T) {
	src := newMemSource("a", "b", "c")
	var mu sync.Mutex
	seen := make(map[string]int)

	pool := NewPool(Params{
		Name:   "test",
		Source: src,
		Handler: func(ctx context.Context, job Job) error {
			mu.Lock()
			seen[job.ID]++
			mu.Unlock()
			return nil
		},
	})
	pool.Drain(context.Background())
	pool.Close()

	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, 1, seen[id], "job %s handled once", id)
		assert.Equal(t, "done", src.status(id))
	}
}

func TestPoolRetriesWithBackoffThenSucceeds(t *testing.T) {
	src := newMemSource("a")
	var mu sync.Mutex
	calls := 0

	pool := NewPool(Params{
		Name:        "test",
		Source:      src,
		BackoffBase: time.Millisecond,
		MaxAttempts: 5,
		Handler: func(ctx context.Context, job Job) error {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		},
	})

	ctx := context.Background()
	deadline := time.Now().Add(2 * time.Second)
	for src.status("a") != "done" && time.Now().Before(deadline) {
		pool.Drain(ctx)
		time.Sleep(5 * time.Millisecond)
	}
	pool.Close()

	assert.Equal(t, "done", src.status("a"))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, calls)
}

func TestPoolDeadLettersOnExhaustion(t *testing.T) {
	src := newMemSource("a")
	dead := dlq.NewMemStore()

	pool := NewPool(Params{
		Name:        "email",
		Source:      src,
		DLQ:         dead,
		BackoffBase: time.Millisecond,
		MaxAttempts: 3,
		Handler: func(ctx context.Context, job Job) error {
			return errors.New("smtp down")
		},
	})

	ctx := context.Background()
	deadline := time.Now().Add(2 * time.Second)
	for src.status("a") != "failed" && time.Now().Before(deadline) {
		pool.Drain(ctx)
		time.Sleep(5 * time.Millisecond)
	}
	pool.Close()

	assert.Equal(t, "failed", src.status("a"))
	entries, err := dead.ListUnresolved(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "worker:email", entries[0].Source)
	assert.Equal(t, "a", entries[0].RefID)
	assert.Equal(t, "retries_exhausted", entries[0].Reason)
}

func TestPoolConcurrencyBound(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e", "f"}
	src := newMemSource(ids...)

	var mu sync.Mutex
	inflight, peak := 0, 0

	pool := NewPool(Params{
		Name:        "test",
		Source:      src,
		Concurrency: 2,
		BatchSize:   len(ids),
		Handler: func(ctx context.Context, job Job) error {
			mu.Lock()
			inflight++
			if inflight > peak {
				peak = inflight
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			inflight--
			mu.Unlock()
			return nil
		},
	})
	pool.Drain(context.Background())
	pool.Close()

	assert.LessOrEqual(t, peak, 2, "no more than Concurrency jobs in flight")
	for _, id := range ids {
		assert.Equal(t, "done", src.status(id))
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	pool := NewPool(Params{
		Name:        "test",
		Source:      newMemSource(),
		Handler:     func(ctx context.Context, job Job) error { return nil },
		BackoffBase: time.Second,
		BackoffCap:  10 * time.Second,
	})
	assert.Equal(t, time.Second, pool.backoff(1))
	assert.Equal(t, 2*time.Second, pool.backoff(2))
	assert.Equal(t, 4*time.Second, pool.backoff(3))
	assert.Equal(t, 8*time.Second, pool.backoff(4))
	assert.Equal(t, 10*time.Second, pool.backoff(5))
	assert.Equal(t, 10*time.Second, pool.backoff(20))
}
