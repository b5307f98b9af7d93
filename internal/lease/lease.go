// Package lease implements advisory lease locks over the cache.
//
// A money transition takes a batch lease over {task:<id>, user:<poster>,
// user:<hustler>} so that concurrent retries on the same task serialize
// before touching the database. Leases auto-release by TTL; explicit release
// uses compare-and-delete so an expired holder cannot free a successor's
// lock. The cache is best-effort: the row-level FOR UPDATE on the money
// state lock remains the correctness backstop.
package lease

import (
	"context"
	"log"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hustlex/backend/internal/hxerr"
	"github.com/hustlex/backend/internal/infra"
)

type Manager struct {
	cache  infra.Cache
	ttl    time.Duration
	logger *log.Logger
}

// Lease is a held batch lease. Release it with defer.
type Lease struct {
	mgr     *Manager
	leaseID string
	keys    []string
}

func NewManager(cache infra.Cache, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Manager{
		cache:  cache,
		ttl:    ttl,
		logger: log.New(log.Writer(), "[LEASE] ", log.LstdFlags),
	}
}

// Acquire takes all resource keys or none. Keys are sorted before locking so
// two batches over overlapping resources cannot deadlock. Bounded retries
// with jitter give approximate FIFO fairness under contention.
func (m *Manager) Acquire(ctx context.Context, resources ...string) (*Lease, error) {
	keys := make([]string, len(resources))
	for i, r := range resources {
		keys[i] = "lease:" + r
	}
	sort.Strings(keys)

	leaseID := uuid.NewString()

	const maxRetries = 5
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(50+rand.Intn(100*attempt)) * time.Millisecond
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		acquired, err := m.tryAcquire(ctx, keys, leaseID)
		if err != nil {
			return nil, hxerr.ErrStorage.WithCause(err)
		}
		if acquired {
			return &Lease{mgr: m, leaseID: leaseID, keys: keys}, nil
		}
	}

	m.logger.Printf("lease contention exhausted retries: %v", resources)
	return nil, hxerr.ErrLeaseBusy
}

func (m *Manager) tryAcquire(ctx context.Context, keys []string, leaseID string) (bool, error) {
	var held []string
	for _, key := range keys {
		ok, err := m.cache.SetNX(ctx, key, leaseID, m.ttl)
		if err != nil {
			m.releaseKeys(ctx, held, leaseID)
			return false, err
		}
		if !ok {
			m.releaseKeys(ctx, held, leaseID)
			return false, nil
		}
		held = append(held, key)
	}
	return true, nil
}

func (m *Manager) releaseKeys(ctx context.Context, keys []string, leaseID string) {
	for _, key := range keys {
		if _, err := m.cache.CompareAndDel(ctx, key, leaseID); err != nil {
			m.logger.Printf("lease release failed for %s: %v (ttl will reap)", key, err)
		}
	}
}

// Release frees the batch. Safe to call once; held keys that already expired
// are skipped by compare-and-delete.
func (l *Lease) Release(ctx context.Context) {
	l.mgr.releaseKeys(ctx, l.keys, l.leaseID)
}

// ID returns the lease id, used in audit context.
func (l *Lease) ID() string { return l.leaseID }
