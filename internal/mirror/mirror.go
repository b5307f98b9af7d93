// Package mirror is the outbound mirror: an append-only record of every
// external side-effect, keyed by idempotency key.
//
// The mirror row is inserted after the processor call succeeds and before
// the commit phase runs, so a crash between "processor executed" and
// "DB commit" is recoverable without calling the processor again.
package mirror

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/hustlex/backend/internal/hxerr"
	"github.com/hustlex/backend/internal/ledger"
)

// EffectType is the closed set of mirrored external effects.
type EffectType string

const (
	EffectPaymentIntent EffectType = "pi"
	EffectTransfer      EffectType = "transfer"
	EffectRefund        EffectType = "refund"
	EffectReversal      EffectType = "reversal"
)

type Record struct {
	IdempotencyKey string
	StripeID       string
	Type           EffectType
	Payload        []byte
	CreatedAt      time.Time
}

type Store interface {
	// Insert records an effect. Insert-or-ignore: recording the same key
	// twice is a no-op and returns the existing row.
	Insert(ctx context.Context, rec Record) (*Record, error)
	// Lookup returns the prior record for the key, or nil.
	Lookup(ctx context.Context, idempotencyKey string) (*Record, error)
}

type PgStore struct {
	dbx ledger.DBTX
}

func NewPgStore(dbx ledger.DBTX) *PgStore { return &PgStore{dbx: dbx} }

func (s *PgStore) Insert(ctx context.Context, rec Record) (*Record, error) {
	_, err := s.dbx.ExecContext(ctx, `
		INSERT INTO outbound_mirror (idempotency_key, stripe_id, effect_type, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		rec.IdempotencyKey, rec.StripeID, rec.Type, rec.Payload)
	if err != nil {
		return nil, hxerr.ErrStorage.WithCause(err)
	}
	return s.Lookup(ctx, rec.IdempotencyKey)
}

func (s *PgStore) Lookup(ctx context.Context, key string) (*Record, error) {
	row := s.dbx.QueryRowContext(ctx, `
		SELECT idempotency_key, stripe_id, effect_type, COALESCE(payload, '{}'::jsonb), created_at
		FROM outbound_mirror WHERE idempotency_key = $1`, key)
	rec := &Record{}
	err := row.Scan(&rec.IdempotencyKey, &rec.StripeID, &rec.Type, &rec.Payload, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, hxerr.ErrStorage.WithCause(err)
	}
	return rec, nil
}

// MemStore backs tests and degraded local runs.
type MemStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string]*Record)}
}

func (s *MemStore) Insert(ctx context.Context, rec Record) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[rec.IdempotencyKey]; ok {
		cp := *existing
		return &cp, nil
	}
	rec.CreatedAt = time.Now()
	cp := rec
	s.records[rec.IdempotencyKey] = &cp
	out := cp
	return &out, nil
}

func (s *MemStore) Lookup(ctx context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

// Count is used by crash-recovery tests to compare mirror rows against
// recorded processor calls.
func (s *MemStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
