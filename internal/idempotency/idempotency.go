// Package idempotency stores request-level idempotency records so that a
// retried API call replays the original response instead of re-running the
// handler. Atomic reservation makes the first caller the only executor;
// concurrent duplicates are rejected while the first is in flight.
package idempotency

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/hustlex/backend/internal/hxerr"
)

// Record is one completed (or in-flight) request.
type Record struct {
	Key         string
	RequestHash string
	Status      int    // 0 while in flight
	Body        []byte // response snapshot
	CreatedAt   time.Time
}

func (r *Record) Completed() bool { return r.Status != 0 }

// HashRequest fingerprints the request body so a key reused with a different
// payload is detectable.
func HashRequest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

type Store interface {
	// Reserve claims the key for this request. Returns (nil, true, nil) when
	// the caller won the reservation and must execute, (record, false, nil)
	// when a completed response exists to replay, and an error when the key
	// is in flight or reused with a different payload.
	Reserve(ctx context.Context, key, requestHash string) (*Record, bool, error)
	// Complete stores the response snapshot for later replay.
	Complete(ctx context.Context, key string, status int, body []byte) error
}

type PgStore struct {
	db *sql.DB
}

func NewPgStore(db *sql.DB) *PgStore { return &PgStore{db: db} }

func (s *PgStore) Reserve(ctx context.Context, key, requestHash string) (*Record, bool, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_records (key, request_hash) VALUES ($1,$2)`,
		key, requestHash)
	if err == nil {
		return nil, true, nil
	}
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
		return nil, false, hxerr.ErrStorage.WithCause(err)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT key, request_hash, COALESCE(response_status,0), response_snapshot, created_at
		FROM idempotency_records WHERE key = $1`, key)
	rec := &Record{}
	if err := row.Scan(&rec.Key, &rec.RequestHash, &rec.Status, &rec.Body, &rec.CreatedAt); err != nil {
		return nil, false, hxerr.ErrStorage.WithCause(err)
	}
	return checkExisting(rec, requestHash)
}

func (s *PgStore) Complete(ctx context.Context, key string, status int, body []byte) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_records SET response_status = $2, response_snapshot = $3
		WHERE key = $1`, key, status, body)
	if err != nil {
		return hxerr.ErrStorage.WithCause(err)
	}
	return nil
}

func checkExisting(rec *Record, requestHash string) (*Record, bool, error) {
	if rec.RequestHash != requestHash {
		return nil, false, hxerr.ErrDuplicateEvent.Wrapf("key %s reused with a different payload", rec.Key)
	}
	if !rec.Completed() {
		return nil, false, hxerr.ErrLeaseBusy.Wrapf("request %s still in flight", rec.Key)
	}
	return rec, false, nil
}

// MemStore backs tests and local runs.
type MemStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

func NewMemStore() *MemStore { return &MemStore{records: make(map[string]*Record)} }

func (s *MemStore) Reserve(ctx context.Context, key, requestHash string) (*Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[key]; ok {
		cp := *rec
		return checkExisting(&cp, requestHash)
	}
	s.records[key] = &Record{Key: key, RequestHash: requestHash, CreatedAt: time.Now()}
	return nil, true, nil
}

func (s *MemStore) Complete(ctx context.Context, key string, status int, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return hxerr.ErrNotFound.Wrapf("idempotency key %s", key)
	}
	rec.Status = status
	rec.Body = append([]byte(nil), body...)
	return nil
}
