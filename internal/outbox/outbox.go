// Package outbox implements the transactional outbox: domain events are
// inserted in the same database transaction as the state change that
// produced them, then claimed and processed by the worker framework.
//
// The idempotency key is unique per (event_type, aggregate_id, version), so
// re-running a saga commit can never double-publish.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hustlex/backend/internal/hxerr"
	"github.com/hustlex/backend/internal/ledger"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusClaimed Status = "claimed"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

type Event struct {
	ID             string
	EventType      string // e.g. "escrow.released"
	AggregateType  string // e.g. "task"
	AggregateID    string
	EventVersion   int64
	IdempotencyKey string
	Payload        json.RawMessage
	QueueName      string
	Status         Status
	Attempts       int
	ClaimedAt      *time.Time
	ProcessedAt    *time.Time
	LastError      string
	CreatedAt      time.Time
}

// NewEvent builds an event with the canonical idempotency key.
func NewEvent(eventType, aggregateType, aggregateID string, version int64, queue string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal outbox payload: %w", err)
	}
	return Event{
		ID:             uuid.NewString(),
		EventType:      eventType,
		AggregateType:  aggregateType,
		AggregateID:    aggregateID,
		EventVersion:   version,
		IdempotencyKey: fmt.Sprintf("%s:%s:%d", eventType, aggregateID, version),
		Payload:        raw,
		QueueName:      queue,
		Status:         StatusPending,
	}, nil
}

type Store interface {
	// Insert adds a pending event. A duplicate idempotency key is a no-op:
	// the event was already captured by an earlier commit of the same
	// transition.
	Insert(ctx context.Context, ev Event) error

	// ClaimBatch atomically claims up to limit pending events from a queue,
	// bumping attempts and setting claimed_at.
	ClaimBatch(ctx context.Context, queue string, limit int) ([]Event, error)

	// MarkDone finalizes a claimed event.
	MarkDone(ctx context.Context, id string) error
	// MarkRetry returns a claimed event to pending with an error note.
	MarkRetry(ctx context.Context, id, lastError string) error
	// MarkFailed terminally fails an event (after DLQ routing).
	MarkFailed(ctx context.Context, id, lastError string) error

	// PendingCount reports queue depth for monitoring.
	PendingCount(ctx context.Context, queue string) (int, error)
}

// ---------------------------------------------------------------------------
// Postgres store
// ---------------------------------------------------------------------------

type PgStore struct {
	dbx ledger.DBTX
}

func NewPgStore(dbx ledger.DBTX) *PgStore { return &PgStore{dbx: dbx} }

func (s *PgStore) Insert(ctx context.Context, ev Event) error {
	_, err := s.dbx.ExecContext(ctx, `
		INSERT INTO outbox_events
			(id, event_type, aggregate_type, aggregate_id, event_version,
			 idempotency_key, payload, queue_name, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,'pending')
		ON CONFLICT (idempotency_key) DO NOTHING`,
		ev.ID, ev.EventType, ev.AggregateType, ev.AggregateID, ev.EventVersion,
		ev.IdempotencyKey, ev.Payload, ev.QueueName)
	if err != nil {
		return hxerr.ErrStorage.WithCause(err)
	}
	return nil
}

func (s *PgStore) ClaimBatch(ctx context.Context, queue string, limit int) ([]Event, error) {
	rows, err := s.dbx.QueryContext(ctx, `
		UPDATE outbox_events SET status = 'claimed', attempts = attempts + 1, claimed_at = now()
		WHERE id IN (
			SELECT id FROM outbox_events
			WHERE queue_name = $1 AND status = 'pending'
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, event_type, aggregate_type, aggregate_id, event_version,
		          idempotency_key, payload, queue_name, status, attempts, created_at`,
		queue, limit)
	if err != nil {
		return nil, hxerr.ErrStorage.WithCause(err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.AggregateType, &ev.AggregateID,
			&ev.EventVersion, &ev.IdempotencyKey, &ev.Payload, &ev.QueueName,
			&ev.Status, &ev.Attempts, &ev.CreatedAt); err != nil {
			return nil, hxerr.ErrStorage.WithCause(err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PgStore) MarkDone(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, StatusDone, "")
}

func (s *PgStore) MarkRetry(ctx context.Context, id, lastError string) error {
	return s.setStatus(ctx, id, StatusPending, lastError)
}

func (s *PgStore) MarkFailed(ctx context.Context, id, lastError string) error {
	return s.setStatus(ctx, id, StatusFailed, lastError)
}

func (s *PgStore) setStatus(ctx context.Context, id string, status Status, lastError string) error {
	var processedAt interface{}
	if status == StatusDone || status == StatusFailed {
		processedAt = time.Now()
	}
	_, err := s.dbx.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = $2, last_error = NULLIF($3,''), processed_at = COALESCE($4, processed_at)
		WHERE id = $1`, id, status, lastError, processedAt)
	if err != nil {
		return hxerr.ErrStorage.WithCause(err)
	}
	return nil
}

func (s *PgStore) PendingCount(ctx context.Context, queue string) (int, error) {
	row := s.dbx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox_events WHERE queue_name = $1 AND status = 'pending'`, queue)
	var n int
	if err := row.Scan(&n); err != nil && err != sql.ErrNoRows {
		return 0, hxerr.ErrStorage.WithCause(err)
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// In-memory store
// ---------------------------------------------------------------------------

type MemStore struct {
	mu        sync.Mutex
	events    map[string]*Event
	byIdemKey map[string]string
	order     []string
}

func NewMemStore() *MemStore {
	return &MemStore{
		events:    make(map[string]*Event),
		byIdemKey: make(map[string]string),
	}
}

func (s *MemStore) Insert(ctx context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byIdemKey[ev.IdempotencyKey]; ok {
		return nil
	}
	ev.Status = StatusPending
	ev.CreatedAt = time.Now()
	cp := ev
	s.events[ev.ID] = &cp
	s.byIdemKey[ev.IdempotencyKey] = ev.ID
	s.order = append(s.order, ev.ID)
	return nil
}

func (s *MemStore) ClaimBatch(ctx context.Context, queue string, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	now := time.Now()
	for _, id := range s.order {
		if len(out) >= limit {
			break
		}
		ev := s.events[id]
		if ev.QueueName != queue || ev.Status != StatusPending {
			continue
		}
		ev.Status = StatusClaimed
		ev.Attempts++
		ev.ClaimedAt = &now
		out = append(out, *ev)
	}
	return out, nil
}

func (s *MemStore) MarkDone(ctx context.Context, id string) error {
	return s.setStatus(id, StatusDone, "")
}

func (s *MemStore) MarkRetry(ctx context.Context, id, lastError string) error {
	return s.setStatus(id, StatusPending, lastError)
}

func (s *MemStore) MarkFailed(ctx context.Context, id, lastError string) error {
	return s.setStatus(id, StatusFailed, lastError)
}

func (s *MemStore) setStatus(id string, status Status, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return hxerr.ErrNotFound.Wrapf("outbox event %s", id)
	}
	ev.Status = status
	ev.LastError = lastError
	if status == StatusDone || status == StatusFailed {
		now := time.Now()
		ev.ProcessedAt = &now
	}
	return nil
}

func (s *MemStore) PendingCount(ctx context.Context, queue string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.QueueName == queue && ev.Status == StatusPending {
			n++
		}
	}
	return n, nil
}

// Events returns every event (test helper).
func (s *MemStore) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.events[id])
	}
	return out
}
