package webhook

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/hustlex/backend/internal/hxerr"
)

// Event is a persisted processor event row.
type Event struct {
	ID          string // processor's event id, the idempotency key
	Type        string
	Payload     json.RawMessage
	ClaimedAt   *time.Time
	ProcessedAt *time.Time
	Result      string
	CreatedAt   time.Time
}

// Store persists processor events. Insert is insert-or-ignore on the
// processor event id; Claim is the atomic claim that makes dispatch
// exactly-once; DB NOW() is the sole time authority for claim/process marks.
type Store interface {
	Insert(ctx context.Context, id, eventType string, payload json.RawMessage) (duplicate bool, err error)
	Claim(ctx context.Context, id string) (claimed bool, err error)
	MarkProcessed(ctx context.Context, id, result string) error
	// ReleaseClaim clears a claim after a transient handler failure so a
	// redelivery can retry.
	ReleaseClaim(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*Event, error)
	HasProcessed(ctx context.Context, id string) (bool, error)
}

type PgStore struct {
	db *sql.DB
}

func NewPgStore(db *sql.DB) *PgStore { return &PgStore{db: db} }

func (s *PgStore) Insert(ctx context.Context, id, eventType string, payload json.RawMessage) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO processor_events (stripe_event_id, event_type, payload)
		VALUES ($1,$2,$3)
		ON CONFLICT (stripe_event_id) DO NOTHING`,
		id, eventType, payload)
	if err != nil {
		return false, hxerr.ErrStorage.WithCause(err)
	}
	n, _ := res.RowsAffected()
	return n == 0, nil
}

func (s *PgStore) Claim(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE processor_events SET claimed_at = now()
		WHERE stripe_event_id = $1 AND claimed_at IS NULL AND processed_at IS NULL`,
		id)
	if err != nil {
		return false, hxerr.ErrStorage.WithCause(err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *PgStore) MarkProcessed(ctx context.Context, id, result string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE processor_events SET processed_at = now(), result = $2
		WHERE stripe_event_id = $1`, id, result)
	if err != nil {
		return hxerr.ErrStorage.WithCause(err)
	}
	return nil
}

func (s *PgStore) ReleaseClaim(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE processor_events SET claimed_at = NULL
		WHERE stripe_event_id = $1 AND processed_at IS NULL`, id)
	if err != nil {
		return hxerr.ErrStorage.WithCause(err)
	}
	return nil
}

func (s *PgStore) Get(ctx context.Context, id string) (*Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT stripe_event_id, event_type, payload, claimed_at, processed_at, COALESCE(result,''), created_at
		FROM processor_events WHERE stripe_event_id = $1`, id)
	ev := &Event{}
	var claimed, processed sql.NullTime
	err := row.Scan(&ev.ID, &ev.Type, &ev.Payload, &claimed, &processed, &ev.Result, &ev.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, hxerr.ErrNotFound.Wrapf("processor event %s", id)
	}
	if err != nil {
		return nil, hxerr.ErrStorage.WithCause(err)
	}
	if claimed.Valid {
		ev.ClaimedAt = &claimed.Time
	}
	if processed.Valid {
		ev.ProcessedAt = &processed.Time
	}
	return ev, nil
}

func (s *PgStore) HasProcessed(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM processor_events
		WHERE stripe_event_id = $1 AND processed_at IS NOT NULL`, id).Scan(&n)
	if err != nil {
		return false, hxerr.ErrStorage.WithCause(err)
	}
	return n > 0, nil
}

// MemStore backs tests, including the concurrent-claim property.
type MemStore struct {
	mu     sync.Mutex
	events map[string]*Event
}

func NewMemStore() *MemStore { return &MemStore{events: make(map[string]*Event)} }

func (s *MemStore) Insert(ctx context.Context, id, eventType string, payload json.RawMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[id]; ok {
		return true, nil
	}
	s.events[id] = &Event{ID: id, Type: eventType, Payload: payload, CreatedAt: time.Now()}
	return false, nil
}

func (s *MemStore) Claim(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok || ev.ClaimedAt != nil || ev.ProcessedAt != nil {
		return false, nil
	}
	now := time.Now()
	ev.ClaimedAt = &now
	return true, nil
}

func (s *MemStore) MarkProcessed(ctx context.Context, id, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return hxerr.ErrNotFound.Wrapf("processor event %s", id)
	}
	now := time.Now()
	ev.ProcessedAt = &now
	ev.Result = result
	return nil
}

func (s *MemStore) ReleaseClaim(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return hxerr.ErrNotFound.Wrapf("processor event %s", id)
	}
	if ev.ProcessedAt == nil {
		ev.ClaimedAt = nil
	}
	return nil
}

func (s *MemStore) Get(ctx context.Context, id string) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, hxerr.ErrNotFound.Wrapf("processor event %s", id)
	}
	cp := *ev
	return &cp, nil
}

func (s *MemStore) HasProcessed(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	return ok && ev.ProcessedAt != nil, nil
}
