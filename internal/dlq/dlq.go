// Package dlq is the dead-letter queue: compensated sagas and exhausted
// jobs land here for reconciliation or manual review.
package dlq

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hustlex/backend/internal/hxerr"
	"github.com/hustlex/backend/internal/ledger"
)

type Entry struct {
	ID        string
	Source    string // "money_engine", "worker:email", ...
	RefID     string // ledger tx id, outbox event id, ...
	Reason    string
	Detail    json.RawMessage
	Attempts  int
	Resolved  bool
	CreatedAt time.Time
}

type Store interface {
	Enqueue(ctx context.Context, source, refID, reason string, detail map[string]interface{}) error
	ListUnresolved(ctx context.Context, limit int) ([]Entry, error)
	Resolve(ctx context.Context, id string) error
	Depth(ctx context.Context) (int, error)
}

type PgStore struct {
	dbx    ledger.DBTX
	logger *log.Logger
}

func NewPgStore(dbx ledger.DBTX) *PgStore {
	return &PgStore{dbx: dbx, logger: log.New(log.Writer(), "[DLQ] ", log.LstdFlags)}
}

func (s *PgStore) Enqueue(ctx context.Context, source, refID, reason string, detail map[string]interface{}) error {
	raw, _ := json.Marshal(detail)
	_, err := s.dbx.ExecContext(ctx, `
		INSERT INTO dead_letters (id, source, ref_id, reason, context)
		VALUES ($1,$2,$3,$4,$5)`,
		uuid.NewString(), source, refID, reason, raw)
	if err != nil {
		return hxerr.ErrStorage.WithCause(err)
	}
	s.logger.Printf("dead-lettered: source=%s ref=%s reason=%s", source, refID, reason)
	return nil
}

func (s *PgStore) ListUnresolved(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.dbx.QueryContext(ctx, `
		SELECT id, source, ref_id, reason, COALESCE(context,'{}'::jsonb), attempts, resolved, created_at
		FROM dead_letters WHERE NOT resolved ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, hxerr.ErrStorage.WithCause(err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Source, &e.RefID, &e.Reason, &e.Detail,
			&e.Attempts, &e.Resolved, &e.CreatedAt); err != nil {
			return nil, hxerr.ErrStorage.WithCause(err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PgStore) Resolve(ctx context.Context, id string) error {
	_, err := s.dbx.ExecContext(ctx,
		`UPDATE dead_letters SET resolved = true WHERE id = $1`, id)
	if err != nil {
		return hxerr.ErrStorage.WithCause(err)
	}
	return nil
}

func (s *PgStore) Depth(ctx context.Context) (int, error) {
	row := s.dbx.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters WHERE NOT resolved`)
	var n int
	if err := row.Scan(&n); err != nil && err != sql.ErrNoRows {
		return 0, hxerr.ErrStorage.WithCause(err)
	}
	return n, nil
}

// MemStore backs tests and degraded local runs.
type MemStore struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemStore() *MemStore { return &MemStore{} }

func (s *MemStore) Enqueue(ctx context.Context, source, refID, reason string, detail map[string]interface{}) error {
	raw, _ := json.Marshal(detail)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, Entry{
		ID:        uuid.NewString(),
		Source:    source,
		RefID:     refID,
		Reason:    reason,
		Detail:    raw,
		CreatedAt: time.Now(),
	})
	return nil
}

func (s *MemStore) ListUnresolved(ctx context.Context, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.entries {
		if !e.Resolved && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemStore) Resolve(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].ID == id {
			s.entries[i].Resolved = true
			return nil
		}
	}
	return hxerr.ErrNotFound.Wrapf("dead letter %s", id)
}

func (s *MemStore) Depth(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if !e.Resolved {
			n++
		}
	}
	return n, nil
}
