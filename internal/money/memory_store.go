package money

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hustlex/backend/internal/hxerr"
	"github.com/hustlex/backend/internal/ledger"
	"github.com/hustlex/backend/internal/outbox"
)

// MemRunner serializes sagas with a process-wide mutex over persistent
// in-memory stores. It backs the test suite and degraded local runs; the
// mutex gives the same total order a serializable transaction would.
type MemRunner struct {
	mu     sync.Mutex
	money  *MemStore
	ledger *ledger.MemStore
	outbox *outbox.MemStore
}

func NewMemRunner(money *MemStore, led *ledger.MemStore, ob *outbox.MemStore) *MemRunner {
	return &MemRunner{money: money, ledger: led, outbox: ob}
}

func (r *MemRunner) InTx(ctx context.Context, fn func(ops Ops) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(Ops{Money: r.money, Ledger: r.ledger, Outbox: r.outbox})
}

// MemStore is the in-memory money store.
type MemStore struct {
	mu        sync.Mutex
	locks     map[string]*StateLock
	processed map[string]bool
	audits    []AuditRow
	disputes  map[string]*Dispute // by task id, open only
	resolved  []*Dispute
}

func NewMemStore() *MemStore {
	return &MemStore{
		locks:     make(map[string]*StateLock),
		processed: make(map[string]bool),
		disputes:  make(map[string]*Dispute),
	}
}

func (s *MemStore) GetLockForUpdate(ctx context.Context, taskID string) (*StateLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[taskID]
	if !ok {
		return nil, hxerr.ErrNotFound.Wrapf("money state lock for task %s", taskID)
	}
	cp := *lock
	return &cp, nil
}

func (s *MemStore) CreateLock(ctx context.Context, lock *StateLock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.locks[lock.TaskID]; ok {
		return hxerr.ErrDuplicateEvent.Wrapf("lock exists for task %s", lock.TaskID)
	}
	cp := *lock
	cp.LastTransitionAt = time.Now()
	s.locks[lock.TaskID] = &cp
	return nil
}

func (s *MemStore) SaveLock(ctx context.Context, lock *StateLock, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.locks[lock.TaskID]
	if !ok {
		return hxerr.ErrNotFound.Wrapf("money state lock for task %s", lock.TaskID)
	}
	if cur.Version != expectedVersion {
		return hxerr.ErrInvalidTransition.Wrapf("lock version moved for task %s", lock.TaskID)
	}
	cp := *lock
	cp.AmountCents = cur.AmountCents // amount is immutable after creation
	cp.Version = expectedVersion + 1
	cp.LastTransitionAt = time.Now()
	mergeRefs(&cp, cur)
	s.locks[lock.TaskID] = &cp
	lock.Version = cp.Version
	return nil
}

func mergeRefs(dst, prev *StateLock) {
	if dst.PaymentIntentID == "" {
		dst.PaymentIntentID = prev.PaymentIntentID
	}
	if dst.ChargeID == "" {
		dst.ChargeID = prev.ChargeID
	}
	if dst.TransferID == "" {
		dst.TransferID = prev.TransferID
	}
	if dst.RefundID == "" {
		dst.RefundID = prev.RefundID
	}
	if dst.HustlerID == "" {
		dst.HustlerID = prev.HustlerID
	}
}

func (s *MemStore) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processed[eventID], nil
}

func (s *MemStore) MarkEventProcessed(ctx context.Context, eventID, taskID string, event EventType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processed[eventID] {
		return hxerr.ErrDuplicateEvent.Wrapf("event %s", eventID)
	}
	s.processed[eventID] = true
	return nil
}

func (s *MemStore) AppendAudit(ctx context.Context, row AuditRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row.CreatedAt = time.Now()
	s.audits = append(s.audits, row)
	return nil
}

// Audits returns a copy of the audit log (test helper).
func (s *MemStore) Audits() []AuditRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AuditRow(nil), s.audits...)
}

func (s *MemStore) ActiveDispute(ctx context.Context, taskID string) (*Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.disputes[taskID]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (s *MemStore) CreateDispute(ctx context.Context, d *Dispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.disputes[d.TaskID]; ok {
		return hxerr.ErrActiveDispute.Wrapf("dispute exists for task %s", d.TaskID)
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	d.CreatedAt = time.Now()
	cp := *d
	s.disputes[d.TaskID] = &cp
	return nil
}

func (s *MemStore) ResolveDispute(ctx context.Context, taskID string, resolution Resolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.disputes[taskID]
	if !ok {
		return hxerr.ErrDisputeState.Wrapf("no open dispute for task %s", taskID)
	}
	now := time.Now()
	d.State = DisputeResolved
	d.Resolution = resolution
	d.ResolvedAt = &now
	delete(s.disputes, taskID)
	s.resolved = append(s.resolved, d)
	return nil
}
