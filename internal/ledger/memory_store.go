package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hustlex/backend/internal/hxerr"
)

// MemStore is the in-memory ledger used by tests and by local runs without
// Postgres. Safe for concurrent use.
type MemStore struct {
	mu        sync.Mutex
	accounts  map[string]*Account // id -> account
	byOwner   map[string]string   // owner|type -> account id
	txs       map[string]*Transaction
	byIdemKey map[string]string // idempotency key -> tx id
}

func NewMemStore() *MemStore {
	return &MemStore{
		accounts:  make(map[string]*Account),
		byOwner:   make(map[string]string),
		txs:       make(map[string]*Transaction),
		byIdemKey: make(map[string]string),
	}
}

func (s *MemStore) ensureAccountLocked(ownerID string, acctType AccountType) string {
	key := ownerID + "|" + string(acctType)
	if id, ok := s.byOwner[key]; ok {
		return id
	}
	id := uuid.NewString()
	s.accounts[id] = &Account{ID: id, OwnerID: ownerID, Type: acctType}
	s.byOwner[key] = id
	return id
}

func (s *MemStore) Prepare(ctx context.Context, spec Spec) (*Transaction, error) {
	if err := ValidateSpec(spec); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byIdemKey[spec.IdempotencyKey]; ok {
		return nil, hxerr.ErrDuplicateEvent.Wrapf("ledger idempotency key %s", spec.IdempotencyKey)
	}

	tx := &Transaction{
		ID:             uuid.NewString(),
		Type:           spec.Type,
		IdempotencyKey: spec.IdempotencyKey,
		Status:         StatusPending,
		CreatedAt:      time.Now(),
	}
	for _, es := range spec.Entries {
		accountID := s.ensureAccountLocked(es.OwnerID, es.Type)
		tx.Entries = append(tx.Entries, Entry{AccountID: accountID, Direction: es.Direction, Amount: es.Amount})
	}
	s.txs[tx.ID] = tx
	s.byIdemKey[spec.IdempotencyKey] = tx.ID
	return cloneTx(tx), nil
}

func (s *MemStore) Commit(ctx context.Context, txID string, refs Refs) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txs[txID]
	if !ok {
		return hxerr.ErrNotFound.Wrapf("ledger tx %s", txID)
	}
	if tx.Status == StatusCommitted {
		return nil
	}
	if tx.Status == StatusFailed {
		return hxerr.ErrInvalidTransition.Wrapf("ledger tx %s is failed", txID)
	}
	MustBalance(tx)

	if refs.PaymentIntentID != "" {
		tx.Refs.PaymentIntentID = refs.PaymentIntentID
	}
	if refs.ChargeID != "" {
		tx.Refs.ChargeID = refs.ChargeID
	}
	if refs.TransferID != "" {
		tx.Refs.TransferID = refs.TransferID
	}
	now := time.Now()
	tx.Status = StatusCommitted
	tx.CommittedAt = &now
	return nil
}

func (s *MemStore) Fail(ctx context.Context, txID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txs[txID]
	if !ok {
		return hxerr.ErrNotFound.Wrapf("ledger tx %s", txID)
	}
	if tx.Status == StatusCommitted || tx.Status == StatusFailed {
		return hxerr.ErrInvalidTransition.Wrapf("ledger tx %s not failable", txID)
	}
	tx.Status = StatusFailed
	tx.FailureReason = reason
	return nil
}

func (s *MemStore) Get(ctx context.Context, txID string) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[txID]
	if !ok {
		return nil, hxerr.ErrNotFound.Wrapf("ledger tx %s", txID)
	}
	return cloneTx(tx), nil
}

func (s *MemStore) GetByIdempotencyKey(ctx context.Context, key string) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byIdemKey[key]
	if !ok {
		return nil, hxerr.ErrNotFound.Wrapf("ledger idempotency key %s", key)
	}
	return cloneTx(s.txs[id]), nil
}

func (s *MemStore) AccountByID(ctx context.Context, accountID string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[accountID]
	if !ok {
		return nil, hxerr.ErrNotFound.Wrapf("ledger account %s", accountID)
	}
	cp := *acct
	return &cp, nil
}

func (s *MemStore) Balance(ctx context.Context, ownerID string, acctType AccountType) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	accountID, ok := s.byOwner[ownerID+"|"+string(acctType)]
	if !ok {
		return 0, nil
	}
	var balance int64
	for _, tx := range s.txs {
		if tx.Status != StatusCommitted {
			continue
		}
		for _, e := range tx.Entries {
			if e.AccountID == accountID {
				balance += SignedAmount(acctType, e)
			}
		}
	}
	return balance, nil
}

// Drift sums debits minus credits across committed transactions.
func (s *MemStore) Drift(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var drift int64
	for _, tx := range s.txs {
		if tx.Status != StatusCommitted {
			continue
		}
		for _, e := range tx.Entries {
			if e.Direction == Debit {
				drift += e.Amount
			} else {
				drift -= e.Amount
			}
		}
	}
	return drift, nil
}

func (s *MemStore) PendingOlderThan(ctx context.Context, cutoff time.Time) ([]*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Transaction
	for _, tx := range s.txs {
		if tx.Status == StatusPending && tx.CreatedAt.Before(cutoff) {
			out = append(out, cloneTx(tx))
		}
	}
	return out, nil
}

func cloneTx(tx *Transaction) *Transaction {
	cp := *tx
	cp.Entries = append([]Entry(nil), tx.Entries...)
	if tx.CommittedAt != nil {
		t := *tx.CommittedAt
		cp.CommittedAt = &t
	}
	return &cp
}
