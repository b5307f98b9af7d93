package money

import (
	"context"

	"github.com/hustlex/backend/internal/ledger"
	"github.com/hustlex/backend/internal/outbox"
)

// Store is the money-side persistence surface bound into a saga
// transaction.
type Store interface {
	// GetLockForUpdate loads the state lock, row-locked until the enclosing
	// transaction finishes. Returns hxerr.ErrNotFound when absent.
	GetLockForUpdate(ctx context.Context, taskID string) (*StateLock, error)
	// CreateLock inserts the lock for a newly funded task.
	CreateLock(ctx context.Context, lock *StateLock) error
	// SaveLock persists a transition. The store must assert the version it
	// read (optimistic check on top of the row lock).
	SaveLock(ctx context.Context, lock *StateLock, expectedVersion int64) error

	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, taskID string, event EventType) error

	AppendAudit(ctx context.Context, row AuditRow) error

	ActiveDispute(ctx context.Context, taskID string) (*Dispute, error)
	CreateDispute(ctx context.Context, d *Dispute) error
	ResolveDispute(ctx context.Context, taskID string, resolution Resolution) error
}

// Ops is the set of stores bound to one database transaction.
type Ops struct {
	Money  Store
	Ledger ledger.Store
	Outbox outbox.Store
}

// Runner opens a serializable transaction and binds the stores to it. The
// in-memory runner serializes with a process mutex instead.
type Runner interface {
	InTx(ctx context.Context, fn func(ops Ops) error) error
}
