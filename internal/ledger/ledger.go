package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/hustlex/backend/internal/hxerr"
)

// Store is the persistence surface of the ledger. The Postgres
// implementation binds to whatever DBTX the caller is running in, so a
// prepare can share the money engine's transaction; the in-memory
// implementation backs tests and degraded local runs.
type Store interface {
	// Prepare inserts a pending transaction with its entries. The
	// idempotency key is unique; a duplicate prepare returns
	// hxerr.ErrDuplicateEvent.
	Prepare(ctx context.Context, spec Spec) (*Transaction, error)
	// Commit flips a pending transaction to committed and records refs.
	Commit(ctx context.Context, txID string, refs Refs) error
	// Fail marks a pending transaction failed with a reason. Balances are
	// untouched.
	Fail(ctx context.Context, txID, reason string) error

	Get(ctx context.Context, txID string) (*Transaction, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*Transaction, error)
	AccountByID(ctx context.Context, accountID string) (*Account, error)

	// Balance returns the signed balance of (owner, type) over committed
	// entries only.
	Balance(ctx context.Context, ownerID string, acctType AccountType) (int64, error)

	// PendingOlderThan lists pending transactions created before cutoff,
	// for the saga sweepers.
	PendingOlderThan(ctx context.Context, cutoff time.Time) ([]*Transaction, error)
}

// ValidateSpec enforces double-entry shape before anything touches storage.
func ValidateSpec(spec Spec) error {
	if spec.IdempotencyKey == "" {
		return hxerr.ErrIdempotencyKeyMissing
	}
	if len(spec.Entries) < 2 {
		return hxerr.ErrLedgerImbalance.Wrapf("transaction needs at least two entries, got %d", len(spec.Entries))
	}
	var debits, credits int64
	for _, e := range spec.Entries {
		if e.Amount <= 0 {
			return hxerr.ErrLedgerImbalance.Wrapf("entry amount must be positive, got %d", e.Amount)
		}
		switch e.Direction {
		case Debit:
			debits += e.Amount
		case Credit:
			credits += e.Amount
		default:
			return hxerr.ErrLedgerImbalance.Wrapf("unknown direction %q", e.Direction)
		}
	}
	if debits != credits {
		return hxerr.ErrLedgerImbalance.Wrapf("debits=%d credits=%d", debits, credits)
	}
	return nil
}

// MustBalance panics when a transaction about to commit does not balance.
// Prepare already validated the spec, so an imbalance here means the rows
// were mutated out of band.
func MustBalance(tx *Transaction) {
	var debits, credits int64
	for _, e := range tx.Entries {
		if e.Direction == Debit {
			debits += e.Amount
		} else {
			credits += e.Amount
		}
	}
	if debits != credits {
		panic(fmt.Sprintf("ledger: committing unbalanced transaction %s: debits=%d credits=%d",
			tx.ID, debits, credits))
	}
}

// SignedAmount returns the contribution of one entry to its account's
// balance, honoring the asset/liability convention.
func SignedAmount(acctType AccountType, e Entry) int64 {
	if acctType.IsLiability() {
		if e.Direction == Credit {
			return e.Amount
		}
		return -e.Amount
	}
	if e.Direction == Debit {
		return e.Amount
	}
	return -e.Amount
}

// SplitRefund divides amount between poster and hustler for a split
// resolution. Integer cents only: the hustler share is floored and the
// poster receives the remainder, so an odd cent always goes back to the
// payer.
func SplitRefund(amount int64, hustlerBps int) (posterShare, hustlerShare int64) {
	if hustlerBps < 0 {
		hustlerBps = 0
	}
	if hustlerBps > 10000 {
		hustlerBps = 10000
	}
	hustlerShare = amount * int64(hustlerBps) / 10000
	posterShare = amount - hustlerShare
	return posterShare, hustlerShare
}
