package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hustlex/backend/internal/hxerr"
)

func holdSpec(key string, amount int64) Spec {
	return Spec{
		Type:           "HOLD_ESCROW",
		IdempotencyKey: key,
		Entries: []EntrySpec{
			{OwnerID: "poster-1", Type: UserReceivable, Direction: Debit, Amount: amount},
			{OwnerID: "task-1", Type: TaskEscrow, Direction: Credit, Amount: amount},
		},
	}
}

func TestValidateSpec(t *testing.T) {
	assert.NoError(t, ValidateSpec(holdSpec("k1", 5000)))

	err := ValidateSpec(Spec{Type: "x", Entries: holdSpec("", 1).Entries})
	assert.True(t, hxerr.Is(err, hxerr.ErrIdempotencyKeyMissing))

	err = ValidateSpec(Spec{Type: "x", IdempotencyKey: "k", Entries: []EntrySpec{
		{OwnerID: "a", Type: UserReceivable, Direction: Debit, Amount: 100},
	}})
	assert.True(t, hxerr.Is(err, hxerr.ErrLedgerImbalance), "single entry")

	err = ValidateSpec(Spec{Type: "x", IdempotencyKey: "k", Entries: []EntrySpec{
		{OwnerID: "a", Type: UserReceivable, Direction: Debit, Amount: 100},
		{OwnerID: "b", Type: TaskEscrow, Direction: Credit, Amount: 99},
	}})
	assert.True(t, hxerr.Is(err, hxerr.ErrLedgerImbalance), "debits != credits")

	err = ValidateSpec(Spec{Type: "x", IdempotencyKey: "k", Entries: []EntrySpec{
		{OwnerID: "a", Type: UserReceivable, Direction: Debit, Amount: 0},
		{OwnerID: "b", Type: TaskEscrow, Direction: Credit, Amount: 0},
	}})
	assert.True(t, hxerr.Is(err, hxerr.ErrLedgerImbalance), "zero amount")
}

func TestBalancesMoveOnlyOnCommit(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	tx, err := s.Prepare(ctx, holdSpec("k1", 5000))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, tx.Status)

	bal, err := s.Balance(ctx, "task-1", TaskEscrow)
	require.NoError(t, err)
	assert.Zero(t, bal, "pending transactions must not move balances")

	require.NoError(t, s.Commit(ctx, tx.ID, Refs{PaymentIntentID: "pi_1"}))
	bal, err = s.Balance(ctx, "task-1", TaskEscrow)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), bal)

	got, err := s.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, got.Status)
	assert.Equal(t, "pi_1", got.Refs.PaymentIntentID)
	assert.NotNil(t, got.CommittedAt)
}

func TestFailedTransactionLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	tx, err := s.Prepare(ctx, holdSpec("k1", 5000))
	require.NoError(t, err)
	require.NoError(t, s.Fail(ctx, tx.ID, "card_declined"))

	bal, err := s.Balance(ctx, "task-1", TaskEscrow)
	require.NoError(t, err)
	assert.Zero(t, bal)

	// Terminal either way: a failed tx cannot commit, nor fail again.
	err = s.Commit(ctx, tx.ID, Refs{})
	assert.True(t, hxerr.Is(err, hxerr.ErrInvalidTransition))
	err = s.Fail(ctx, tx.ID, "again")
	assert.True(t, hxerr.Is(err, hxerr.ErrInvalidTransition))
}

func TestPrepareDeduplicatesByIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	_, err := s.Prepare(ctx, holdSpec("k1", 5000))
	require.NoError(t, err)
	_, err = s.Prepare(ctx, holdSpec("k1", 5000))
	assert.True(t, hxerr.Is(err, hxerr.ErrDuplicateEvent))

	tx, err := s.GetByIdempotencyKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "k1", tx.IdempotencyKey)
}

func TestCommitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	tx, err := s.Prepare(ctx, holdSpec("k1", 5000))
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, tx.ID, Refs{}))
	require.NoError(t, s.Commit(ctx, tx.ID, Refs{}))

	bal, err := s.Balance(ctx, "task-1", TaskEscrow)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), bal, "double commit must not double-count")
}

func TestSignConventions(t *testing.T) {
	// Asset accounts grow on debit, liability accounts on credit.
	debit := Entry{Direction: Debit, Amount: 100}
	credit := Entry{Direction: Credit, Amount: 100}

	assert.Equal(t, int64(100), SignedAmount(UserReceivable, debit))
	assert.Equal(t, int64(-100), SignedAmount(UserReceivable, credit))
	assert.Equal(t, int64(100), SignedAmount(TaskEscrow, credit))
	assert.Equal(t, int64(-100), SignedAmount(TaskEscrow, debit))
	assert.Equal(t, int64(100), SignedAmount(PlatformDisputeHold, credit))
}

func TestDriftIsZeroAcrossCommittedTransactions(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	tx1, err := s.Prepare(ctx, holdSpec("k1", 5000))
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, tx1.ID, Refs{}))

	tx2, err := s.Prepare(ctx, Spec{
		Type:           "RELEASE_PAYOUT",
		IdempotencyKey: "k2",
		Entries: []EntrySpec{
			{OwnerID: "task-1", Type: TaskEscrow, Direction: Debit, Amount: 5000},
			{OwnerID: "hustler-1", Type: UserReceivable, Direction: Credit, Amount: 5000},
		},
	})
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, tx2.ID, Refs{TransferID: "tr_1"}))

	drift, err := s.Drift(ctx)
	require.NoError(t, err)
	assert.Zero(t, drift)

	bal, err := s.Balance(ctx, "task-1", TaskEscrow)
	require.NoError(t, err)
	assert.Zero(t, bal, "escrow drains after release")
}

func TestMustBalancePanicsOnTamperedRows(t *testing.T) {
	tx := &Transaction{
		ID: "tx-1",
		Entries: []Entry{
			{AccountID: "a", Direction: Debit, Amount: 100},
			{AccountID: "b", Direction: Credit, Amount: 50},
		},
	}
	assert.Panics(t, func() { MustBalance(tx) })
}

func TestSplitRefund(t *testing.T) {
	poster, hustler := SplitRefund(10000, 2500)
	assert.Equal(t, int64(7500), poster)
	assert.Equal(t, int64(2500), hustler)

	// Odd cent goes back to the payer.
	poster, hustler = SplitRefund(101, 5000)
	assert.Equal(t, int64(51), poster)
	assert.Equal(t, int64(50), hustler)

	// Out-of-range bps are clamped.
	poster, hustler = SplitRefund(100, 20000)
	assert.Equal(t, int64(0), poster)
	assert.Equal(t, int64(100), hustler)
	poster, hustler = SplitRefund(100, -5)
	assert.Equal(t, int64(100), poster)
	assert.Equal(t, int64(0), hustler)
}
