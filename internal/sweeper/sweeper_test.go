package sweeper

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hustlex/backend/internal/dlq"
	"github.com/hustlex/backend/internal/infra"
	"github.com/hustlex/backend/internal/killswitch"
	"github.com/hustlex/backend/internal/lease"
	"github.com/hustlex/backend/internal/ledger"
	"github.com/hustlex/backend/internal/mirror"
	"github.com/hustlex/backend/internal/money"
	"github.com/hustlex/backend/internal/outbox"
	"github.com/hustlex/backend/internal/policy"
	"github.com/hustlex/backend/internal/processor"
	"github.com/hustlex/backend/internal/temporal"
	"github.com/hustlex/backend/internal/webhook"
	"github.com/hustlex/backend/internal/xp"
)

type sweepRig struct {
	sweeper  *Sweeper
	engine   *money.Engine
	runner   *money.MemRunner
	money    *money.MemStore
	ledger   *ledger.MemStore
	mirror   *mirror.MemStore
	proc     *processor.Fake
	webhooks *webhook.MemStore
}

func newSweepRig(t *testing.T) *sweepRig {
	t.Helper()
	moneyStore := money.NewMemStore()
	ledgerStore := ledger.NewMemStore()
	mirrorStore := mirror.NewMemStore()
	proc := processor.NewFake()
	cache := infra.NewMemoryCache()
	runner := money.NewMemRunner(moneyStore, ledgerStore, outbox.NewMemStore())

	engine := money.NewEngine(money.EngineParams{
		Runner:     runner,
		Mirror:     mirrorStore,
		Processor:  proc,
		Leases:     lease.NewManager(cache, 5*time.Second),
		Guard:      temporal.NewGuard(5 * time.Second),
		KillSwitch: killswitch.New(cache, nil),
		Policy:     policy.NewGate(policy.NewMemStore()),
		XP:         xp.NewMemLedger(),
		DLQ:        dlq.NewMemStore(),
	})

	webhooks := webhook.NewMemStore()
	sw := New(Params{
		Ledger:     ledgerStore,
		Mirror:     mirrorStore,
		Engine:     engine,
		Processor:  proc,
		Webhooks:   webhooks,
		PendingAge: time.Millisecond,
	})

	return &sweepRig{
		sweeper:  sw,
		engine:   engine,
		runner:   runner,
		money:    moneyStore,
		ledger:   ledgerStore,
		mirror:   mirrorStore,
		proc:     proc,
		webhooks: webhooks,
	}
}

func (r *sweepRig) fund(t *testing.T, taskID string) {
	t.Helper()
	_, err := r.engine.Handle(context.Background(), taskID, money.EventHoldEscrow, money.TransitionContext{
		ActorID: "poster-1", Role: money.RolePoster,
		AmountCents: 5000, PaymentMethodRef: "pm_card",
		PosterID: "poster-1", HustlerID: "hustler-1",
	}, "evt-hold-"+taskID)
	require.NoError(t, err)
}

// preparePending plants a pending release tx as a crashed saga would leave it.
func (r *sweepRig) preparePending(t *testing.T, taskID, eventID string) *ledger.Transaction {
	t.Helper()
	var ltx *ledger.Transaction
	err := r.runner.InTx(context.Background(), func(ops money.Ops) error {
		var err error
		ltx, err = ops.Ledger.Prepare(context.Background(), ledger.Spec{
			Type:           string(money.EventReleasePayout),
			IdempotencyKey: eventID,
			Entries: []ledger.EntrySpec{
				{OwnerID: taskID, Type: ledger.TaskEscrow, Direction: ledger.Debit, Amount: 5000},
				{OwnerID: "hustler-1", Type: ledger.UserReceivable, Direction: ledger.Credit, Amount: 5000},
			},
		})
		return err
	})
	require.NoError(t, err)
	return ltx
}

func TestSweepReapsCrashPreExecute(t *testing.T) {
	r := newSweepRig(t)
	ctx := context.Background()
	r.fund(t, "task-1")

	// Crashed before the processor ran: pending tx, no mirror row.
	ltx := r.preparePending(t, "task-1", "evt-rel-dead")
	time.Sleep(5 * time.Millisecond)

	reaped, recovered, err := r.sweeper.SweepPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)
	assert.Zero(t, recovered)

	got, err := r.ledger.Get(ctx, ltx.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, got.Status)
	assert.Equal(t, "crash_pre_execute", got.FailureReason)

	// The escrow stays intact; the task can be released normally later.
	lock, err := r.money.GetLockForUpdate(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, money.StateHeld, lock.State)
}

func TestSweepRecoversCrashPostExecute(t *testing.T) {
	r := newSweepRig(t)
	ctx := context.Background()
	r.fund(t, "task-1")
	callsAfterFund := r.proc.TotalCalls()

	// Crashed after the processor ran: pending tx plus a mirror row.
	ltx := r.preparePending(t, "task-1", "evt-rel-crashed")
	payload, _ := json.Marshal(map[string]string{"transfer_id": "tr_x", "charge_id": "ch_x"})
	_, err := r.mirror.Insert(ctx, mirror.Record{
		IdempotencyKey: "evt-rel-crashed",
		StripeID:       "tr_x",
		Type:           mirror.EffectTransfer,
		Payload:        payload,
	})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	reaped, recovered, err := r.sweeper.SweepPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, reaped)
	assert.Equal(t, 1, recovered)

	// Commit completed without touching the processor again.
	assert.Equal(t, callsAfterFund, r.proc.TotalCalls())
	got, err := r.ledger.Get(ctx, ltx.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCommitted, got.Status)

	lock, err := r.money.GetLockForUpdate(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, money.StateReleased, lock.State)
	assert.Equal(t, "tr_x", lock.TransferID)

	// A second sweep finds nothing to do.
	reaped, recovered, err = r.sweeper.SweepPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, reaped)
	assert.Zero(t, recovered)
}

func TestBackfillFlagsUnrecordedProcessorEvents(t *testing.T) {
	r := newSweepRig(t)
	ctx := context.Background()
	r.fund(t, "task-1") // generates one processor-side event

	missing, err := r.sweeper.BackfillCheck(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, missing)

	// Record the event locally; the gap closes.
	events, err := r.proc.ListRecentEvents(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, events, 1)
	_, err = r.webhooks.Insert(ctx, events[0].ID, events[0].Type, []byte(`{}`))
	require.NoError(t, err)
	claimed, err := r.webhooks.Claim(ctx, events[0].ID)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, r.webhooks.MarkProcessed(ctx, events[0].ID, "processed"))

	missing, err = r.sweeper.BackfillCheck(ctx)
	require.NoError(t, err)
	assert.Zero(t, missing)
}
