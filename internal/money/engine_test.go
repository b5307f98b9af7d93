package money

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hustlex/backend/internal/dlq"
	"github.com/hustlex/backend/internal/hxerr"
	"github.com/hustlex/backend/internal/infra"
	"github.com/hustlex/backend/internal/killswitch"
	"github.com/hustlex/backend/internal/lease"
	"github.com/hustlex/backend/internal/ledger"
	"github.com/hustlex/backend/internal/mirror"
	"github.com/hustlex/backend/internal/outbox"
	"github.com/hustlex/backend/internal/policy"
	"github.com/hustlex/backend/internal/processor"
	"github.com/hustlex/backend/internal/temporal"
	"github.com/hustlex/backend/internal/xp"
)

type rig struct {
	engine *Engine
	runner *MemRunner
	money  *MemStore
	ledger *ledger.MemStore
	outbox *outbox.MemStore
	mirror *mirror.MemStore
	proc   *processor.Fake
	dead   *dlq.MemStore
	xp     *xp.MemLedger
	scores *policy.MemStore
	kill   *killswitch.Switch
}

func newRig(t *testing.T) *rig {
	t.Helper()
	moneyStore := NewMemStore()
	ledgerStore := ledger.NewMemStore()
	outboxStore := outbox.NewMemStore()
	mirrorStore := mirror.NewMemStore()
	proc := processor.NewFake()
	dead := dlq.NewMemStore()
	awards := xp.NewMemLedger()
	scores := policy.NewMemStore()
	cache := infra.NewMemoryCache()
	kill := killswitch.New(cache, nil)
	runner := NewMemRunner(moneyStore, ledgerStore, outboxStore)

	engine := NewEngine(EngineParams{
		Runner:     runner,
		Mirror:     mirrorStore,
		Processor:  proc,
		Leases:     lease.NewManager(cache, 5*time.Second),
		Guard:      temporal.NewGuard(5 * time.Second),
		KillSwitch: kill,
		Policy:     policy.NewGate(scores),
		XP:         awards,
		DLQ:        dead,
	})

	return &rig{
		engine: engine,
		runner: runner,
		money:  moneyStore,
		ledger: ledgerStore,
		outbox: outboxStore,
		mirror: mirrorStore,
		proc:   proc,
		dead:   dead,
		xp:     awards,
		scores: scores,
		kill:   kill,
	}
}

const (
	posterID  = "poster-1"
	hustlerID = "hustler-1"
)

func (r *rig) fund(t *testing.T, taskID string, amount int64) *Result {
	t.Helper()
	res, err := r.engine.Handle(context.Background(), taskID, EventHoldEscrow, TransitionContext{
		ActorID:          posterID,
		Role:             RolePoster,
		AmountCents:      amount,
		PaymentMethodRef: "pm_card",
		PosterID:         posterID,
		HustlerID:        hustlerID,
	}, "evt-hold-"+taskID)
	require.NoError(t, err)
	return res
}

func (r *rig) release(taskID, eventID string) (*Result, error) {
	return r.engine.Handle(context.Background(), taskID, EventReleasePayout, TransitionContext{
		ActorID:        posterID,
		Role:           RolePoster,
		DestinationRef: "acct_hustler",
		PosterID:       posterID,
		HustlerID:      hustlerID,
	}, eventID)
}

func TestFundAndRelease(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	res := r.fund(t, "task-1", 5000)
	assert.Equal(t, StateHeld, res.State)
	assert.False(t, res.Duplicate)

	escrow, err := r.ledger.Balance(ctx, "task-1", ledger.TaskEscrow)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), escrow)

	res, err = r.release("task-1", "evt-rel-1")
	require.NoError(t, err)
	assert.Equal(t, StateReleased, res.State)

	// Escrow drains to zero and the books stay balanced.
	escrow, err = r.ledger.Balance(ctx, "task-1", ledger.TaskEscrow)
	require.NoError(t, err)
	assert.Zero(t, escrow)
	drift, err := r.ledger.Drift(ctx)
	require.NoError(t, err)
	assert.Zero(t, drift)

	// One processor call per phase, refs on the lock.
	assert.Equal(t, 1, r.proc.Calls("evt-hold-task-1"))
	assert.Equal(t, 1, r.proc.Calls("evt-rel-1"))
	lock, err := r.money.GetLockForUpdate(ctx, "task-1")
	require.NoError(t, err)
	assert.NotEmpty(t, lock.PaymentIntentID)
	assert.NotEmpty(t, lock.TransferID)

	// XP awarded exactly once for the release.
	assert.Equal(t, int64(500), r.xp.Total(hustlerID))
}

func TestDuplicateEventIDIsIgnored(t *testing.T) {
	r := newRig(t)
	r.fund(t, "task-1", 5000)

	res, err := r.engine.Handle(context.Background(), "task-1", EventHoldEscrow, TransitionContext{
		ActorID:          posterID,
		Role:             RolePoster,
		AmountCents:      5000,
		PaymentMethodRef: "pm_card",
		PosterID:         posterID,
		HustlerID:        hustlerID,
	}, "evt-hold-task-1")
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, StateHeld, res.State)
	assert.Equal(t, 1, r.proc.Calls("evt-hold-task-1"))
}

func TestMissingEventIDRejected(t *testing.T) {
	r := newRig(t)
	_, err := r.engine.Handle(context.Background(), "task-1", EventHoldEscrow, TransitionContext{
		Role: RolePoster, AmountCents: 100, PosterID: posterID,
	}, "")
	assert.True(t, hxerr.Is(err, hxerr.ErrIdempotencyKeyMissing))
}

func TestConcurrentReleasesPayOnce(t *testing.T) {
	r := newRig(t)
	r.fund(t, "task-1", 5000)

	const n = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	var successes, duplicates, busy int

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.release("task-1", "evt-rel-1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && res.Duplicate:
				duplicates++
			case err == nil:
				successes++
			case hxerr.Is(err, hxerr.ErrLeaseBusy):
				busy++
			default:
				t.Errorf("unexpected release error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes, "exactly one release must win")
	assert.Equal(t, n, successes+duplicates+busy)
	assert.Equal(t, 1, r.proc.Calls("evt-rel-1"), "processor must be hit once")
	assert.Equal(t, int64(500), r.xp.Total(hustlerID))
}

func TestProcessorFailureCompensates(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.fund(t, "task-1", 5000)

	r.proc.FailNext(errors.New("card_declined"))
	_, err := r.release("task-1", "evt-rel-fail")
	require.Error(t, err)
	assert.True(t, hxerr.Is(err, hxerr.ErrProcessorReject))

	// State untouched, ledger tx failed, saga dead-lettered.
	lock, err := r.money.GetLockForUpdate(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, StateHeld, lock.State)

	ltx, err := r.ledger.GetByIdempotencyKey(ctx, "evt-rel-fail")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, ltx.Status)

	depth, err := r.dead.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	// The compensated event id is burned; a fresh one succeeds.
	_, err = r.release("task-1", "evt-rel-fail")
	assert.True(t, hxerr.Is(err, hxerr.ErrDuplicateEvent))

	res, err := r.release("task-1", "evt-rel-retry")
	require.NoError(t, err)
	assert.Equal(t, StateReleased, res.State)
}

func TestCrashAfterExecuteRecoversFromMirror(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.fund(t, "task-1", 5000)

	// Simulate a saga that prepared and executed, then died before commit:
	// pending ledger tx plus mirror row, lock still held.
	const eventID = "evt-rel-crash"
	err := r.runner.InTx(ctx, func(ops Ops) error {
		_, err := ops.Ledger.Prepare(ctx, ledger.Spec{
			Type:           string(EventReleasePayout),
			IdempotencyKey: eventID,
			Entries: []ledger.EntrySpec{
				{OwnerID: "task-1", Type: ledger.TaskEscrow, Direction: ledger.Debit, Amount: 5000},
				{OwnerID: hustlerID, Type: ledger.UserReceivable, Direction: ledger.Credit, Amount: 5000},
			},
		})
		return err
	})
	require.NoError(t, err)
	payload, _ := json.Marshal(map[string]string{"transfer_id": "tr_recovered", "charge_id": "ch_x"})
	_, err = r.mirror.Insert(ctx, mirror.Record{
		IdempotencyKey: eventID,
		StripeID:       "tr_recovered",
		Type:           mirror.EffectTransfer,
		Payload:        payload,
	})
	require.NoError(t, err)

	// The retry must converge without re-invoking the processor.
	res, err := r.release("task-1", eventID)
	require.NoError(t, err)
	assert.Equal(t, StateReleased, res.State)
	assert.Zero(t, r.proc.Calls(eventID))

	ltx, err := r.ledger.GetByIdempotencyKey(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCommitted, ltx.Status)

	lock, err := r.money.GetLockForUpdate(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "tr_recovered", lock.TransferID)
}

func TestTerminalStatesRejectEverything(t *testing.T) {
	r := newRig(t)
	r.fund(t, "task-1", 5000)

	res, err := r.engine.Handle(context.Background(), "task-1", EventRefundEscrow, TransitionContext{
		ActorID: posterID, Role: RolePoster, PosterID: posterID,
	}, "evt-refund-1")
	require.NoError(t, err)
	assert.Equal(t, StateRefunded, res.State)

	for _, ev := range []EventType{EventHoldEscrow, EventReleasePayout, EventRefundEscrow, EventDisputeOpen, EventForceRefund} {
		_, err := r.engine.Handle(context.Background(), "task-1", ev, TransitionContext{
			ActorID: "admin-9", Role: RoleAdmin, AmountCents: 5000, PosterID: posterID,
		}, "evt-after-terminal-"+string(ev))
		assert.True(t, hxerr.Is(err, hxerr.ErrTerminalState), "event %s on refunded", ev)
	}
}

func TestReleasedAcceptsOnlyForceRefund(t *testing.T) {
	r := newRig(t)
	r.fund(t, "task-1", 5000)
	_, err := r.release("task-1", "evt-rel-1")
	require.NoError(t, err)

	_, err = r.release("task-1", "evt-rel-2")
	assert.True(t, hxerr.Is(err, hxerr.ErrTerminalState))

	res, err := r.engine.Handle(context.Background(), "task-1", EventForceRefund, TransitionContext{
		ActorID: "admin-9", Role: RoleAdmin,
	}, "evt-force-1")
	require.NoError(t, err)
	assert.Equal(t, StateRefunded, res.State)
	assert.Equal(t, 1, r.proc.Calls("evt-force-1"))
}

func TestForceRefundConflictOfInterest(t *testing.T) {
	r := newRig(t)
	r.fund(t, "task-1", 5000)
	_, err := r.release("task-1", "evt-rel-1")
	require.NoError(t, err)

	// An admin who is a party to the task cannot claw it back.
	_, err = r.engine.Handle(context.Background(), "task-1", EventForceRefund, TransitionContext{
		ActorID: hustlerID, Role: RoleAdmin,
	}, "evt-force-coi")
	assert.True(t, hxerr.Is(err, hxerr.ErrConflictOfInterest))
}

func TestAmountIsImmutable(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	// A lock left behind by a failed funding attempt pins the amount.
	require.NoError(t, r.money.CreateLock(ctx, &StateLock{
		TaskID: "task-1", State: StateInitial, PosterID: posterID,
		HustlerID: hustlerID, AmountCents: 5000, Version: 1,
	}))

	_, err := r.engine.Handle(ctx, "task-1", EventHoldEscrow, TransitionContext{
		ActorID: posterID, Role: RolePoster, AmountCents: 7000,
		PaymentMethodRef: "pm_card", PosterID: posterID, HustlerID: hustlerID,
	}, "evt-hold-other-amount")
	assert.True(t, hxerr.Is(err, hxerr.ErrAmountMismatch))
}

func TestNonPositiveFundingRejected(t *testing.T) {
	r := newRig(t)
	_, err := r.engine.Handle(context.Background(), "task-1", EventHoldEscrow, TransitionContext{
		ActorID: posterID, Role: RolePoster, AmountCents: 0,
		PosterID: posterID,
	}, "evt-hold-zero")
	assert.True(t, hxerr.Is(err, hxerr.ErrAmountMismatch))
}

func TestKillSwitchFreezesTransitions(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.fund(t, "task-1", 5000)

	r.kill.Trigger(ctx, killswitch.ReasonManualOverride, "admin-9")
	_, err := r.release("task-1", "evt-rel-frozen")
	assert.True(t, hxerr.Is(err, hxerr.ErrFrozen))

	r.kill.Resolve(ctx, "admin-9")
	res, err := r.release("task-1", "evt-rel-thawed")
	require.NoError(t, err)
	assert.Equal(t, StateReleased, res.State)
}

func TestShadowBannedHustlerCannotBeReleased(t *testing.T) {
	r := newRig(t)
	r.fund(t, "task-1", 5000)
	r.scores.SetScore(hustlerID, 10) // INVISIBLE band

	_, err := r.release("task-1", "evt-rel-banned")
	assert.True(t, hxerr.Is(err, hxerr.ErrShadowBanned))

	lock, err := r.money.GetLockForUpdate(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, StateHeld, lock.State)
	assert.Zero(t, r.proc.Calls("evt-rel-banned"))
}

func TestDisputeLifecycle(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.fund(t, "task-1", 5000)
	before := r.proc.TotalCalls()

	res, err := r.engine.Handle(ctx, "task-1", EventDisputeOpen, TransitionContext{
		ActorID: hustlerID, Role: RoleHustler,
	}, "evt-dispute-1")
	require.NoError(t, err)
	assert.Equal(t, StatePendingDispute, res.State)
	// Dispute moves are internal: no processor effect.
	assert.Equal(t, before, r.proc.TotalCalls())

	d, err := r.money.ActiveDispute(ctx, "task-1")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, hustlerID, d.OpenedBy)

	// Funds sit in the platform dispute hold until resolution.
	held, err := r.ledger.Balance(ctx, "platform", ledger.PlatformDisputeHold)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), held)

	// Release is no longer reachable from pending_dispute.
	_, err = r.release("task-1", "evt-rel-during-dispute")
	assert.True(t, hxerr.Is(err, hxerr.ErrInvalidTransition))

	res, err = r.engine.Handle(ctx, "task-1", EventResolveRefund, TransitionContext{
		ActorID: "admin-9", Role: RoleAdmin,
	}, "evt-resolve-1")
	require.NoError(t, err)
	assert.Equal(t, StateRefunded, res.State)

	d, err = r.money.ActiveDispute(ctx, "task-1")
	require.NoError(t, err)
	assert.Nil(t, d, "dispute must be resolved")
}

func TestResolveUpholdPaysHustler(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.fund(t, "task-1", 5000)

	_, err := r.engine.Handle(ctx, "task-1", EventDisputeOpen, TransitionContext{
		ActorID: posterID, Role: RolePoster,
	}, "evt-dispute-1")
	require.NoError(t, err)

	res, err := r.engine.Handle(ctx, "task-1", EventResolveUphold, TransitionContext{
		ActorID: "admin-9", Role: RoleAdmin,
	}, "evt-uphold-1")
	require.NoError(t, err)
	assert.Equal(t, StateUpheld, res.State)

	held, err := r.ledger.Balance(ctx, "platform", ledger.PlatformDisputeHold)
	require.NoError(t, err)
	assert.Zero(t, held)
	drift, err := r.ledger.Drift(ctx)
	require.NoError(t, err)
	assert.Zero(t, drift)
}

func TestDisputeResolutionIsAdminOnly(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.fund(t, "task-1", 5000)
	_, err := r.engine.Handle(ctx, "task-1", EventDisputeOpen, TransitionContext{
		ActorID: posterID, Role: RolePoster,
	}, "evt-dispute-1")
	require.NoError(t, err)

	_, err = r.engine.Handle(ctx, "task-1", EventResolveRefund, TransitionContext{
		ActorID: posterID, Role: RolePoster,
	}, "evt-resolve-party")
	assert.True(t, hxerr.Is(err, hxerr.ErrNotAuthorized))

	// Admin who is a party is conflicted out.
	_, err = r.engine.Handle(ctx, "task-1", EventResolveRefund, TransitionContext{
		ActorID: posterID, Role: RoleAdmin,
	}, "evt-resolve-coi")
	assert.True(t, hxerr.Is(err, hxerr.ErrConflictOfInterest))
}

func TestStrangerCannotRelease(t *testing.T) {
	r := newRig(t)
	r.fund(t, "task-1", 5000)

	_, err := r.engine.Handle(context.Background(), "task-1", EventReleasePayout, TransitionContext{
		ActorID: "someone-else", Role: RolePoster,
		PosterID: posterID, HustlerID: hustlerID,
	}, "evt-rel-stranger")
	assert.True(t, hxerr.Is(err, hxerr.ErrNotAuthorized))
}

func TestStaleEventRejected(t *testing.T) {
	r := newRig(t)
	r.fund(t, "task-1", 5000)

	_, err := r.engine.Handle(context.Background(), "task-1", EventReleasePayout, TransitionContext{
		ActorID: posterID, Role: RolePoster,
		PosterID: posterID, HustlerID: hustlerID,
		EventTime: time.Now().Add(-time.Hour),
	}, "evt-rel-stale")
	assert.True(t, hxerr.Is(err, hxerr.ErrStaleEvent))
}

func TestFailedAttemptsAreAudited(t *testing.T) {
	r := newRig(t)
	r.fund(t, "task-1", 5000)

	_, err := r.engine.Handle(context.Background(), "task-1", EventReleasePayout, TransitionContext{
		ActorID: "someone-else", Role: RolePoster,
		PosterID: posterID, HustlerID: hustlerID,
	}, "evt-rel-denied")
	require.Error(t, err)

	audits := r.money.Audits()
	require.NotEmpty(t, audits)
	last := audits[len(audits)-1]
	assert.False(t, last.Success)
	assert.Equal(t, EventReleasePayout, last.EventType)
	assert.Equal(t, last.PreviousState, last.NewState)
}

func TestCommitEmitsDomainEvent(t *testing.T) {
	r := newRig(t)
	r.fund(t, "task-1", 5000)

	var kinds []string
	for _, ev := range r.outbox.Events() {
		kinds = append(kinds, ev.EventType)
	}
	assert.Contains(t, kinds, "escrow.funded")

	_, err := r.release("task-1", "evt-rel-1")
	require.NoError(t, err)
	kinds = kinds[:0]
	for _, ev := range r.outbox.Events() {
		kinds = append(kinds, ev.EventType)
	}
	assert.Contains(t, kinds, "escrow.released")
}
