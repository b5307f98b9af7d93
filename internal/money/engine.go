package money

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hustlex/backend/internal/hxerr"
	"github.com/hustlex/backend/internal/killswitch"
	"github.com/hustlex/backend/internal/lease"
	"github.com/hustlex/backend/internal/ledger"
	"github.com/hustlex/backend/internal/mirror"
	"github.com/hustlex/backend/internal/outbox"
	"github.com/hustlex/backend/internal/processor"
	"github.com/hustlex/backend/internal/temporal"
)

// PolicyGate is the pre-release eligibility check (trust tier + shadow
// score). Implemented by internal/policy.
type PolicyGate interface {
	CheckRelease(ctx context.Context, userID string) error
}

// XPAwarder awards XP exactly once per escrow; duplicates must be
// rejected by the XP ledger's unique constraint. Implemented by internal/xp.
type XPAwarder interface {
	AwardOnce(ctx context.Context, escrowID, userID string, amount int64) error
}

// ProofSnapshotter freezes all proof state for a task when a dispute opens.
// Implemented by internal/proof.
type ProofSnapshotter interface {
	SnapshotForDispute(ctx context.Context, taskID, disputeID string) error
}

// DeadLetterSink receives compensated sagas for reconciliation.
// Implemented by internal/dlq.
type DeadLetterSink interface {
	Enqueue(ctx context.Context, source, refID, reason string, detail map[string]interface{}) error
}

// Observer receives transition outcomes for metrics. May be nil.
type Observer interface {
	ObserveTransition(event EventType, outcome string, elapsed time.Duration)
}

// Engine drives escrow transitions through the prepare / execute / commit
// saga. It is re-entrant under concurrent requests; correctness derives from
// the batch lease, the row lock on the state lock, and the processed-event
// unique constraint.
type Engine struct {
	runner Runner
	mirror mirror.Store
	proc   processor.Client
	leases *lease.Manager
	guard  *temporal.Guard
	kill   *killswitch.Switch
	policy PolicyGate
	xp     XPAwarder
	proofs ProofSnapshotter
	dlq    DeadLetterSink
	obs    Observer

	procTimeout time.Duration
	releaseXP   int64
	logger      *log.Logger
}

type EngineParams struct {
	Runner           Runner
	Mirror           mirror.Store
	Processor        processor.Client
	Leases           *lease.Manager
	Guard            *temporal.Guard
	KillSwitch       *killswitch.Switch
	Policy           PolicyGate
	XP               XPAwarder
	Proofs           ProofSnapshotter
	DLQ              DeadLetterSink
	Observer         Observer
	ProcessorTimeout time.Duration
	ReleaseXP        int64
}

func NewEngine(p EngineParams) *Engine {
	if p.ProcessorTimeout <= 0 {
		p.ProcessorTimeout = 30 * time.Second
	}
	if p.ReleaseXP <= 0 {
		p.ReleaseXP = 500
	}
	return &Engine{
		runner:      p.Runner,
		mirror:      p.Mirror,
		proc:        p.Processor,
		leases:      p.Leases,
		guard:       p.Guard,
		kill:        p.KillSwitch,
		policy:      p.Policy,
		xp:          p.XP,
		proofs:      p.Proofs,
		dlq:         p.DLQ,
		obs:         p.Observer,
		procTimeout: p.ProcessorTimeout,
		releaseXP:   p.ReleaseXP,
		logger:      log.New(log.Writer(), "[MONEY-ENGINE] ", log.LstdFlags),
	}
}

// effectRefs is the mirror payload: everything learned from the processor.
type effectRefs struct {
	PaymentIntentID string `json:"payment_intent_id,omitempty"`
	ChargeID        string `json:"charge_id,omitempty"`
	TransferID      string `json:"transfer_id,omitempty"`
	RefundID        string `json:"refund_id,omitempty"`
	ReversalID      string `json:"reversal_id,omitempty"`
}

// prepared captures the state carried across the saga's suspension points.
type prepared struct {
	lock      *StateLock
	prior     State
	next      State
	ledgerTx  *ledger.Transaction
	duplicate bool
}

// Handle processes one money event for a task. Effective semantics are
// exactly-once per external event id and at-most-one in-flight transition
// per task.
func (e *Engine) Handle(ctx context.Context, taskID string, event EventType, tctx TransitionContext, externalEventID string) (*Result, error) {
	start := time.Now()
	res, err := e.handle(ctx, taskID, event, tctx, externalEventID)
	if e.obs != nil {
		outcome := "success"
		switch {
		case err != nil:
			outcome = hxerr.From(err).Code
		case res != nil && res.Duplicate:
			outcome = "duplicate_ignored"
		}
		e.obs.ObserveTransition(event, outcome, time.Since(start))
	}
	return res, err
}

func (e *Engine) handle(ctx context.Context, taskID string, event EventType, tctx TransitionContext, externalEventID string) (*Result, error) {
	if externalEventID == "" {
		return nil, hxerr.ErrIdempotencyKeyMissing
	}
	if e.kill.IsActive(ctx) {
		return nil, hxerr.ErrFrozen
	}

	resources := []string{"task:" + taskID}
	if tctx.PosterID != "" {
		resources = append(resources, "user:"+tctx.PosterID)
	}
	if tctx.HustlerID != "" {
		resources = append(resources, "user:"+tctx.HustlerID)
	}
	held, err := e.leases.Acquire(ctx, resources...)
	if err != nil {
		return nil, err
	}
	defer held.Release(ctx)

	// Phase 1: prepare.
	p, err := e.prepare(ctx, taskID, event, tctx, externalEventID)
	if err != nil {
		e.auditFailure(ctx, taskID, event, externalEventID, tctx, err)
		return nil, err
	}
	if p.duplicate {
		lock := p.lock
		res := &Result{TaskID: taskID, Duplicate: true}
		if lock != nil {
			res.State = lock.State
			res.Version = lock.Version
		}
		return res, nil
	}

	// Phase 2: execute the external effect (exactly-once via the mirror).
	refs, err := e.execute(ctx, event, p, tctx, externalEventID)
	if err != nil {
		e.compensate(ctx, taskID, event, externalEventID, p, tctx, err)
		return nil, err
	}

	// Phase 3: commit.
	if err := e.commit(ctx, taskID, event, tctx, externalEventID, p, refs); err != nil {
		// Execute already succeeded: the mirror row guarantees the next
		// attempt converges without re-invoking the processor, and the
		// mirror-recovery sweeper completes the commit if no retry comes.
		e.logger.Printf("CRITICAL: commit failed after execute for task=%s event=%s: %v (mirror row preserved)",
			taskID, event, err)
		return nil, err
	}

	e.postCommit(ctx, taskID, event, p)

	return &Result{TaskID: taskID, State: p.lock.State, Version: p.lock.Version}, nil
}

func (e *Engine) prepare(ctx context.Context, taskID string, event EventType, tctx TransitionContext, eventID string) (*prepared, error) {
	p := &prepared{}
	err := e.runner.InTx(ctx, func(ops Ops) error {
		done, err := ops.Money.IsEventProcessed(ctx, eventID)
		if err != nil {
			return err
		}
		if done {
			p.duplicate = true
			if lock, err := ops.Money.GetLockForUpdate(ctx, taskID); err == nil {
				p.lock = lock
			}
			return nil
		}

		lock, err := ops.Money.GetLockForUpdate(ctx, taskID)
		if hxerr.Is(err, hxerr.ErrNotFound) && event == EventHoldEscrow {
			lock = &StateLock{
				TaskID:      taskID,
				State:       StateInitial,
				PosterID:    tctx.PosterID,
				HustlerID:   tctx.HustlerID,
				AmountCents: tctx.AmountCents,
				Version:     1,
			}
			if err := ops.Money.CreateLock(ctx, lock); err != nil {
				return err
			}
		} else if err != nil {
			return err
		} else if event != EventHoldEscrow {
			if err := e.guard.Check(tctx.EventTime, lock.LastTransitionAt); err != nil {
				return err
			}
		}
		p.lock = lock
		p.prior = lock.State

		next, err := NextState(lock.State, event)
		if err != nil {
			return err
		}
		p.next = next

		if err := checkAuthorization(lock, event, tctx); err != nil {
			return err
		}
		if err := e.checkGuards(ctx, ops, lock, event, tctx); err != nil {
			return err
		}

		spec, err := e.ledgerSpec(lock, event, tctx, eventID)
		if err != nil {
			return err
		}
		ltx, err := ops.Ledger.Prepare(ctx, spec)
		if hxerr.Is(err, hxerr.ErrDuplicateEvent) {
			// A prior attempt prepared this event and crashed before commit.
			// Reuse the pending transaction; the mirror decides whether the
			// processor already ran.
			existing, gerr := ops.Ledger.GetByIdempotencyKey(ctx, eventID)
			if gerr != nil {
				return gerr
			}
			switch existing.Status {
			case ledger.StatusPending, ledger.StatusExecuting:
				ltx = existing
			case ledger.StatusCommitted:
				p.duplicate = true
				return nil
			default:
				return hxerr.ErrDuplicateEvent.Wrapf("event %s was compensated; a new event id is required", eventID)
			}
		} else if err != nil {
			return err
		}
		p.ledgerTx = ltx
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (e *Engine) checkGuards(ctx context.Context, ops Ops, lock *StateLock, event EventType, tctx TransitionContext) error {
	switch event {
	case EventHoldEscrow:
		if tctx.AmountCents <= 0 {
			return hxerr.ErrAmountMismatch.Wrapf("funding amount must be positive")
		}
		if lock.AmountCents != tctx.AmountCents {
			return hxerr.ErrAmountImmutable
		}
	case EventReleasePayout:
		d, err := ops.Money.ActiveDispute(ctx, lock.TaskID)
		if err != nil {
			return err
		}
		if d != nil {
			return hxerr.ErrActiveDispute
		}
		if tctx.AmountCents != 0 && tctx.AmountCents != lock.AmountCents {
			return hxerr.ErrAmountMismatch.Wrapf("payout %d != escrow %d", tctx.AmountCents, lock.AmountCents)
		}
		if e.policy != nil {
			if err := e.policy.CheckRelease(ctx, lock.HustlerID); err != nil {
				return err
			}
		}
	case EventRefundEscrow, EventForceRefund, EventResolveRefund:
		if tctx.AmountCents != 0 && tctx.AmountCents > lock.AmountCents {
			return hxerr.ErrAmountMismatch.Wrapf("refund %d > escrow %d", tctx.AmountCents, lock.AmountCents)
		}
	}
	return nil
}

// ledgerSpec maps each event to its double-entry rows.
func (e *Engine) ledgerSpec(lock *StateLock, event EventType, tctx TransitionContext, eventID string) (ledger.Spec, error) {
	amount := lock.AmountCents
	switch event {
	case EventHoldEscrow:
		amount = tctx.AmountCents
	case EventRefundEscrow, EventForceRefund, EventResolveRefund:
		if tctx.AmountCents > 0 {
			amount = tctx.AmountCents
		}
	}

	spec := ledger.Spec{Type: string(event), IdempotencyKey: eventID}
	switch event {
	case EventHoldEscrow:
		spec.Entries = []ledger.EntrySpec{
			{OwnerID: lock.PosterID, Type: ledger.UserReceivable, Direction: ledger.Debit, Amount: amount},
			{OwnerID: lock.TaskID, Type: ledger.TaskEscrow, Direction: ledger.Credit, Amount: amount},
		}
	case EventReleasePayout:
		spec.Entries = []ledger.EntrySpec{
			{OwnerID: lock.TaskID, Type: ledger.TaskEscrow, Direction: ledger.Debit, Amount: amount},
			{OwnerID: lock.HustlerID, Type: ledger.UserReceivable, Direction: ledger.Credit, Amount: amount},
		}
	case EventRefundEscrow, EventForceRefund, EventResolveRefund:
		spec.Entries = []ledger.EntrySpec{
			{OwnerID: lock.TaskID, Type: ledger.TaskEscrow, Direction: ledger.Credit, Amount: amount},
			{OwnerID: lock.PosterID, Type: ledger.UserReceivable, Direction: ledger.Debit, Amount: amount},
		}
	case EventDisputeOpen:
		spec.Entries = []ledger.EntrySpec{
			{OwnerID: lock.TaskID, Type: ledger.TaskEscrow, Direction: ledger.Debit, Amount: amount},
			{OwnerID: "platform", Type: ledger.PlatformDisputeHold, Direction: ledger.Credit, Amount: amount},
		}
	case EventResolveUphold:
		spec.Entries = []ledger.EntrySpec{
			{OwnerID: "platform", Type: ledger.PlatformDisputeHold, Direction: ledger.Debit, Amount: amount},
			{OwnerID: lock.HustlerID, Type: ledger.UserReceivable, Direction: ledger.Credit, Amount: amount},
		}
	default:
		return ledger.Spec{}, hxerr.ErrInvalidTransition.Wrapf("no ledger mapping for %s", event)
	}
	return spec, nil
}

// hasExternalEffect reports whether the event reaches the processor.
// Dispute open/uphold are internal ledger moves only.
func hasExternalEffect(event EventType) bool {
	switch event {
	case EventHoldEscrow, EventReleasePayout, EventRefundEscrow, EventForceRefund, EventResolveRefund:
		return true
	}
	return false
}

func (e *Engine) execute(ctx context.Context, event EventType, p *prepared, tctx TransitionContext, eventID string) (effectRefs, error) {
	if !hasExternalEffect(event) {
		return effectRefs{}, nil
	}

	// Mirror first: never re-invoke the processor for a key it already saw.
	rec, err := e.mirror.Lookup(ctx, eventID)
	if err != nil {
		return effectRefs{}, err
	}
	if rec != nil {
		var refs effectRefs
		if len(rec.Payload) > 0 {
			if err := json.Unmarshal(rec.Payload, &refs); err != nil {
				return effectRefs{}, hxerr.ErrInternal.WithCause(fmt.Errorf("corrupt mirror payload for %s: %w", eventID, err))
			}
		}
		e.logger.Printf("mirror hit for event=%s stripe_id=%s: skipping processor", eventID, rec.StripeID)
		return refs, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, e.procTimeout)
	defer cancel()

	refs, effectType, stripeID, err := e.invokeProcessor(callCtx, event, p.lock, tctx, eventID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return effectRefs{}, hxerr.ErrProcessorTimeout.WithCause(err)
		}
		var he *hxerr.Error
		if errors.As(err, &he) {
			return effectRefs{}, err
		}
		return effectRefs{}, hxerr.ErrProcessorReject.WithCause(err)
	}

	payload, _ := json.Marshal(refs)
	if _, err := e.mirror.Insert(ctx, mirror.Record{
		IdempotencyKey: eventID,
		StripeID:       stripeID,
		Type:           effectType,
		Payload:        payload,
	}); err != nil {
		// The processor ran but we could not make it observable. Fail closed;
		// the processor-side idempotency key protects the retry.
		return effectRefs{}, err
	}
	return refs, nil
}

func (e *Engine) invokeProcessor(ctx context.Context, event EventType, lock *StateLock, tctx TransitionContext, key string) (effectRefs, mirror.EffectType, string, error) {
	switch event {
	case EventHoldEscrow:
		res, err := e.proc.CreateHold(ctx, key, tctx.PaymentMethodRef, lock.AmountCents)
		if err != nil {
			return effectRefs{}, "", "", err
		}
		return effectRefs{PaymentIntentID: res.PaymentIntentID, ChargeID: res.ChargeID},
			mirror.EffectPaymentIntent, res.PaymentIntentID, nil

	case EventReleasePayout:
		res, err := e.proc.CaptureAndTransfer(ctx, key, lock.PaymentIntentID, tctx.DestinationRef, lock.AmountCents)
		if err != nil {
			return effectRefs{}, "", "", err
		}
		return effectRefs{TransferID: res.TransferID, ChargeID: res.ChargeID},
			mirror.EffectTransfer, res.TransferID, nil

	case EventRefundEscrow, EventResolveRefund:
		amount := lock.AmountCents
		if tctx.AmountCents > 0 {
			amount = tctx.AmountCents
		}
		res, err := e.proc.CancelOrRefund(ctx, key, lock.PaymentIntentID, amount)
		if err != nil {
			return effectRefs{}, "", "", err
		}
		return effectRefs{RefundID: res.RefundID}, mirror.EffectRefund, res.RefundID, nil

	case EventForceRefund:
		res, err := e.proc.ReverseTransfer(ctx, key, lock.TransferID, lock.AmountCents)
		if err != nil {
			return effectRefs{}, "", "", err
		}
		return effectRefs{RefundID: res.RefundID, ReversalID: res.ReversalID},
			mirror.EffectReversal, res.ReversalID, nil
	}
	return effectRefs{}, "", "", hxerr.ErrInvalidTransition.Wrapf("no processor effect for %s", event)
}

func (e *Engine) commit(ctx context.Context, taskID string, event EventType, tctx TransitionContext, eventID string, p *prepared, refs effectRefs) error {
	return e.runner.InTx(ctx, func(ops Ops) error {
		if err := ops.Ledger.Commit(ctx, p.ledgerTx.ID, ledger.Refs{
			PaymentIntentID: refs.PaymentIntentID,
			ChargeID:        refs.ChargeID,
			TransferID:      refs.TransferID,
		}); err != nil {
			return err
		}

		lock := p.lock
		expected := lock.Version
		lock.State = p.next
		if refs.PaymentIntentID != "" {
			lock.PaymentIntentID = refs.PaymentIntentID
		}
		if refs.ChargeID != "" {
			lock.ChargeID = refs.ChargeID
		}
		if refs.TransferID != "" {
			lock.TransferID = refs.TransferID
		}
		if refs.RefundID != "" {
			lock.RefundID = refs.RefundID
		}
		if err := ops.Money.SaveLock(ctx, lock, expected); err != nil {
			return err
		}

		if err := ops.Money.MarkEventProcessed(ctx, eventID, taskID, event); err != nil {
			return err
		}

		rawCtx, _ := json.Marshal(tctx.Raw)
		if err := ops.Money.AppendAudit(ctx, AuditRow{
			TaskID:          taskID,
			EventID:         eventID,
			EventType:       event,
			PreviousState:   p.prior,
			NewState:        p.next,
			Success:         true,
			PaymentIntentID: refs.PaymentIntentID,
			TransferID:      refs.TransferID,
			RefundID:        refs.RefundID,
			Context:         rawCtx,
		}); err != nil {
			return err
		}

		switch event {
		case EventDisputeOpen:
			if err := ops.Money.CreateDispute(ctx, &Dispute{
				TaskID:     taskID,
				OpenedBy:   tctx.ActorID,
				State:      DisputeOpen,
				Resolution: ResolutionNone,
			}); err != nil {
				return err
			}
		case EventResolveRefund:
			if err := ops.Money.ResolveDispute(ctx, taskID, ResolutionRefunded); err != nil {
				return err
			}
		case EventResolveUphold:
			if err := ops.Money.ResolveDispute(ctx, taskID, ResolutionUpheld); err != nil {
				return err
			}
		}

		ev, err := outbox.NewEvent(domainEventName(event), "task", taskID, p.lock.Version, "domain", map[string]interface{}{
			"task_id":  taskID,
			"state":    p.next,
			"amount":   p.lock.AmountCents,
			"event_id": eventID,
		})
		if err != nil {
			return err
		}
		return ops.Outbox.Insert(ctx, ev)
	})
}

func domainEventName(event EventType) string {
	switch event {
	case EventHoldEscrow:
		return "escrow.funded"
	case EventReleasePayout:
		return "escrow.released"
	case EventRefundEscrow, EventForceRefund, EventResolveRefund:
		return "escrow.refunded"
	case EventDisputeOpen:
		return "dispute.opened"
	case EventResolveUphold:
		return "dispute.resolved"
	}
	return "escrow.unknown"
}

// postCommit runs the side effects that hang off a committed transition.
// Failures here never roll the transition back.
func (e *Engine) postCommit(ctx context.Context, taskID string, event EventType, p *prepared) {
	if p.next == StateReleased && e.xp != nil {
		err := e.xp.AwardOnce(ctx, taskID, p.lock.HustlerID, e.releaseXP)
		if err != nil && !hxerr.Is(err, hxerr.ErrXPDoubleAward) {
			e.logger.Printf("xp award failed for task=%s: %v", taskID, err)
		}
	}
	if event == EventDisputeOpen && e.proofs != nil {
		if err := e.proofs.SnapshotForDispute(ctx, taskID, taskID); err != nil {
			e.logger.Printf("proof snapshot failed for task=%s: %v", taskID, err)
		}
	}
}

// compensate marks the prepared ledger transaction failed and routes the
// saga to the DLQ. Runs only when the external effect did not happen.
func (e *Engine) compensate(ctx context.Context, taskID string, event EventType, eventID string, p *prepared, tctx TransitionContext, cause error) {
	reason := hxerr.From(cause).Code

	if err := e.runner.InTx(ctx, func(ops Ops) error {
		return ops.Ledger.Fail(ctx, p.ledgerTx.ID, reason)
	}); err != nil {
		e.logger.Printf("CRITICAL: compensation failed for ledger tx %s: %v", p.ledgerTx.ID, err)
	}

	if e.dlq != nil {
		detail := map[string]interface{}{
			"task_id":   taskID,
			"event":     string(event),
			"event_id":  eventID,
			"ledger_tx": p.ledgerTx.ID,
			"cause":     cause.Error(),
		}
		if err := e.dlq.Enqueue(ctx, "money_engine", p.ledgerTx.ID, reason, detail); err != nil {
			e.logger.Printf("CRITICAL: DLQ enqueue failed for ledger tx %s: %v", p.ledgerTx.ID, err)
		}
	}

	e.auditFailure(ctx, taskID, event, eventID, tctx, cause)
}

// auditFailure records a failed transition attempt in its own transaction
// (the attempt's transaction rolled back).
func (e *Engine) auditFailure(ctx context.Context, taskID string, event EventType, eventID string, tctx TransitionContext, cause error) {
	rawCtx, _ := json.Marshal(tctx.Raw)
	err := e.runner.InTx(ctx, func(ops Ops) error {
		prior := State("")
		if lock, err := ops.Money.GetLockForUpdate(ctx, taskID); err == nil {
			prior = lock.State
		}
		return ops.Money.AppendAudit(ctx, AuditRow{
			TaskID:        taskID,
			EventID:       eventID,
			EventType:     event,
			PreviousState: prior,
			NewState:      prior,
			Success:       false,
			Detail:        cause.Error(),
			Context:       rawCtx,
		})
	})
	if err != nil {
		e.logger.Printf("failure audit write failed for task=%s event=%s: %v", taskID, event, err)
	}
}

// RecoverCommit finishes the commit phase for a saga whose execute succeeded
// (mirror row present) but whose commit crashed. Used by the mirror-recovery
// sweeper. The ledger transaction's idempotency key is the external event id.
func (e *Engine) RecoverCommit(ctx context.Context, ltx *ledger.Transaction) error {
	rec, err := e.mirror.Lookup(ctx, ltx.IdempotencyKey)
	if err != nil {
		return err
	}
	if rec == nil {
		return hxerr.ErrNotFound.Wrapf("no mirror row for ledger tx %s", ltx.ID)
	}
	var refs effectRefs
	if len(rec.Payload) > 0 {
		if err := json.Unmarshal(rec.Payload, &refs); err != nil {
			return hxerr.ErrInternal.WithCause(err)
		}
	}

	event := EventType(ltx.Type)

	return e.runner.InTx(ctx, func(ops Ops) error {
		done, err := ops.Money.IsEventProcessed(ctx, ltx.IdempotencyKey)
		if err != nil {
			return err
		}
		if done {
			// Lock already advanced; just make sure the ledger row caught up.
			return ops.Ledger.Commit(ctx, ltx.ID, ledger.Refs{
				PaymentIntentID: refs.PaymentIntentID,
				ChargeID:        refs.ChargeID,
				TransferID:      refs.TransferID,
			})
		}

		taskID, err := escrowTaskID(ctx, ops.Ledger, ltx)
		if err != nil {
			return err
		}
		lock, err := ops.Money.GetLockForUpdate(ctx, taskID)
		if err != nil {
			return err
		}
		prior := lock.State
		next, err := NextState(lock.State, event)
		if err != nil {
			return err
		}

		if err := ops.Ledger.Commit(ctx, ltx.ID, ledger.Refs{
			PaymentIntentID: refs.PaymentIntentID,
			ChargeID:        refs.ChargeID,
			TransferID:      refs.TransferID,
		}); err != nil {
			return err
		}

		expected := lock.Version
		lock.State = next
		lock.PaymentIntentID = refs.PaymentIntentID
		lock.ChargeID = refs.ChargeID
		lock.TransferID = refs.TransferID
		lock.RefundID = refs.RefundID
		if err := ops.Money.SaveLock(ctx, lock, expected); err != nil {
			return err
		}
		if err := ops.Money.MarkEventProcessed(ctx, ltx.IdempotencyKey, taskID, event); err != nil {
			return err
		}
		return ops.Money.AppendAudit(ctx, AuditRow{
			TaskID:        taskID,
			EventID:       ltx.IdempotencyKey,
			EventType:     event,
			PreviousState: prior,
			NewState:      next,
			Success:       true,
			Detail:        "recovered_from_mirror",
		})
	})
}

// escrowTaskID resolves the task behind a ledger transaction: the owner of
// its task_escrow account is the task id.
func escrowTaskID(ctx context.Context, store ledger.Store, ltx *ledger.Transaction) (string, error) {
	for _, entry := range ltx.Entries {
		acct, err := store.AccountByID(ctx, entry.AccountID)
		if err != nil {
			return "", err
		}
		if acct.Type == ledger.TaskEscrow {
			return acct.OwnerID, nil
		}
	}
	return "", hxerr.ErrNotFound.Wrapf("no escrow account in ledger tx %s", ltx.ID)
}
