// Package sweeper runs the periodic saga-repair jobs: reaping sagas that
// crashed before their external effect, finishing sagas that crashed after
// it, and auditing the processor's event feed against local records.
package sweeper

import (
	"context"
	"log"
	"time"

	"github.com/hustlex/backend/internal/ledger"
	"github.com/hustlex/backend/internal/mirror"
	"github.com/hustlex/backend/internal/money"
	"github.com/hustlex/backend/internal/processor"
	"github.com/hustlex/backend/internal/webhook"
)

const reasonCrashPreExecute = "crash_pre_execute"

type Sweeper struct {
	ledger   ledger.Store
	mirror   mirror.Store
	engine   *money.Engine
	proc     processor.Client
	webhooks webhook.Store

	pendingAge time.Duration // how old a pending tx must be before we touch it
	interval   time.Duration
	backfill   time.Duration // lookback window for the reality check
	logger     *log.Logger
}

type Params struct {
	Ledger     ledger.Store
	Mirror     mirror.Store
	Engine     *money.Engine
	Processor  processor.Client
	Webhooks   webhook.Store
	PendingAge time.Duration
	Interval   time.Duration
	Backfill   time.Duration
}

func New(p Params) *Sweeper {
	if p.PendingAge <= 0 {
		p.PendingAge = 10 * time.Minute
	}
	if p.Interval <= 0 {
		p.Interval = 5 * time.Minute
	}
	if p.Backfill <= 0 {
		p.Backfill = time.Hour
	}
	return &Sweeper{
		ledger:     p.Ledger,
		mirror:     p.Mirror,
		engine:     p.Engine,
		proc:       p.Processor,
		webhooks:   p.Webhooks,
		pendingAge: p.PendingAge,
		interval:   p.Interval,
		backfill:   p.Backfill,
		logger:     log.New(log.Writer(), "[SWEEPER] ", log.LstdFlags),
	}
}

// Run loops all three jobs until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Printf("started: interval=%s pending_age=%s", s.interval, s.pendingAge)
	for {
		select {
		case <-ctx.Done():
			s.logger.Printf("stopped: %v", ctx.Err())
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass of all three jobs.
func (s *Sweeper) Sweep(ctx context.Context) {
	if reaped, recovered, err := s.SweepPending(ctx); err != nil {
		s.logger.Printf("pending sweep failed: %v", err)
	} else if reaped+recovered > 0 {
		s.logger.Printf("pending sweep: reaped=%d recovered=%d", reaped, recovered)
	}
	if missing, err := s.BackfillCheck(ctx); err != nil {
		s.logger.Printf("backfill check failed: %v", err)
	} else if missing > 0 {
		s.logger.Printf("CRITICAL: backfill found %d processor events with no local record", missing)
	}
}

// SweepPending walks stale pending ledger transactions. A pending tx with no
// mirror row crashed before the external effect: fail it, balances untouched.
// A pending tx with a mirror row crashed after the effect: the money moved,
// so re-run the commit phase.
func (s *Sweeper) SweepPending(ctx context.Context) (reaped, recovered int, err error) {
	cutoff := time.Now().Add(-s.pendingAge)
	pending, err := s.ledger.PendingOlderThan(ctx, cutoff)
	if err != nil {
		return 0, 0, err
	}
	for _, ltx := range pending {
		rec, err := s.mirror.Lookup(ctx, ltx.IdempotencyKey)
		if err != nil {
			s.logger.Printf("mirror lookup for tx %s failed: %v", ltx.ID, err)
			continue
		}
		if rec == nil {
			if err := s.ledger.Fail(ctx, ltx.ID, reasonCrashPreExecute); err != nil {
				s.logger.Printf("reap of tx %s failed: %v", ltx.ID, err)
				continue
			}
			s.logger.Printf("reaped pending tx %s (event %s): no external effect", ltx.ID, ltx.IdempotencyKey)
			reaped++
			continue
		}
		if err := s.engine.RecoverCommit(ctx, ltx); err != nil {
			s.logger.Printf("CRITICAL: mirror recovery of tx %s failed: %v", ltx.ID, err)
			continue
		}
		s.logger.Printf("recovered tx %s from mirror (effect %s)", ltx.ID, rec.StripeID)
		recovered++
	}
	return reaped, recovered, nil
}

// BackfillCheck lists the processor's recent events and flags any that have
// no processed local record. Detection only: repairs are manual, this is the
// last line against silently dropped webhooks.
func (s *Sweeper) BackfillCheck(ctx context.Context) (missing int, err error) {
	events, err := s.proc.ListRecentEvents(ctx, time.Now().Add(-s.backfill))
	if err != nil {
		return 0, err
	}
	for _, ev := range events {
		processed, err := s.webhooks.HasProcessed(ctx, ev.ID)
		if err != nil {
			return missing, err
		}
		if !processed {
			s.logger.Printf("CRITICAL: processor event %s (%s) has no processed local record", ev.ID, ev.Type)
			missing++
		}
	}
	return missing, nil
}
