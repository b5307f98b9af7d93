// Package killswitch provides the platform-wide emergency freeze.
//
// The switch state lives in the cache so every process sees a trigger, with
// a local flag as fallback: if the cache is unreachable, a locally-triggered
// freeze still holds in this process. IsActive returns true when either
// source says frozen. Every mutating kernel entry point checks it first.
package killswitch

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/hustlex/backend/internal/infra"
)

// Reason is the closed set of freeze causes.
type Reason string

const (
	ReasonLedgerDrift        Reason = "LEDGER_DRIFT"
	ReasonStripeOutage       Reason = "STRIPE_OUTAGE"
	ReasonIdentityFraudSpike Reason = "IDENTITY_FRAUD_SPIKE"
	ReasonManualOverride     Reason = "MANUAL_OVERRIDE"
	ReasonSagaRetryExhaust   Reason = "SAGA_RETRY_EXHAUSTION"
)

const cacheKey = "killswitch:active"

// Record stores the metadata of an activation.
type Record struct {
	Reason      Reason    `json:"reason"`
	TriggeredBy string    `json:"triggered_by"`
	TriggeredAt time.Time `json:"triggered_at"`
}

// AuditSink receives trigger/resolve events; the API layer wires this to
// the admin audit log.
type AuditSink interface {
	RecordKillSwitch(ctx context.Context, action string, rec Record)
}

type Switch struct {
	mu     sync.RWMutex
	local  *Record // nil when not frozen locally
	cache  infra.Cache
	audit  AuditSink
	logger *log.Logger
}

func New(cache infra.Cache, audit AuditSink) *Switch {
	return &Switch{
		cache:  cache,
		audit:  audit,
		logger: log.New(log.Writer(), "[KILL-SWITCH] ", log.LstdFlags),
	}
}

// IsActive reports whether the platform is frozen. Cache errors are treated
// as "not frozen in cache" so an outage cannot freeze the platform by
// itself; the local flag still applies.
func (s *Switch) IsActive(ctx context.Context) bool {
	s.mu.RLock()
	local := s.local != nil
	s.mu.RUnlock()
	if local {
		return true
	}

	val, ok, err := s.cache.Get(ctx, cacheKey)
	if err != nil {
		s.logger.Printf("cache check failed, relying on local flag: %v", err)
		return false
	}
	return ok && val != ""
}

// Trigger freezes the platform, setting both cache and local flag.
func (s *Switch) Trigger(ctx context.Context, reason Reason, triggeredBy string) Record {
	rec := Record{Reason: reason, TriggeredBy: triggeredBy, TriggeredAt: time.Now()}

	s.mu.Lock()
	s.local = &rec
	s.mu.Unlock()

	if err := s.cache.Set(ctx, cacheKey, string(reason), 0); err != nil {
		s.logger.Printf("cache set failed, freeze held locally only: %v", err)
	}
	s.logger.Printf("ACTIVATED: reason=%s by=%s", reason, triggeredBy)

	if s.audit != nil {
		s.audit.RecordKillSwitch(ctx, "trigger", rec)
	}
	return rec
}

// Resolve clears both flags.
func (s *Switch) Resolve(ctx context.Context, resolvedBy string) {
	s.mu.Lock()
	rec := s.local
	s.local = nil
	s.mu.Unlock()

	if err := s.cache.Del(ctx, cacheKey); err != nil {
		s.logger.Printf("cache clear failed: %v", err)
	}
	s.logger.Printf("RESOLVED by=%s", resolvedBy)

	if s.audit != nil {
		var r Record
		if rec != nil {
			r = *rec
		}
		r.TriggeredBy = resolvedBy
		s.audit.RecordKillSwitch(ctx, "resolve", r)
	}
}

// Current returns the local record, if any.
func (s *Switch) Current() *Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.local == nil {
		return nil
	}
	cp := *s.local
	return &cp
}
