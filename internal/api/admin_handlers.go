package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/hustlex/backend/internal/hxerr"
	"github.com/hustlex/backend/internal/killswitch"
	"github.com/hustlex/backend/internal/money"
)

var validReasons = map[killswitch.Reason]bool{
	killswitch.ReasonLedgerDrift:        true,
	killswitch.ReasonStripeOutage:       true,
	killswitch.ReasonIdentityFraudSpike: true,
	killswitch.ReasonManualOverride:     true,
	killswitch.ReasonSagaRetryExhaust:   true,
}

func (s *Server) handleTriggerKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, hxerr.ErrInternal.Wrapf("invalid request body"))
		return
	}
	reason := killswitch.Reason(req.Reason)
	if !validReasons[reason] {
		reason = killswitch.ReasonManualOverride
	}
	rec := s.kill.Trigger(r.Context(), reason, actorID(r))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "frozen",
		"reason":      rec.Reason,
		"triggeredAt": rec.TriggeredAt,
	})
}

func (s *Server) handleResolveKillSwitch(w http.ResponseWriter, r *http.Request) {
	s.kill.Resolve(r.Context(), actorID(r))
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

// handleForceRefund is the admin override: refund a released escrow. The
// engine enforces the conflict-of-interest check against the task's parties.
func (s *Server) handleForceRefund(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["taskId"]
	lock, err := s.loadLock(r, taskID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.engine.Handle(r.Context(), taskID, money.EventForceRefund, money.TransitionContext{
		ActorID:     actorID(r),
		Role:        money.RoleAdmin,
		AmountCents: lock.AmountCents,
		EventTime:   time.Now(),
		PosterID:    lock.PosterID,
		HustlerID:   lock.HustlerID,
	}, r.Header.Get(idempotencyHeader))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.audit != nil {
		_ = s.audit.Record(r.Context(), actorID(r), "escrow.force_refund", taskID,
			map[string]interface{}{"amount_cents": lock.AmountCents})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"state": res.State, "version": res.Version})
}
