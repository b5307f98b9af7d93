package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/hustlex/backend/internal/hxerr"
	"github.com/hustlex/backend/internal/ledger"
	"github.com/hustlex/backend/internal/money"
)

func (s *Server) loadLock(r *http.Request, taskID string) (*money.StateLock, error) {
	var lock *money.StateLock
	err := s.runner.InTx(r.Context(), func(ops money.Ops) error {
		var err error
		lock, err = ops.Money.GetLockForUpdate(r.Context(), taskID)
		return err
	})
	return lock, err
}

func (s *Server) handleFundEscrow(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["taskId"]
	var req struct {
		PaymentMethodRef string `json:"paymentMethodRef"`
		AmountCents      int64  `json:"amountCents"`
		HustlerID        string `json:"hustlerId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, hxerr.ErrInternal.Wrapf("invalid request body"))
		return
	}

	res, err := s.engine.Handle(r.Context(), taskID, money.EventHoldEscrow, money.TransitionContext{
		ActorID:          actorID(r),
		Role:             money.Role(actorRole(r)),
		AmountCents:      req.AmountCents,
		PaymentMethodRef: req.PaymentMethodRef,
		EventTime:        time.Now(),
		PosterID:         actorID(r),
		HustlerID:        req.HustlerID,
		Raw:              map[string]interface{}{"payment_method": req.PaymentMethodRef},
	}, r.Header.Get(idempotencyHeader))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"escrowId": res.TaskID,
		"state":    res.State,
		"version":  res.Version,
	})
}

func (s *Server) handleReleaseEscrow(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["taskId"]
	var req struct {
		TransferRef string `json:"transferRef"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	lock, err := s.loadLock(r, taskID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.engine.Handle(r.Context(), taskID, money.EventReleasePayout, money.TransitionContext{
		ActorID:        actorID(r),
		Role:           money.Role(actorRole(r)),
		AmountCents:    lock.AmountCents,
		DestinationRef: req.TransferRef,
		EventTime:      time.Now(),
		PosterID:       lock.PosterID,
		HustlerID:      lock.HustlerID,
	}, r.Header.Get(idempotencyHeader))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	// Accepted evidence becomes immutable once the money moves.
	if s.proofs != nil && !res.Duplicate {
		if err := s.proofs.LockVerified(r.Context(), taskID); err != nil {
			s.logger.Printf("proof lock for task %s failed: %v", taskID, err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"state": res.State, "version": res.Version})
}

func (s *Server) handleRefundEscrow(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["taskId"]
	var req struct {
		AmountCents int64 `json:"amountCents"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	lock, err := s.loadLock(r, taskID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	amount := req.AmountCents
	if amount <= 0 {
		amount = lock.AmountCents
	}

	res, err := s.engine.Handle(r.Context(), taskID, money.EventRefundEscrow, money.TransitionContext{
		ActorID:     actorID(r),
		Role:        money.Role(actorRole(r)),
		AmountCents: amount,
		EventTime:   time.Now(),
		PosterID:    lock.PosterID,
		HustlerID:   lock.HustlerID,
	}, r.Header.Get(idempotencyHeader))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"state": res.State, "version": res.Version})
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["taskId"]
	lock, err := s.loadLock(r, taskID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"taskId":      lock.TaskID,
		"state":       lock.State,
		"amountCents": lock.AmountCents,
		"version":     lock.Version,
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	acctType := ledger.AccountType(r.URL.Query().Get("type"))
	if acctType == "" {
		acctType = ledger.UserReceivable
	}
	balance, err := s.ledger.Balance(r.Context(), userID, acctType)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"userId":       userID,
		"accountType":  acctType,
		"balanceCents": balance,
	})
}

func (s *Server) handleOpenDispute(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["taskId"]
	lock, err := s.loadLock(r, taskID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.engine.Handle(r.Context(), taskID, money.EventDisputeOpen, money.TransitionContext{
		ActorID:   actorID(r),
		Role:      money.Role(actorRole(r)),
		EventTime: time.Now(),
		PosterID:  lock.PosterID,
		HustlerID: lock.HustlerID,
	}, r.Header.Get(idempotencyHeader))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"state": res.State, "version": res.Version})
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["taskId"]
	var req struct {
		Resolution string `json:"resolution"` // "refund" or "uphold"
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, hxerr.ErrInternal.Wrapf("invalid request body"))
		return
	}
	var event money.EventType
	switch req.Resolution {
	case "refund":
		event = money.EventResolveRefund
	case "uphold":
		event = money.EventResolveUphold
	default:
		s.writeError(w, r, hxerr.ErrDisputeState.Wrapf("unknown resolution %q", req.Resolution))
		return
	}

	lock, err := s.loadLock(r, taskID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.engine.Handle(r.Context(), taskID, event, money.TransitionContext{
		ActorID:     actorID(r),
		Role:        money.Role(actorRole(r)),
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
		_ = s.audit.Record(r.Context(), actorID(r), "dispute.resolve", taskID,
			map[string]interface{}{"resolution": req.Resolution})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"state": res.State, "version": res.Version})
}
