// Package api is the HTTP surface of the money-flow kernel: the business
// verbs, the processor webhook endpoint, and the operational endpoints. It
// owns transport concerns only; every decision lives in the engines.
package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/hustlex/backend/internal/audit"
	"github.com/hustlex/backend/internal/hxerr"
	"github.com/hustlex/backend/internal/idempotency"
	"github.com/hustlex/backend/internal/killswitch"
	"github.com/hustlex/backend/internal/ledger"
	"github.com/hustlex/backend/internal/money"
	"github.com/hustlex/backend/internal/proof"
	"github.com/hustlex/backend/internal/verification"
	"github.com/hustlex/backend/internal/webhook"
)

type Server struct {
	engine     *money.Engine
	runner     money.Runner
	ledger     ledger.Store
	proofs     *proof.Engine
	verify     *verification.Service
	dispatcher *webhook.Dispatcher
	kill       *killswitch.Switch
	audit      audit.Log
	idem       idempotency.Store

	metrics      http.Handler
	limiter      *rateLimiter
	isProduction bool
	logger       *log.Logger
	httpServer   *http.Server
}

type Params struct {
	Engine     *money.Engine
	Runner     money.Runner
	Ledger     ledger.Store
	Proofs     *proof.Engine
	Verify     *verification.Service
	Dispatcher *webhook.Dispatcher
	Kill       *killswitch.Switch
	Audit      audit.Log
	Idempotency idempotency.Store

	Metrics      http.Handler // promhttp handler, optional
	RateLimit    int          // requests per minute per user/IP on send endpoints
	IsProduction bool
}

func NewServer(p Params) *Server {
	if p.RateLimit <= 0 {
		p.RateLimit = 30
	}
	return &Server{
		engine:       p.Engine,
		runner:       p.Runner,
		ledger:       p.Ledger,
		proofs:       p.Proofs,
		verify:       p.Verify,
		dispatcher:   p.Dispatcher,
		kill:         p.Kill,
		audit:        p.Audit,
		idem:         p.Idempotency,
		metrics:      p.Metrics,
		limiter:      newRateLimiter(p.RateLimit, time.Minute),
		isProduction: p.IsProduction,
		logger:       log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(withRequestID)

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods("GET")
	}

	r.HandleFunc("/webhooks/processor", s.handleProcessorWebhook).Methods("POST")

	v1 := r.PathPrefix("/api/v1").Subrouter()

	// Escrow verbs.
	v1.HandleFunc("/escrows/{taskId}/fund", s.idempotent(s.handleFundEscrow)).Methods("POST")
	v1.HandleFunc("/escrows/{taskId}/release", s.idempotent(s.handleReleaseEscrow)).Methods("POST")
	v1.HandleFunc("/escrows/{taskId}/refund", s.idempotent(s.handleRefundEscrow)).Methods("POST")
	v1.HandleFunc("/escrows/{taskId}", s.handleGetEscrow).Methods("GET")
	v1.HandleFunc("/users/{userId}/balance", s.handleBalance).Methods("GET")

	// Disputes.
	v1.HandleFunc("/tasks/{taskId}/dispute", s.idempotent(s.handleOpenDispute)).Methods("POST")
	v1.HandleFunc("/tasks/{taskId}/dispute/resolve", s.idempotent(s.handleResolveDispute)).Methods("POST")

	// Proof lifecycle.
	v1.HandleFunc("/tasks/{taskId}/proofs/requests", s.idempotent(s.handleRequestProof)).Methods("POST")
	v1.HandleFunc("/proofs/requests/{requestId}/submissions", s.idempotent(s.handleSubmitProof)).Methods("POST")
	v1.HandleFunc("/proofs/submissions/{submissionId}/finalize", s.idempotent(s.handleFinalizeProof)).Methods("POST")

	// Identity verification.
	v1.HandleFunc("/verification/send", s.rateLimited(s.handleSendCode)).Methods("POST")
	v1.HandleFunc("/verification/verify", s.rateLimited(s.handleVerifyCode)).Methods("POST")

	// Admin.
	admin := v1.PathPrefix("/admin").Subrouter()
	admin.Use(s.requireAdmin)
	admin.HandleFunc("/killswitch", s.handleTriggerKillSwitch).Methods("POST")
	admin.HandleFunc("/killswitch", s.handleResolveKillSwitch).Methods("DELETE")
	admin.HandleFunc("/escrows/{taskId}/force-refund", s.idempotent(s.handleForceRefund)).Methods("POST")

	return r
}

// Start serves until Shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.logger.Printf("listening on %s", addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	frozen := false
	if s.kill != nil && s.kill.IsActive(r.Context()) {
		status = "frozen"
		frozen = true
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  status,
		"service": "hustlex-kernel",
		"frozen":  frozen,
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if actorRole(r) != "admin" {
			s.writeError(w, r, hxerr.ErrNotAuthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
