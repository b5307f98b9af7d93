package webhook

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hustlex/backend/internal/hxerr"
)

// Entitlement is what a processed payment event grants: a per-task unlock or
// a subscription plan period. SourceEventID makes creation idempotent.
type Entitlement struct {
	ID            string
	UserID        string
	TaskID        string
	Kind          string // "task_unlock", "plan:basic", "plan:pro", ...
	ExpiresAt     *time.Time
	SourceEventID string
}

type EntitlementStore interface {
	// Create inserts the entitlement; a duplicate source event id is a no-op.
	Create(ctx context.Context, e Entitlement) error
	// PlanExpiry returns the user's latest plan expiry. Plan state is the max
	// over granted periods, so re-deliveries and out-of-order events can only
	// extend, never shorten.
	PlanExpiry(ctx context.Context, userID string) (*time.Time, error)
}

// payload is the subset of the processor event body the handlers read.
type payload struct {
	Data struct {
		Object struct {
			ID               string `json:"id"`
			Customer         string `json:"customer"`
			Status           string `json:"status"`
			AmountCents      int64  `json:"amount"`
			CurrentPeriodEnd int64  `json:"current_period_end"`
			Subscription     string `json:"subscription"`
			Metadata         struct {
				UserID string `json:"user_id"`
				TaskID string `json:"task_id"`
				Plan   string `json:"plan"`
			} `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

const (
	resultProcessed = "processed"
	resultSkipped   = "skipped"
)

// Dispatcher persists, claims, and routes processor events.
type Dispatcher struct {
	store        Store
	entitlements EntitlementStore
	secret       string
	logger       *log.Logger
}

func NewDispatcher(store Store, entitlements EntitlementStore, secret string) *Dispatcher {
	return &Dispatcher{
		store:        store,
		entitlements: entitlements,
		secret:       secret,
		logger:       log.New(log.Writer(), "[WEBHOOK] ", log.LstdFlags),
	}
}

// Ingest is the full receive path: verify, persist, claim, dispatch. A
// duplicate delivery (already persisted and processed, or claimed by a
// concurrent delivery) returns hxerr.ErrAlreadyClaimed and does no work.
func (d *Dispatcher) Ingest(ctx context.Context, body []byte, sigHeader string) error {
	if err := VerifySignature(body, sigHeader, d.secret, time.Now(), DefaultTolerance); err != nil {
		return err
	}
	var envelope struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.ID == "" {
		return hxerr.ErrUnknownWebhook.Wrapf("unparseable event body")
	}

	if _, err := d.store.Insert(ctx, envelope.ID, envelope.Type, body); err != nil {
		return err
	}
	claimed, err := d.store.Claim(ctx, envelope.ID)
	if err != nil {
		return err
	}
	if !claimed {
		return hxerr.ErrAlreadyClaimed.Wrapf("event %s", envelope.ID)
	}

	if err := d.dispatch(ctx, envelope.ID, envelope.Type, body); err != nil {
		he := hxerr.From(err)
		if he.Kind == hxerr.KindTransient {
			// Let the processor redeliver.
			if relErr := d.store.ReleaseClaim(ctx, envelope.ID); relErr != nil {
				d.logger.Printf("CRITICAL: release claim for %s failed: %v", envelope.ID, relErr)
			}
			return err
		}
		if markErr := d.store.MarkProcessed(ctx, envelope.ID, "error: "+he.Code); markErr != nil {
			return markErr
		}
		return err
	}
	return nil
}

func (d *Dispatcher) dispatch(ctx context.Context, eventID, eventType string, body []byte) error {
	var p payload
	_ = json.Unmarshal(body, &p)

	switch {
	case strings.HasPrefix(eventType, "customer.subscription."):
		return d.handleSubscription(ctx, eventID, eventType, p)
	case eventType == "payment_intent.succeeded":
		return d.handlePaymentIntent(ctx, eventID, p)
	case eventType == "checkout.session.completed":
		return d.handleCheckout(ctx, eventID, p)
	case eventType == "invoice.payment_failed":
		return d.handleInvoiceFailed(ctx, eventID, p)
	default:
		d.logger.Printf("event %s type %s has no handler, skipping", eventID, eventType)
		return d.store.MarkProcessed(ctx, eventID, resultSkipped)
	}
}

func (d *Dispatcher) handleSubscription(ctx context.Context, eventID, eventType string, p payload) error {
	obj := p.Data.Object
	if eventType == "customer.subscription.deleted" {
		// The granted period simply lapses; deletion never truncates it.
		d.logger.Printf("subscription %s deleted for user %s", obj.ID, obj.Metadata.UserID)
		return d.store.MarkProcessed(ctx, eventID, resultProcessed)
	}
	plan := obj.Metadata.Plan
	if plan == "" {
		plan = "basic"
	}
	var expires *time.Time
	if obj.CurrentPeriodEnd > 0 {
		t := time.Unix(obj.CurrentPeriodEnd, 0)
		expires = &t
	}
	err := d.entitlements.Create(ctx, Entitlement{
		ID:            uuid.NewString(),
		UserID:        obj.Metadata.UserID,
		Kind:          "plan:" + plan,
		ExpiresAt:     expires,
		SourceEventID: eventID,
	})
	if err != nil {
		return err
	}
	return d.store.MarkProcessed(ctx, eventID, resultProcessed)
}

func (d *Dispatcher) handlePaymentIntent(ctx context.Context, eventID string, p payload) error {
	obj := p.Data.Object
	err := d.entitlements.Create(ctx, Entitlement{
		ID:            uuid.NewString(),
		UserID:        obj.Metadata.UserID,
		TaskID:        obj.Metadata.TaskID,
		Kind:          "task_unlock",
		SourceEventID: eventID,
	})
	if err != nil {
		return err
	}
	return d.store.MarkProcessed(ctx, eventID, resultProcessed)
}

func (d *Dispatcher) handleCheckout(ctx context.Context, eventID string, p payload) error {
	obj := p.Data.Object
	if obj.Subscription == "" {
		// Subscription not expanded on the session; the follow-up
		// customer.subscription.updated event carries the period.
		d.logger.Printf("checkout %s has no expanded subscription, waiting for follow-up", obj.ID)
		return d.store.MarkProcessed(ctx, eventID, resultSkipped)
	}
	return d.handleSubscription(ctx, eventID, "customer.subscription.updated", p)
}

func (d *Dispatcher) handleInvoiceFailed(ctx context.Context, eventID string, p payload) error {
	obj := p.Data.Object
	expiry, err := d.entitlements.PlanExpiry(ctx, obj.Metadata.UserID)
	if err != nil {
		return err
	}
	// Soft-expire: the plan runs out at its granted period end. Never
	// shorten an existing expiry in response to a failed renewal.
	if expiry != nil {
		d.logger.Printf("invoice failed for user %s, plan soft-expires %s",
			obj.Metadata.UserID, expiry.Format(time.RFC3339))
	}
	return d.store.MarkProcessed(ctx, eventID, resultProcessed)
}

// PgEntitlements is the Postgres entitlement store.
type PgEntitlements struct {
	db *sql.DB
}

func NewPgEntitlements(db *sql.DB) *PgEntitlements { return &PgEntitlements{db: db} }

func (s *PgEntitlements) Create(ctx context.Context, e Entitlement) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entitlements (id, user_id, task_id, kind, expires_at, source_event_id)
		VALUES ($1,$2,NULLIF($3,''),$4,$5,$6)`,
		e.ID, e.UserID, e.TaskID, e.Kind, e.ExpiresAt, e.SourceEventID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil // same source event already granted
		}
		return hxerr.ErrStorage.WithCause(err)
	}
	return nil
}

func (s *PgEntitlements) PlanExpiry(ctx context.Context, userID string) (*time.Time, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT MAX(expires_at) FROM entitlements
		WHERE user_id = $1 AND kind LIKE 'plan:%'`, userID)
	var expiry sql.NullTime
	if err := row.Scan(&expiry); err != nil {
		return nil, hxerr.ErrStorage.WithCause(err)
	}
	if !expiry.Valid {
		return nil, nil
	}
	return &expiry.Time, nil
}

// MemEntitlements backs tests.
type MemEntitlements struct {
	mu       sync.Mutex
	bySource map[string]Entitlement
}

func NewMemEntitlements() *MemEntitlements {
	return &MemEntitlements{bySource: make(map[string]Entitlement)}
}

func (s *MemEntitlements) Create(ctx context.Context, e Entitlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bySource[e.SourceEventID]; ok {
		return nil
	}
	s.bySource[e.SourceEventID] = e
	return nil
}

func (s *MemEntitlements) PlanExpiry(ctx context.Context, userID string) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var max *time.Time
	for _, e := range s.bySource {
		if e.UserID != userID || !strings.HasPrefix(e.Kind, "plan:") || e.ExpiresAt == nil {
			continue
		}
		if max == nil || e.ExpiresAt.After(*max) {
			t := *e.ExpiresAt
			max = &t
		}
	}
	return max, nil
}

// All returns every granted entitlement (test helper).
func (s *MemEntitlements) All() []Entitlement {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entitlement, 0, len(s.bySource))
	for _, e := range s.bySource {
		out = append(out, e)
	}
	return out
}
