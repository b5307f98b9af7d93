// Package processor defines the payment-processor boundary.
//
// The kernel never implements the processor; it drives it through this
// interface with an idempotency key on every call, and the outbound mirror
// makes each effect observable across crashes. Fake is the in-process
// implementation used by tests and local runs; it counts calls so
// crash-recovery tests can assert the processor was invoked exactly once.
package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// HoldResult is the outcome of creating + confirming a manual-capture
// payment intent.
type HoldResult struct {
	PaymentIntentID string
	ChargeID        string
}

// ReleaseResult is the outcome of capture + transfer.
type ReleaseResult struct {
	TransferID string
	ChargeID   string
}

// RefundResult is the outcome of cancel/reverse + refund.
type RefundResult struct {
	RefundID   string
	ReversalID string
}

// Event is a processor-side event, used by the reality-mirror backfill.
type Event struct {
	ID        string
	Type      string
	CreatedAt time.Time
}

// Client is the closed operation set the money engine needs. Every call
// carries idempotencyKey through to the processor.
type Client interface {
	CreateHold(ctx context.Context, idempotencyKey, paymentMethodRef string, amountCents int64) (*HoldResult, error)
	CaptureAndTransfer(ctx context.Context, idempotencyKey, paymentIntentID, destinationRef string, amountCents int64) (*ReleaseResult, error)
	CancelOrRefund(ctx context.Context, idempotencyKey, paymentIntentID string, amountCents int64) (*RefundResult, error)
	ReverseTransfer(ctx context.Context, idempotencyKey, transferID string, amountCents int64) (*RefundResult, error)
	ListRecentEvents(ctx context.Context, since time.Time) ([]Event, error)
}

// Fake records every call. FailNext simulates a transient processor error;
// calls made with an idempotency key the fake has seen before still count as
// new calls, which is exactly what the mirror must prevent.
type Fake struct {
	mu       sync.Mutex
	calls    map[string]int // idempotency key -> call count
	total    int
	failNext error
	events   []Event
}

func NewFake() *Fake {
	return &Fake{calls: make(map[string]int)}
}

// FailNext makes the next call return err.
func (f *Fake) FailNext(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = err
}

func (f *Fake) record(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	f.calls[key]++
	f.total++
	return nil
}

// Calls returns how many times the given idempotency key reached the
// processor.
func (f *Fake) Calls(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

// TotalCalls returns the number of effectful calls across all keys.
func (f *Fake) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total
}

func (f *Fake) CreateHold(ctx context.Context, key, paymentMethodRef string, amountCents int64) (*HoldResult, error) {
	if err := f.record(key); err != nil {
		return nil, err
	}
	f.appendEvent("payment_intent.created")
	return &HoldResult{
		PaymentIntentID: "pi_" + uuid.NewString()[:8],
		ChargeID:        "ch_" + uuid.NewString()[:8],
	}, nil
}

func (f *Fake) CaptureAndTransfer(ctx context.Context, key, paymentIntentID, destinationRef string, amountCents int64) (*ReleaseResult, error) {
	if err := f.record(key); err != nil {
		return nil, err
	}
	f.appendEvent("transfer.created")
	return &ReleaseResult{
		TransferID: "tr_" + uuid.NewString()[:8],
		ChargeID:   "ch_" + uuid.NewString()[:8],
	}, nil
}

func (f *Fake) CancelOrRefund(ctx context.Context, key, paymentIntentID string, amountCents int64) (*RefundResult, error) {
	if err := f.record(key); err != nil {
		return nil, err
	}
	f.appendEvent("refund.created")
	return &RefundResult{RefundID: "re_" + uuid.NewString()[:8]}, nil
}

func (f *Fake) ReverseTransfer(ctx context.Context, key, transferID string, amountCents int64) (*RefundResult, error) {
	if err := f.record(key); err != nil {
		return nil, err
	}
	f.appendEvent("transfer.reversed")
	return &RefundResult{
		RefundID:   "re_" + uuid.NewString()[:8],
		ReversalID: "trr_" + uuid.NewString()[:8],
	}, nil
}

func (f *Fake) appendEvent(eventType string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, Event{
		ID:        fmt.Sprintf("evt_%s", uuid.NewString()[:8]),
		Type:      eventType,
		CreatedAt: time.Now(),
	})
}

func (f *Fake) ListRecentEvents(ctx context.Context, since time.Time) ([]Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Event
	for _, e := range f.events {
		if e.CreatedAt.After(since) {
			out = append(out, e)
		}
	}
	return out, nil
}
