package messaging

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hustlex/backend/internal/hxerr"
	"github.com/hustlex/backend/internal/worker"
)

type memRow struct {
	id             string
	recipient      string
	template       string // email only
	payload        []byte
	status         string
	attempts       int
	providerMsgID  string
	idempotencyKey string
	createdAt      time.Time
}

type memOutbox struct {
	mu        sync.Mutex
	rows      map[string]*memRow
	byIdemKey map[string]string
	order     []string
	kind      string
}

func newMemOutbox(kind string) *memOutbox {
	return &memOutbox{
		rows:      make(map[string]*memRow),
		byIdemKey: make(map[string]string),
		kind:      kind,
	}
}

func (o *memOutbox) enqueue(recipient, template string, payload []byte, idempotencyKey string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.byIdemKey[idempotencyKey]; ok {
		return
	}
	row := &memRow{
		id:             uuid.NewString(),
		recipient:      recipient,
		template:       template,
		payload:        payload,
		status:         "pending",
		idempotencyKey: idempotencyKey,
		createdAt:      time.Now(),
	}
	o.rows[row.id] = row
	o.byIdemKey[idempotencyKey] = row.id
	o.order = append(o.order, row.id)
}

func (o *memOutbox) Claim(ctx context.Context, limit int) ([]worker.Job, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []worker.Job
	for _, id := range o.order {
		if len(out) >= limit {
			break
		}
		row := o.rows[id]
		if row.status != "pending" {
			continue
		}
		row.status = "sending"
		row.attempts++
		meta := map[string]string{"recipient": row.recipient}
		if row.template != "" {
			meta["template"] = row.template
		}
		out = append(out, worker.Job{
			ID: row.id, Kind: o.kind, Attempts: row.attempts, Payload: row.payload, Meta: meta,
		})
	}
	return out, nil
}

func (o *memOutbox) setStatus(id, status string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	row, ok := o.rows[id]
	if !ok {
		return hxerr.ErrNotFound.Wrapf("%s outbox row %s", o.kind, id)
	}
	row.status = status
	return nil
}

func (o *memOutbox) Done(ctx context.Context, id string) error  { return o.setStatus(id, "sent") }
func (o *memOutbox) Fail(ctx context.Context, id, _ string) error { return o.setStatus(id, "failed") }
func (o *memOutbox) Retry(ctx context.Context, id, _ string) error {
	return o.setStatus(id, "pending")
}

func (o *memOutbox) SetProviderMsgID(ctx context.Context, id, msgID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	row, ok := o.rows[id]
	if !ok {
		return hxerr.ErrNotFound.Wrapf("%s outbox row %s", o.kind, id)
	}
	row.providerMsgID = msgID
	return nil
}

// statuses returns status by recipient (test helper).
func (o *memOutbox) statuses() map[string]string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]string)
	for _, row := range o.rows {
		out[row.recipient] = row.status
	}
	return out
}

// MemEmailStore is the in-memory email outbox.
type MemEmailStore struct {
	*memOutbox
}

func NewMemEmailStore() *MemEmailStore { return &MemEmailStore{newMemOutbox("email")} }

func (s *MemEmailStore) Enqueue(ctx context.Context, recipient, template string, payload map[string]string, idempotencyKey string) error {
	raw, _ := json.Marshal(payload)
	s.enqueue(recipient, template, raw, idempotencyKey)
	return nil
}

// Statuses returns delivery status by recipient (test helper).
func (s *MemEmailStore) Statuses() map[string]string { return s.statuses() }

// MemSMSStore is the in-memory SMS outbox.
type MemSMSStore struct {
	*memOutbox
}

func NewMemSMSStore() *MemSMSStore { return &MemSMSStore{newMemOutbox("sms")} }

func (s *MemSMSStore) Enqueue(ctx context.Context, recipient, body, idempotencyKey string) error {
	s.enqueue(recipient, "", []byte(body), idempotencyKey)
	return nil
}

// Statuses returns delivery status by recipient (test helper).
func (s *MemSMSStore) Statuses() map[string]string { return s.statuses() }

// MemSuppression is the in-memory suppression list.
type MemSuppression struct {
	mu      sync.Mutex
	reasons map[string]string
}

func NewMemSuppression() *MemSuppression {
	return &MemSuppression{reasons: make(map[string]string)}
}

func (s *MemSuppression) IsSuppressed(ctx context.Context, recipient string) (bool, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reason, ok := s.reasons[recipient]
	return ok, reason, nil
}

func (s *MemSuppression) Add(ctx context.Context, recipient, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reasons[recipient] = reason
	return nil
}

// FakeEmailProvider records sends (tests and local runs).
type FakeEmailProvider struct {
	mu    sync.Mutex
	sends []string
	fail  error
}

func NewFakeEmailProvider() *FakeEmailProvider { return &FakeEmailProvider{} }

func (p *FakeEmailProvider) FailNext(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = err
}

func (p *FakeEmailProvider) SendEmail(ctx context.Context, recipient, template string, payload map[string]string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		err := p.fail
		p.fail = nil
		return "", err
	}
	p.sends = append(p.sends, recipient)
	return "msg_" + uuid.NewString()[:8], nil
}

func (p *FakeEmailProvider) Sent() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sends...)
}

// FakeSMSProvider records sends.
type FakeSMSProvider struct {
	mu    sync.Mutex
	sends []string
	fail  error
}

func NewFakeSMSProvider() *FakeSMSProvider { return &FakeSMSProvider{} }

func (p *FakeSMSProvider) FailNext(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = err
}

func (p *FakeSMSProvider) SendSMS(ctx context.Context, recipient, body string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		err := p.fail
		p.fail = nil
		return "", err
	}
	p.sends = append(p.sends, recipient)
	return "sms_" + uuid.NewString()[:8], nil
}

func (p *FakeSMSProvider) Sent() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sends...)
}
