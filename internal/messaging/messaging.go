// Package messaging owns the email and SMS outboxes and their delivery
// handlers. Rows are enqueued transactionally with an idempotency key,
// claimed by the worker framework, and checked against the suppression list
// at claim time, not enqueue time.
package messaging

import (
	"context"
	"encoding/json"
	"log"

	"github.com/hustlex/backend/internal/worker"
)

// EmailProvider sends one templated email and returns the provider's
// message id.
type EmailProvider interface {
	SendEmail(ctx context.Context, recipient, template string, payload map[string]string) (string, error)
}

// SMSProvider sends one text message.
type SMSProvider interface {
	SendSMS(ctx context.Context, recipient, body string) (string, error)
}

// Suppression is the do-not-contact list.
type Suppression interface {
	IsSuppressed(ctx context.Context, recipient string) (bool, string, error)
	Add(ctx context.Context, recipient, reason string) error
}

// EmailStore is the email outbox. It doubles as a worker.Source.
type EmailStore interface {
	worker.Source
	Enqueue(ctx context.Context, recipient, template string, payload map[string]string, idempotencyKey string) error
	SetProviderMsgID(ctx context.Context, id, msgID string) error
}

// SMSStore is the SMS outbox.
type SMSStore interface {
	worker.Source
	Enqueue(ctx context.Context, recipient, body, idempotencyKey string) error
	SetProviderMsgID(ctx context.Context, id, msgID string) error
}

// NewEmailHandler builds the worker handler for the email outbox. The
// suppression re-check happens here, after the claim: an address suppressed
// between enqueue and delivery is silently dropped.
func NewEmailHandler(store EmailStore, suppression Suppression, provider EmailProvider) worker.Handler {
	logger := log.New(log.Writer(), "[EMAIL] ", log.LstdFlags)
	return func(ctx context.Context, job worker.Job) error {
		recipient := job.Meta["recipient"]
		if suppressed, reason, err := suppression.IsSuppressed(ctx, recipient); err != nil {
			return err
		} else if suppressed {
			logger.Printf("dropping email %s: %s suppressed (%s)", job.ID, recipient, reason)
			return nil
		}
		var payload map[string]string
		_ = json.Unmarshal(job.Payload, &payload)
		msgID, err := provider.SendEmail(ctx, recipient, job.Meta["template"], payload)
		if err != nil {
			return err
		}
		if err := store.SetProviderMsgID(ctx, job.ID, msgID); err != nil {
			logger.Printf("record provider msg id for %s failed: %v", job.ID, err)
		}
		return nil
	}
}

// NewSMSHandler builds the worker handler for the SMS outbox.
func NewSMSHandler(store SMSStore, suppression Suppression, provider SMSProvider) worker.Handler {
	logger := log.New(log.Writer(), "[SMS] ", log.LstdFlags)
	return func(ctx context.Context, job worker.Job) error {
		recipient := job.Meta["recipient"]
		if suppressed, reason, err := suppression.IsSuppressed(ctx, recipient); err != nil {
			return err
		} else if suppressed {
			logger.Printf("dropping sms %s: %s suppressed (%s)", job.ID, recipient, reason)
			return nil
		}
		msgID, err := provider.SendSMS(ctx, recipient, string(job.Payload))
		if err != nil {
			return err
		}
		if err := store.SetProviderMsgID(ctx, job.ID, msgID); err != nil {
			logger.Printf("record provider msg id for %s failed: %v", job.ID, err)
		}
		return nil
	}
}
