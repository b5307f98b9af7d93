package outbox

import (
	"context"
	"fmt"
	"log"

	"cloud.google.com/go/pubsub"
)

// PubSubFanout republishes committed domain events to a Pub/Sub topic for
// analytics consumers. It is never load-bearing: a publish failure retries
// through the normal worker backoff, and deployments without a project
// configured simply skip it.
type PubSubFanout struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *log.Logger
}

func NewPubSubFanout(ctx context.Context, projectID, topicID string) (*PubSubFanout, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	return &PubSubFanout{
		client: client,
		topic:  client.Topic(topicID),
		logger: log.New(log.Writer(), "[OUTBOX-PUBSUB] ", log.LstdFlags),
	}, nil
}

// Publish sends the event, keyed by its idempotency key so downstream
// consumers can dedupe.
func (f *PubSubFanout) Publish(ctx context.Context, ev Event) error {
	result := f.topic.Publish(ctx, &pubsub.Message{
		Data: ev.Payload,
		Attributes: map[string]string{
			"event_type":      ev.EventType,
			"aggregate_type":  ev.AggregateType,
			"aggregate_id":    ev.AggregateID,
			"idempotency_key": ev.IdempotencyKey,
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("pubsub publish %s: %w", ev.EventType, err)
	}
	return nil
}

func (f *PubSubFanout) Close() error {
	f.topic.Stop()
	return f.client.Close()
}
