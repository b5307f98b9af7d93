package worker

import (
	"context"

	"github.com/hustlex/backend/internal/outbox"
)

// OutboxSource adapts one queue of the transactional outbox to the pool.
type OutboxSource struct {
	store outbox.Store
	queue string
}

func NewOutboxSource(store outbox.Store, queue string) *OutboxSource {
	return &OutboxSource{store: store, queue: queue}
}

func (s *OutboxSource) Claim(ctx context.Context, limit int) ([]Job, error) {
	events, err := s.store.ClaimBatch(ctx, s.queue, limit)
	if err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(events))
	for _, ev := range events {
		jobs = append(jobs, Job{
			ID:       ev.ID,
			Kind:     ev.EventType,
			Attempts: ev.Attempts,
			Payload:  ev.Payload,
			Meta: map[string]string{
				"aggregate_type":  ev.AggregateType,
				"aggregate_id":    ev.AggregateID,
				"idempotency_key": ev.IdempotencyKey,
			},
		})
	}
	return jobs, nil
}

func (s *OutboxSource) Done(ctx context.Context, id string) error {
	return s.store.MarkDone(ctx, id)
}

func (s *OutboxSource) Retry(ctx context.Context, id, lastError string) error {
	return s.store.MarkRetry(ctx, id, lastError)
}

func (s *OutboxSource) Fail(ctx context.Context, id, lastError string) error {
	return s.store.MarkFailed(ctx, id, lastError)
}
