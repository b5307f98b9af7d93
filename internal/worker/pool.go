// Package worker is the claim-based job framework: bounded concurrency over
// atomically claimed rows, exponential backoff on failure, dead-letter on
// exhaustion. Sources adapt the transactional outbox and the messaging
// outboxes to a common shape.
package worker

import (
	"context"
	"log"
	"sync"
	"time"
)

// Job is one claimed unit of work.
type Job struct {
	ID       string
	Kind     string
	Attempts int
	Payload  []byte
	Meta     map[string]string
}

// Source is a claimable queue. Claim must be atomic: a job appears in at
// most one batch until it is retried or finished.
type Source interface {
	Claim(ctx context.Context, limit int) ([]Job, error)
	Done(ctx context.Context, id string) error
	Retry(ctx context.Context, id, lastError string) error
	Fail(ctx context.Context, id, lastError string) error
}

// Handler processes one job. A nil return finalizes the job; an error
// triggers retry with backoff until MaxAttempts, then dead-letters.
type Handler func(ctx context.Context, job Job) error

// DeadLetterSink matches the dlq store's enqueue shape.
type DeadLetterSink interface {
	Enqueue(ctx context.Context, source, refID, reason string, detail map[string]interface{}) error
}

type Pool struct {
	name        string
	source      Source
	handler     Handler
	dlq         DeadLetterSink
	concurrency int
	batchSize   int
	maxAttempts int
	pollEvery   time.Duration
	backoffBase time.Duration
	backoffCap  time.Duration
	logger      *log.Logger

	wg   sync.WaitGroup
	sem  chan struct{}
	stop chan struct{}
}

type Params struct {
	Name        string
	Source      Source
	Handler     Handler
	DLQ         DeadLetterSink
	Concurrency int
	BatchSize   int
	MaxAttempts int
	PollEvery   time.Duration
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func NewPool(p Params) *Pool {
	if p.Concurrency <= 0 {
		p.Concurrency = 4
	}
	if p.BatchSize <= 0 {
		p.BatchSize = p.Concurrency * 2
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.PollEvery <= 0 {
		p.PollEvery = 2 * time.Second
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = time.Second
	}
	if p.BackoffCap <= 0 {
		p.BackoffCap = 2 * time.Minute
	}
	return &Pool{
		name:        p.Name,
		source:      p.Source,
		handler:     p.Handler,
		dlq:         p.DLQ,
		concurrency: p.Concurrency,
		batchSize:   p.BatchSize,
		maxAttempts: p.MaxAttempts,
		pollEvery:   p.PollEvery,
		backoffBase: p.BackoffBase,
		backoffCap:  p.BackoffCap,
		logger:      log.New(log.Writer(), "[WORKER:"+p.Name+"] ", log.LstdFlags),
		sem:         make(chan struct{}, p.Concurrency),
		stop:        make(chan struct{}),
	}
}

// Run polls and processes until the context is cancelled, then waits for
// in-flight jobs.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.pollEvery)
	defer ticker.Stop()
	p.logger.Printf("started: concurrency=%d max_attempts=%d", p.concurrency, p.maxAttempts)
	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			p.logger.Printf("drained, stopping")
			return
		case <-ticker.C:
			p.Drain(ctx)
		}
	}
}

// Drain claims and processes one batch, blocking until every job in the
// batch has finished. Used by Run and called directly in tests.
func (p *Pool) Drain(ctx context.Context) {
	jobs, err := p.source.Claim(ctx, p.batchSize)
	if err != nil {
		p.logger.Printf("claim failed: %v", err)
		return
	}
	var batch sync.WaitGroup
	for _, job := range jobs {
		p.sem <- struct{}{}
		batch.Add(1)
		p.wg.Add(1)
		go func(job Job) {
			defer func() {
				<-p.sem
				batch.Done()
				p.wg.Done()
			}()
			p.process(ctx, job)
		}(job)
	}
	batch.Wait()
}

func (p *Pool) process(ctx context.Context, job Job) {
	err := p.handler(ctx, job)
	if err == nil {
		if err := p.source.Done(ctx, job.ID); err != nil {
			p.logger.Printf("mark done %s failed: %v", job.ID, err)
		}
		return
	}

	if job.Attempts >= p.maxAttempts {
		p.logger.Printf("job %s exhausted after %d attempts: %v", job.ID, job.Attempts, err)
		if p.dlq != nil {
			if dlqErr := p.dlq.Enqueue(ctx, "worker:"+p.name, job.ID, "retries_exhausted",
				map[string]interface{}{"kind": job.Kind, "last_error": err.Error()}); dlqErr != nil {
				p.logger.Printf("CRITICAL: dead-letter of %s failed: %v", job.ID, dlqErr)
			}
		}
		if failErr := p.source.Fail(ctx, job.ID, err.Error()); failErr != nil {
			p.logger.Printf("mark failed %s failed: %v", job.ID, failErr)
		}
		return
	}

	delay := p.backoff(job.Attempts)
	p.logger.Printf("job %s attempt %d failed, retry in %s: %v", job.ID, job.Attempts, delay, err)
	msg := err.Error()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		select {
		case <-time.After(delay):
		case <-p.stop:
		}
		if retryErr := p.source.Retry(context.Background(), job.ID, msg); retryErr != nil {
			p.logger.Printf("mark retry %s failed: %v", job.ID, retryErr)
		}
	}()
}

// backoff doubles per attempt from the base, capped.
func (p *Pool) backoff(attempt int) time.Duration {
	d := p.backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.backoffCap {
			return p.backoffCap
		}
	}
	return d
}

// Close releases any backoff timers still pending.
func (p *Pool) Close() {
	close(p.stop)
	p.wg.Wait()
}
