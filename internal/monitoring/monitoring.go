// Package monitoring runs the invariant watchdog: ledger drift, DLQ depth,
// and outbox backlog against configured thresholds, with alert fan-out and
// an automatic kill-switch trigger on drift.
package monitoring

import (
	"context"
	"log"
	"time"

	"github.com/hustlex/backend/internal/dlq"
	"github.com/hustlex/backend/internal/killswitch"
	"github.com/hustlex/backend/internal/metrics"
	"github.com/hustlex/backend/internal/outbox"
)

// LedgerAuditor reports global ledger drift: the sum of debits minus credits
// across committed transactions. Anything nonzero means a partial write
// escaped the transaction boundary.
type LedgerAuditor interface {
	Drift(ctx context.Context) (int64, error)
}

// AlertSink receives threshold breaches.
type AlertSink interface {
	Alert(ctx context.Context, severity, message string)
}

// LogSink writes alerts to the process log.
type LogSink struct {
	logger *log.Logger
}

func NewLogSink() *LogSink {
	return &LogSink{logger: log.New(log.Writer(), "[ALERT] ", log.LstdFlags)}
}

func (s *LogSink) Alert(ctx context.Context, severity, message string) {
	s.logger.Printf("%s: %s", severity, message)
}

type Thresholds struct {
	DLQDepth      int
	OutboxBacklog int
}

type Monitor struct {
	auditor   LedgerAuditor
	dlq       dlq.Store
	outbox    outbox.Store
	queues    []string
	kill      *killswitch.Switch
	collector *metrics.Collector
	sink      AlertSink
	limits    Thresholds
	interval  time.Duration
	logger    *log.Logger
}

type Params struct {
	Auditor   LedgerAuditor
	DLQ       dlq.Store
	Outbox    outbox.Store
	Queues    []string
	Kill      *killswitch.Switch
	Collector *metrics.Collector
	Sink      AlertSink
	Limits    Thresholds
	Interval  time.Duration
}

func New(p Params) *Monitor {
	if p.Interval <= 0 {
		p.Interval = time.Minute
	}
	if p.Limits.DLQDepth <= 0 {
		p.Limits.DLQDepth = 50
	}
	if p.Limits.OutboxBacklog <= 0 {
		p.Limits.OutboxBacklog = 1000
	}
	if p.Sink == nil {
		p.Sink = NewLogSink()
	}
	return &Monitor{
		auditor:   p.Auditor,
		dlq:       p.DLQ,
		outbox:    p.Outbox,
		queues:    p.Queues,
		kill:      p.Kill,
		collector: p.Collector,
		sink:      p.Sink,
		limits:    p.Limits,
		interval:  p.Interval,
		logger:    log.New(log.Writer(), "[MONITOR] ", log.LstdFlags),
	}
}

// Run checks until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one pass over every threshold.
func (m *Monitor) Check(ctx context.Context) {
	m.checkDrift(ctx)
	m.checkDLQ(ctx)
	m.checkOutbox(ctx)
	if m.collector != nil && m.kill != nil {
		if m.kill.IsActive(ctx) {
			m.collector.KillSwitch.Set(1)
		} else {
			m.collector.KillSwitch.Set(0)
		}
	}
}

func (m *Monitor) checkDrift(ctx context.Context) {
	if m.auditor == nil {
		return
	}
	drift, err := m.auditor.Drift(ctx)
	if err != nil {
		m.logger.Printf("drift audit failed: %v", err)
		return
	}
	if m.collector != nil {
		if drift < 0 {
			m.collector.LedgerDrift.Set(float64(-drift))
		} else {
			m.collector.LedgerDrift.Set(float64(drift))
		}
	}
	if drift == 0 {
		return
	}
	m.sink.Alert(ctx, "CRITICAL", "ledger drift detected, freezing money movement")
	if m.kill != nil {
		m.kill.Trigger(ctx, killswitch.ReasonLedgerDrift, "monitor")
	}
}

func (m *Monitor) checkDLQ(ctx context.Context) {
	if m.dlq == nil {
		return
	}
	depth, err := m.dlq.Depth(ctx)
	if err != nil {
		m.logger.Printf("dlq depth failed: %v", err)
		return
	}
	if m.collector != nil {
		m.collector.DLQDepth.Set(float64(depth))
	}
	if depth > m.limits.DLQDepth {
		m.sink.Alert(ctx, "WARNING", "dead-letter depth above threshold")
	}
}

func (m *Monitor) checkOutbox(ctx context.Context) {
	if m.outbox == nil {
		return
	}
	for _, queue := range m.queues {
		n, err := m.outbox.PendingCount(ctx, queue)
		if err != nil {
			m.logger.Printf("outbox depth for %s failed: %v", queue, err)
			continue
		}
		if m.collector != nil {
			m.collector.OutboxPending.WithLabelValues(queue).Set(float64(n))
		}
		if n > m.limits.OutboxBacklog {
			m.sink.Alert(ctx, "WARNING", "outbox backlog on queue "+queue)
		}
	}
}
