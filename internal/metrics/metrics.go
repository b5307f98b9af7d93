// Package metrics exposes the kernel's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hustlex/backend/internal/money"
)

// Collector implements money.Observer and carries the rest of the kernel's
// instruments. Register one per process.
type Collector struct {
	transitions *prometheus.CounterVec
	latency     *prometheus.HistogramVec

	DLQDepth      prometheus.Gauge
	OutboxPending *prometheus.GaugeVec
	WebhooksTotal *prometheus.CounterVec
	KillSwitch    prometheus.Gauge
	LedgerDrift   prometheus.Gauge
}

func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hx_money_transitions_total",
			Help: "Escrow transitions by event type and outcome.",
		}, []string{"event", "outcome"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hx_money_transition_seconds",
			Help:    "End-to-end saga latency by event type.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"event"}),
		DLQDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hx_dlq_depth",
			Help: "Unresolved dead letters.",
		}),
		OutboxPending: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hx_outbox_pending",
			Help: "Pending outbox events by queue.",
		}, []string{"queue"}),
		WebhooksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hx_webhooks_total",
			Help: "Processor webhooks by type and result.",
		}, []string{"type", "result"}),
		KillSwitch: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hx_killswitch_active",
			Help: "1 while the kill-switch is active.",
		}),
		LedgerDrift: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hx_ledger_drift_cents",
			Help: "Absolute drift detected by the invariant sweep.",
		}),
	}
}

// ObserveTransition records one saga outcome.
func (c *Collector) ObserveTransition(event money.EventType, outcome string, elapsed time.Duration) {
	c.transitions.WithLabelValues(string(event), outcome).Inc()
	c.latency.WithLabelValues(string(event)).Observe(elapsed.Seconds())
}
