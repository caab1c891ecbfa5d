// Package metrics exports trade lifecycle counters and sweep timings to
// Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/p2pdesk/escrow/internal/domain"
)

// Metrics owns a private registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	tradesCreated   prometheus.Counter
	tradesCompleted prometheus.Counter
	tradesCancelled *prometheus.CounterVec
	disputesOpened  *prometheus.CounterVec
	disputesClosed  *prometheus.CounterVec
	compensations   *prometheus.CounterVec
	sweepExpired    *prometheus.CounterVec
	sweepDuration   *prometheus.HistogramVec
}

// New creates the collectors under namespace and registers them together
// with the Go runtime collectors.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		tradesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_created_total",
			Help:      "Trades opened with their escrow locked.",
		}),
		tradesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_completed_total",
			Help:      "Trades completed with the escrow released.",
		}),
		tradesCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_cancelled_total",
			Help:      "Trades cancelled, by reason.",
		}, []string{"reason"}),
		disputesOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disputes_opened_total",
			Help:      "Disputes opened, by reason.",
		}, []string{"reason"}),
		disputesClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disputes_resolved_total",
			Help:      "Disputes resolved, by decision.",
		}, []string{"decision"}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trade_compensations_total",
			Help:      "Failed trade creations rolled back, by whether the order amount was restored.",
		}, []string{"restored"}),
		sweepExpired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_expired_total",
			Help:      "Records moved to a terminal state by the expiry sweeper.",
		}, []string{"kind"}),
		sweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Time spent in one expiry sweep.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		}, []string{"kind"}),
	}

	registry.MustRegister(
		m.tradesCreated,
		m.tradesCompleted,
		m.tradesCancelled,
		m.disputesOpened,
		m.disputesClosed,
		m.compensations,
		m.sweepExpired,
		m.sweepDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for gathering in tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) TradeCreated() {
	m.tradesCreated.Inc()
}

func (m *Metrics) TradeCompleted() {
	m.tradesCompleted.Inc()
}

func (m *Metrics) TradeCancelled(reason string) {
	m.tradesCancelled.WithLabelValues(reason).Inc()
}

func (m *Metrics) DisputeOpened(reason domain.DisputeReason) {
	m.disputesOpened.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) DisputeResolved(decision domain.Decision) {
	m.disputesClosed.WithLabelValues(string(decision)).Inc()
}

func (m *Metrics) Compensation(restored bool) {
	label := "false"
	if restored {
		label = "true"
	}
	m.compensations.WithLabelValues(label).Inc()
}

// ObserveSweep records one sweep of kind ("trades" or "orders").
func (m *Metrics) ObserveSweep(kind string, expired int, took time.Duration) {
	m.sweepExpired.WithLabelValues(kind).Add(float64(expired))
	m.sweepDuration.WithLabelValues(kind).Observe(took.Seconds())
}
