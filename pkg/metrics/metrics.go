// Package metrics exposes the subsystem's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector so components receive one handle
// instead of touching a global registry.
type Metrics struct {
	WinnersDetected  *prometheus.CounterVec
	ChangesProposed  *prometheus.CounterVec
	ChangesExecuted  *prometheus.CounterVec
	ChangesDropped   prometheus.Counter
	QueueDepth       prometheus.Gauge
	BreakerOpens     *prometheus.CounterVec
	RateLimitDefers  prometheus.Counter
	DetectDuration   prometheus.Histogram
	ExecuteDuration  prometheus.Histogram
	WorkflowDuration prometheus.Histogram
}

// New registers all collectors on reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		WinnersDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "adpilot_winners_detected_total",
			Help: "Ads classified, by verdict.",
		}, []string{"classification"}),
		ChangesProposed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "adpilot_changes_proposed_total",
			Help: "Changes enqueued, by kind.",
		}, []string{"kind"}),
		ChangesExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "adpilot_changes_executed_total",
			Help: "Executor outcomes, by result (applied, rejected, deferred, failed).",
		}, []string{"result"}),
		ChangesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "adpilot_changes_dropped_total",
			Help: "Optimizer proposals dropped by safety clamping.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "adpilot_change_queue_depth",
			Help: "Pending changes awaiting execution.",
		}),
		BreakerOpens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "adpilot_breaker_opens_total",
			Help: "Circuit breaker open transitions, by account.",
		}, []string{"account_id"}),
		RateLimitDefers: factory.NewCounter(prometheus.CounterOpts{
			Name: "adpilot_ratelimit_defers_total",
			Help: "Changes deferred because the account hit its API quota.",
		}),
		DetectDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "adpilot_detect_duration_seconds",
			Help:    "Winner detection latency.",
			Buckets: prometheus.DefBuckets,
		}),
		ExecuteDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "adpilot_execute_duration_seconds",
			Help:    "Single change execution latency, jitter included.",
			Buckets: []float64{1, 3, 5, 10, 20, 30, 60},
		}),
		WorkflowDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "adpilot_workflow_duration_seconds",
			Help:    "End-to-end winner workflow latency.",
			Buckets: []float64{.1, .5, 1, 5, 15, 60, 300},
		}),
	}
}

// NewNop returns metrics backed by a throwaway registry, for tests.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
