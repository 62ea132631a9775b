// Package metrics defines the Prometheus instrumentation for the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway pipeline.
// Pass to components that need to record metrics.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	DecisionsTotal     *prometheus.CounterVec
	DecisionCacheHits  *prometheus.CounterVec
	DecisionCacheMiss  prometheus.Counter
	RateLimitDenials   *prometheus.CounterVec
	BreakerTransitions *prometheus.CounterVec
	AuditDropsTotal    prometheus.Counter
	SIEMDropsTotal     *prometheus.CounterVec
	AdapterInFlight    *prometheus.GaugeVec
}

// New creates and registers all metrics with the given registry.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sark",
				Name:      "requests_total",
				Help:      "Total invocation requests processed",
			},
			[]string{"operation", "outcome"}, // outcome=success/denied/error
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sark",
				Name:      "request_duration_seconds",
				Help:      "End-to-end pipeline duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		DecisionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sark",
				Name:      "decisions_total",
				Help:      "Total policy decisions",
			},
			[]string{"decision"}, // allow/deny
		),
		DecisionCacheHits: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sark",
				Name:      "decision_cache_hits_total",
				Help:      "Decision cache hits by tier",
			},
			[]string{"tier"}, // local/shared
		),
		DecisionCacheMiss: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "sark",
				Name:      "decision_cache_misses_total",
				Help:      "Decision cache misses across both tiers",
			},
		),
		RateLimitDenials: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sark",
				Name:      "rate_limit_denials_total",
				Help:      "Requests denied by the rate limiter",
			},
			[]string{"key_type"},
		),
		BreakerTransitions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sark",
				Name:      "breaker_transitions_total",
				Help:      "Circuit breaker state transitions",
			},
			[]string{"target", "to_state"},
		),
		AuditDropsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "sark",
				Name:      "audit_drops_total",
				Help:      "Audit events dropped due to queue overflow",
			},
		),
		SIEMDropsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sark",
				Name:      "siem_drops_total",
				Help:      "Events dropped per SIEM sink",
			},
			[]string{"sink"},
		),
		AdapterInFlight: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "sark",
				Name:      "adapter_in_flight",
				Help:      "In-flight invocations per resource",
			},
			[]string{"resource"},
		),
	}
}
