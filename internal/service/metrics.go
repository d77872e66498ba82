package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/akaszubski/autonomous-dev-sub006/internal/domain/policy"
)

// Metrics holds the gate's Prometheus metrics.
type Metrics struct {
	DecisionsTotal     *prometheus.CounterVec
	DenialsTotal       *prometheus.CounterVec
	DecisionDuration   prometheus.Histogram
	BreakerTripsTotal  prometheus.Counter
	BreakerSessions    prometheus.Gauge
	AuditFailuresTotal prometheus.Counter
	PolicyReloadsTotal *prometheus.CounterVec
	PolicyRules        prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		DecisionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "approval_gate",
				Name:      "decisions_total",
				Help:      "Total decisions by audit event",
			},
			[]string{"event"}, // approved/denied
		),
		DenialsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "approval_gate",
				Name:      "denials_total",
				Help:      "Total denials by cause",
			},
			[]string{"class"}, // breaker/consent/security_risk/policy/audit/internal
		),
		DecisionDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "approval_gate",
				Name:      "decision_duration_seconds",
				Help:      "Decision latency in seconds",
				Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
			},
		),
		BreakerTripsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "approval_gate",
				Name:      "breaker_trips_total",
				Help:      "Total circuit breaker trips",
			},
		),
		BreakerSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "approval_gate",
				Name:      "breaker_sessions",
				Help:      "Number of sessions tracked by the circuit breaker",
			},
		),
		AuditFailuresTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "approval_gate",
				Name:      "audit_failures_total",
				Help:      "Total audit writes that failed after retry",
			},
		),
		PolicyReloadsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "approval_gate",
				Name:      "policy_reloads_total",
				Help:      "Total policy snapshots published",
			},
			[]string{"result"}, // ok/degraded
		),
		PolicyRules: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "approval_gate",
				Name:      "policy_rules",
				Help:      "Number of compiled rules in the current policy snapshot",
			},
		),
	}
}

// ObservePolicy records a published snapshot. It matches the policy store's
// reload hook signature.
func (m *Metrics) ObservePolicy(s *policy.Snapshot) {
	if s.Degraded() {
		m.PolicyReloadsTotal.WithLabelValues("degraded").Inc()
	} else {
		m.PolicyReloadsTotal.WithLabelValues("ok").Inc()
	}
	m.PolicyRules.Set(float64(s.RuleCount()))
}
