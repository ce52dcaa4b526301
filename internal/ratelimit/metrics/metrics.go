// Package metrics exposes Prometheus collectors for the resilience layer.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Decision outcomes recorded by the limiter.
const (
	OutcomeAllowed  = "allowed"
	OutcomeDenied   = "denied"
	OutcomeBypassed = "bypassed"
	OutcomeDegraded = "degraded"
)

type Metrics struct {
	decisions          *prometheus.CounterVec
	storeLatency       *prometheus.HistogramVec
	storeFailOpen      *prometheus.CounterVec
	violations         *prometheus.CounterVec
	abuseBlocks        *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec
	breakerRejections  *prometheus.CounterVec
	sourceTrips        prometheus.Counter
	sourceRejections   prometheus.Counter
	trackedSources     prometheus.Gauge
	auditDropped       prometheus.Counter
}

// New registers the collectors with reg. Tests pass a fresh
// prometheus.NewRegistry() so repeated construction does not panic.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_ratelimit_decisions_total",
			Help: "Rate limit decisions by policy and outcome",
		}, []string{"policy", "outcome"}),
		storeLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aegis_ratelimit_store_duration_seconds",
			Help:    "Latency of the sliding window store round trip",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}, []string{"policy"}),
		storeFailOpen: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_ratelimit_store_fail_open_total",
			Help: "Requests admitted without a decision because the store was unavailable",
		}, []string{"policy"}),
		violations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_ratelimit_violations_total",
			Help: "Policy breaches recorded against caller keys",
		}, []string{"policy"}),
		abuseBlocks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_abuse_blocks_total",
			Help: "Requests blocked by abuse heuristics by reason",
		}, []string{"reason"}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aegis_circuit_breaker_state",
			Help: "Circuit breaker state per resource (0=closed, 1=open, 2=half_open)",
		}, []string{"resource"}),
		breakerTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions per resource and target state",
		}, []string{"resource", "to"}),
		breakerRejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_circuit_breaker_rejections_total",
			Help: "Calls refused because the breaker was open",
		}, []string{"resource"}),
		sourceTrips: f.NewCounter(prometheus.CounterOpts{
			Name: "aegis_source_throttle_trips_total",
			Help: "Sources blocked for exceeding the short window threshold",
		}),
		sourceRejections: f.NewCounter(prometheus.CounterOpts{
			Name: "aegis_source_throttle_rejections_total",
			Help: "Requests rejected while their source was blocked",
		}),
		trackedSources: f.NewGauge(prometheus.GaugeOpts{
			Name: "aegis_source_throttle_tracked_sources",
			Help: "Sources currently held in the throttle cache",
		}),
		auditDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "aegis_audit_events_dropped_total",
			Help: "Security audit events dropped because the buffer was full",
		}),
	}
}

func (m *Metrics) RecordDecision(policy, outcome string) {
	m.decisions.WithLabelValues(policy, outcome).Inc()
}

func (m *Metrics) ObserveStoreLatency(policy string, d time.Duration) {
	m.storeLatency.WithLabelValues(policy).Observe(d.Seconds())
}

func (m *Metrics) RecordFailOpen(policy string) {
	m.storeFailOpen.WithLabelValues(policy).Inc()
}

func (m *Metrics) RecordViolation(policy string) {
	m.violations.WithLabelValues(policy).Inc()
}

func (m *Metrics) RecordAbuseBlock(reason string) {
	m.abuseBlocks.WithLabelValues(reason).Inc()
}

// SetBreakerState records state as 0 (closed), 1 (open) or 2 (half-open).
func (m *Metrics) SetBreakerState(resource string, state int) {
	m.breakerState.WithLabelValues(resource).Set(float64(state))
}

func (m *Metrics) RecordBreakerTransition(resource, to string) {
	m.breakerTransitions.WithLabelValues(resource, to).Inc()
}

func (m *Metrics) RecordBreakerRejection(resource string) {
	m.breakerRejections.WithLabelValues(resource).Inc()
}

func (m *Metrics) RecordSourceTrip() {
	m.sourceTrips.Inc()
}

func (m *Metrics) RecordSourceRejection() {
	m.sourceRejections.Inc()
}

func (m *Metrics) SetTrackedSources(n int) {
	m.trackedSources.Set(float64(n))
}

func (m *Metrics) RecordAuditDropped() {
	m.auditDropped.Inc()
}
