package telemetry

import (
	"net/http"
	"time"

	"github.com/netintent/netintent/pkg/orchestrator"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the orchestrator and control plane.
// It implements orchestrator.Metrics.
type Metrics struct {
	// Run metrics
	runsSubmitted *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	runsFinished  *prometheus.CounterVec

	// Execution metrics
	executionDuration *prometheus.HistogramVec
	activeExecutions  prometheus.Gauge
	executionEvents   *prometheus.CounterVec

	// Scheduler metrics
	claims      *prometheus.CounterVec
	staleClaims *prometheus.CounterVec

	// Policy metrics
	admissions *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector on a private registry.
func NewMetrics(cfg MetricsConfig) *Metrics {
	namespace := cfg.Namespace
	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		runsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_submitted_total",
				Help:      "Total number of runs accepted by the control API",
			},
			[]string{"mode"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "run_transitions_total",
				Help:      "Total number of committed run state transitions",
			},
			[]string{"from", "to"},
		),
		runsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_finished_total",
				Help:      "Total number of runs that reached a terminal state",
			},
			[]string{"state", "kind"},
		),
		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Duration of engine executions in seconds",
				Buckets:   buckets,
			},
			[]string{"phase", "status"},
		),
		activeExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_executions",
				Help:      "Current number of engine executions on this instance",
			},
		),
		executionEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "execution_events_total",
				Help:      "Total number of execution events recorded",
			},
			[]string{"stream"},
		),
		claims: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "claims_total",
				Help:      "Total number of claim attempts by result",
			},
			[]string{"result"},
		),
		staleClaims: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stale_claims_total",
				Help:      "Total number of stale claims recovered by the reaper",
			},
			[]string{"action"},
		),
		admissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_admissions_total",
				Help:      "Total number of admission policy decisions",
			},
			[]string{"decision"},
		),
	}

	registry.MustRegister(
		m.runsSubmitted,
		m.transitions,
		m.runsFinished,
		m.executionDuration,
		m.activeExecutions,
		m.executionEvents,
		m.claims,
		m.staleClaims,
		m.admissions,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// RecordSubmission counts an accepted run.
func (m *Metrics) RecordSubmission(mode orchestrator.Mode) {
	m.runsSubmitted.WithLabelValues(string(mode)).Inc()
}

// RecordTransition counts a committed transition and terminal outcomes.
func (m *Metrics) RecordTransition(rec orchestrator.TransitionRecord, failure *orchestrator.Failure) {
	from := string(rec.From)
	if from == "" {
		from = "none"
	}
	m.transitions.WithLabelValues(from, string(rec.To)).Inc()

	if rec.To.IsTerminal() {
		kind := "none"
		if failure != nil {
			kind = string(failure.Kind)
		}
		m.runsFinished.WithLabelValues(string(rec.To), kind).Inc()
	}
}

// RecordEvents counts recorded execution events per stream.
func (m *Metrics) RecordEvents(events []orchestrator.ExecutionEvent) {
	for _, ev := range events {
		m.executionEvents.WithLabelValues(ev.Stream).Inc()
	}
}

// RecordAdmission counts an admission policy decision.
func (m *Metrics) RecordAdmission(allowed bool) {
	decision := "allow"
	if !allowed {
		decision = "deny"
	}
	m.admissions.WithLabelValues(decision).Inc()
}

// RecordClaim implements orchestrator.Metrics.
func (m *Metrics) RecordClaim(result string) {
	m.claims.WithLabelValues(result).Inc()
}

// RecordStaleClaim implements orchestrator.Metrics.
func (m *Metrics) RecordStaleClaim(action string) {
	m.staleClaims.WithLabelValues(action).Inc()
}

// SetActiveExecutions implements orchestrator.Metrics.
func (m *Metrics) SetActiveExecutions(n int) {
	m.activeExecutions.Set(float64(n))
}

// RecordExecution implements orchestrator.Metrics.
func (m *Metrics) RecordExecution(phase orchestrator.Phase, status orchestrator.ExitStatus, duration time.Duration) {
	m.executionDuration.WithLabelValues(string(phase), string(status)).Observe(duration.Seconds())
}

// Registry returns the registry the collectors are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler serving the metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
