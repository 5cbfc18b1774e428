// Package metrics holds the Prometheus instruments for the maintenance engine.
//
// All recording methods are safe on a nil *Metrics so components can run without
// a registry in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// DefaultNamespace is used when no namespace is configured.
	DefaultNamespace = "pgwarden"

	subsystemJobs   = "jobs"
	subsystemHealth = "health"
	subsystemStore  = "store"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	// Job metrics
	JobsExecutedTotal  *prometheus.CounterVec
	JobDurationSeconds *prometheus.HistogramVec
	JobsRunning        prometheus.Gauge
	JobRetriesTotal    *prometheus.CounterVec
	JobsSkippedTotal   *prometheus.CounterVec

	// Health metrics
	HealthStatus     prometheus.Gauge
	HealthIssues     prometheus.Gauge
	AlertsFiredTotal *prometheus.CounterVec

	// Store metrics
	StatementsFailedTotal *prometheus.CounterVec
	BreakerState          prometheus.Gauge
	PoolConnections       *prometheus.GaugeVec
}

// New creates and registers all metrics on reg.
// A nil reg uses prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}

	factory := promauto.With(reg)
	m := &Metrics{}
	m.initJobMetrics(factory, namespace)
	m.initHealthMetrics(factory, namespace)
	m.initStoreMetrics(factory, namespace)
	return m
}

func (m *Metrics) initJobMetrics(factory promauto.Factory, ns string) {
	m.JobsExecutedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: subsystemJobs,
			Name:      "executed_total",
			Help:      "Total number of job runs by final status",
		},
		[]string{"job", "status"},
	)

	m.JobDurationSeconds = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: subsystemJobs,
			Name:      "duration_seconds",
			Help:      "Duration of job runs in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 16), // 0.1s to ~55min
		},
		[]string{"job"},
	)

	m.JobsRunning = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: subsystemJobs,
			Name:      "running",
			Help:      "Number of job bodies currently executing",
		},
	)

	m.JobRetriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: subsystemJobs,
			Name:      "retries_total",
			Help:      "Total number of retry attempts",
		},
		[]string{"job"},
	)

	m.JobsSkippedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: subsystemJobs,
			Name:      "skipped_total",
			Help:      "Total number of skipped runs by reason",
		},
		[]string{"job", "reason"},
	)
}

func (m *Metrics) initHealthMetrics(factory promauto.Factory, ns string) {
	m.HealthStatus = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: subsystemHealth,
			Name:      "status",
			Help:      "Last health status: 0 healthy, 1 warning, 2 critical",
		},
	)

	m.HealthIssues = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: subsystemHealth,
			Name:      "issues",
			Help:      "Number of issues in the last health report",
		},
	)

	m.AlertsFiredTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: subsystemHealth,
			Name:      "alerts_fired_total",
			Help:      "Total number of alert events by type and severity",
		},
		[]string{"type", "severity"},
	)
}

func (m *Metrics) initStoreMetrics(factory promauto.Factory, ns string) {
	m.StatementsFailedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: subsystemStore,
			Name:      "statements_failed_total",
			Help:      "Total number of failed maintenance statements",
		},
		[]string{"job", "kind"},
	)

	m.BreakerState = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: subsystemStore,
			Name:      "breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open",
		},
	)

	m.PoolConnections = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: subsystemStore,
			Name:      "pool_connections",
			Help:      "Connection pool size by state",
		},
		[]string{"state"},
	)
}

// ObserveRun records a finished job run.
func (m *Metrics) ObserveRun(job, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.JobsExecutedTotal.WithLabelValues(job, status).Inc()
	m.JobDurationSeconds.WithLabelValues(job).Observe(d.Seconds())
}

// RunStarted increments the running gauge and returns a func that decrements it.
func (m *Metrics) RunStarted() func() {
	if m == nil {
		return func() {}
	}
	m.JobsRunning.Inc()
	return m.JobsRunning.Dec
}

// Retry records a retry attempt.
func (m *Metrics) Retry(job string) {
	if m == nil {
		return
	}
	m.JobRetriesTotal.WithLabelValues(job).Inc()
}

// Skipped records a skipped run.
func (m *Metrics) Skipped(job, reason string) {
	if m == nil {
		return
	}
	m.JobsSkippedTotal.WithLabelValues(job, reason).Inc()
}

// Health records the outcome of a health check.
func (m *Metrics) Health(level float64, issues int) {
	if m == nil {
		return
	}
	m.HealthStatus.Set(level)
	m.HealthIssues.Set(float64(issues))
}

// AlertFired records an alert event.
func (m *Metrics) AlertFired(alertType, severity string) {
	if m == nil {
		return
	}
	m.AlertsFiredTotal.WithLabelValues(alertType, severity).Inc()
}

// StatementFailed records a failed maintenance statement; kind is "timeout" or "error".
func (m *Metrics) StatementFailed(job, kind string) {
	if m == nil {
		return
	}
	m.StatementsFailedTotal.WithLabelValues(job, kind).Inc()
}

// SetBreakerState records the circuit breaker state.
func (m *Metrics) SetBreakerState(state float64) {
	if m == nil {
		return
	}
	m.BreakerState.Set(state)
}

// ObservePool records connection pool counters.
func (m *Metrics) ObservePool(acquired, idle, total, maxConns int32) {
	if m == nil {
		return
	}
	m.PoolConnections.WithLabelValues("acquired").Set(float64(acquired))
	m.PoolConnections.WithLabelValues("idle").Set(float64(idle))
	m.PoolConnections.WithLabelValues("total").Set(float64(total))
	m.PoolConnections.WithLabelValues("max").Set(float64(maxConns))
}
