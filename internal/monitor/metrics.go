package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the session service.
type Metrics struct {
	Registry *prometheus.Registry

	ActiveSessions    prometheus.Gauge
	SessionsTotal     *prometheus.CounterVec
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ExecutionErrors   *prometheus.CounterVec
	ActiveExecutions  prometheus.Gauge
	SecurityEvents    *prometheus.CounterVec
	OutputSpills      *prometheus.CounterVec
	StorageErrors     prometheus.Counter
	InstallsTotal     *prometheus.CounterVec
	RequestsInFlight  prometheus.Gauge
	CodeSizeBytes     prometheus.Histogram
	OutputSizeBytes   prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sessions",
				Name:      "active",
				Help:      "Number of currently live interpreter sessions.",
			},
		),

		SessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sessions",
				Name:      "lifecycle_total",
				Help:      "Session lifecycle transitions by event (created, closed, crashed, evicted).",
			},
			[]string{"event"},
		),

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sessions",
				Name:      "executions_total",
				Help:      "Total executions by runtime and terminal status.",
			},
			[]string{"runtime", "status"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sessions",
				Name:      "execution_duration_seconds",
				Help:      "Duration of executions in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"runtime"},
		),

		ExecutionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sessions",
				Name:      "execution_errors_total",
				Help:      "Total execution errors by kind.",
			},
			[]string{"kind"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sessions",
				Name:      "active_executions",
				Help:      "Number of currently running executions.",
			},
		),

		SecurityEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sessions",
				Name:      "security_events_total",
				Help:      "Total credential-probe detections in submitted code.",
			},
			[]string{"pattern"},
		),

		OutputSpills: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sessions",
				Name:      "output_spills_total",
				Help:      "Output payloads spilled to blob storage, by kind.",
			},
			[]string{"kind"},
		),

		StorageErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "sessions",
				Name:      "storage_errors_total",
				Help:      "Blob storage failures that degraded output inline.",
			},
		),

		InstallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sessions",
				Name:      "package_installs_total",
				Help:      "Package install attempts by outcome.",
			},
			[]string{"outcome"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sessions",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "sessions",
				Name:      "code_size_bytes",
				Help:      "Size of submitted code units in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "sessions",
				Name:      "output_size_bytes",
				Help:      "Size of captured execution output in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 10),
			},
		),
	}

	// Register all collectors
	reg.MustRegister(
		m.ActiveSessions,
		m.SessionsTotal,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ExecutionErrors,
		m.ActiveExecutions,
		m.SecurityEvents,
		m.OutputSpills,
		m.StorageErrors,
		m.InstallsTotal,
		m.RequestsInFlight,
		m.CodeSizeBytes,
		m.OutputSizeBytes,
	)

	return m
}

// RecordExecution records metrics for a completed execution.
func (m *Metrics) RecordExecution(runtime, status string, durationSec float64) {
	m.ExecutionsTotal.WithLabelValues(runtime, status).Inc()
	m.ExecutionDuration.WithLabelValues(runtime).Observe(durationSec)
}

// RecordError records an execution error by kind.
func (m *Metrics) RecordError(kind string) {
	m.ExecutionErrors.WithLabelValues(kind).Inc()
}

// RecordSecurityEvent records a credential-probe detection.
func (m *Metrics) RecordSecurityEvent(pattern string) {
	m.SecurityEvents.WithLabelValues(pattern).Inc()
}

// RecordSessionEvent records a session lifecycle transition.
func (m *Metrics) RecordSessionEvent(event string) {
	m.SessionsTotal.WithLabelValues(event).Inc()
}

// RecordSpill records one payload spilled to blob storage.
func (m *Metrics) RecordSpill(kind string) {
	m.OutputSpills.WithLabelValues(kind).Inc()
}

// RecordInstall records a package install attempt.
func (m *Metrics) RecordInstall(outcome string) {
	m.InstallsTotal.WithLabelValues(outcome).Inc()
}
