package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the execution service.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration prometheus.Histogram
	ExecutionErrors   *prometheus.CounterVec
	ActiveExecutions  prometheus.Gauge
	SecurityEvents    *prometheus.CounterVec
	CacheLookups      *prometheus.CounterVec
	IsolateFaults     prometheus.Counter
	MemoryUsedBytes   prometheus.Histogram
	CPUTimeSeconds    prometheus.Histogram
	RequestsInFlight  prometheus.Gauge
	CodeSizeBytes     prometheus.Histogram
	ConsoleLines      prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "jsbox",
				Name:      "executions_total",
				Help:      "Total number of executions by status and error kind.",
			},
			[]string{"status", "kind"},
		),

		ExecutionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "jsbox",
				Name:      "execution_duration_seconds",
				Help:      "Wall-clock duration of executions in seconds.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),

		ExecutionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "jsbox",
				Name:      "execution_errors_total",
				Help:      "Total infrastructure errors by type.",
			},
			[]string{"type"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "jsbox",
				Name:      "active_executions",
				Help:      "Number of currently running executions.",
			},
		),

		SecurityEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "jsbox",
				Name:      "security_events_total",
				Help:      "Total escape-detector findings by pattern.",
			},
			[]string{"type"},
		),

		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "jsbox",
				Name:      "cache_lookups_total",
				Help:      "Result cache lookups by outcome.",
			},
			[]string{"outcome"},
		),

		IsolateFaults: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "jsbox",
				Name:      "isolate_faults_total",
				Help:      "Isolates disposed after a catastrophic fault.",
			},
		),

		MemoryUsedBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "jsbox",
				Name:      "memory_used_bytes",
				Help:      "Heap used by successful executions.",
				Buckets:   prometheus.ExponentialBuckets(64*1024, 4, 8),
			},
		),

		CPUTimeSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "jsbox",
				Name:      "cpu_time_seconds",
				Help:      "CPU time consumed by successful executions.",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "jsbox",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "jsbox",
				Name:      "code_size_bytes",
				Help:      "Size of submitted code in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		ConsoleLines: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "jsbox",
				Name:      "console_lines",
				Help:      "Console lines captured per execution.",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
			},
		),
	}

	// Register all collectors
	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ExecutionErrors,
		m.ActiveExecutions,
		m.SecurityEvents,
		m.CacheLookups,
		m.IsolateFaults,
		m.MemoryUsedBytes,
		m.CPUTimeSeconds,
		m.RequestsInFlight,
		m.CodeSizeBytes,
		m.ConsoleLines,
	)

	return m
}

// RegisterPoolSize exposes the warm pool size through a gauge that reads it
// on scrape.
func (m *Metrics) RegisterPoolSize(size func() int) {
	m.Registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "jsbox",
			Name:      "pool_idle_services",
			Help:      "Number of pre-warmed services ready in the pool.",
		},
		func() float64 { return float64(size()) },
	))
}

// RecordExecution records metrics for a completed execution. kind is empty
// on success.
func (m *Metrics) RecordExecution(status, kind string, durationSec float64) {
	m.ExecutionsTotal.WithLabelValues(status, kind).Inc()
	m.ExecutionDuration.Observe(durationSec)
}

// RecordUsage records resource usage of a successful execution.
func (m *Metrics) RecordUsage(cpuSec float64, memBytes uint64) {
	m.CPUTimeSeconds.Observe(cpuSec)
	m.MemoryUsedBytes.Observe(float64(memBytes))
}

// RecordError records an infrastructure error by type.
func (m *Metrics) RecordError(errType string) {
	m.ExecutionErrors.WithLabelValues(errType).Inc()
}

// RecordSecurityEvent records a security event.
func (m *Metrics) RecordSecurityEvent(eventType string) {
	m.SecurityEvents.WithLabelValues(eventType).Inc()
}

// RecordCache records a cache lookup outcome: hit, miss or error.
func (m *Metrics) RecordCache(outcome string) {
	m.CacheLookups.WithLabelValues(outcome).Inc()
}
