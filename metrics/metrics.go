// Package metrics holds the Prometheus collectors of the gateway. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultNamespace prefixes every metric name
const DefaultNamespace = "datagate"

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	Executions        *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	SandboxRuns       *prometheus.CounterVec
	CacheOperations   *prometheus.CounterVec
	CacheEvictions    *prometheus.CounterVec
	CacheSize         prometheus.Gauge
}

// New creates and registers all metrics with the provided registry.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	executions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "executions_total",
		Help:      "Executions by language and final status",
	}, []string{"language", "status"})

	executionDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "execution_duration_seconds",
		Help:      "Wall-clock duration of executions",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"language"})

	sandboxRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sandbox_runs_total",
		Help:      "Sandbox unit runs by outcome",
	}, []string{"outcome"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_operations_total",
		Help:      "Dataset cache operations by operation and outcome",
	}, []string{"op", "outcome"})

	cacheEvictions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_evictions_total",
		Help:      "Dataset cache entries evicted by reason",
	}, []string{"reason"})

	cacheSize := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cache_size_bytes",
		Help:      "Dataset cache size observed by the last cleanup pass",
	})

	reg.MustRegister(executions, executionDuration, sandboxRuns, cacheOperations, cacheEvictions, cacheSize)

	return &Metrics{
		Executions:        executions,
		ExecutionDuration: executionDuration,
		SandboxRuns:       sandboxRuns,
		CacheOperations:   cacheOperations,
		CacheEvictions:    cacheEvictions,
		CacheSize:         cacheSize,
	}
}

// ObserveExecution records one finished execution
func (m *Metrics) ObserveExecution(language, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Executions.WithLabelValues(language, status).Inc()
	m.ExecutionDuration.WithLabelValues(language).Observe(elapsed.Seconds())
}

// SandboxRun records the outcome of one sandbox unit
func (m *Metrics) SandboxRun(outcome string) {
	if m == nil {
		return
	}
	m.SandboxRuns.WithLabelValues(outcome).Inc()
}

// CacheOp records a cache operation
func (m *Metrics) CacheOp(op, outcome string) {
	if m == nil {
		return
	}
	m.CacheOperations.WithLabelValues(op, outcome).Inc()
}

// CacheEvicted records an evicted cache entry
func (m *Metrics) CacheEvicted(reason string) {
	if m == nil {
		return
	}
	m.CacheEvictions.WithLabelValues(reason).Inc()
}

// SetCacheSize records the current cache size
func (m *Metrics) SetCacheSize(bytes int64) {
	if m == nil {
		return
	}
	m.CacheSize.Set(float64(bytes))
}
