package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Executions(t *testing.T) {
	m := New(prometheus.NewRegistry(), "")
	require.NotNil(t, m)

	m.ObserveExecution("sql", "success", 120*time.Millisecond)
	m.ObserveExecution("sql", "success", 80*time.Millisecond)
	m.ObserveExecution("python", "error", time.Second)

	require.Equal(t, float64(2), testutil.ToFloat64(m.Executions.WithLabelValues("sql", "success")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.Executions.WithLabelValues("python", "error")))
	require.Equal(t, 2, testutil.CollectAndCount(m.ExecutionDuration))
}

func TestMetrics_Cache(t *testing.T) {
	m := New(prometheus.NewRegistry(), "")

	m.CacheOp("store", "ok")
	m.CacheEvicted("lru")
	m.CacheEvicted("lru")
	m.SetCacheSize(4096)

	require.Equal(t, float64(1), testutil.ToFloat64(m.CacheOperations.WithLabelValues("store", "ok")))
	require.Equal(t, float64(2), testutil.ToFloat64(m.CacheEvictions.WithLabelValues("lru")))
	require.Equal(t, float64(4096), testutil.ToFloat64(m.CacheSize))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.ObserveExecution("sql", "success", time.Millisecond)
		m.SandboxRun("ok")
		m.CacheOp("load", "miss")
		m.CacheEvicted("ttl")
		m.SetCacheSize(1)
	})
}

func TestMetrics_Registration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, "custom")

	m.Executions.WithLabelValues("sql", "success").Add(0)
	m.ExecutionDuration.WithLabelValues("sql").Observe(0)
	m.SandboxRuns.WithLabelValues("ok").Add(0)
	m.CacheOperations.WithLabelValues("store", "ok").Add(0)
	m.CacheEvictions.WithLabelValues("ttl").Add(0)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 6)

	names := make(map[string]bool)
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	require.True(t, names["custom_executions_total"])
	require.True(t, names["custom_execution_duration_seconds"])
	require.True(t, names["custom_sandbox_runs_total"])
	require.True(t, names["custom_cache_operations_total"])
	require.True(t, names["custom_cache_evictions_total"])
	require.True(t, names["custom_cache_size_bytes"])
}
