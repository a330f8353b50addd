package telemetry

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"agentd/internal/domain"
)

func gather(t *testing.T, registry *prometheus.Registry) map[string]bool {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, family := range families {
		names[family.GetName()] = true
	}
	return names
}

func counterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	metric:
		for _, metric := range family.GetMetric() {
			for _, pair := range metric.GetLabel() {
				if want, ok := labels[pair.GetName()]; ok && want != pair.GetValue() {
					continue metric
				}
			}
			return metric.GetCounter().GetValue()
		}
	}
	return 0
}

func TestPrometheusMetrics_RegistersAndCounts(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(registry)

	metrics.ObserveInvocation("main", "echo", 12*time.Millisecond, nil)
	metrics.ObserveInvocation("main", "echo", 7*time.Millisecond, errors.New("boom"))
	metrics.ObserveDiscovery("main", true, false, 30*time.Millisecond)
	metrics.ObserveDiscovery("main", false, true, 0)
	metrics.ObserveLoopIteration("call")
	metrics.ObserveLoopRun(domain.RunDone, 800*time.Millisecond)
	metrics.ObserveModelLatency("openai", "gpt-test", 400*time.Millisecond)
	metrics.ObserveModelTokens("openai", "gpt-test", 128)

	names := gather(t, registry)
	for _, want := range []string{
		"agentd_invocation_duration_seconds",
		"agentd_discoveries_total",
		"agentd_discovery_duration_seconds",
		"agentd_loop_iterations_total",
		"agentd_loop_runs_total",
		"agentd_loop_run_duration_seconds",
		"agentd_model_latency_seconds",
		"agentd_model_tokens_total",
	} {
		require.True(t, names[want], want)
	}

	require.Equal(t, float64(1), counterValue(t, registry, "agentd_discoveries_total", map[string]string{"outcome": "refreshed"}))
	require.Equal(t, float64(1), counterValue(t, registry, "agentd_discoveries_total", map[string]string{"outcome": "stale"}))
	require.Equal(t, float64(128), counterValue(t, registry, "agentd_model_tokens_total", map[string]string{"model": "gpt-test"}))
}

func TestPrometheusMetrics_SatisfiesCollaboratorContract(t *testing.T) {
	var metrics domain.Metrics = NewPrometheusMetrics(prometheus.NewRegistry())
	metrics.ObserveLoopIteration("respond")
}
