// Package telemetry exposes runtime metrics over Prometheus.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"agentd/internal/domain"
)

type PrometheusMetrics struct {
	invocationDuration *prometheus.HistogramVec
	discoveries        *prometheus.CounterVec
	discoveryDuration  *prometheus.HistogramVec
	loopIterations     *prometheus.CounterVec
	loopRuns           *prometheus.CounterVec
	loopDuration       *prometheus.HistogramVec
	modelLatency       *prometheus.HistogramVec
	modelTokens        *prometheus.CounterVec
}

func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &PrometheusMetrics{
		invocationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentd_invocation_duration_seconds",
				Help:    "Duration of capability invocations in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"server", "capability", "status"},
		),
		discoveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentd_discoveries_total",
				Help: "Total number of capability discovery requests by outcome",
			},
			[]string{"server", "outcome"},
		),
		discoveryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentd_discovery_duration_seconds",
				Help:    "Duration of capability discovery requests in seconds",
				Buckets: []float64{.005, .025, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"server"},
		),
		loopIterations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentd_loop_iterations_total",
				Help: "Total number of reasoning loop iterations by outcome",
			},
			[]string{"outcome"},
		),
		loopRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentd_loop_runs_total",
				Help: "Total number of completed reasoning loop runs by status",
			},
			[]string{"status"},
		),
		loopDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentd_loop_run_duration_seconds",
				Help:    "Wall-clock duration of reasoning loop runs in seconds",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"status"},
		),
		modelLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentd_model_latency_seconds",
				Help:    "Latency of chat model calls in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"provider", "model"},
		),
		modelTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentd_model_tokens_total",
				Help: "Total number of tokens consumed by chat model calls",
			},
			[]string{"provider", "model"},
		),
	}
}

func (p *PrometheusMetrics) ObserveInvocation(server, capability string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	p.invocationDuration.WithLabelValues(server, capability, status).Observe(duration.Seconds())
}

func (p *PrometheusMetrics) ObserveDiscovery(server string, refreshed, stale bool, duration time.Duration) {
	outcome := "cached"
	switch {
	case refreshed:
		outcome = "refreshed"
	case stale:
		outcome = "stale"
	}
	p.discoveries.WithLabelValues(server, outcome).Inc()
	p.discoveryDuration.WithLabelValues(server).Observe(duration.Seconds())
}

func (p *PrometheusMetrics) ObserveLoopIteration(outcome string) {
	p.loopIterations.WithLabelValues(outcome).Inc()
}

func (p *PrometheusMetrics) ObserveLoopRun(status domain.RunStatus, duration time.Duration) {
	p.loopRuns.WithLabelValues(string(status)).Inc()
	p.loopDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
}

func (p *PrometheusMetrics) ObserveModelLatency(provider, model string, duration time.Duration) {
	p.modelLatency.WithLabelValues(provider, model).Observe(duration.Seconds())
}

func (p *PrometheusMetrics) ObserveModelTokens(provider, model string, tokens int) {
	p.modelTokens.WithLabelValues(provider, model).Add(float64(tokens))
}

var _ domain.Metrics = (*PrometheusMetrics)(nil)
