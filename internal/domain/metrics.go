package domain

import "time"

// Metrics is the observability sink shared by the infra layers. A nop
// implementation keeps the hot paths allocation-free when metrics are off.
type Metrics interface {
	ObserveInvocation(server, capability string, duration time.Duration, err error)
	ObserveDiscovery(server string, refreshed, stale bool, duration time.Duration)
	ObserveLoopIteration(outcome string)
	ObserveLoopRun(status RunStatus, duration time.Duration)
	ObserveModelLatency(provider, model string, duration time.Duration)
	ObserveModelTokens(provider, model string, tokens int)
}

type nopMetrics struct{}

func (nopMetrics) ObserveInvocation(string, string, time.Duration, error) {}
func (nopMetrics) ObserveDiscovery(string, bool, bool, time.Duration)     {}
func (nopMetrics) ObserveLoopIteration(string)                            {}
func (nopMetrics) ObserveLoopRun(RunStatus, time.Duration)                {}
func (nopMetrics) ObserveModelLatency(string, string, time.Duration)      {}
func (nopMetrics) ObserveModelTokens(string, string, int)                 {}

// NopMetrics returns a Metrics that records nothing.
func NopMetrics() Metrics { return nopMetrics{} }
