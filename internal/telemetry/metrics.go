// Package telemetry exports runtime activity: Prometheus collectors for
// pools, the credential manager, resilience events and engine completions,
// and an OpenTelemetry hook that turns resilience events into spans.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/nebula/internal/engine"
	"github.com/roach88/nebula/internal/fault"
	"github.com/roach88/nebula/internal/resilience"
)

// Namespace prefixes every metric name.
const Namespace = "nebula"

// Metrics records resilience events and engine completions. It implements
// resilience.Hook; pass Metrics.ObserveCompletion to engine.OnCompletion.
type Metrics struct {
	events      *prometheus.CounterVec
	durations   *prometheus.HistogramVec
	completions *prometheus.CounterVec
	failures    *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "resilience",
				Name:      "events_total",
				Help:      "Resilience events by type, policy, pattern and outcome",
			},
			[]string{"type", "policy", "pattern", "outcome"},
		),
		durations: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "resilience",
				Name:      "call_duration_seconds",
				Help:      "Duration of calls through each layer of a policy",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
			},
			[]string{"policy", "pattern", "outcome"},
		),
		completions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "engine",
				Name:      "completions_total",
				Help:      "Completed invocations by action and node status",
			},
			[]string{"action", "status"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "engine",
				Name:      "failures_total",
				Help:      "Failed invocations by action and error kind",
			},
			[]string{"action", "kind"},
		),
	}
	for _, c := range []prometheus.Collector{m.events, m.durations, m.completions, m.failures} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// OnEvent implements resilience.Hook.
func (m *Metrics) OnEvent(e resilience.Event) {
	m.events.WithLabelValues(string(e.Type), e.Policy, e.Pattern, e.Outcome).Inc()
	switch e.Type {
	case resilience.EventSuccess, resilience.EventFailure:
		m.durations.WithLabelValues(e.Policy, e.Pattern, e.Outcome).Observe(e.Duration.Seconds())
	}
}

// ObserveCompletion counts c.
func (m *Metrics) ObserveCompletion(c engine.Completion) {
	m.completions.WithLabelValues(c.ActionKey, string(c.Decision.Status)).Inc()
	if c.Failure != nil {
		m.failures.WithLabelValues(c.ActionKey, string(fault.KindOf(c.Failure))).Inc()
	}
}

var _ resilience.Hook = (*Metrics)(nil)
