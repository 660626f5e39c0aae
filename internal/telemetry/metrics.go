// Package telemetry exposes the engine's prometheus metrics.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "loadrunner"

// Run outcomes recorded by RunFinished.
const (
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)

// Metrics holds the engine collectors and the registry serving them.
type Metrics struct {
	registry *prometheus.Registry

	RunsStarted       prometheus.Counter
	RunsFinished      *prometheus.CounterVec
	RunState          prometheus.Gauge
	AgentPollAttempts prometheus.Histogram
}

// NewMetrics creates the collectors on a fresh registry together with the
// go and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		RunsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Load runs accepted by the engine",
		}),
		RunsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Load runs that left the run slot, by outcome",
		}, []string{"outcome"}),
		RunState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_state",
			Help:      "Current run lifecycle state (0 idle, 1 preparing, 2 starting, 3 running, 4 completing, 5 cancelling, 6 failed)",
		}),
		AgentPollAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_poll_attempts",
			Help:      "Artifact poll attempts made per agent profiling session",
			Buckets:   []float64{1, 2, 3, 5, 10, 15, 20},
		}),
	}

	m.registry.MustRegister(prometheus.NewGoCollector())
	m.registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	m.registry.MustRegister(m.RunsStarted, m.RunsFinished, m.RunState, m.AgentPollAttempts)
	return m
}

// RunStarted counts an accepted run.
func (m *Metrics) RunStarted() {
	m.RunsStarted.Inc()
}

// RunFinished counts a run leaving the slot.
func (m *Metrics) RunFinished(outcome string) {
	m.RunsFinished.WithLabelValues(outcome).Inc()
}

// SetState records the lifecycle state as its ordinal.
func (m *Metrics) SetState(state int) {
	m.RunState.Set(float64(state))
}

// ObserveAgentPolls records how many polls an agent session needed.
func (m *Metrics) ObserveAgentPolls(attempts int) {
	m.AgentPollAttempts.Observe(float64(attempts))
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
