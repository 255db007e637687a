package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the daemon. It uses a
// private registry so tests can create as many instances as they like.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive    prometheus.Gauge
	SessionsTotal     prometheus.Counter
	SessionsCompleted *prometheus.CounterVec

	// Tool metrics
	ToolInvocationsTotal   *prometheus.CounterVec
	ToolInvocationDuration *prometheus.HistogramVec

	// Peer metrics
	PeersRunning    prometheus.Gauge
	PeerStartsTotal *prometheus.CounterVec

	// Decision metrics
	DecisionTurnsTotal prometheus.Counter

	// Event stream metrics
	EventsDroppedTotal prometheus.Counter
}

// New creates and registers all metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "reportd_sessions_active",
				Help: "Number of currently active sessions",
			},
		),
		SessionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "reportd_sessions_total",
				Help: "Total number of sessions started",
			},
		),
		SessionsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reportd_sessions_completed_total",
				Help: "Total number of finished sessions by terminal state",
			},
			[]string{"state"},
		),

		ToolInvocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reportd_tool_invocations_total",
				Help: "Total number of tool invocations",
			},
			[]string{"peer", "tool", "status"},
		),
		ToolInvocationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reportd_tool_invocation_duration_seconds",
				Help:    "Duration of tool invocations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"peer", "tool"},
		),

		PeersRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "reportd_peers_running",
				Help: "Number of currently running peer processes",
			},
		),
		PeerStartsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reportd_peer_starts_total",
				Help: "Total number of peer start attempts",
			},
			[]string{"peer", "status"},
		),

		DecisionTurnsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "reportd_decision_turns_total",
				Help: "Total number of decision-maker calls",
			},
		),

		EventsDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "reportd_events_dropped_total",
				Help: "Total number of session events dropped by full sinks",
			},
		),
	}

	m.registerMetrics()
	return m
}

func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(m.SessionsActive)
	m.registry.MustRegister(m.SessionsTotal)
	m.registry.MustRegister(m.SessionsCompleted)
	m.registry.MustRegister(m.ToolInvocationsTotal)
	m.registry.MustRegister(m.ToolInvocationDuration)
	m.registry.MustRegister(m.PeersRunning)
	m.registry.MustRegister(m.PeerStartsTotal)
	m.registry.MustRegister(m.DecisionTurnsTotal)
	m.registry.MustRegister(m.EventsDroppedTotal)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
