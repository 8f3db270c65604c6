// SPDX-License-Identifier: MIT

// Package metrics exposes the master's Prometheus counters.
//
// The counter methods are nil-safe so components can take an optional
// *Metrics and skip instrumentation wiring in tests. Handler and Server
// need a non-nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the counters the core increments.
type Metrics struct {
	registry *prometheus.Registry

	stateTransitions  *prometheus.CounterVec
	forcedTransitions prometheus.Counter
	moduleCrashes     *prometheus.CounterVec
	droppedMessages   *prometheus.CounterVec
	commandsSent      prometheus.Counter
}

// New builds a Metrics backed by its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		stateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rigd_state_transitions_total",
			Help: "Instance state transitions, labeled by target state.",
		}, []string{"state"}),
		forcedTransitions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rigd_forced_transitions_total",
			Help: "Transitions outside the valid table, forced for recovery.",
		}),
		moduleCrashes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rigd_module_crashes_total",
			Help: "Unexpected child process exits, labeled by module.",
		}, []string{"module"}),
		droppedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rigd_dropped_messages_total",
			Help: "Messages dropped from bounded buffers, labeled by buffer.",
		}, []string{"buffer"}),
		commandsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rigd_commands_sent_total",
			Help: "Protocol commands sent to module processes.",
		}),
	}

	reg.MustRegister(
		m.stateTransitions,
		m.forcedTransitions,
		m.moduleCrashes,
		m.droppedMessages,
		m.commandsSent,
	)
	return m
}

// Transition records a state transition into state.
func (m *Metrics) Transition(state string) {
	if m != nil {
		m.stateTransitions.WithLabelValues(state).Inc()
	}
}

// ForcedTransition records a transition outside the valid table.
func (m *Metrics) ForcedTransition() {
	if m != nil {
		m.forcedTransitions.Inc()
	}
}

// Crash records a module crash.
func (m *Metrics) Crash(module string) {
	if m != nil {
		m.moduleCrashes.WithLabelValues(module).Inc()
	}
}

// Dropped records one dropped message in the named buffer.
func (m *Metrics) Dropped(buffer string) {
	if m != nil {
		m.droppedMessages.WithLabelValues(buffer).Inc()
	}
}

// CommandSent records one protocol command sent to a child.
func (m *Metrics) CommandSent() {
	if m != nil {
		m.commandsSent.Inc()
	}
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Server returns an http.Server serving /metrics on addr.
func (m *Metrics) Server(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
