// Package metrics exposes reconciliation counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service collectors on a private registry.
type Metrics struct {
	registry       *prometheus.Registry
	outcomes       *prometheus.CounterVec
	polls          *prometheus.CounterVec
	compensations  *prometheus.CounterVec
	activeSessions prometheus.Gauge
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_reconciliation_outcomes_total",
			Help: "Terminal reconciliation outcomes by gateway.",
		}, []string{"gateway", "outcome"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_status_polls_total",
			Help: "Backend status polls by gateway and classified outcome.",
		}, []string{"gateway", "outcome"}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_manual_complete_total",
			Help: "Compensating manual-complete writes by gateway and result.",
		}, []string{"gateway", "result"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "payment_callback_sessions_active",
			Help: "Callback page sessions currently held in memory.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.outcomes,
		m.polls,
		m.compensations,
		m.activeSessions,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveOutcome counts a terminal reconciliation state.
func (m *Metrics) ObserveOutcome(gateway, outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(label(gateway), outcome).Inc()
}

// ObservePoll counts a classified status poll.
func (m *Metrics) ObservePoll(gateway, outcome string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(label(gateway), outcome).Inc()
}

// ObserveCompensation counts a manual-complete write by result.
func (m *Metrics) ObserveCompensation(gateway string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.compensations.WithLabelValues(label(gateway), result).Inc()
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

func label(gateway string) string {
	if gateway == "" {
		return "unknown"
	}
	return gateway
}
