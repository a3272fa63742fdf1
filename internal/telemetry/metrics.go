package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the fleet's Prometheus collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	activeSessions    prometheus.Gauge
	connectedSessions prometheus.Gauge
	activeWorkers     prometheus.Gauge

	codesIssued     prometheus.Counter
	pairingOutcomes *prometheus.CounterVec
	workerRestarts  *prometheus.CounterVec
	sessionsExpired prometheus.Counter

	handshakeDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers the fleet collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "botfleet_active_sessions",
			Help: "Sessions younger than the expiry window.",
		}),
		connectedSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "botfleet_connected_sessions",
			Help: "Paired sessions whose worker reports connected.",
		}),
		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "botfleet_active_workers",
			Help: "Live worker processes.",
		}),
		codesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "botfleet_codes_issued_total",
			Help: "Pairing codes issued.",
		}),
		pairingOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "botfleet_pairing_outcomes_total",
			Help: "Finished handshakes by outcome.",
		}, []string{"outcome"}),
		workerRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "botfleet_worker_restarts_total",
			Help: "Worker restarts by reason.",
		}, []string{"reason"}),
		sessionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "botfleet_sessions_expired_total",
			Help: "Unpaired sessions removed by the expiry sweeper.",
		}),
		handshakeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "botfleet_handshake_duration_seconds",
			Help:    "Handshake duration by outcome.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		m.activeSessions, m.connectedSessions, m.activeWorkers,
		m.codesIssued, m.pairingOutcomes, m.workerRestarts, m.sessionsExpired,
		m.handshakeDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// CodeIssued counts an issued pairing code.
func (m *Metrics) CodeIssued() {
	if m == nil {
		return
	}
	m.codesIssued.Inc()
}

// RecordHandshake records a finished handshake.
func (m *Metrics) RecordHandshake(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.pairingOutcomes.WithLabelValues(outcome).Inc()
	m.handshakeDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// WorkerRestart counts a worker restart.
func (m *Metrics) WorkerRestart(reason string) {
	if m == nil {
		return
	}
	m.workerRestarts.WithLabelValues(reason).Inc()
}

// SessionsExpired counts sessions removed by the sweeper.
func (m *Metrics) SessionsExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sessionsExpired.Add(float64(n))
}

// SetFleet updates the fleet gauges.
func (m *Metrics) SetFleet(active, connected, workers int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(active))
	m.connectedSessions.Set(float64(connected))
	m.activeWorkers.Set(float64(workers))
}

// Handler returns an HTTP handler that serves Prometheus-format metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
