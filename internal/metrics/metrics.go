package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the coordination layer's Prometheus collectors. Each instance
// carries its own registry so tests can run several applications side by
// side. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	sessionsCreated prometheus.Counter
	sessionsClosed  prometheus.Counter
	marksApplied    prometheus.Counter
	eventsDelivered prometheus.Counter
	activeSessions  prometheus.Gauge
	openConnections prometheus.Gauge
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rollcall_sessions_created_total",
			Help: "Attendance sessions created.",
		}),
		sessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rollcall_sessions_closed_total",
			Help: "Attendance sessions closed.",
		}),
		marksApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rollcall_marks_applied_total",
			Help: "Attendance records applied, single and bulk.",
		}),
		eventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rollcall_events_delivered_total",
			Help: "Events delivered to connections across all fan-outs.",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rollcall_active_sessions",
			Help: "Sessions currently held in the registry.",
		}),
		openConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rollcall_open_connections",
			Help: "WebSocket connections currently open.",
		}),
	}

	m.registry.MustRegister(
		m.sessionsCreated,
		m.sessionsClosed,
		m.marksApplied,
		m.eventsDelivered,
		m.activeSessions,
		m.openConnections,
	)
	return m
}

// Handler serves this instance's collectors for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessionsClosed.Inc()
}

func (m *Metrics) MarksApplied(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.marksApplied.Add(float64(count))
}

func (m *Metrics) EventsDelivered(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.eventsDelivered.Add(float64(count))
}

func (m *Metrics) SetActiveSessions(count int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(count))
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.openConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.openConnections.Dec()
}
