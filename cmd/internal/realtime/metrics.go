package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	activeSessions prometheus.Gauge
	connections    *prometheus.CounterVec
	framesDropped  *prometheus.CounterVec
	actions        *prometheus.CounterVec
	notifications  *prometheus.CounterVec
}

// NewMetrics registers the engine collectors on reg.
// A nil reg registers on a private registry, which keeps tests isolated.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "bwave",
			Subsystem: "realtime",
			Name:      "active_sessions",
			Help:      "Number of users with a live session",
		}),
		connections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bwave",
			Subsystem: "realtime",
			Name:      "connections_total",
			Help:      "Connection attempts by result",
		}, []string{"result"}),
		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bwave",
			Subsystem: "realtime",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped without dispatch",
		}, []string{"reason"}),
		actions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bwave",
			Subsystem: "realtime",
			Name:      "actions_total",
			Help:      "Client actions handled by type and result",
		}, []string{"type", "result"}),
		notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bwave",
			Subsystem: "realtime",
			Name:      "notifications_total",
			Help:      "Server notifications by type and delivery result",
		}, []string{"type", "result"}),
	}
}

func (m *Metrics) sessionOpened() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

func (m *Metrics) sessionClosed() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

func (m *Metrics) connection(result string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(result).Inc()
}

func (m *Metrics) frameDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) action(typ, result string) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(typ, result).Inc()
}

func (m *Metrics) notification(typ, result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(typ, result).Inc()
}
