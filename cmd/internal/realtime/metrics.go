package realtime

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the gateway's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	connections  prometheus.Gauge
	onlineUsers  prometheus.Gauge
	events       *prometheus.CounterVec
	fanout       *prometheus.CounterVec
	authFailures *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg (when non-nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tasklane",
			Subsystem: "realtime",
			Name:      "connections",
			Help:      "Live websocket sessions.",
		}),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tasklane",
			Subsystem: "realtime",
			Name:      "online_users",
			Help:      "Distinct users with at least one live session.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tasklane",
			Subsystem: "realtime",
			Name:      "events_total",
			Help:      "Client events handled, by type and outcome.",
		}, []string{"type", "outcome"}),
		fanout: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tasklane",
			Subsystem: "realtime",
			Name:      "fanout_deliveries_total",
			Help:      "Server-pushed envelopes by enqueue result.",
		}, []string{"result"}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tasklane",
			Subsystem: "realtime",
			Name:      "auth_failures_total",
			Help:      "Rejected websocket authentications, by stage.",
		}, []string{"stage"}),
	}
	if reg != nil {
		reg.MustRegister(m.connections, m.onlineUsers, m.events, m.fanout, m.authFailures)
	}
	return m
}

func (m *Metrics) setPresence(users, sessions int) {
	if m == nil {
		return
	}
	m.onlineUsers.Set(float64(users))
	m.connections.Set(float64(sessions))
}

func (m *Metrics) event(typ, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(typ, outcome).Inc()
}

func (m *Metrics) delivery(d Delivery) {
	if m == nil {
		return
	}
	if d.Delivered > 0 {
		m.fanout.WithLabelValues("delivered").Add(float64(d.Delivered))
	}
	if d.Dropped > 0 {
		m.fanout.WithLabelValues("dropped").Add(float64(d.Dropped))
	}
}

func (m *Metrics) authFailure(stage string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(stage).Inc()
}
