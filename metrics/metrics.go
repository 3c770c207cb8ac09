// Package metrics exposes the broker's runtime counters as Prometheus
// collectors, grounded on the same direct client_golang wiring the example
// pack's HTTP-fronted broker uses for its own /metrics endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter/gauge the broker updates as it serves
// connections. A nil *Metrics is safe to call methods on - every method
// guards against it so callers don't have to branch on whether metrics are
// enabled.
type Metrics struct {
	ConnectionsAccepted prometheus.Counter
	ConnectionsRejected prometheus.Counter
	ConnectionsActive   prometheus.Gauge
	PacketsReceived     prometheus.Counter
	PacketsSent         prometheus.Counter
	PublishesRouted     prometheus.Counter
	SubscriptionsActive prometheus.Gauge
	InflightOutbound    prometheus.Gauge
	ServerBusyRejects   prometheus.Counter
	SessionsActive      prometheus.Gauge
}

// New builds a fresh, unregistered set of collectors. Callers should call
// Register once per process.
func New() *Metrics {
	return &Metrics{
		ConnectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowmq_connections_accepted_total",
			Help: "Total number of accepted client connections.",
		}),
		ConnectionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowmq_connections_rejected_total",
			Help: "Total number of connections rejected before handoff to a handler.",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowmq_connections_active",
			Help: "Number of client connections currently bound to a session.",
		}),
		PacketsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowmq_packets_received_total",
			Help: "Total number of control packets decoded from clients.",
		}),
		PacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowmq_packets_sent_total",
			Help: "Total number of control packets encoded to clients.",
		}),
		PublishesRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowmq_publishes_routed_total",
			Help: "Total number of PUBLISH deliveries fanned out to subscribers.",
		}),
		SubscriptionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowmq_subscriptions_active",
			Help: "Number of active topic-filter subscriptions.",
		}),
		InflightOutbound: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowmq_inflight_outbound",
			Help: "Number of QoS 1 PUBLISH packets awaiting PUBACK across all sessions.",
		}),
		ServerBusyRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowmq_server_busy_total",
			Help: "Total number of connections closed with CONNACK(ServerBusy) due to admission limits.",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowmq_sessions_active",
			Help: "Number of sessions currently tracked by the session manager, bound or not.",
		}),
	}
}

// Register adds every collector to the default registry. Panics (via
// MustRegister) on a duplicate registration, matching the example pack's
// own fail-fast startup style.
func (m *Metrics) Register() {
	if m == nil {
		return
	}
	prometheus.MustRegister(
		m.ConnectionsAccepted,
		m.ConnectionsRejected,
		m.ConnectionsActive,
		m.PacketsReceived,
		m.PacketsSent,
		m.PublishesRouted,
		m.SubscriptionsActive,
		m.InflightOutbound,
		m.ServerBusyRejects,
		m.SessionsActive,
	)
}

// Handler returns the standard promhttp handler for mounting at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
