package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/agentstation/eventhub/internal/socketio"
)

// Metrics holds the Prometheus collectors updated by a Client.
//
// Collectors:
//   - eventhub_transport_connects_total: sockets opened
//   - eventhub_transport_disconnects_total: sockets closed, by reason
//   - eventhub_transport_reconnect_attempts_total: scheduled reconnects
//   - eventhub_transport_packets_sent_total: frames written, by packet type
//   - eventhub_transport_packets_received_total: frames decoded, by packet type
//   - eventhub_transport_packets_dropped_total: frames that failed to decode
//   - eventhub_transport_queue_depth: frames waiting to be written
type Metrics struct {
	connects        prometheus.Counter
	disconnects     *prometheus.CounterVec
	reconnects      prometheus.Counter
	packetsSent     *prometheus.CounterVec
	packetsReceived *prometheus.CounterVec
	packetsDropped  prometheus.Counter
	queueDepth      prometheus.Gauge
}

// NewMetrics creates the transport collectors and registers them with reg.
// A nil reg creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	const ns, sub = "eventhub", "transport"

	return &Metrics{
		connects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "connects_total",
			Help:      "Total number of sockets opened",
		}),
		disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "disconnects_total",
			Help:      "Total number of sockets closed by reason",
		}, []string{"reason"}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "reconnect_attempts_total",
			Help:      "Total number of scheduled reconnection attempts",
		}),
		packetsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "packets_sent_total",
			Help:      "Total number of frames written by packet type",
		}, []string{"type"}),
		packetsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "packets_received_total",
			Help:      "Total number of frames decoded by packet type",
		}, []string{"type"}),
		packetsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "packets_dropped_total",
			Help:      "Total number of frames dropped as malformed",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "queue_depth",
			Help:      "Number of frames waiting to be written",
		}),
	}
}

func (m *Metrics) sent(t socketio.Type) {
	m.packetsSent.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) received(t socketio.Type) {
	m.packetsReceived.WithLabelValues(t.String()).Inc()
}
