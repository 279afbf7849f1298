package eventserver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	handshakes    *prometheus.CounterVec
	connections   prometheus.Gauge
	subscriptions prometheus.Gauge
	eventsRouted  *prometheus.CounterVec
	deliveries    prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	const ns, sub = "eventhub", "server"

	return &metrics{
		handshakes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "handshakes_total",
			Help:      "Total number of session negotiations by result",
		}, []string{"result"}),
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "connections",
			Help:      "Number of open WebSocket connections",
		}),
		subscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "subscriptions",
			Help:      "Number of active subscriptions across connections",
		}),
		eventsRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "events_total",
			Help:      "Total number of events received by kind",
		}, []string{"kind"}),
		deliveries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "deliveries_total",
			Help:      "Total number of events written to connections",
		}),
	}
}
