package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics of one relay instance. Register on a dedicated registry in tests.
type Metrics struct {
	Connections prometheus.Gauge
	Envelopes   *prometheus.CounterVec // by kind and source (local, fanout)
	Drops       prometheus.Counter
	Rejections  *prometheus.CounterVec // by reason
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "convsync",
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Open websocket connections.",
		}),
		Envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convsync",
			Subsystem: "relay",
			Name:      "envelopes_total",
			Help:      "Envelopes accepted for delivery.",
		}, []string{"kind", "source"}),
		Drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "convsync",
			Subsystem: "relay",
			Name:      "drops_total",
			Help:      "Deliveries dropped because a connection buffer was full.",
		}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convsync",
			Subsystem: "relay",
			Name:      "rejections_total",
			Help:      "Envelopes rejected before delivery.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.Connections, m.Envelopes, m.Drops, m.Rejections)
	}
	return m
}
