package headwatch

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes event-stream health.
type Metrics struct {
	events     *prometheus.CounterVec
	reconnects prometheus.Counter
	state      prometheus.Gauge
}

// NewMetrics creates and registers the consumer metric collectors.
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "beacon_events_total",
			Help:      "Beacon SSE events received by topic.",
		}, []string{"topic"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "beacon_event_reconnects_total",
			Help:      "Event stream reconnect attempts.",
		}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "beacon_event_stream_state",
			Help:      "Event stream state (0 disconnected, 1 connecting, 2 streaming, 3 reconnect wait).",
		}),
	}

	prometheus.MustRegister(m.events, m.reconnects, m.state)

	return m
}

// Event counts one received frame.
func (m *Metrics) Event(topic string) {
	m.events.WithLabelValues(topic).Inc()
}

// Reconnect counts a reconnect cycle.
func (m *Metrics) Reconnect() {
	m.reconnects.Inc()
}

// State records the connection state.
func (m *Metrics) State(s State) {
	m.state.Set(float64(s))
}
