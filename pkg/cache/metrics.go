package cache

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts cache outcomes.
type Metrics struct {
	lookups         *prometheus.CounterVec
	backendRejected prometheus.Counter
}

// NewMetrics creates and registers the cache metric collectors.
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by outcome (hit, miss, join).",
		}, []string{"outcome"}),
		backendRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_backend_rejected_total",
			Help:      "Backend operations rejected because the queue was full.",
		}),
	}

	prometheus.MustRegister(m.lookups, m.backendRejected)

	return m
}

// Hit records a cache hit.
func (m *Metrics) Hit() { m.lookups.WithLabelValues("hit").Inc() }

// Miss records a cache miss (a new leader).
func (m *Metrics) Miss() { m.lookups.WithLabelValues("miss").Inc() }

// Join records a waiter joining a pending entry.
func (m *Metrics) Join() { m.lookups.WithLabelValues("join").Inc() }

// BackendRejected records a fail-fast backend rejection.
func (m *Metrics) BackendRejected() { m.backendRejected.Inc() }
