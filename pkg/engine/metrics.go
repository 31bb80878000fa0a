package engine

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes request-context outcomes.
type Metrics struct {
	active   prometheus.Gauge
	finished *prometheus.CounterVec
	duration prometheus.Histogram
}

// NewMetrics creates and registers the engine metric collectors.
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_active",
			Help:      "Open request contexts.",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_finished_total",
			Help:      "Terminated request contexts by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request context lifetime.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	prometheus.MustRegister(m.active, m.finished, m.duration)

	return m
}

// Active updates the open-context gauge.
func (m *Metrics) Active(n int) {
	m.active.Set(float64(n))
}

// Finished records a terminated context.
func (m *Metrics) Finished(err error, d time.Duration) {
	outcome := "success"

	switch {
	case err == nil:
	case errors.Is(err, ErrClientGone):
		outcome = "cancelled"
	case errors.Is(err, ErrUpstreamUser):
		outcome = "user_error"
	case errors.Is(err, ErrNotFound):
		outcome = "not_found"
	default:
		outcome = "error"
	}

	m.finished.WithLabelValues(outcome).Inc()
	m.duration.Observe(d.Seconds())
}
