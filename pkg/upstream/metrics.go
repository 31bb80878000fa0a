package upstream

import (
	"time"

	"github.com/ethpandaops/proofgate/pkg/classify"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes upstream attempt outcomes and capacity to Prometheus.
type Metrics struct {
	attempts *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	inflight *prometheus.GaugeVec
	head     *prometheus.GaugeVec
}

// NewMetrics creates and registers the upstream metric collectors.
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_attempts_total",
			Help:      "Number of upstream attempts by kind, url and class.",
		}, []string{"kind", "url", "class"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_attempt_duration_seconds",
			Help:      "Upstream attempt duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind", "url"}),
		inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_inflight",
			Help:      "Attempts currently in flight per upstream.",
		}, []string{"kind", "url"}),
		head: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_latest_block",
			Help:      "Latest head block observed per upstream.",
		}, []string{"kind", "url"}),
	}

	prometheus.MustRegister(m.attempts, m.latency, m.inflight, m.head)

	return m
}

// Attempt records one completed attempt.
func (m *Metrics) Attempt(kind Kind, url string, class classify.Class, d time.Duration) {
	m.attempts.WithLabelValues(kind.String(), url, class.String()).Inc()
	m.latency.WithLabelValues(kind.String(), url).Observe(d.Seconds())
}

// Inflight updates the inflight gauge.
func (m *Metrics) Inflight(kind Kind, url string, n int) {
	m.inflight.WithLabelValues(kind.String(), url).Set(float64(n))
}

// Head updates the observed head gauge.
func (m *Metrics) Head(kind Kind, url string, block uint64) {
	m.head.WithLabelValues(kind.String(), url).Set(float64(block))
}
