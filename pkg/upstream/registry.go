package upstream

import (
	"time"

	"github.com/ethpandaops/proofgate/pkg/classify"
	"github.com/sirupsen/logrus"
)

// Registry owns the per-kind upstream lists and their mutable state. It is
// loop-owned: callers outside the engine loop must go through Snapshots.
type Registry struct {
	log   logrus.FieldLogger
	opts  Options
	lists map[Kind][]*Upstream
	next  map[Kind]int

	metrics *Metrics

	now func() time.Time
}

// NewRegistry creates a registry with the given options.
func NewRegistry(log logrus.FieldLogger, opts Options) *Registry {
	return &Registry{
		log:     log.WithField("component", "upstream_registry"),
		opts:    opts,
		lists:   map[Kind][]*Upstream{},
		next:    map[Kind]int{},
		metrics: NewMetrics("proofgate"),
		now:     time.Now,
	}
}

// Add appends an upstream to the list of its kind. Lists are append-only;
// indices are stable for the process lifetime.
func (r *Registry) Add(kind Kind, url string, flags uint8) int {
	u := &Upstream{
		URL:             url,
		Flags:           flags,
		healthy:         true,
		recoveryAllowed: true,
		maxConcurrency:  r.opts.MaxConcurrencyDefault,
		minConcurrency:  r.opts.MinConcurrency,
		unsupported:     map[string]bool{},
		methodEWMA:      map[string]float64{},
		latencyEWMA:     r.opts.LatencyTargetMS,
	}

	r.lists[kind] = append(r.lists[kind], u)

	return len(r.lists[kind]) - 1
}

// List returns the ordered upstream list for a kind.
func (r *Registry) List(kind Kind) []*Upstream {
	return r.lists[kind]
}

// Options returns the registry tunables.
func (r *Registry) Options() Options {
	return r.opts
}

// OnAttemptStart reserves an inflight slot on the upstream. It fails when the
// concurrency ceiling is reached, unless allowOverflow grants one of the
// bounded overflow slots.
func (r *Registry) OnAttemptStart(kind Kind, idx int, allowOverflow bool) bool {
	u := r.lists[kind][idx]

	limit := u.maxConcurrency
	if allowOverflow {
		limit += r.opts.OverflowSlots
	}

	if u.inflight >= limit {
		return false
	}

	u.inflight++
	u.totalRequests++
	r.metrics.Inflight(kind, u.URL, u.inflight)

	return true
}

// OnAttemptEnd releases the inflight slot and folds the outcome into the
// upstream's health, latency and concurrency state.
func (r *Registry) OnAttemptEnd(kind Kind, idx int, latency time.Duration, class classify.Class, httpCode int, method string, rateLimited, timedOut bool) {
	u := r.lists[kind][idx]
	now := r.now()

	if u.inflight > 0 {
		u.inflight--
	}

	r.metrics.Inflight(kind, u.URL, u.inflight)
	r.metrics.Attempt(kind, u.URL, class, latency)

	ms := float64(latency.Milliseconds())
	u.totalResponseTime += latency
	u.latencyEWMA = ewma(u.latencyEWMA, ms, r.opts.EWMAAlpha)

	if method != "" {
		prev, ok := u.methodEWMA[method]
		if !ok {
			prev = ms
		}

		u.methodEWMA[method] = ewma(prev, ms, r.opts.EWMAAlpha)
	}

	if rateLimited {
		u.rateLimitedUntil = now.Add(r.opts.RateLimitWindow)
		r.halveConcurrency(u)
	}

	if timedOut {
		u.consecutiveTimeouts++
		if u.consecutiveTimeouts >= 2 {
			r.halveConcurrency(u)
		}
	} else {
		u.consecutiveTimeouts = 0
	}

	switch class {
	case classify.Success, classify.UserError, classify.MethodNotSupported:
		// The upstream answered; user errors and unsupported methods are
		// not health signals.
		r.recordSuccess(u, now, ms, rateLimited)
	case classify.Retry:
		r.recordFailure(u, now)
	}
}

func (r *Registry) recordSuccess(u *Upstream, now time.Time, latencyMS float64, rateLimited bool) {
	u.successfulRequests++

	if !u.healthy {
		// A success while unhealthy recovers the node immediately, and
		// blocks further recovery probes for the cooldown window.
		u.healthy = true
		u.recoveryAllowed = false
		u.markedUnhealthyAt = time.Time{}
		r.log.WithField("url", u.URL).Info("Upstream recovered")
	}

	u.consecutiveFailures = 0

	// AIMD additive increase, gated on the latency target and rate limits.
	if !rateLimited && !u.RateLimited(now) &&
		latencyMS < r.opts.LatencyTargetMS &&
		now.Sub(u.lastAdjust) >= r.opts.ConcCooldown &&
		u.maxConcurrency < r.opts.MaxConcurrencyCap {
		u.maxConcurrency++
		u.lastAdjust = now
	}
}

func (r *Registry) recordFailure(u *Upstream, now time.Time) {
	u.consecutiveFailures++

	if u.healthy && u.consecutiveFailures >= r.opts.FailureThreshold {
		u.healthy = false
		u.markedUnhealthyAt = now
		u.recoveryAllowed = false
		r.log.WithFields(logrus.Fields{
			"url":      u.URL,
			"failures": u.consecutiveFailures,
		}).Warn("Upstream marked unhealthy")
	}
}

func (r *Registry) halveConcurrency(u *Upstream) {
	half := u.maxConcurrency / 2
	if half < u.minConcurrency {
		half = u.minConcurrency
	}

	if half != u.maxConcurrency {
		u.maxConcurrency = half
		u.lastAdjust = r.now()
	}
}

// MarkUnsupported remembers that the upstream cannot serve the method.
func (r *Registry) MarkUnsupported(kind Kind, idx int, method string) {
	if method == "" {
		return
	}

	u := r.lists[kind][idx]
	u.unsupported[method] = true

	r.log.WithFields(logrus.Fields{
		"url":    u.URL,
		"method": method,
	}).Debug("Marked method unsupported")
}

// IsSupported reports whether the upstream is believed to support the method.
func (r *Registry) IsSupported(kind Kind, idx int, method string) bool {
	return r.lists[kind][idx].Supports(method)
}

// AttemptRecoverySweep re-arms recovery probes for unhealthy upstreams whose
// cooldown has elapsed, and performs the recovery-storm reset: when too few
// upstreams of a kind remain healthy, all of them are returned to healthy at
// once rather than trickling back one probe at a time.
func (r *Registry) AttemptRecoverySweep() {
	now := r.now()

	for kind, list := range r.lists {
		if len(list) == 0 {
			continue
		}

		healthy := 0

		for _, u := range list {
			if u.healthy {
				healthy++

				continue
			}

			if !u.recoveryAllowed && now.Sub(u.markedUnhealthyAt) >= r.opts.RecoveryCooldown {
				u.recoveryAllowed = true
				u.markedUnhealthyAt = now
			}
		}

		if float64(healthy)/float64(len(list)) < r.opts.HealthyRatioFloor {
			for _, u := range list {
				u.healthy = true
				u.consecutiveFailures = 0
				u.recoveryAllowed = true
			}

			r.log.WithField("kind", kind.String()).Warn("Healthy ratio below floor, resetting all upstreams")
		}
	}
}

// HeadObserved records a head block observation for scoring freshness.
func (r *Registry) HeadObserved(kind Kind, idx int, block uint64, ts time.Time) {
	u := r.lists[kind][idx]

	if block > u.latestBlock {
		u.latestBlock = block
	}

	u.headLastSeen = ts
	r.metrics.Head(kind, u.URL, block)
}

// Snapshots returns copies of every upstream's state for status reporting.
func (r *Registry) Snapshots() []Snapshot {
	now := r.now()

	var out []Snapshot

	for _, kind := range []Kind{KindEthRPC, KindBeaconAPI, KindREST, KindProver} {
		for _, u := range r.lists[kind] {
			out = append(out, u.snapshot(kind, now))
		}
	}

	return out
}

func ewma(prev, sample, alpha float64) float64 {
	return prev + alpha*(sample-prev)
}
