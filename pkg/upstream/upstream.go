// Package upstream tracks the health, capacity and method support of the
// configured upstream nodes, and selects among them for each dispatch.
//
// All mutating methods must be called from the engine loop; the registry
// holds no locks of its own.
package upstream

import (
	"time"
)

// Kind is an upstream family. Upstream lists are per kind and their order is
// stable: indices are used in exclude bitmasks and must never move.
type Kind uint8

const (
	KindEthRPC Kind = iota
	KindBeaconAPI
	KindREST
	KindProver
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindEthRPC:
		return "eth_rpc"
	case KindBeaconAPI:
		return "beacon_api"
	case KindREST:
		return "rest"
	case KindProver:
		return "prover"
	}

	return "unknown"
}

// Upstream kind flags, used for selection bias and to find event-capable
// beacon nodes.
const (
	FlagEventSource uint8 = 1 << iota
	FlagBeaconEventPublisher
	FlagArchive
)

// Upstream is one configured node of a given kind.
type Upstream struct {
	URL   string
	Flags uint8

	// Health block.
	healthy             bool
	recoveryAllowed     bool
	markedUnhealthyAt   time.Time
	consecutiveFailures int
	consecutiveTimeouts int

	successfulRequests uint64
	totalRequests      uint64
	totalResponseTime  time.Duration

	// latencyEWMA is in milliseconds.
	latencyEWMA float64

	inflight       int
	maxConcurrency int
	minConcurrency int
	lastAdjust     time.Time

	rateLimitedUntil time.Time

	latestBlock  uint64
	headLastSeen time.Time

	unsupported map[string]bool
	methodEWMA  map[string]float64
}

// Healthy reports whether the upstream is currently considered healthy.
func (u *Upstream) Healthy() bool { return u.healthy }

// Inflight returns the number of attempts currently in flight.
func (u *Upstream) Inflight() int { return u.inflight }

// MaxConcurrency returns the current adaptive concurrency ceiling.
func (u *Upstream) MaxConcurrency() int { return u.maxConcurrency }

// LatencyEWMA returns the smoothed response latency in milliseconds.
func (u *Upstream) LatencyEWMA() float64 { return u.latencyEWMA }

// LatestBlock returns the most recently observed head block number.
func (u *Upstream) LatestBlock() uint64 { return u.latestBlock }

// RateLimited reports whether a rate-limit signal was seen recently.
func (u *Upstream) RateLimited(now time.Time) bool {
	return now.Before(u.rateLimitedUntil)
}

// Supports reports whether the upstream is believed to support the method.
// Unknown methods are assumed supported until proven otherwise.
func (u *Upstream) Supports(method string) bool {
	if method == "" {
		return true
	}

	return !u.unsupported[method]
}

// methodLatency returns the per-method latency EWMA when one has been
// learned, falling back to the per-upstream EWMA. Selection only consults
// the per-method figure when the method is known, so the score stays
// deterministic for anonymous reads.
func (u *Upstream) methodLatency(method string) float64 {
	if method != "" {
		if v, ok := u.methodEWMA[method]; ok {
			return v
		}
	}

	return u.latencyEWMA
}

// Snapshot is an immutable copy of the externally interesting upstream state,
// handed out to status handlers running off the loop thread.
type Snapshot struct {
	URL                 string        `json:"url"`
	Kind                string        `json:"kind"`
	Healthy             bool          `json:"healthy"`
	Inflight            int           `json:"inflight"`
	MaxConcurrency      int           `json:"max_concurrency"`
	LatencyMS           float64       `json:"latency_ms"`
	TotalRequests       uint64        `json:"total_requests"`
	SuccessfulRequests  uint64        `json:"successful_requests"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	RateLimited         bool          `json:"rate_limited"`
	LatestBlock         uint64        `json:"latest_block"`
	TotalResponseTime   time.Duration `json:"-"`
}

func (u *Upstream) snapshot(kind Kind, now time.Time) Snapshot {
	return Snapshot{
		URL:                 u.URL,
		Kind:                kind.String(),
		Healthy:             u.healthy,
		Inflight:            u.inflight,
		MaxConcurrency:      u.maxConcurrency,
		LatencyMS:           u.latencyEWMA,
		TotalRequests:       u.totalRequests,
		SuccessfulRequests:  u.successfulRequests,
		ConsecutiveFailures: u.consecutiveFailures,
		RateLimited:         u.RateLimited(now),
		LatestBlock:         u.latestBlock,
		TotalResponseTime:   u.totalResponseTime,
	}
}
