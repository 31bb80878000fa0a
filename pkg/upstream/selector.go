package upstream

import "time"

// NoCandidate is returned by Select when no upstream can take the attempt.
const NoCandidate = -1

// Select chooses an upstream of the given kind for one attempt. Candidates
// with a set exclude bit, an unsupported method, or a full inflight window
// are skipped. Among the rest the highest score wins; ties break on lower
// inflight, then on a per-kind round-robin cursor so equal nodes share load.
//
// When every otherwise-eligible candidate is saturated, Select reports
// saturated=true so the caller can wait and retry with overflow allowed.
func (r *Registry) Select(kind Kind, exclude uint64, preferred uint8, method string, block uint64, allowOverflow bool) (idx int, saturated bool) {
	list := r.lists[kind]
	now := r.now()

	best := NoCandidate

	var bestScore float64

	sawSaturated := false

	start := r.next[kind] % max(len(list), 1)

	for off := 0; off < len(list); off++ {
		i := (start + off) % len(list)
		u := list[i]

		if exclude&(1<<uint(i)) != 0 {
			continue
		}

		if !u.Supports(method) {
			continue
		}

		if !u.healthy && !u.recoveryAllowed {
			continue
		}

		limit := u.maxConcurrency
		if allowOverflow {
			limit += r.opts.OverflowSlots
		}

		if u.inflight >= limit {
			if u.healthy {
				sawSaturated = true
			}

			continue
		}

		score := r.score(u, preferred, method, block, now)

		if best == NoCandidate || score > bestScore ||
			(score == bestScore && u.inflight < list[best].inflight) {
			best = i
			bestScore = score
		}
	}

	if best != NoCandidate {
		r.next[kind] = best + 1

		return best, false
	}

	return NoCandidate, sawSaturated
}

func (r *Registry) score(u *Upstream, preferred uint8, method string, block uint64, now time.Time) float64 {
	capacity := float64(u.maxConcurrency-u.inflight+1) / float64(u.maxConcurrency+1)

	lat := u.methodLatency(method)
	if lat < 1 {
		lat = 1
	}

	latency := r.opts.LatencyTargetMS / lat
	if latency > 4 {
		latency = 4
	}

	health := 1.0
	if !u.healthy {
		health = 0.1
	}

	kindBonus := 1.0
	if preferred != 0 && u.Flags&preferred != 0 {
		kindBonus = 1.25
	}

	freshness := 1.0

	if block != 0 {
		switch {
		case u.latestBlock >= block:
			freshness = 1.15
		case u.headLastSeen.IsZero() || now.Sub(u.headLastSeen) > r.opts.StaleHeadAfter:
			freshness = 0.5
		}
	}

	rlPenalty := 1.0
	if u.RateLimited(now) {
		rlPenalty = 0.5
	}

	return health * capacity * latency * kindBonus * freshness * rlPenalty
}

func max(a, b int) int {
	if a > b {
		return a
	}

	return b
}
