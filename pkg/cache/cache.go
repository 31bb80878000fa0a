// Package cache implements the coalescing response cache. The front (leader
// election, JOIN wait lists) is loop-owned state; payloads live in an
// in-process TTL store and, when configured, an out-of-process memcached
// backend reached through a bounded asynchronous operation queue.
package cache

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/proofgate/pkg/datareq"
)

// Result is the outcome of GetOrSubscribe.
type Result int

const (
	// Hit means the payload was present; the waiter has already been
	// completed synchronously.
	Hit Result = iota
	// Miss means no entry existed; the caller is now the leader and must
	// dispatch, then call Complete.
	Miss
	// Join means a leader is already in flight; the waiter was parked and
	// completes when the leader does.
	Join
)

// Waiter receives the payload (an independent copy) or the leader's terminal
// error, exactly once.
type Waiter func(payload []byte, err error)

type entry struct {
	waiters []Waiter
}

// Store is the coalescing cache front. All methods must run on the engine
// loop.
type Store struct {
	log     logrus.FieldLogger
	pending map[common.Hash]*entry
	local   *gocache.Cache
	backend Backend
	policy  TTLPolicy
	metrics *Metrics
}

// NewStore creates a store with the given TTL policy and optional backend.
// backend may be nil.
func NewStore(log logrus.FieldLogger, policy TTLPolicy, backend Backend) *Store {
	return &Store{
		log:     log.WithField("component", "cache"),
		pending: map[common.Hash]*entry{},
		local:   gocache.New(gocache.NoExpiration, 5*time.Minute),
		backend: backend,
		policy:  policy,
		metrics: NewMetrics("proofgate"),
	}
}

// GetOrSubscribe looks up the request's fingerprint. On a hit the waiter is
// completed synchronously with a copy of the payload. On a miss a pending
// entry is created with the caller as leader. Any later subscriber for the
// same fingerprint joins the pending entry's wait list.
func (s *Store) GetOrSubscribe(dr *datareq.Request, w Waiter) Result {
	fp := dr.Fingerprint()

	if raw, ok := s.local.Get(fp.Hex()); ok {
		s.metrics.Hit()
		w(clone(raw.([]byte)), nil)

		return Hit
	}

	if e, ok := s.pending[fp]; ok {
		s.metrics.Join()
		e.waiters = append(e.waiters, w)

		return Join
	}

	s.metrics.Miss()
	s.pending[fp] = &entry{waiters: []Waiter{w}}

	return Miss
}

// ProbeBackend asks the out-of-process backend for the fingerprint before the
// leader dispatches upstream. found is invoked on the loop with the payload,
// or with ok=false on a miss, a disabled backend, or a full queue.
func (s *Store) ProbeBackend(fp common.Hash, found func(payload []byte, ok bool)) {
	if s.backend == nil {
		found(nil, false)

		return
	}

	if !s.backend.Get(fp.Hex(), found) {
		s.metrics.BackendRejected()
		found(nil, false)
	}
}

// Complete settles the pending entry for fp. On success the payload is stored
// with the request's TTL and every parked waiter receives an independent
// copy, all in the same loop pass. On error every waiter receives the same
// terminal error. The pending entry is removed either way.
func (s *Store) Complete(dr *datareq.Request, payload []byte, err error) {
	fp := dr.Fingerprint()

	e, ok := s.pending[fp]
	if !ok {
		return
	}

	delete(s.pending, fp)

	if err == nil {
		ttl := s.policy.TTL(dr)
		if ttl > 0 {
			s.local.Set(fp.Hex(), clone(payload), ttl)

			if s.backend != nil {
				s.backend.Set(fp.Hex(), payload, ttl)
			}
		}
	}

	for _, w := range e.waiters {
		if err != nil {
			w(nil, err)

			continue
		}

		w(clone(payload), nil)
	}
}

// Put inserts a payload without a pending entry, used by the head consumer to
// pre-populate well-known keys. Parked waiters for the fingerprint, if any,
// are completed as if their leader had returned it.
func (s *Store) Put(dr *datareq.Request, payload []byte) {
	fp := dr.Fingerprint()

	if _, ok := s.pending[fp]; ok {
		s.Complete(dr, payload, nil)

		return
	}

	ttl := s.policy.TTL(dr)
	if ttl > 0 {
		s.local.Set(fp.Hex(), clone(payload), ttl)

		if s.backend != nil {
			s.backend.Set(fp.Hex(), payload, ttl)
		}
	}
}

// PendingLeaders returns the number of fingerprints currently led, for tests
// and status reporting.
func (s *Store) PendingLeaders() int {
	return len(s.pending)
}

// Close flushes and closes the backend.
func (s *Store) Close() {
	if s.backend != nil {
		s.backend.Close()
	}
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)

	return out
}

// TTLPolicy decides how long a response stays cached.
type TTLPolicy struct {
	BeaconHead    time.Duration
	BeaconDefault time.Duration
	EthFinalized  time.Duration
	REST          time.Duration
	Internal      time.Duration
}

// DefaultTTLPolicy returns the default lifetimes.
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		BeaconHead:    12 * time.Second,
		BeaconDefault: 24 * time.Hour,
		EthFinalized:  24 * time.Hour,
		REST:          60 * time.Second,
		Internal:      60 * time.Second,
	}
}

// TTL resolves the lifetime for one request, honoring its hint when set.
func (p TTLPolicy) TTL(dr *datareq.Request) time.Duration {
	if dr.TTL > 0 {
		return dr.TTL
	}

	switch dr.Kind {
	case datareq.TypeBeaconAPI:
		if strings.Contains(dr.URL, "beacon/blocks/head") {
			return p.BeaconHead
		}

		return p.BeaconDefault
	case datareq.TypeEthRPC:
		return p.EthFinalized
	case datareq.TypeRESTAPI:
		return p.REST
	case datareq.TypeInternal:
		return p.Internal
	}

	return p.REST
}
