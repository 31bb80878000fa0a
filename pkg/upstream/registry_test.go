package upstream

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/proofgate/pkg/classify"
)

func newTestRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()

	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return NewRegistry(log, opts)
}

func TestHealthTransitions(t *testing.T) {
	opts := DefaultOptions()
	r := newTestRegistry(t, opts)
	idx := r.Add(KindEthRPC, "http://a", 0)
	r.Add(KindEthRPC, "http://b", 0) // stays healthy, keeps the ratio up
	u := r.List(KindEthRPC)[idx]

	now := time.Now()
	r.now = func() time.Time { return now }

	// Four consecutive failures keep the node healthy.
	for i := 0; i < opts.FailureThreshold-1; i++ {
		require.True(t, r.OnAttemptStart(KindEthRPC, idx, false))
		r.OnAttemptEnd(KindEthRPC, idx, 50*time.Millisecond, classify.Retry, 500, "eth_call", false, false)
		require.True(t, u.Healthy())
	}

	// The fifth trips it.
	require.True(t, r.OnAttemptStart(KindEthRPC, idx, false))
	r.OnAttemptEnd(KindEthRPC, idx, 50*time.Millisecond, classify.Retry, 500, "eth_call", false, false)
	require.False(t, u.Healthy())
	require.False(t, u.recoveryAllowed)

	// Before the cooldown the sweep does not re-arm recovery.
	now = now.Add(30 * time.Second)
	r.AttemptRecoverySweep()
	require.False(t, u.recoveryAllowed)

	// After the cooldown it does.
	now = now.Add(31 * time.Second)
	r.AttemptRecoverySweep()
	require.True(t, u.recoveryAllowed)
	require.False(t, u.Healthy())
}

func TestHealthyRatioReset(t *testing.T) {
	opts := DefaultOptions()
	r := newTestRegistry(t, opts)
	idx := r.Add(KindEthRPC, "http://a", 0)
	u := r.List(KindEthRPC)[idx]

	for i := 0; i < opts.FailureThreshold; i++ {
		r.OnAttemptStart(KindEthRPC, idx, false)
		r.OnAttemptEnd(KindEthRPC, idx, 0, classify.Retry, 500, "", false, false)
	}

	require.False(t, u.Healthy())

	// The only upstream is down, so the ratio floor returns it to healthy
	// rather than letting the kind starve.
	r.AttemptRecoverySweep()
	require.True(t, u.Healthy())
}

func TestRecoveryProbeSuccess(t *testing.T) {
	opts := DefaultOptions()
	opts.HealthyRatioFloor = 0 // keep the storm reset out of this test
	r := newTestRegistry(t, opts)
	idx := r.Add(KindEthRPC, "http://a", 0)
	r.Add(KindEthRPC, "http://b", 0)
	u := r.List(KindEthRPC)[idx]

	now := time.Now()
	r.now = func() time.Time { return now }

	for i := 0; i < opts.FailureThreshold; i++ {
		r.OnAttemptStart(KindEthRPC, idx, false)
		r.OnAttemptEnd(KindEthRPC, idx, 0, classify.Retry, 500, "", false, false)
	}

	require.False(t, u.Healthy())

	now = now.Add(opts.RecoveryCooldown + time.Second)
	r.AttemptRecoverySweep()
	require.True(t, u.recoveryAllowed)

	// A success while unhealthy recovers immediately, clears the failure
	// count, and blocks the next probe window.
	r.OnAttemptStart(KindEthRPC, idx, false)
	r.OnAttemptEnd(KindEthRPC, idx, 10*time.Millisecond, classify.Success, 200, "eth_call", false, false)

	require.True(t, u.Healthy())
	require.Zero(t, u.consecutiveFailures)
	require.False(t, u.recoveryAllowed)
}

func TestRateLimitHalvesConcurrency(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxConcurrencyDefault = 16
	r := newTestRegistry(t, opts)
	idx := r.Add(KindEthRPC, "http://a", 0)
	u := r.List(KindEthRPC)[idx]

	r.OnAttemptStart(KindEthRPC, idx, false)
	r.OnAttemptEnd(KindEthRPC, idx, 10*time.Millisecond, classify.Retry, 429, "eth_call", true, false)

	require.Equal(t, 8, u.MaxConcurrency())
	require.True(t, u.RateLimited(time.Now()))
}

func TestHalvingRespectsMinimum(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxConcurrencyDefault = 3
	opts.MinConcurrency = 2
	r := newTestRegistry(t, opts)
	idx := r.Add(KindEthRPC, "http://a", 0)
	u := r.List(KindEthRPC)[idx]

	for i := 0; i < 4; i++ {
		r.OnAttemptStart(KindEthRPC, idx, false)
		r.OnAttemptEnd(KindEthRPC, idx, 0, classify.Retry, 429, "", true, false)
	}

	require.Equal(t, 2, u.MaxConcurrency())
}

func TestAIMDAdditiveIncrease(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxConcurrencyDefault = 4
	opts.LatencyTargetMS = 500
	r := newTestRegistry(t, opts)
	idx := r.Add(KindEthRPC, "http://a", 0)
	u := r.List(KindEthRPC)[idx]

	now := time.Now()
	r.now = func() time.Time { return now }

	// Fast success grows the window by one...
	r.OnAttemptStart(KindEthRPC, idx, false)
	r.OnAttemptEnd(KindEthRPC, idx, 50*time.Millisecond, classify.Success, 200, "eth_call", false, false)
	require.Equal(t, 5, u.MaxConcurrency())

	// ...but not again inside the cooldown.
	r.OnAttemptStart(KindEthRPC, idx, false)
	r.OnAttemptEnd(KindEthRPC, idx, 50*time.Millisecond, classify.Success, 200, "eth_call", false, false)
	require.Equal(t, 5, u.MaxConcurrency())

	now = now.Add(opts.ConcCooldown + time.Millisecond)
	r.OnAttemptStart(KindEthRPC, idx, false)
	r.OnAttemptEnd(KindEthRPC, idx, 50*time.Millisecond, classify.Success, 200, "eth_call", false, false)
	require.Equal(t, 6, u.MaxConcurrency())

	// Slow successes never grow the window.
	now = now.Add(opts.ConcCooldown + time.Millisecond)
	r.OnAttemptStart(KindEthRPC, idx, false)
	r.OnAttemptEnd(KindEthRPC, idx, 2*time.Second, classify.Success, 200, "eth_call", false, false)
	require.Equal(t, 6, u.MaxConcurrency())
}

// Inflight never exceeds max_concurrency + overflow slots.
func TestConcurrencyBound(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxConcurrencyDefault = 2
	opts.OverflowSlots = 1
	r := newTestRegistry(t, opts)
	idx := r.Add(KindEthRPC, "http://a", 0)
	u := r.List(KindEthRPC)[idx]

	require.True(t, r.OnAttemptStart(KindEthRPC, idx, false))
	require.True(t, r.OnAttemptStart(KindEthRPC, idx, false))
	require.False(t, r.OnAttemptStart(KindEthRPC, idx, false))

	// Overflow grants exactly OverflowSlots more.
	require.True(t, r.OnAttemptStart(KindEthRPC, idx, true))
	require.False(t, r.OnAttemptStart(KindEthRPC, idx, true))

	require.LessOrEqual(t, u.Inflight(), opts.MaxConcurrencyDefault+opts.OverflowSlots)
}

func TestMarkUnsupported(t *testing.T) {
	r := newTestRegistry(t, DefaultOptions())
	idx := r.Add(KindEthRPC, "http://a", 0)

	require.True(t, r.IsSupported(KindEthRPC, idx, "eth_getProof"))
	r.MarkUnsupported(KindEthRPC, idx, "eth_getProof")
	require.False(t, r.IsSupported(KindEthRPC, idx, "eth_getProof"))
	require.True(t, r.IsSupported(KindEthRPC, idx, "eth_call"))
}

func TestHeadObserved(t *testing.T) {
	r := newTestRegistry(t, DefaultOptions())
	idx := r.Add(KindEthRPC, "http://a", 0)
	u := r.List(KindEthRPC)[idx]

	r.HeadObserved(KindEthRPC, idx, 100, time.Now())
	require.EqualValues(t, 100, u.LatestBlock())

	// Heads never move backwards.
	r.HeadObserved(KindEthRPC, idx, 90, time.Now())
	require.EqualValues(t, 100, u.LatestBlock())
}

func TestSnapshots(t *testing.T) {
	r := newTestRegistry(t, DefaultOptions())
	r.Add(KindEthRPC, "http://a", 0)
	r.Add(KindBeaconAPI, "http://b", FlagEventSource)

	snaps := r.Snapshots()
	require.Len(t, snaps, 2)
	require.Equal(t, "eth_rpc", snaps[0].Kind)
	require.Equal(t, "beacon_api", snaps[1].Kind)
	require.True(t, snaps[0].Healthy)
}
