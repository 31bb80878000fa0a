package engine_test

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/proofgate/pkg/cache"
	"github.com/ethpandaops/proofgate/pkg/datareq"
	"github.com/ethpandaops/proofgate/pkg/engine"
	"github.com/ethpandaops/proofgate/pkg/upstream"
)

type env struct {
	loop     *engine.Loop
	registry *upstream.Registry
	store    *cache.Store
	eng      *engine.Engine
}

func newEnv(t *testing.T, cfg engine.Config, ethURLs, beaconURLs []string) *env {
	t.Helper()

	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	loop := engine.NewLoop(1024)

	opts := upstream.DefaultOptions()
	opts.SaturationWait = 5 * time.Millisecond

	registry := upstream.NewRegistry(log, opts)

	for _, u := range ethURLs {
		registry.Add(upstream.KindEthRPC, u, 0)
	}

	for _, u := range beaconURLs {
		registry.Add(upstream.KindBeaconAPI, u, upstream.FlagEventSource)
	}

	store := cache.NewStore(log, cache.DefaultTTLPolicy(), nil)
	eng := engine.New(log, loop, registry, store, cfg)

	go loop.Run()

	t.Cleanup(func() {
		eng.Stop()
		loop.Stop()
		<-loop.Done()
	})

	return &env{loop: loop, registry: registry, store: store, eng: eng}
}

type outcome struct {
	result []byte
	err    error
}

func (e *env) await(t *testing.T, step engine.StepFunc) ([]byte, error) {
	t.Helper()

	ch := make(chan outcome, 1)

	e.eng.Submit("test", nil, step, func(result []byte, err error) {
		ch <- outcome{result: result, err: err}
	})

	select {
	case out := <-ch:
		return out.result, out.err
	case <-time.After(5 * time.Second):
		t.Fatal("request context did not terminate")

		return nil, nil
	}
}

// passthrough forwards one read and returns its payload.
func passthrough(dr *datareq.Request) engine.StepFunc {
	registered := false

	return func(rc *engine.Request) engine.StepResult {
		if !registered {
			registered = true
			rc.Need(dr)

			return engine.StepPending
		}

		if dr.Err != nil {
			rc.SetError(dr.Err)

			return engine.StepError
		}

		rc.Result = dr.Response

		return engine.StepSuccess
	}
}

func ethCall(t *testing.T) *datareq.Request {
	t.Helper()

	dr, err := datareq.NewEthRPC("eth_blockNumber", []interface{}{})
	require.NoError(t, err)

	return dr
}

func TestSuccessfulRead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x10"}`))
	}))
	defer srv.Close()

	e := newEnv(t, engine.DefaultConfig(), []string{srv.URL}, nil)

	result, err := e.await(t, passthrough(ethCall(t)))
	require.NoError(t, err)
	require.Contains(t, string(result), "0x10")
}

// Scenario: failover on 429. The first upstream rate-limits, the second
// answers; exactly two dispatches happen and the limited upstream's window
// is halved.
func TestFailoverOn429(t *testing.T) {
	var hits0, hits1 atomic.Int64

	srv0 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits0.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv0.Close()

	srv1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits1.Add(1)
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x1"}`))
	}))
	defer srv1.Close()

	e := newEnv(t, engine.DefaultConfig(), []string{srv0.URL, srv1.URL}, nil)

	// With equal scores the round-robin cursor starts at upstream 0.
	result, err := e.await(t, passthrough(ethCall(t)))
	require.NoError(t, err)
	require.Contains(t, string(result), "0x1")

	total := hits0.Load() + hits1.Load()
	require.EqualValues(t, 2, total)
	require.EqualValues(t, 1, hits1.Load())

	// Registry state is loop-owned; read it from the loop.
	type state struct {
		maxConc     int
		rateLimited bool
	}

	ch := make(chan state, 1)

	e.loop.Post(func() {
		var idx int
		for i, u := range e.registry.List(upstream.KindEthRPC) {
			if u.URL == srv0.URL {
				idx = i
			}
		}

		u := e.registry.List(upstream.KindEthRPC)[idx]
		ch <- state{maxConc: u.MaxConcurrency(), rateLimited: u.RateLimited(time.Now())}
	})

	st := <-ch
	require.Equal(t, upstream.DefaultOptions().MaxConcurrencyDefault/2, st.maxConc)
	require.True(t, st.rateLimited)
}

// Scenario: coalesced cache under load. Many contexts for one fingerprint
// produce exactly one upstream dispatch, and every context gets byte-equal
// bytes.
func TestCoalescingUnderLoad(t *testing.T) {
	var hits atomic.Int64

	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0xbeef"}`))
	}))
	defer srv.Close()

	e := newEnv(t, engine.DefaultConfig(), []string{srv.URL}, nil)

	const n = 100

	var wg sync.WaitGroup

	results := make([][]byte, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			ch := make(chan outcome, 1)

			e.eng.Submit("test", nil, passthrough(ethCall(t)), func(result []byte, err error) {
				ch <- outcome{result: result, err: err}
			})

			out := <-ch
			results[i] = out.result
			errs[i] = out.err
		}(i)
	}

	// Give all contexts time to park on the pending entry, then release
	// the single dispatch.
	time.Sleep(200 * time.Millisecond)
	close(release)
	wg.Wait()

	require.EqualValues(t, 1, hits.Load())

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, results[0], results[i])
	}
}

// Scenario: head event during proof. A context parked on a fingerprint is
// resumed by an out-of-band cache publish without its own read completing.
func TestCachePublishResumesWaiter(t *testing.T) {
	stall := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-stall
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	defer close(stall)

	e := newEnv(t, engine.DefaultConfig(), nil, []string{srv.URL})

	headReq := func() *datareq.Request {
		return datareq.NewBeaconGET("eth/v2/beacon/blocks/head", datareq.EncodingJSON)
	}

	ch := make(chan outcome, 1)

	e.eng.Submit("test", nil, passthrough(headReq()), func(result []byte, err error) {
		ch <- outcome{result: result, err: err}
	})

	// Let the context park, then publish the block as the head prefetch
	// would.
	time.Sleep(100 * time.Millisecond)

	e.loop.Post(func() {
		e.store.Put(headReq(), []byte(`{"data":"prefetched"}`))
	})

	select {
	case out := <-ch:
		require.NoError(t, out.err)
		require.Equal(t, []byte(`{"data":"prefetched"}`), out.result)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not resumed by the publish")
	}
}

func TestExhaustionSurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := newEnv(t, engine.DefaultConfig(), []string{srv.URL}, nil)

	_, err := e.await(t, passthrough(ethCall(t)))
	require.ErrorIs(t, err, engine.ErrUpstreamServer)
}

func TestUserErrorNotRetried(t *testing.T) {
	var hits atomic.Int64

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32700,"message":"parse error"}}`))
	})

	srv0 := httptest.NewServer(handler)
	defer srv0.Close()

	srv1 := httptest.NewServer(handler)
	defer srv1.Close()

	e := newEnv(t, engine.DefaultConfig(), []string{srv0.URL, srv1.URL}, nil)

	_, err := e.await(t, passthrough(ethCall(t)))
	require.ErrorIs(t, err, engine.ErrUpstreamUser)
	require.EqualValues(t, 1, hits.Load())
}

func TestNotFoundReportedSeparately(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":null}`))
	}))
	defer srv.Close()

	e := newEnv(t, engine.DefaultConfig(), []string{srv.URL}, nil)

	dr, err := datareq.NewEthRPC("eth_getTransactionByHash", []interface{}{"0xdead"})
	require.NoError(t, err)

	_, err = e.await(t, passthrough(dr))
	require.ErrorIs(t, err, engine.ErrNotFound)
}

func TestMethodNotSupportedMarksUpstream(t *testing.T) {
	srv0 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}`))
	}))
	defer srv0.Close()

	srv1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x2"}`))
	}))
	defer srv1.Close()

	e := newEnv(t, engine.DefaultConfig(), []string{srv0.URL, srv1.URL}, nil)

	dr := ethCall(t)

	result, err := e.await(t, passthrough(dr))
	require.NoError(t, err)
	require.Contains(t, string(result), "0x2")

	ch := make(chan bool, 1)

	e.loop.Post(func() {
		var supported0, supported1 bool

		for i, u := range e.registry.List(upstream.KindEthRPC) {
			if u.URL == srv0.URL {
				supported0 = e.registry.IsSupported(upstream.KindEthRPC, i, "eth_blockNumber")
			} else {
				supported1 = e.registry.IsSupported(upstream.KindEthRPC, i, "eth_blockNumber")
			}
		}

		ch <- !supported0 && supported1
	})

	require.True(t, <-ch)
}

// The builder returning PENDING twice without registering reads or any
// retryable failure is surfaced as an internal error, not a hang.
func TestNoProgressIsFatal(t *testing.T) {
	e := newEnv(t, engine.DefaultConfig(), nil, nil)

	passes := 0

	_, err := e.await(t, func(rc *engine.Request) engine.StepResult {
		passes++
		if passes > 10 {
			// Defensive: the runner must not loop us forever.
			rc.SetError(errors.New("looped"))

			return engine.StepError
		}

		return engine.StepPending
	})

	require.Error(t, err)
	require.ErrorIs(t, err, engine.ErrFatal)
	require.Equal(t, 1, passes)
}

// Terminal callback fires exactly once, also under cancellation racing a
// completing read.
func TestCancellationSingleTerminal(t *testing.T) {
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x1"}`))
	}))
	defer srv.Close()

	e := newEnv(t, engine.DefaultConfig(), []string{srv.URL}, nil)

	var finishes atomic.Int64

	ch := make(chan outcome, 4)

	cancel := e.eng.Submit("test", nil, passthrough(ethCall(t)), func(result []byte, err error) {
		finishes.Add(1)
		ch <- outcome{result: result, err: err}
	})

	time.Sleep(100 * time.Millisecond)
	cancel()

	out := <-ch
	require.ErrorIs(t, out.err, engine.ErrClientGone)

	// Let the in-flight read complete after cancellation; it must not
	// re-finish the context.
	close(release)
	time.Sleep(200 * time.Millisecond)

	require.EqualValues(t, 1, finishes.Load())
}

func TestDeadline(t *testing.T) {
	stall := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-stall
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	defer close(stall)

	cfg := engine.DefaultConfig()
	cfg.Deadline = 100 * time.Millisecond

	e := newEnv(t, cfg, []string{srv.URL}, nil)

	_, err := e.await(t, passthrough(ethCall(t)))
	require.ErrorIs(t, err, engine.ErrDeadline)
}

func TestOffloadedStepRuns(t *testing.T) {
	e := newEnv(t, engine.DefaultConfig(), nil, nil)

	stage := 0

	result, err := e.await(t, func(rc *engine.Request) engine.StepResult {
		switch stage {
		case 0:
			stage = 1
			rc.Offload = true

			return engine.StepPending
		default:
			rc.Result = []byte("assembled")

			return engine.StepSuccess
		}
	})

	require.NoError(t, err)
	require.Equal(t, []byte("assembled"), result)
}

func TestDrain(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x1"}`))
	}))
	defer srv.Close()

	e := newEnv(t, engine.DefaultConfig(), []string{srv.URL}, nil)

	ch := make(chan outcome, 1)

	e.eng.Submit("test", nil, passthrough(ethCall(t)), func(result []byte, err error) {
		ch <- outcome{result: result, err: err}
	})

	time.Sleep(10 * time.Millisecond)

	select {
	case <-e.eng.Drain():
	case <-time.After(5 * time.Second):
		t.Fatal("drain did not complete")
	}

	out := <-ch
	require.NoError(t, out.err)

	// New work is refused while draining.
	_, err := e.await(t, passthrough(ethCall(t)))
	require.ErrorIs(t, err, engine.ErrResourceExhausted)
}
