// Package engine is the request-orchestration core: it drives proof builder
// state machines over a DAG of upstream reads, deduplicates those reads
// through the coalescing cache, selects and retries upstreams, and merges
// responses back into the builders until they terminate.
package engine

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/proofgate/pkg/cache"
	"github.com/ethpandaops/proofgate/pkg/datareq"
	"github.com/ethpandaops/proofgate/pkg/upstream"
)

// Config holds the engine tunables.
type Config struct {
	// MaxRetries bounds the per-read retry budget together with the
	// upstream count.
	MaxRetries int
	// AttemptTimeout is the per-read HTTP timeout.
	AttemptTimeout time.Duration
	// Deadline is the per-request-context lifetime.
	Deadline time.Duration
	// Workers is the CPU worker pool size; WorkerQueue its backlog.
	Workers     int
	WorkerQueue int
	// ChainID is attached to every request context.
	ChainID uint64
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     4,
		AttemptTimeout: 20 * time.Second,
		Deadline:       120 * time.Second,
		Workers:        4,
		WorkerQueue:    256,
	}
}

// InternalHandler answers reads that never leave the process (period store,
// chain store). Serve runs on the worker pool, so blocking file I/O is fine.
type InternalHandler interface {
	Handles(path string) bool
	Serve(path string) ([]byte, error)
}

// SyncTransitioner validates and persists light-client updates when a proof
// needs sync periods the store lacks. Apply is CPU-bound and runs on the
// worker pool.
type SyncTransitioner interface {
	Apply(updates [][]byte, from, to uint64) error
}

// Engine owns the loop-resident orchestration state.
type Engine struct {
	log      logrus.FieldLogger
	loop     *Loop
	workers  *WorkerPool
	registry *upstream.Registry
	cache    *cache.Store
	client   *http.Client
	cfg      Config

	internal InternalHandler
	sync     SyncTransitioner

	metrics *Metrics

	active   int
	draining bool
	drained  chan struct{}

	traceSeq uint64
}

// New creates an engine. internal and sync may be nil.
func New(log logrus.FieldLogger, loop *Loop, registry *upstream.Registry, store *cache.Store, cfg Config) *Engine {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}

	e := &Engine{
		log:      log.WithField("component", "engine"),
		loop:     loop,
		registry: registry,
		cache:    store,
		cfg:      cfg,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.AttemptTimeout,
		},
		metrics: NewMetrics("proofgate"),
	}

	e.workers = NewWorkerPool(loop, cfg.Workers, cfg.WorkerQueue)

	return e
}

// SetInternalHandler wires the period/chain store short-circuit path.
func (e *Engine) SetInternalHandler(h InternalHandler) { e.internal = h }

// SetSyncTransitioner wires the sync-committee transition procedure.
func (e *Engine) SetSyncTransitioner(t SyncTransitioner) { e.sync = t }

// Loop returns the engine's loop for components that need to post onto it.
func (e *Engine) Loop() *Loop { return e.loop }

// Workers returns the CPU worker pool.
func (e *Engine) Workers() *WorkerPool { return e.workers }

// Registry returns the upstream registry (loop-owned; post to mutate).
func (e *Engine) Registry() *upstream.Registry { return e.registry }

// Cache returns the coalescing cache (loop-owned).
func (e *Engine) Cache() *cache.Store { return e.cache }

// Submit creates a request context for an inbound request and schedules its
// first resume. finish fires exactly once with the terminal response.
// The returned cancel function marks the context cancelled (client gone).
func (e *Engine) Submit(method string, params json.RawMessage, step StepFunc, finish FinishFunc) (cancel func()) {
	rc := &Request{
		Method:    method,
		Params:    params,
		ChainID:   e.cfg.ChainID,
		Start:     time.Now(),
		TraceID:   e.nextTraceID(),
		step:      step,
		finish:    finish,
		readIndex: map[common.Hash]*datareq.Request{},
		engine:    e,
	}

	e.loop.Post(func() {
		e.admit(rc)
	})

	return func() {
		e.loop.Post(func() {
			e.cancel(rc)
		})
	}
}

// SubmitInternal runs a background proof context (head prefetch, finality
// update) with no client attached. Errors are logged, not surfaced.
func (e *Engine) SubmitInternal(name string, step StepFunc) {
	log := e.log.WithField("context", name)

	e.Submit(name, nil, step, func(_ []byte, err error) {
		if err != nil && !errors.Is(err, ErrClientGone) {
			log.WithError(err).Debug("Background context failed")
		}
	})
}

func (e *Engine) admit(rc *Request) {
	if e.draining {
		// Refused before admission: not counted in active.
		rc.state = StateTerminal

		if rc.finish != nil {
			rc.finish(nil, errors.Wrap(ErrResourceExhausted, "shutting down"))
		}

		return
	}

	e.active++
	e.metrics.Active(e.active)

	if e.cfg.Deadline > 0 {
		rc.deadline = e.loop.After(e.cfg.Deadline, func() {
			if rc.state != StateTerminal {
				e.terminal(rc, nil, ErrDeadline)
			}
		})
	}

	e.resume(rc)
}

func (e *Engine) cancel(rc *Request) {
	if rc.state == StateTerminal {
		return
	}

	rc.cancelled = true

	// The context is freed in the resume frame that observes cancellation;
	// in-flight reads keep running for the benefit of the cache.
	if rc.state == StateAwaiting {
		rc.state = StateRunning
		e.loop.Post(func() {
			e.resume(rc)
		})
	}
}

// resume is one runner pass.
func (e *Engine) resume(rc *Request) {
	if rc.state == StateTerminal {
		return
	}

	if rc.cancelled {
		e.terminal(rc, nil, ErrClientGone)

		return
	}

	rc.state = StateRunning

	if rc.Offload {
		rc.Offload = false

		ok := e.workers.Submit(func() (interface{}, error) {
			return rc.step(rc), nil
		}, func(res interface{}, _ error) {
			e.afterStep(rc, res.(StepResult))
		})
		if !ok {
			e.terminal(rc, nil, errors.Wrap(ErrResourceExhausted, "worker queue full"))
		}

		return
	}

	e.afterStep(rc, rc.step(rc))
}

func (e *Engine) afterStep(rc *Request, res StepResult) {
	if rc.state == StateTerminal {
		return
	}

	if rc.cancelled {
		e.terminal(rc, nil, ErrClientGone)

		return
	}

	switch res {
	case StepSuccess:
		e.terminal(rc, rc.Result, nil)
	case StepError:
		rc.SetError(errors.New("proof builder error"))
		e.terminal(rc, nil, rc.Err)
	case StepPending:
		e.pending(rc)
	}
}

func (e *Engine) pending(rc *Request) {
	if rc.NeedsSync != nil && e.sync != nil {
		e.beginSyncTransition(rc)

		return
	}

	registeredNew := rc.nextSubmit < len(rc.Reads)

	for rc.nextSubmit < len(rc.Reads) {
		dr := rc.Reads[rc.nextSubmit]
		rc.nextSubmit++
		e.submitRead(rc, dr)
	}

	if rc.unresolved() > 0 {
		rc.state = StateAwaiting

		return
	}

	if registeredNew || rc.Offload {
		// Everything resolved synchronously (cache hits); yield to the
		// loop before the next pass to preserve fairness across contexts.
		e.loop.Post(func() {
			e.resume(rc)
		})

		return
	}

	// PENDING with no new reads and nothing unresolved: retry-or-fatal.
	if e.rearm(rc) {
		rc.state = StateAwaiting

		return
	}

	err := firstReadError(rc)
	if err == nil {
		err = errors.Wrap(ErrFatal, "proof builder made no progress")
	}

	e.terminal(rc, nil, err)
}

// rearm re-dispatches resolved-with-retryable-error reads that still have
// candidates left. Returns true when at least one read was re-armed.
func (e *Engine) rearm(rc *Request) bool {
	rearmed := false

	for _, dr := range rc.Reads {
		if dr.Err == nil || !Retryable(dr.Err) {
			continue
		}

		if dr.Attempts >= e.retryBudget(dr) {
			continue
		}

		dr.Reset()
		e.submitRead(rc, dr)

		rearmed = true
	}

	return rearmed
}

func firstReadError(rc *Request) error {
	for _, dr := range rc.Reads {
		if dr.Err != nil {
			return dr.Err
		}
	}

	return nil
}

// submitRead routes one read through the cache: a hit settles it now, a join
// parks it on the pending entry, a miss makes this context the leader.
func (e *Engine) submitRead(rc *Request, dr *datareq.Request) {
	if dr.Done() {
		return
	}

	waiter := func(payload []byte, err error) {
		if err != nil {
			dr.Fail(err)
		} else {
			dr.Complete(payload)
		}

		e.onReadSettled(rc)
	}

	if e.cache.GetOrSubscribe(dr, waiter) == cache.Miss {
		e.lead(dr)
	}
}

// onReadSettled is invoked once per read completion on the owning context.
// The all-done predicate is evaluated here, once per completion, and the
// builder is resumed at most once per pass.
func (e *Engine) onReadSettled(rc *Request) {
	if rc.state != StateAwaiting {
		return
	}

	if rc.unresolved() > 0 {
		return
	}

	rc.state = StateRunning

	e.loop.Post(func() {
		e.resume(rc)
	})
}

// lead carries the leader's duty for a missed fingerprint: internal reads go
// to the local store, everything else probes the cache backend and then
// dispatches upstream.
func (e *Engine) lead(dr *datareq.Request) {
	if dr.Kind == datareq.TypeInternal || (e.internal != nil && e.internal.Handles(dr.URL)) {
		e.serveInternal(dr)

		return
	}

	e.cache.ProbeBackend(dr.Fingerprint(), func(payload []byte, ok bool) {
		if ok {
			e.cache.Complete(dr, payload, nil)

			return
		}

		e.dispatch(dr, false)
	})
}

func (e *Engine) serveInternal(dr *datareq.Request) {
	if e.internal == nil {
		e.cache.Complete(dr, nil, errors.Wrap(ErrResourceExhausted, "no internal handler"))

		return
	}

	path := dr.URL

	ok := e.workers.Submit(func() (interface{}, error) {
		return e.internal.Serve(path)
	}, func(res interface{}, err error) {
		if err != nil {
			e.cache.Complete(dr, nil, err)

			return
		}

		e.cache.Complete(dr, res.([]byte), nil)
	})
	if !ok {
		e.cache.Complete(dr, nil, errors.Wrap(ErrResourceExhausted, "worker queue full"))
	}
}

func (e *Engine) terminal(rc *Request, result []byte, err error) {
	if rc.state == StateTerminal {
		return
	}

	rc.state = StateTerminal

	if rc.deadline != nil {
		rc.deadline.Stop()
	}

	e.active--
	e.metrics.Active(e.active)
	e.metrics.Finished(err, time.Since(rc.Start))

	if e.draining && e.active == 0 && e.drained != nil {
		close(e.drained)
		e.drained = nil
	}

	if rc.finish != nil {
		rc.finish(result, err)
	}
}

// Drain stops admitting contexts and returns a channel closed once every
// open context has terminated.
func (e *Engine) Drain() <-chan struct{} {
	ch := make(chan struct{})

	e.loop.Post(func() {
		e.draining = true

		if e.active == 0 {
			close(ch)

			return
		}

		e.drained = ch
	})

	return ch
}

// Stop shuts the worker pool down. The loop is stopped by the owner.
func (e *Engine) Stop() {
	e.workers.Stop()
	e.cache.Close()
}

func (e *Engine) retryBudget(dr *datareq.Request) int {
	kind := upstreamKind(dr.Kind)

	n := len(e.registry.List(kind))
	if e.cfg.MaxRetries < n {
		n = e.cfg.MaxRetries
	}

	if n < 1 {
		n = 1
	}

	return n
}

func (e *Engine) nextTraceID() string {
	return fmt.Sprintf("%012x", atomic.AddUint64(&e.traceSeq, 1))
}

func upstreamKind(t datareq.Type) upstream.Kind {
	switch t {
	case datareq.TypeEthRPC:
		return upstream.KindEthRPC
	case datareq.TypeBeaconAPI:
		return upstream.KindBeaconAPI
	case datareq.TypeRESTAPI:
		return upstream.KindREST
	}

	return upstream.KindEthRPC
}

func errBody(body []byte) string {
	const limit = 200

	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		s = s[:limit]
	}

	return s
}
