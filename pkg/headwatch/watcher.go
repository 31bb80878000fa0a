// Package headwatch consumes the beacon event stream. It keeps one
// long-lived SSE subscription to an event-capable beacon upstream, feeds
// head and finalized-checkpoint events to subscribers, and prefetches head
// block data into the cache so in-flight proofs never fetch it twice.
package headwatch

import (
	"context"
	"sync/atomic"
	"time"

	v1 "github.com/attestantio/go-eth2-client/api/v1"
	"github.com/cenkalti/backoff/v4"
	"github.com/chuckpreslar/emission"
	"github.com/ethpandaops/ethwallclock"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/proofgate/pkg/engine"
	"github.com/ethpandaops/proofgate/pkg/upstream"
)

// State is the consumer's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateStreaming
	StateReconnectWait
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateReconnectWait:
		return "reconnect_wait"
	}

	return "unknown"
}

const (
	topicHead                = "head"
	topicFinalizedCheckpoint = "finalized_checkpoint"
)

// Config holds the consumer tunables.
type Config struct {
	Topics            string
	InactivityTimeout time.Duration
	ReconnectWait     time.Duration
	RecentBlocks      int

	// Genesis parameters for the wallclock; zero GenesisTime disables
	// stale-head detection.
	GenesisTime    time.Time
	SecondsPerSlot time.Duration
	SlotsPerEpoch  uint64
}

// DefaultConfig returns the default consumer configuration.
func DefaultConfig() Config {
	return Config{
		Topics:            "head,finalized_checkpoint",
		InactivityTimeout: 30 * time.Second,
		ReconnectWait:     5 * time.Second,
		RecentBlocks:      64,
		SecondsPerSlot:    12 * time.Second,
		SlotsPerEpoch:     32,
	}
}

// Watcher is the beacon event consumer.
type Watcher struct {
	log    logrus.FieldLogger
	engine *engine.Engine
	cfg    Config

	broker    *emission.Emitter
	recent    *lru.Cache
	wallclock *ethwallclock.EthereumBeaconChain
	metrics   *Metrics

	state    atomic.Int32
	lastByte atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a watcher bound to the engine.
func New(log logrus.FieldLogger, eng *engine.Engine, cfg Config) *Watcher {
	if cfg.RecentBlocks <= 0 {
		cfg.RecentBlocks = DefaultConfig().RecentBlocks
	}

	recent, _ := lru.New(cfg.RecentBlocks)

	w := &Watcher{
		log:     log.WithField("component", "headwatch"),
		engine:  eng,
		cfg:     cfg,
		broker:  emission.NewEmitter(),
		recent:  recent,
		metrics: NewMetrics("proofgate"),
		done:    make(chan struct{}),
	}

	if !cfg.GenesisTime.IsZero() {
		w.wallclock = ethwallclock.NewEthereumBeaconChain(cfg.GenesisTime, cfg.SecondsPerSlot, cfg.SlotsPerEpoch)
	}

	return w
}

// State returns the current connection state.
func (w *Watcher) State() State {
	return State(w.state.Load())
}

func (w *Watcher) setState(s State) {
	w.state.Store(int32(s))
	w.metrics.State(s)
}

// OnHead subscribes to head events; the handler runs on the engine loop.
func (w *Watcher) OnHead(handler func(event *v1.HeadEvent)) {
	w.broker.On(topicHead, handler)
}

// OnFinalizedCheckpoint subscribes to finalized-checkpoint events.
func (w *Watcher) OnFinalizedCheckpoint(handler func(event *v1.FinalizedCheckpointEvent)) {
	w.broker.On(topicFinalizedCheckpoint, handler)
}

// Recent returns the prefetched snapshot for a block root, if held.
func (w *Watcher) Recent(root string) (*BlockSnapshot, bool) {
	v, ok := w.recent.Get(root)
	if !ok {
		return nil, false
	}

	return v.(*BlockSnapshot), true
}

// Start begins consuming in the background.
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	go w.run(ctx)
}

// Stop tears the subscription down with no reconnect.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}

	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	defer w.setState(StateDisconnected)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.cfg.ReconnectWait
	bo.RandomizationFactor = 0
	bo.MaxInterval = 6 * w.cfg.ReconnectWait
	bo.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return
		}

		w.setState(StateConnecting)

		url, idx, ok := w.pickUpstream()
		if !ok {
			w.log.Warn("No event-capable beacon upstream available")
		} else if err := w.stream(ctx, url, idx); err != nil && ctx.Err() == nil {
			w.log.WithError(err).Debug("Event stream ended")
		}

		if ctx.Err() != nil {
			return
		}

		w.setState(StateReconnectWait)
		w.metrics.Reconnect()

		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// pickUpstream asks the registry (on the loop) for an event-capable beacon
// node.
func (w *Watcher) pickUpstream() (string, int, bool) {
	type pick struct {
		url string
		idx int
		ok  bool
	}

	ch := make(chan pick, 1)

	posted := w.engine.Loop().Post(func() {
		reg := w.engine.Registry()

		idx, _ := reg.Select(upstream.KindBeaconAPI, 0, upstream.FlagEventSource, "", 0, true)
		if idx == upstream.NoCandidate {
			ch <- pick{}

			return
		}

		ch <- pick{url: reg.List(upstream.KindBeaconAPI)[idx].URL, idx: idx, ok: true}
	})
	if !posted {
		return "", 0, false
	}

	p := <-ch

	return p.url, p.idx, p.ok
}
