// Package gateway wires the engine, upstream registry, cache, head consumer
// and period store behind the HTTP ingress.
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	v1 "github.com/attestantio/go-eth2-client/api/v1"
	"github.com/go-co-op/gocron"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/proofgate/pkg/cache"
	"github.com/ethpandaops/proofgate/pkg/datareq"
	"github.com/ethpandaops/proofgate/pkg/engine"
	"github.com/ethpandaops/proofgate/pkg/headwatch"
	"github.com/ethpandaops/proofgate/pkg/periodstore"
	"github.com/ethpandaops/proofgate/pkg/proofs"
	"github.com/ethpandaops/proofgate/pkg/upstream"
)

// Server is the assembled gateway.
type Server struct {
	log logrus.FieldLogger
	cfg Config

	loop     *engine.Loop
	registry *upstream.Registry
	store    *cache.Store
	engine   *engine.Engine
	pstore   *periodstore.Store
	builder  *proofs.Builder
	watcher  *headwatch.Watcher

	httpServer *http.Server
	scheduler  *gocron.Scheduler

	restart chan struct{}
}

// New assembles a server from configuration. Signature verification may be
// nil; the gateway then checks participation and merkle branches only.
func New(log logrus.FieldLogger, cfg Config, signature proofs.SignatureVerifier) (*Server, error) {
	loop := engine.NewLoop(4096)

	opts := upstream.DefaultOptions()
	opts.MaxConcurrencyDefault = cfg.MaxConcurrencyDefault
	opts.MaxConcurrencyCap = cfg.MaxConcurrencyCap
	opts.LatencyTargetMS = float64(cfg.LatencyTargetMS)
	opts.ConcCooldown = time.Duration(cfg.ConcCooldownMS) * time.Millisecond
	opts.OverflowSlots = cfg.OverflowSlots
	opts.SaturationWait = time.Duration(cfg.SaturationWaitMS) * time.Millisecond

	registry := upstream.NewRegistry(log, opts)

	for _, url := range cfg.RPCNodes {
		registry.Add(upstream.KindEthRPC, url, 0)
	}

	for _, url := range cfg.BeaconNodes {
		registry.Add(upstream.KindBeaconAPI, url, upstream.FlagEventSource|upstream.FlagBeaconEventPublisher)
	}

	for _, url := range cfg.ProverNodes {
		registry.Add(upstream.KindProver, url, 0)
	}

	var backend cache.Backend
	if cfg.MemcachedHost != "" {
		backend = cache.NewMemcached(log, cache.MemcachedConfig{
			Addr:      fmt.Sprintf("%s:%d", cfg.MemcachedHost, cfg.MemcachedPort),
			PoolSize:  cfg.MemcachedPool,
			QueueSize: 256,
			Timeout:   time.Second,
		}, func(fn func()) { loop.Post(fn) })
	}

	policy := cache.DefaultTTLPolicy()
	policy.BeaconHead = cfg.BlockAvailabilityTTL

	store := cache.NewStore(log, policy, backend)

	engCfg := engine.DefaultConfig()
	engCfg.Deadline = cfg.ReqTimeout
	engCfg.ChainID = cfg.ChainID
	engCfg.Workers = cfg.Workers

	eng := engine.New(log, loop, registry, store, engCfg)

	var pstore *periodstore.Store

	if cfg.PeriodStorePath != "" {
		var err error

		pstore, err = periodstore.New(log, cfg.PeriodStorePath, cfg.MaxSyncStates, cfg.PeriodStoreMaster)
		if err != nil {
			return nil, err
		}

		eng.SetInternalHandler(pstore)
	}

	verifier := &proofs.ThresholdVerifier{Signature: signature}

	if pstore != nil {
		eng.SetSyncTransitioner(proofs.NewTransitioner(log, pstore, verifier))
	}

	s := &Server{
		log:      log.WithField("component", "gateway"),
		cfg:      cfg,
		loop:     loop,
		registry: registry,
		store:    store,
		engine:   eng,
		pstore:   pstore,
		builder:  proofs.NewBuilder(log, pstore, verifier),
		restart:  make(chan struct{}),
	}

	if cfg.BeaconEvents {
		hwCfg := headwatch.DefaultConfig()
		hwCfg.GenesisTime = cfg.GenesisTime
		hwCfg.SecondsPerSlot = cfg.SecondsPerSlot
		hwCfg.SlotsPerEpoch = cfg.SlotsPerEpoch

		s.watcher = headwatch.New(log, eng, hwCfg)
		s.watcher.OnFinalizedCheckpoint(s.onFinalizedCheckpoint)
	}

	s.scheduler = gocron.NewScheduler(time.UTC)

	return s, nil
}

// Start binds the listener and launches the loop, scheduler and consumer.
// It returns once the listener is bound; serving continues until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	go s.loop.Run()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return errors.Wrap(err, "bind listener")
	}

	s.httpServer = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if _, err := s.scheduler.Every(s.registry.Options().RecoveryCooldown).Do(func() {
		s.loop.Post(s.registry.AttemptRecoverySweep)
	}); err != nil {
		return errors.Wrap(err, "schedule recovery sweep")
	}

	if s.cfg.HeadPollEnabled {
		if _, err := s.scheduler.Every(s.cfg.HeadPollInterval).Do(s.pollHeads); err != nil {
			return errors.Wrap(err, "schedule head poll")
		}
	}

	s.scheduler.StartAsync()

	if s.watcher != nil {
		s.watcher.Start(ctx)
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("HTTP server failed")
		}
	}()

	s.log.WithField("port", s.cfg.Port).Info("Gateway listening")

	return nil
}

// Restart returns a channel closed when an administrative restart was
// requested.
func (s *Server) Restart() <-chan struct{} {
	return s.restart
}

// Shutdown drains cooperatively: stop accepting, let open contexts finish
// within the drain window, then close long-lived handles and the loop.
func (s *Server) Shutdown(ctx context.Context) {
	s.log.Info("Shutting down")

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("Forcing listener close")
			s.httpServer.Close()
		}
	}

	select {
	case <-s.engine.Drain():
	case <-ctx.Done():
		s.log.Warn("Drain window expired with contexts still open")
	}

	s.scheduler.Stop()

	if s.watcher != nil {
		s.watcher.Stop()
	}

	s.engine.Stop()
	s.loop.Stop()
	<-s.loop.Done()
}

// pollHeads asks every execution upstream for its head block so selection
// can score freshness even without beacon events.
func (s *Server) pollHeads() {
	type target struct {
		idx int
		url string
	}

	var targets []target

	done := make(chan struct{})

	if !s.loop.Post(func() {
		for i, u := range s.registry.List(upstream.KindEthRPC) {
			targets = append(targets, target{idx: i, url: u.URL})
		}

		close(done)
	}) {
		return
	}

	<-done

	for _, t := range targets {
		go s.pollHead(t.idx, t.url)
	}
}

func (s *Server) pollHead(idx int, url string) {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Post(url, "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","method":"eth_blockNumber","params":[],"id":1}`))
	if err != nil {
		return
	}

	defer resp.Body.Close()

	block, ok := parseBlockNumber(resp.Body)
	if !ok {
		return
	}

	s.loop.Post(func() {
		s.registry.HeadObserved(upstream.KindEthRPC, idx, block, time.Now())
	})
}

// onFinalizedCheckpoint prefetches the finality update so the proofs that
// need it find it in the cache, and keeps the period store warm.
func (s *Server) onFinalizedCheckpoint(event *v1.FinalizedCheckpointEvent) {
	s.log.WithField("epoch", event.Epoch).Debug("Finalized checkpoint")

	dr := datareq.NewBeaconGET("eth/v1/beacon/light_client/finality_update", datareq.EncodingJSON)
	dr.TTL = s.cfg.BlockAvailabilityTTL

	s.engine.SubmitInternal("finality_update", proofs.Passthrough(dr))
}
