// Command proofgate runs the verifiable Ethereum JSON-RPC gateway.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/ethpandaops/proofgate/pkg/gateway"
)

func main() {
	app := &cli.App{
		Name:  "proofgate",
		Usage: "stateless gateway serving verifiable Ethereum JSON-RPC answers",
		Flags: flags(),
		Action: func(c *cli.Context) error {
			return run(c)
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Error("Exiting")
		os.Exit(1)
	}
}

func flags() []cli.Flag {
	d := gateway.DefaultConfig()

	return []cli.Flag{
		&cli.IntFlag{Name: "port", Value: d.Port, EnvVars: []string{"PROOFGATE_PORT"}, Usage: "HTTP listen port"},
		&cli.StringFlag{Name: "rpc-nodes", EnvVars: []string{"PROOFGATE_RPC_NODES"}, Usage: "comma-separated execution RPC endpoints"},
		&cli.StringFlag{Name: "beacon-nodes", EnvVars: []string{"PROOFGATE_BEACON_NODES"}, Usage: "comma-separated beacon REST endpoints"},
		&cli.StringFlag{Name: "prover-nodes", EnvVars: []string{"PROOFGATE_PROVER_NODES"}, Usage: "comma-separated peer gateway endpoints"},
		&cli.StringFlag{Name: "memcached-host", EnvVars: []string{"PROOFGATE_MEMCACHED_HOST"}, Usage: "memcached host (empty disables the backend)"},
		&cli.IntFlag{Name: "memcached-port", Value: d.MemcachedPort, EnvVars: []string{"PROOFGATE_MEMCACHED_PORT"}},
		&cli.IntFlag{Name: "memcached-pool", Value: d.MemcachedPool, EnvVars: []string{"PROOFGATE_MEMCACHED_POOL"}},
		&cli.DurationFlag{Name: "req-timeout", Value: d.ReqTimeout, EnvVars: []string{"PROOFGATE_REQ_TIMEOUT"}, Usage: "per-request deadline"},
		&cli.Uint64Flag{Name: "chain-id", Value: d.ChainID, EnvVars: []string{"PROOFGATE_CHAIN_ID"}},
		&cli.BoolFlag{Name: "beacon-events", Value: true, EnvVars: []string{"PROOFGATE_BEACON_EVENTS"}, Usage: "subscribe to the beacon event stream"},
		&cli.Int64Flag{Name: "genesis-time", EnvVars: []string{"PROOFGATE_GENESIS_TIME"}, Usage: "beacon genesis unix time (enables wallclock checks)"},
		&cli.StringFlag{Name: "period-store", EnvVars: []string{"PROOFGATE_PERIOD_STORE"}, Usage: "validator-set store directory"},
		&cli.StringFlag{Name: "period-store-master", EnvVars: []string{"PROOFGATE_PERIOD_STORE_MASTER"}, Usage: "master gateway URL for store backfill"},
		&cli.IntFlag{Name: "max-sync-states", Value: d.MaxSyncStates, EnvVars: []string{"PROOFGATE_MAX_SYNC_STATES"}},
		&cli.IntFlag{Name: "max-concurrency-default", Value: d.MaxConcurrencyDefault, EnvVars: []string{"PROOFGATE_MAX_CONCURRENCY_DEFAULT"}},
		&cli.IntFlag{Name: "max-concurrency-cap", Value: d.MaxConcurrencyCap, EnvVars: []string{"PROOFGATE_MAX_CONCURRENCY_CAP"}},
		&cli.IntFlag{Name: "latency-target-ms", Value: d.LatencyTargetMS, EnvVars: []string{"PROOFGATE_LATENCY_TARGET_MS"}},
		&cli.IntFlag{Name: "conc-cooldown-ms", Value: d.ConcCooldownMS, EnvVars: []string{"PROOFGATE_CONC_COOLDOWN_MS"}},
		&cli.IntFlag{Name: "overflow-slots", Value: d.OverflowSlots, EnvVars: []string{"PROOFGATE_OVERFLOW_SLOTS"}},
		&cli.IntFlag{Name: "saturation-wait-ms", Value: d.SaturationWaitMS, EnvVars: []string{"PROOFGATE_SATURATION_WAIT_MS"}},
		&cli.IntFlag{Name: "block-availability-ttl-sec", Value: int(d.BlockAvailabilityTTL / time.Second), EnvVars: []string{"PROOFGATE_BLOCK_AVAILABILITY_TTL_SEC"}},
		&cli.DurationFlag{Name: "rpc-head-poll-interval", Value: d.HeadPollInterval, EnvVars: []string{"PROOFGATE_RPC_HEAD_POLL_INTERVAL"}},
		&cli.BoolFlag{Name: "rpc-head-poll-enabled", Value: d.HeadPollEnabled, EnvVars: []string{"PROOFGATE_RPC_HEAD_POLL_ENABLED"}},
		&cli.IntFlag{Name: "workers", Value: d.Workers, EnvVars: []string{"PROOFGATE_WORKERS"}, Usage: "CPU worker pool size"},
		&cli.StringFlag{Name: "log-level", Value: "info", EnvVars: []string{"PROOFGATE_LOG_LEVEL"}},
		&cli.StringFlag{Name: "log-format", Value: "text", EnvVars: []string{"PROOFGATE_LOG_FORMAT"}},
	}
}

func run(c *cli.Context) error {
	log := logrus.New()

	if level, err := logrus.ParseLevel(c.String("log-level")); err == nil {
		log.SetLevel(level)
	}

	if c.String("log-format") == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	cfg := configFromCLI(c)

	if err := cfg.Validate(); err != nil {
		return cli.Exit(err.Error(), 1)
	}

	srv, err := gateway.New(log, cfg, nil)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		return cli.Exit(err.Error(), 1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		log.WithField("signal", s.String()).Info("Signal received")
	case <-srv.Restart():
		log.Info("Administrative restart requested")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	srv.Shutdown(shutdownCtx)

	return nil
}

func configFromCLI(c *cli.Context) gateway.Config {
	cfg := gateway.DefaultConfig()

	cfg.Port = c.Int("port")
	cfg.RPCNodes = splitNodes(c.String("rpc-nodes"))
	cfg.BeaconNodes = splitNodes(c.String("beacon-nodes"))
	cfg.ProverNodes = splitNodes(c.String("prover-nodes"))
	cfg.MemcachedHost = c.String("memcached-host")
	cfg.MemcachedPort = c.Int("memcached-port")
	cfg.MemcachedPool = c.Int("memcached-pool")
	cfg.ReqTimeout = c.Duration("req-timeout")
	cfg.ChainID = c.Uint64("chain-id")
	cfg.BeaconEvents = c.Bool("beacon-events")
	cfg.PeriodStorePath = c.String("period-store")
	cfg.PeriodStoreMaster = c.String("period-store-master")
	cfg.MaxSyncStates = c.Int("max-sync-states")
	cfg.MaxConcurrencyDefault = c.Int("max-concurrency-default")
	cfg.MaxConcurrencyCap = c.Int("max-concurrency-cap")
	cfg.LatencyTargetMS = c.Int("latency-target-ms")
	cfg.ConcCooldownMS = c.Int("conc-cooldown-ms")
	cfg.OverflowSlots = c.Int("overflow-slots")
	cfg.SaturationWaitMS = c.Int("saturation-wait-ms")
	cfg.BlockAvailabilityTTL = time.Duration(c.Int("block-availability-ttl-sec")) * time.Second
	cfg.HeadPollInterval = c.Duration("rpc-head-poll-interval")
	cfg.HeadPollEnabled = c.Bool("rpc-head-poll-enabled")
	cfg.Workers = c.Int("workers")

	if genesis := c.Int64("genesis-time"); genesis > 0 {
		cfg.GenesisTime = time.Unix(genesis, 0)
	}

	return cfg
}

func splitNodes(s string) []string {
	var out []string

	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}

	return out
}
