package gateway

import (
	"time"

	"github.com/pkg/errors"
)

// Config is the gateway configuration, loaded from flags and environment by
// the CLI.
type Config struct {
	Port int

	RPCNodes    []string
	BeaconNodes []string
	ProverNodes []string

	MemcachedHost string
	MemcachedPort int
	MemcachedPool int

	ReqTimeout time.Duration
	ChainID    uint64

	BeaconEvents      bool
	GenesisTime       time.Time
	SecondsPerSlot    time.Duration
	SlotsPerEpoch     uint64

	PeriodStorePath   string
	PeriodStoreMaster string
	MaxSyncStates     int

	MaxConcurrencyDefault int
	MaxConcurrencyCap     int
	LatencyTargetMS       int
	ConcCooldownMS        int
	OverflowSlots         int
	SaturationWaitMS      int

	BlockAvailabilityTTL time.Duration

	HeadPollInterval time.Duration
	HeadPollEnabled  bool

	Workers int
}

// DefaultConfig returns the defaults the CLI starts from.
func DefaultConfig() Config {
	return Config{
		Port:                  8545,
		MemcachedPort:         11211,
		MemcachedPool:         4,
		ReqTimeout:            120 * time.Second,
		ChainID:               1,
		SecondsPerSlot:        12 * time.Second,
		SlotsPerEpoch:         32,
		MaxSyncStates:         3,
		MaxConcurrencyDefault: 16,
		MaxConcurrencyCap:     64,
		LatencyTargetMS:       500,
		ConcCooldownMS:        2000,
		OverflowSlots:         2,
		SaturationWaitMS:      50,
		BlockAvailabilityTTL:  12 * time.Second,
		HeadPollInterval:      6 * time.Second,
		HeadPollEnabled:       true,
		Workers:               4,
	}
}

// Validate rejects configurations the gateway cannot start with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return errors.Errorf("invalid port %d", c.Port)
	}

	if len(c.RPCNodes) == 0 {
		return errors.New("at least one rpc node is required")
	}

	if len(c.BeaconNodes) == 0 {
		return errors.New("at least one beacon node is required")
	}

	if c.ReqTimeout <= 0 {
		return errors.New("req_timeout must be positive")
	}

	return nil
}
