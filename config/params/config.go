// Package params defines the process configuration for the indexer along
// with its defaults. Values are resolved from CLI flags and environment
// variables in cmd/roundscan and validated here before any service starts.
package params

import (
	"time"

	"github.com/pkg/errors"
)

// Config carries every tunable recognized by the process.
type Config struct {
	// External endpoints.
	RPCURL       string
	RPCWsURL     string
	RedisURL     string
	PostgresURL  string
	ContractAddr string

	// Human-facing timestamp rendering.
	Timezone string

	// Lock service.
	LockNamespace string
	LockTTL       time.Duration

	// Scheduler.
	MainRestart   time.Duration
	TipInterval   time.Duration
	TipWarmup     time.Duration
	SweepBatch    int
	SweepPause    time.Duration
	FailureMax    int
	FailureWindow time.Duration

	// Harvester.
	SliceSize          uint64
	SliceSleep         time.Duration
	MaxBlocksPerWindow uint64
	HeaderBatch        int
	BoundaryDelta      uint64

	// Locator.
	BlockRangeCacheTTL time.Duration
	BlockTsCacheTTL    time.Duration
	StrideBlocks       uint64
	BlocksPerSecond    float64
	ResidualThreshold  time.Duration

	// RPC behavior.
	CallTimeout  time.Duration
	RetryMax     int
	RetryBackoff time.Duration

	// Postgres pool policy.
	DBMaxConns         int
	DBMinConns         int
	DBConnectTimeout   time.Duration
	DBStatementTimeout time.Duration

	// Metrics endpoint, empty disables the HTTP listener.
	MonitoringAddr string
}

// DefaultConfig returns the documented defaults. Endpoints and the contract
// address have no defaults and must be supplied.
func DefaultConfig() *Config {
	return &Config{
		Timezone:           "UTC",
		LockNamespace:      "roundscan",
		LockTTL:            120 * time.Second,
		MainRestart:        30 * time.Minute,
		TipInterval:        5 * time.Minute,
		TipWarmup:          5 * time.Minute,
		SweepBatch:         10,
		SweepPause:         5 * time.Second,
		FailureMax:         3,
		FailureWindow:      10 * time.Minute,
		SliceSize:          20000,
		SliceSleep:         180 * time.Millisecond,
		MaxBlocksPerWindow: 100000,
		HeaderBatch:        200,
		BoundaryDelta:      20,
		BlockRangeCacheTTL: 30 * time.Minute,
		BlockTsCacheTTL:    60 * time.Minute,
		StrideBlocks:       100,
		BlocksPerSecond:    1.0 / 3.0,
		ResidualThreshold:  300 * time.Second,
		CallTimeout:        30 * time.Second,
		RetryMax:           3,
		RetryBackoff:       2 * time.Second,
		DBMaxConns:         10,
		DBMinConns:         2,
		DBConnectTimeout:   10 * time.Second,
		DBStatementTimeout: 30 * time.Second,
		MonitoringAddr:     ":8080",
	}
}

// Validate checks that the mandatory settings are present and the tunables
// are inside their supported envelopes.
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return errors.New("rpc endpoint is required")
	}
	if c.PostgresURL == "" {
		return errors.New("postgres connection string is required")
	}
	if c.RedisURL == "" {
		return errors.New("redis endpoint is required")
	}
	if c.ContractAddr == "" {
		return errors.New("contract address is required")
	}
	if c.StrideBlocks < 50 || c.StrideBlocks > 150 {
		return errors.Errorf("stride of %d blocks is outside the supported 50-150 window", c.StrideBlocks)
	}
	if c.SliceSize == 0 || c.SliceSize > c.MaxBlocksPerWindow {
		return errors.Errorf("slice size %d must be positive and no larger than the window %d", c.SliceSize, c.MaxBlocksPerWindow)
	}
	if c.HeaderBatch <= 0 {
		return errors.Errorf("header batch of %d would never advance, it must be positive", c.HeaderBatch)
	}
	if c.SweepBatch <= 0 {
		return errors.Errorf("sweep batch of %d would never advance, it must be positive", c.SweepBatch)
	}
	if c.FailureMax <= 0 {
		return errors.New("failure threshold must be positive")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return errors.Wrapf(err, "unknown timezone %q", c.Timezone)
	}
	return nil
}

// Location resolves the configured timezone. Validate must have passed.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
