// Package flags defines the command-line surface of the indexer. Every flag
// doubles as an environment variable so deployments can run flagless with an
// env file.
package flags

import (
	"time"

	"github.com/urfave/cli/v2"

	"github.com/roundscan/roundscan/config/params"
)

var (
	// RPCEndpoint is the chain's HTTP JSON-RPC endpoint.
	RPCEndpoint = &cli.StringFlag{
		Name:    "rpc-endpoint",
		Usage:   "HTTP JSON-RPC endpoint of the chain",
		EnvVars: []string{"RPC_URL"},
	}
	// RPCWsEndpoint is the optional subscription endpoint.
	RPCWsEndpoint = &cli.StringFlag{
		Name:    "rpc-ws-endpoint",
		Usage:   "Optional websocket JSON-RPC endpoint",
		EnvVars: []string{"RPC_WS_URL"},
	}
	// RedisEndpoint locates the lock service.
	RedisEndpoint = &cli.StringFlag{
		Name:    "redis-endpoint",
		Usage:   "Redis URL backing the epoch lock service",
		EnvVars: []string{"REDIS_URL"},
	}
	// PostgresEndpoint is the store connection string.
	PostgresEndpoint = &cli.StringFlag{
		Name:    "postgres-endpoint",
		Usage:   "Postgres connection string for the historical store",
		EnvVars: []string{"POSTGRES_URL"},
	}
	// ContractAddress is the prediction contract to index.
	ContractAddress = &cli.StringFlag{
		Name:    "contract-address",
		Usage:   "20-byte hex address of the prediction contract",
		EnvVars: []string{"CONTRACT_ADDR"},
	}
	// Timezone controls human-facing timestamp rendering.
	Timezone = &cli.StringFlag{
		Name:    "timezone",
		Usage:   "IANA timezone for rendered timestamps",
		EnvVars: []string{"TIMEZONE"},
		Value:   "UTC",
	}
	// LockNamespace prefixes every lock key.
	LockNamespace = &cli.StringFlag{
		Name:    "lock-namespace",
		Usage:   "Namespace segment of the epoch lock keys",
		EnvVars: []string{"LOCK_NAMESPACE"},
		Value:   "roundscan",
	}
	// LockTTLSec is the epoch lock expiry in seconds.
	LockTTLSec = &cli.IntFlag{
		Name:    "lock-ttl-sec",
		Usage:   "Epoch lock TTL in seconds",
		EnvVars: []string{"LOCK_TTL_SEC"},
		Value:   120,
	}
	// MainRestartMs is the sweeper's restart period.
	MainRestartMs = &cli.IntFlag{
		Name:    "main-restart-ms",
		Usage:   "Historical sweeper restart period in milliseconds",
		EnvVars: []string{"MAIN_RESTART_MS"},
		Value:   1800000,
	}
	// TipIntervalMs is the tip runner's tick period.
	TipIntervalMs = &cli.IntFlag{
		Name:    "tip-interval-ms",
		Usage:   "Tip runner interval in milliseconds",
		EnvVars: []string{"TIP_INTERVAL_MS"},
		Value:   300000,
	}
	// TipWarmupMs delays the tip runner after startup.
	TipWarmupMs = &cli.IntFlag{
		Name:    "tip-warmup-ms",
		Usage:   "Tip runner warm-up in milliseconds",
		EnvVars: []string{"TIP_WARMUP_MS"},
		Value:   300000,
	}
	// SweepBatch caps epochs per sweep cycle.
	SweepBatch = &cli.IntFlag{
		Name:    "sweep-batch",
		Usage:   "Maximum epochs processed per sweep cycle",
		EnvVars: []string{"SWEEP_BATCH"},
		Value:   10,
	}
	// SweepPauseMs is the pause between sweep cycles.
	SweepPauseMs = &cli.IntFlag{
		Name:    "sweep-pause-ms",
		Usage:   "Pause between sweep cycles in milliseconds",
		EnvVars: []string{"SWEEP_PAUSE_MS"},
		Value:   5000,
	}
	// SliceSize bounds one log query's block span.
	SliceSize = &cli.Uint64Flag{
		Name:    "slice-size",
		Usage:   "Maximum block span of one log query",
		EnvVars: []string{"SLICE_SIZE"},
		Value:   20000,
	}
	// SliceSleepMs is the pause between log query slices.
	SliceSleepMs = &cli.IntFlag{
		Name:    "slice-sleep-ms",
		Usage:   "Pause between log query slices in milliseconds",
		EnvVars: []string{"SLICE_SLEEP_MS"},
		Value:   180,
	}
	// MaxBlocksPerWindow bounds one harvest window.
	MaxBlocksPerWindow = &cli.Uint64Flag{
		Name:    "max-blocks-per-window",
		Usage:   "Maximum block span of one harvest window",
		EnvVars: []string{"MAX_BLOCKS_PER_WINDOW"},
		Value:   100000,
	}
	// BlockHeaderBatch sizes the batched header lookups.
	BlockHeaderBatch = &cli.IntFlag{
		Name:    "block-header-batch",
		Usage:   "Headers fetched per batched RPC call",
		EnvVars: []string{"BLOCK_HEADER_BATCH"},
		Value:   200,
	}
	// BoundaryDelta tolerates boundary events from neighboring epochs.
	BoundaryDelta = &cli.Uint64Flag{
		Name:    "boundary-delta",
		Usage:   "Maximum epoch distance kept for round boundary events",
		EnvVars: []string{"BOUNDARY_DELTA"},
		Value:   20,
	}
	// BlockRangeCacheTTLMs expires cached epoch block ranges.
	BlockRangeCacheTTLMs = &cli.IntFlag{
		Name:    "block-range-cache-ttl-ms",
		Usage:   "Epoch block-range cache TTL in milliseconds",
		EnvVars: []string{"BLOCK_RANGE_CACHE_TTL_MS"},
		Value:   1800000,
	}
	// BlockTsCacheTTLMs expires cached block timestamps.
	BlockTsCacheTTLMs = &cli.IntFlag{
		Name:    "block-ts-cache-ttl-ms",
		Usage:   "Block timestamp cache TTL in milliseconds",
		EnvVars: []string{"BLOCK_TS_CACHE_TTL_MS"},
		Value:   3600000,
	}
	// MaxConsecutiveFailures trips the circuit breaker.
	MaxConsecutiveFailures = &cli.IntFlag{
		Name:    "max-consecutive-failures",
		Usage:   "Epoch failures tolerated inside the failure window",
		EnvVars: []string{"MAX_CONSECUTIVE_FAILURES"},
		Value:   3,
	}
	// FailureWindowMs is the circuit breaker's sliding window.
	FailureWindowMs = &cli.IntFlag{
		Name:    "failure-window-ms",
		Usage:   "Failure accounting window in milliseconds",
		EnvVars: []string{"FAILURE_WINDOW_MS"},
		Value:   600000,
	}
	// MonitoringAddress binds the metrics and health endpoint.
	MonitoringAddress = &cli.StringFlag{
		Name:    "monitoring-address",
		Usage:   "host:port for the metrics endpoint, empty disables it",
		EnvVars: []string{"MONITORING_ADDR"},
		Value:   ":8080",
	}
	// EnvFile points at an optional dotenv file loaded before flag parsing.
	EnvFile = &cli.StringFlag{
		Name:  "env-file",
		Usage: "Path to a dotenv file loaded at startup",
		Value: "",
	}
	// Verbosity sets the logging level.
	Verbosity = &cli.StringFlag{
		Name:    "verbosity",
		Usage:   "Logging verbosity (trace, debug, info, warn, error)",
		EnvVars: []string{"VERBOSITY"},
		Value:   "info",
	}
	// LogFormat selects the log formatter.
	LogFormat = &cli.StringFlag{
		Name:    "log-format",
		Usage:   "Log format, one of: text, fluentd, json",
		EnvVars: []string{"LOG_FORMAT"},
		Value:   "text",
	}
)

// AppFlags is every flag the binary recognizes, in help order.
var AppFlags = []cli.Flag{
	RPCEndpoint,
	RPCWsEndpoint,
	RedisEndpoint,
	PostgresEndpoint,
	ContractAddress,
	Timezone,
	LockNamespace,
	LockTTLSec,
	MainRestartMs,
	TipIntervalMs,
	TipWarmupMs,
	SweepBatch,
	SweepPauseMs,
	SliceSize,
	SliceSleepMs,
	MaxBlocksPerWindow,
	BlockHeaderBatch,
	BoundaryDelta,
	BlockRangeCacheTTLMs,
	BlockTsCacheTTLMs,
	MaxConsecutiveFailures,
	FailureWindowMs,
	MonitoringAddress,
	EnvFile,
	Verbosity,
	LogFormat,
}

// ConfigFromCLI resolves the process configuration from the parsed flags.
func ConfigFromCLI(cliCtx *cli.Context) *params.Config {
	cfg := params.DefaultConfig()
	cfg.RPCURL = cliCtx.String(RPCEndpoint.Name)
	cfg.RPCWsURL = cliCtx.String(RPCWsEndpoint.Name)
	cfg.RedisURL = cliCtx.String(RedisEndpoint.Name)
	cfg.PostgresURL = cliCtx.String(PostgresEndpoint.Name)
	cfg.ContractAddr = cliCtx.String(ContractAddress.Name)
	cfg.Timezone = cliCtx.String(Timezone.Name)
	cfg.LockNamespace = cliCtx.String(LockNamespace.Name)
	cfg.LockTTL = time.Duration(cliCtx.Int(LockTTLSec.Name)) * time.Second
	cfg.MainRestart = time.Duration(cliCtx.Int(MainRestartMs.Name)) * time.Millisecond
	cfg.TipInterval = time.Duration(cliCtx.Int(TipIntervalMs.Name)) * time.Millisecond
	cfg.TipWarmup = time.Duration(cliCtx.Int(TipWarmupMs.Name)) * time.Millisecond
	cfg.SweepBatch = cliCtx.Int(SweepBatch.Name)
	cfg.SweepPause = time.Duration(cliCtx.Int(SweepPauseMs.Name)) * time.Millisecond
	cfg.SliceSize = cliCtx.Uint64(SliceSize.Name)
	cfg.SliceSleep = time.Duration(cliCtx.Int(SliceSleepMs.Name)) * time.Millisecond
	cfg.MaxBlocksPerWindow = cliCtx.Uint64(MaxBlocksPerWindow.Name)
	cfg.HeaderBatch = cliCtx.Int(BlockHeaderBatch.Name)
	cfg.BoundaryDelta = cliCtx.Uint64(BoundaryDelta.Name)
	cfg.BlockRangeCacheTTL = time.Duration(cliCtx.Int(BlockRangeCacheTTLMs.Name)) * time.Millisecond
	cfg.BlockTsCacheTTL = time.Duration(cliCtx.Int(BlockTsCacheTTLMs.Name)) * time.Millisecond
	cfg.FailureMax = cliCtx.Int(MaxConsecutiveFailures.Name)
	cfg.FailureWindow = time.Duration(cliCtx.Int(FailureWindowMs.Name)) * time.Millisecond
	cfg.MonitoringAddr = cliCtx.String(MonitoringAddress.Name)
	return cfg
}
