// Package config provides configuration loading and validation for the
// memtrace tracker and CLI.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Sentinel validation errors.
var (
	ErrInvalidShardCount     = errors.New("shard count must be positive")
	ErrInvalidHistoryCap     = errors.New("history capacity must be positive")
	ErrInvalidBufferBytes    = errors.New("per-thread buffer bytes must be positive")
	ErrInvalidStackDepthCap  = errors.New("stack depth cap must be positive")
	ErrInvalidSamplingRate   = errors.New("sampling rate must be within [0, 1]")
	ErrInvalidLockTimeout    = errors.New("lock timeout must be positive")
	ErrInvalidExportMode     = errors.New("export mode must be \"full\" or \"user_only\"")
	ErrInvalidExportParallel = errors.New("export parallelism must be positive")
)

// Default configuration values.
const (
	defaultShardCount           = 16
	defaultHistoryCapacity      = 100_000
	defaultPerThreadBufferBytes = 1 << 20 // 1 MiB
	defaultStackDepthCap        = 64
	defaultSamplingRate         = 1.0
	defaultLockTimeoutMS        = 50
	defaultExportMode           = "full"
	defaultExportParallelism    = 5
	defaultOutputRoot           = "./memtrace-out"
)

// Config holds all configuration for the memtrace tracker and its CLI.
type Config struct {
	Tracker TrackerConfig `mapstructure:"tracker"`
	Export  ExportConfig  `mapstructure:"export"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// TrackerConfig holds tracker-specific configuration: the knobs that
// shape C1-C8's in-process runtime.
type TrackerConfig struct {
	OutputRoot           string        `mapstructure:"output_root"`
	SamplingRate         float64       `mapstructure:"sampling_rate"`
	ShardCount           int           `mapstructure:"shard_count"`
	HistoryCapacity      int           `mapstructure:"history_capacity"`
	PerThreadBufferBytes int           `mapstructure:"per_thread_buffer_bytes"`
	StackDepthCap        int           `mapstructure:"stack_depth_cap"`
	LockTimeoutMS        int           `mapstructure:"lock_timeout_ms"`
	LockTimeout          time.Duration `mapstructure:"-"`
}

// ExportConfig holds export-specific configuration for C11.
type ExportConfig struct {
	Mode        string `mapstructure:"export_mode"`
	Parallelism int    `mapstructure:"export_parallelism"`
}

// LoggingConfig holds logging-specific configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// Load loads configuration from file and environment variables. An empty
// configPath falls back to discovering "config.{yaml,yml,json}" in the
// current directory, "./config", or "/etc/memtrace".
func Load(configPath string) (*Config, error) {
	viperCfg := viper.New()

	setDefaults(viperCfg)

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName("config")
		viperCfg.SetConfigType("yaml")
		viperCfg.AddConfigPath(".")
		viperCfg.AddConfigPath("./config")
		viperCfg.AddConfigPath("/etc/memtrace")
	}

	viperCfg.SetEnvPrefix("MEMTRACE")
	viperCfg.AutomaticEnv()
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viperCfg.ReadInConfig(); err != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !errors.As(err, &notFoundErr) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config

	if err := viperCfg.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Tracker.LockTimeout = time.Duration(cfg.Tracker.LockTimeoutMS) * time.Millisecond

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(viperCfg *viper.Viper) {
	viperCfg.SetDefault("tracker.output_root", defaultOutputRoot)
	viperCfg.SetDefault("tracker.sampling_rate", defaultSamplingRate)
	viperCfg.SetDefault("tracker.shard_count", defaultShardCount)
	viperCfg.SetDefault("tracker.history_capacity", defaultHistoryCapacity)
	viperCfg.SetDefault("tracker.per_thread_buffer_bytes", defaultPerThreadBufferBytes)
	viperCfg.SetDefault("tracker.stack_depth_cap", defaultStackDepthCap)
	viperCfg.SetDefault("tracker.lock_timeout_ms", defaultLockTimeoutMS)

	viperCfg.SetDefault("export.export_mode", defaultExportMode)
	viperCfg.SetDefault("export.export_parallelism", defaultExportParallelism)

	viperCfg.SetDefault("logging.level", "info")
	viperCfg.SetDefault("logging.format", "json")
	viperCfg.SetDefault("logging.output", "stdout")
}

func validate(cfg *Config) error {
	if cfg.Tracker.ShardCount <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidShardCount, cfg.Tracker.ShardCount)
	}

	if cfg.Tracker.HistoryCapacity <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidHistoryCap, cfg.Tracker.HistoryCapacity)
	}

	if cfg.Tracker.PerThreadBufferBytes <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBufferBytes, cfg.Tracker.PerThreadBufferBytes)
	}

	if cfg.Tracker.StackDepthCap <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidStackDepthCap, cfg.Tracker.StackDepthCap)
	}

	if cfg.Tracker.SamplingRate < 0 || cfg.Tracker.SamplingRate > 1 {
		return fmt.Errorf("%w: %f", ErrInvalidSamplingRate, cfg.Tracker.SamplingRate)
	}

	if cfg.Tracker.LockTimeoutMS <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidLockTimeout, cfg.Tracker.LockTimeoutMS)
	}

	if cfg.Export.Mode != "full" && cfg.Export.Mode != "user_only" {
		return fmt.Errorf("%w: %q", ErrInvalidExportMode, cfg.Export.Mode)
	}

	if cfg.Export.Parallelism <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidExportParallel, cfg.Export.Parallelism)
	}

	return nil
}
