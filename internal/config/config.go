// Package config loads and validates the orchestrator's TOML
// configuration: a root Config struct with nested sections, a custom
// Duration type unmarshaling "60s"-style strings, and a Load(path)
// function that reads, decodes, defaults, then validates.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s"
// or "100ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the orchestrator's root configuration.
type Config struct {
	Reconciler ReconcilerConfig `toml:"reconciler"`
	Replay     ReplayConfig     `toml:"replay"`
	Timers     TimerConfig      `toml:"timers"`
	Checkpoint CheckpointConfig `toml:"checkpoint"`
	Store      StoreConfig      `toml:"store"`
	Log        LogConfig        `toml:"log"`
	HTTP       HTTPConfig       `toml:"http"`
}

// ReconcilerConfig mirrors reconciler configuration envelope.
type ReconcilerConfig struct {
	MaxConcurrent       int      `toml:"max_concurrent"`
	AutoStart           bool     `toml:"auto_start"`
	AutoRetry           bool     `toml:"auto_retry"`
	MaxRetries          int      `toml:"max_retries"`
	DetectDeadWorkers   bool     `toml:"detect_dead_workers"`
	DeadWorkerThreshold Duration `toml:"dead_worker_threshold"`
	DetectStuckBeads    bool     `toml:"detect_stuck_beads"`
	StuckBeadThreshold  Duration `toml:"stuck_bead_threshold"`
	TickInterval        Duration `toml:"tick_interval"`
	PublishRate         float64  `toml:"publish_rate"`
	PublishBurst        int      `toml:"publish_burst"`
}

// ReplayConfig mirrors replay recovery configuration envelope.
type ReplayConfig struct {
	MaxRetries  int      `toml:"max_retries"`
	BaseBackoff Duration `toml:"base_backoff"`
	MaxBackoff  Duration `toml:"max_backoff"`
	EnableDLQ   bool     `toml:"enable_dlq"`
}

// TimerConfig mirrors scheduler configuration.
type TimerConfig struct {
	MaxInMemory  int      `toml:"max_in_memory"`
	Lookahead    Duration `toml:"lookahead"`
	TickInterval Duration `toml:"tick_interval"`
}

// CheckpointConfig mirrors compression configuration.
type CheckpointConfig struct {
	CompressionLevel int `toml:"compression_level"`
}

// StoreConfig names the SQLite database file backing every persisted
// table (events, timers, checkpoints).
type StoreConfig struct {
	Path string `toml:"path"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text, json
}

// HTTPConfig configures the health/metrics HTTP surface.
type HTTPConfig struct {
	Addr    string `toml:"addr"`
	Enabled bool   `toml:"enabled"`
}

// Defaults returns a Config populated with the design's named
// defaults.
func Defaults() Config {
	return Config{
		Reconciler: ReconcilerConfig{
			MaxConcurrent: 10, AutoStart: true, AutoRetry: true, MaxRetries: 3,
			DetectDeadWorkers: true, DeadWorkerThreshold: Duration{60 * time.Second},
			DetectStuckBeads: true, StuckBeadThreshold: Duration{300 * time.Second},
			TickInterval: Duration{time.Second},
			PublishRate:  100, PublishBurst: 20,
		},
		Replay: ReplayConfig{
			MaxRetries: 3, BaseBackoff: Duration{100 * time.Millisecond},
			MaxBackoff: Duration{5 * time.Second}, EnableDLQ: true,
		},
		Timers: TimerConfig{
			MaxInMemory: 10000, Lookahead: Duration{300 * time.Second}, TickInterval: Duration{100 * time.Millisecond},
		},
		Checkpoint: CheckpointConfig{CompressionLevel: 3},
		Store:      StoreConfig{Path: "orchestrator.db"},
		Log:        LogConfig{Level: "info", Format: "text"},
		HTTP:       HTTPConfig{Addr: ":9090", Enabled: true},
	}
}

// Load reads and validates the orchestrator's TOML configuration file,
// applying defaults for any section TOML left unset: read, decode,
// default, validate.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := Defaults()
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	applyZeroDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// applyZeroDefaults re-applies named defaults to any numeric, Duration or
// string field that is at its zero value after decoding. toml.Decode
// overwrites Defaults()'s struct field-by-field only for keys actually
// present, so omitted keys already keep their defaults; what this step
// changes is a key the file sets explicitly to zero or "" (for example
// `max_concurrent = 0` becomes 10). Bool fields are left as decoded.
func applyZeroDefaults(cfg *Config) {
	defaults := Defaults()
	if cfg.Reconciler.MaxConcurrent == 0 {
		cfg.Reconciler.MaxConcurrent = defaults.Reconciler.MaxConcurrent
	}
	if cfg.Reconciler.MaxRetries == 0 {
		cfg.Reconciler.MaxRetries = defaults.Reconciler.MaxRetries
	}
	if cfg.Reconciler.DeadWorkerThreshold.Duration == 0 {
		cfg.Reconciler.DeadWorkerThreshold = defaults.Reconciler.DeadWorkerThreshold
	}
	if cfg.Reconciler.StuckBeadThreshold.Duration == 0 {
		cfg.Reconciler.StuckBeadThreshold = defaults.Reconciler.StuckBeadThreshold
	}
	if cfg.Reconciler.TickInterval.Duration == 0 {
		cfg.Reconciler.TickInterval = defaults.Reconciler.TickInterval
	}
	if cfg.Reconciler.PublishRate == 0 {
		cfg.Reconciler.PublishRate = defaults.Reconciler.PublishRate
	}
	if cfg.Reconciler.PublishBurst == 0 {
		cfg.Reconciler.PublishBurst = defaults.Reconciler.PublishBurst
	}
	if cfg.Replay.MaxRetries == 0 {
		cfg.Replay.MaxRetries = defaults.Replay.MaxRetries
	}
	if cfg.Replay.BaseBackoff.Duration == 0 {
		cfg.Replay.BaseBackoff = defaults.Replay.BaseBackoff
	}
	if cfg.Replay.MaxBackoff.Duration == 0 {
		cfg.Replay.MaxBackoff = defaults.Replay.MaxBackoff
	}
	if cfg.Timers.MaxInMemory == 0 {
		cfg.Timers.MaxInMemory = defaults.Timers.MaxInMemory
	}
	if cfg.Timers.Lookahead.Duration == 0 {
		cfg.Timers.Lookahead = defaults.Timers.Lookahead
	}
	if cfg.Timers.TickInterval.Duration == 0 {
		cfg.Timers.TickInterval = defaults.Timers.TickInterval
	}
	if cfg.Checkpoint.CompressionLevel == 0 {
		cfg.Checkpoint.CompressionLevel = defaults.Checkpoint.CompressionLevel
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = defaults.Store.Path
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = defaults.Log.Format
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = defaults.HTTP.Addr
	}
}

func validate(cfg *Config) error {
	if cfg.Reconciler.MaxConcurrent <= 0 {
		return fmt.Errorf("reconciler.max_concurrent must be positive")
	}
	if cfg.Checkpoint.CompressionLevel < 1 || cfg.Checkpoint.CompressionLevel > 21 {
		return fmt.Errorf("checkpoint.compression_level must be in 1-21")
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", cfg.Log.Format)
	}
	return nil
}
