// Package config provides configuration loading, validation, and defaults
// for the statsd-engine process.
//
// Configuration file: /etc/statsdengine/config.yaml (default)
// Schema version: 1
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (bucket duration, guardrail caps).
//   - File paths must be absolute.
//   - Invalid config on startup: process refuses to start (fatal error).

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for statsd-engine. All
// fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// NodeID is a unique identifier for this engine instance, used in
	// log fields only (the engine has no gossip layer).
	NodeID string `yaml:"node_id"`

	Engine        EngineConfig        `yaml:"engine"`
	Guardrail     GuardrailConfig     `yaml:"guardrail"`
	Persist       PersistConfig       `yaml:"persist"`
	Observability ObservabilityConfig `yaml:"observability"`
	Operator      OperatorConfig      `yaml:"operator"`
}

// EngineConfig holds core ingest/bucketing parameters.
type EngineConfig struct {
	// DefaultBucketDuration is the bucket size new metric producers use
	// absent a per-metric override. Default: 60s.
	DefaultBucketDuration time.Duration `yaml:"default_bucket_duration"`

	// MinBroadcastPeriod is the minimum gap between "fetch your data"
	// broadcasts to the same config's receiver (spec §4.8). Default: 10m.
	MinBroadcastPeriod time.Duration `yaml:"min_broadcast_period"`

	// MaxMetricsBytesPerConfig gates the broadcast check: a broadcast is
	// emitted once a config's current dump size exceeds half this value.
	// Default: 256 KiB (double the guardrail soft cap).
	MaxMetricsBytesPerConfig int64 `yaml:"max_metrics_bytes_per_config"`

	// PullerDefaultCooldown is validated but not read elsewhere:
	// puller.Manager.Register always takes an explicit cooldown.
	// Default: 1s.
	PullerDefaultCooldown time.Duration `yaml:"puller_default_cooldown"`

	// PullerAlarmInterval is the cadence of PullerManager's periodic
	// alarm tick. Default: 1s.
	PullerAlarmInterval time.Duration `yaml:"puller_alarm_interval"`
}

// GuardrailConfig holds every cap from spec §4.9, each overridable.
type GuardrailConfig struct {
	MaxActiveConfigs         int   `yaml:"max_active_configs"`
	MaxAlertsPerConfig       int   `yaml:"max_alerts_per_config"`
	MaxConditionsPerConfig   int   `yaml:"max_conditions_per_config"`
	MaxMetricsPerConfig      int   `yaml:"max_metrics_per_config"`
	MaxMatchersPerConfig     int   `yaml:"max_matchers_per_config"`
	SoftMetricsBytes         int64 `yaml:"soft_metrics_bytes"`
	HardMetricsBytes         int64 `yaml:"hard_metrics_bytes"`
	SoftDimensionCardinality int   `yaml:"soft_dimension_cardinality"`
	HardDimensionCardinality int   `yaml:"hard_dimension_cardinality"`
	MaxUidMapBytes           int64 `yaml:"max_uidmap_bytes"`
	IceboxCapacity           int   `yaml:"icebox_capacity"`
}

// PersistConfig holds on-disk checkpoint/manifest parameters (spec §6
// persisted-state, SPEC_FULL.md §14).
type PersistConfig struct {
	// Dir is the directory checkpoint files and the bbolt manifest live
	// under. Default: /var/lib/statsdengine.
	Dir string `yaml:"dir"`

	// MaxAge, MaxFiles and MaxBytes are loaded and validated but not
	// passed to persist.Open, which applies its own fixed caps
	// (persist.DefaultMaxAgeDays, DefaultMaxFiles, DefaultMaxBytes).

	// MaxAge is the eviction age cap. Default: 720h (30 days).
	MaxAge time.Duration `yaml:"max_age"`

	// MaxFiles is the eviction count cap. Default: 1000.
	MaxFiles int `yaml:"max_files"`

	// MaxBytes is the eviction aggregate-size cap. Default: 50 MiB.
	MaxBytes int64 `yaml:"max_bytes"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// SampleInterval is how often guardrail/engine gauges are resampled
	// (guardrail.Metrics.Sample). Default: 5s.
	SampleInterval time.Duration `yaml:"sample_interval"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// OperatorConfig holds the command-server Unix socket parameters (spec
// §6, SPEC_FULL.md §13).
type OperatorConfig struct {
	// SocketPath is the Unix domain socket path the command-line client
	// connects to. Permissions: 0600. Default: /run/statsdengine/cmd.sock.
	SocketPath string `yaml:"socket_path"`

	// Enabled controls whether the command socket is active. Default: true.
	Enabled bool `yaml:"enabled"`

	// MaxConnections is validated but not passed to the command server,
	// which bounds concurrent connections at a fixed 4. Default: 8.
	MaxConnections int `yaml:"max_connections"`

	// EngBuild is loaded but not read by the command server, whose
	// owner-override check uses the submitted ConfigSpec's EngBuild.
	// Default: false.
	EngBuild bool `yaml:"eng_build"`
}

// Defaults returns a Config populated with every default value, including
// the nine guardrail caps from spec §4.9.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		Engine: EngineConfig{
			DefaultBucketDuration:    60 * time.Second,
			MinBroadcastPeriod:       10 * time.Minute,
			MaxMetricsBytesPerConfig: 256 * 1024,
			PullerDefaultCooldown:    time.Second,
			PullerAlarmInterval:      time.Second,
		},
		Guardrail: GuardrailConfig{
			MaxActiveConfigs:         10,
			MaxAlertsPerConfig:       100,
			MaxConditionsPerConfig:   200,
			MaxMetricsPerConfig:      300,
			MaxMatchersPerConfig:     500,
			SoftMetricsBytes:         128 * 1024,
			HardMetricsBytes:         256 * 1024,
			SoftDimensionCardinality: 300,
			HardDimensionCardinality: 500,
			MaxUidMapBytes:           50 * 1024,
			IceboxCapacity:           20,
		},
		Persist: PersistConfig{
			Dir:      DefaultPersistDir,
			MaxAge:   30 * 24 * time.Hour,
			MaxFiles: 1000,
			MaxBytes: 50 * 1024 * 1024,
		},
		Observability: ObservabilityConfig{
			MetricsAddr:    "127.0.0.1:9091",
			SampleInterval: 5 * time.Second,
			LogLevel:       "info",
			LogFormat:      "json",
		},
		Operator: OperatorConfig{
			Enabled:        true,
			SocketPath:     "/run/statsdengine/cmd.sock",
			MaxConnections: 8,
			EngBuild:       false,
		},
	}
}

// DefaultPersistDir is the default checkpoint/manifest directory.
const DefaultPersistDir = "/var/lib/statsdengine"

// Load reads and validates a config file from the given path. Returns the
// merged config (defaults overridden by file values). Returns an error if
// the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness, accumulating every
// violation found rather than stopping at the first.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	if cfg.Engine.DefaultBucketDuration < time.Second {
		errs = append(errs, fmt.Sprintf("engine.default_bucket_duration must be >= 1s, got %s", cfg.Engine.DefaultBucketDuration))
	}
	if cfg.Engine.MaxMetricsBytesPerConfig < 1 {
		errs = append(errs, "engine.max_metrics_bytes_per_config must be >= 1")
	}
	if cfg.Engine.PullerDefaultCooldown < 0 {
		errs = append(errs, "engine.puller_default_cooldown must be >= 0")
	}

	g := cfg.Guardrail
	if g.MaxActiveConfigs < 1 {
		errs = append(errs, "guardrail.max_active_configs must be >= 1")
	}
	if g.SoftMetricsBytes <= 0 || g.HardMetricsBytes <= 0 || g.SoftMetricsBytes > g.HardMetricsBytes {
		errs = append(errs, "guardrail.soft_metrics_bytes must be > 0 and <= hard_metrics_bytes")
	}
	if g.SoftDimensionCardinality <= 0 || g.HardDimensionCardinality <= 0 || g.SoftDimensionCardinality > g.HardDimensionCardinality {
		errs = append(errs, "guardrail.soft_dimension_cardinality must be > 0 and <= hard_dimension_cardinality")
	}
	if g.MaxUidMapBytes < 1 {
		errs = append(errs, "guardrail.max_uidmap_bytes must be >= 1")
	}
	if g.IceboxCapacity < 1 {
		errs = append(errs, "guardrail.icebox_capacity must be >= 1")
	}

	if cfg.Persist.Dir == "" {
		errs = append(errs, "persist.dir must not be empty")
	} else if !filepath.IsAbs(cfg.Persist.Dir) {
		errs = append(errs, fmt.Sprintf("persist.dir must be absolute, got %q", cfg.Persist.Dir))
	}
	if cfg.Persist.MaxFiles < 1 {
		errs = append(errs, "persist.max_files must be >= 1")
	}
	if cfg.Persist.MaxBytes < 1 {
		errs = append(errs, "persist.max_bytes must be >= 1")
	}

	if cfg.Operator.Enabled && cfg.Operator.SocketPath == "" {
		errs = append(errs, "operator.socket_path must not be empty when operator.enabled is true")
	}
	if cfg.Operator.MaxConnections < 1 {
		errs = append(errs, "operator.max_connections must be >= 1")
	}

	switch cfg.Observability.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_level must be one of debug/info/warn/error, got %q", cfg.Observability.LogLevel))
	}
	switch cfg.Observability.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_format must be json or console, got %q", cfg.Observability.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s",
			joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
