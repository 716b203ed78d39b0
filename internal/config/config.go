// Package config provides configuration loading and validation for the
// sgxbench harness.
//
// Configuration file: sgxbench.yaml (path given on the command line)
// Schema version: 1
//
// This is the harness's own operational configuration, not the
// experiment plan (that is TOML, produced externally — see
// internal/plan). Invalid startup config is fatal; sgxbench's runs are
// short-lived and sequential, so there is no hot-reload requirement
// the way a long-running agent would need one.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (e.g. rsa_key_bits, perf binary non-empty).
//   - Invalid config on startup: the harness refuses to start.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for sgxbench. All fields
// have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1".
	SchemaVersion string `yaml:"schema_version"`

	// Force makes the harness delete and re-run any iteration whose
	// output directory and history record already exist. May also be
	// set via the --force CLI flag, which takes precedence.
	Force bool `yaml:"force"`

	// RSAKeyBits is the key size used when provisioning
	// <output_root>/private_key.pem. Default: 2048.
	RSAKeyBits int `yaml:"rsa_key_bits"`

	History       HistoryConfig       `yaml:"history"`
	Collector     CollectorConfig     `yaml:"collector"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// HistoryConfig configures the BoltDB run-history ledger.
type HistoryConfig struct {
	// DBPath is the absolute path to the BoltDB history file. Default:
	// "<output_root>/.sgxbench-history.db" — computed at startup if
	// left empty, so the default itself isn't a fixed path here.
	DBPath string `yaml:"db_path"`
}

// CollectorConfig holds per-collector operational defaults.
type CollectorConfig struct {
	// PerfBinary is the `perf` executable to invoke. Default: "perf".
	PerfBinary string `yaml:"perf_binary"`

	// EnergyDefaultInterval mirrors an experiment's
	// energy_sample_interval default, so a plan may omit it. Default: 500ms.
	EnergyDefaultInterval time.Duration `yaml:"energy_default_interval"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address (loopback
	// only). Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	return Config{
		SchemaVersion: "1",
		RSAKeyBits:    2048,
		Collector: CollectorConfig{
			PerfBinary:            "perf",
			EnergyDefaultInterval: 500 * time.Millisecond,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load reads and validates a config file from the given path. Returns
// the merged config (defaults overridden by file values).
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

// Validate checks all config fields for correctness, returning a
// single aggregate error listing every violation found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.RSAKeyBits < 2048 || cfg.RSAKeyBits > 8192 {
		errs = append(errs, fmt.Sprintf("rsa_key_bits must be in [2048, 8192], got %d", cfg.RSAKeyBits))
	}
	if cfg.Collector.PerfBinary == "" {
		errs = append(errs, "collector.perf_binary must not be empty")
	}
	if cfg.Collector.EnergyDefaultInterval <= 0 {
		errs = append(errs, fmt.Sprintf(
			"collector.energy_default_interval must be > 0, got %s", cfg.Collector.EnergyDefaultInterval))
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
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

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
