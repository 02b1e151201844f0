// Package config provides typed, validated configuration for the kernel.
// Resolution order (highest priority last): defaults, YAML config file,
// REQUIEM_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/Hardonian/Requiem/internal/core"
)

// Config is the top-level configuration structure.
type Config struct {
	// CASRoot is the directory under which per-tenant CAS roots live.
	CASRoot string `yaml:"cas_root" validate:"required"`

	// MeterRoot is the directory holding per-tenant meter partitions.
	MeterRoot string `yaml:"meter_root" validate:"required"`

	// MaxOutputBytes is the default per-stream capture cap for requests that
	// do not set one.
	MaxOutputBytes int64 `yaml:"max_output_bytes" validate:"gt=0"`

	// DefaultTimeoutMS applies to requests without an explicit timeout.
	// Zero disables the default.
	DefaultTimeoutMS int64 `yaml:"default_timeout_ms" validate:"gte=0"`

	// CompressOutputs stores declared output objects zstd-encoded.
	CompressOutputs bool `yaml:"compress_outputs"`

	// EnvAllowlist is the set of env keys that pass strict-mode and
	// deterministic filtering, and that override the secret deny-list.
	EnvAllowlist []string `yaml:"env_allowlist"`

	// LogLevel is a zap level name: debug, info, warn, error.
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`
}

// Default returns the stock configuration rooted under dataDir.
func Default(dataDir string) *Config {
	return &Config{
		CASRoot:        filepath.Join(dataDir, "cas"),
		MeterRoot:      filepath.Join(dataDir, "meter"),
		MaxOutputBytes: core.DefaultMaxOutputBytes,
		LogLevel:       "info",
	}
}

// DefaultDataDir resolves the kernel's data directory: REQUIEM_DATA_DIR, or
// ~/.requiem, or ./data as a last resort.
func DefaultDataDir() string {
	if dir := os.Getenv("REQUIEM_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "data"
	}
	return filepath.Join(home, ".requiem")
}

// Load resolves configuration from defaults, an optional YAML file, and the
// environment, then validates it. An empty path skips the file layer.
func Load(path string) (*Config, error) {
	cfg := Default(DefaultDataDir())

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration's structural constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("REQUIEM_CAS_ROOT"); v != "" {
		cfg.CASRoot = v
	}
	if v := os.Getenv("REQUIEM_METER_ROOT"); v != "" {
		cfg.MeterRoot = v
	}
	if v := os.Getenv("REQUIEM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("REQUIEM_MAX_OUTPUT_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxOutputBytes = n
		}
	}
	if v := os.Getenv("REQUIEM_DEFAULT_TIMEOUT_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.DefaultTimeoutMS = n
		}
	}
	if v := os.Getenv("REQUIEM_COMPRESS_OUTPUTS"); v != "" {
		cfg.CompressOutputs = v == "true" || v == "1"
	}
}
