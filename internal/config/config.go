// Package config loads fusiond's runtime configuration from environment
// variables (optionally backed by a local .env file for development).
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all daemon configuration.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Transport
	Addr        string `env:"FUSIOND_ADDR" envDefault:":4802"`
	MetricsAddr string `env:"FUSIOND_METRICS_ADDR" envDefault:":4803"`
	APIMajor    uint16 `env:"FUSIOND_API_MAJOR" envDefault:"9"`

	// Capacity
	MaxWorlds           int `env:"FUSIOND_MAX_WORLDS" envDefault:"8"`
	MaxParticipants     int `env:"FUSIOND_MAX_PARTICIPANTS_PER_WORLD" envDefault:"256"`
	MaxFIFODepth        int `env:"FUSIOND_MAX_FIFO_DEPTH" envDefault:"4096"`

	// Rate limiting (per-connection token bucket on control operations)
	MaxOpsPerSec  int `env:"FUSIOND_MAX_OPS_PER_SEC" envDefault:"500"`
	MaxOpsBurst   int `env:"FUSIOND_MAX_OPS_BURST" envDefault:"100"`

	// CPU Safety Threshold
	//
	// Compared against the fusiond process's own CPU percentage as sampled by
	// gopsutil; container (cgroup) CPU allocation is not taken into account.
	CPURejectThreshold float64 `env:"FUSIOND_CPU_REJECT_THRESHOLD" envDefault:"85.0"`

	// Monitoring
	MetricsInterval time.Duration `env:"FUSIOND_METRICS_INTERVAL" envDefault:"15s"`

	// Telemetry export (best-effort, never blocks a core operation)
	NATSURL     string `env:"FUSIOND_NATS_URL" envDefault:""`
	NATSSubject string `env:"FUSIOND_NATS_SUBJECT" envDefault:"fusiond.events"`

	// Logging
	LogLevel  string `env:"FUSIOND_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"FUSIOND_LOG_FORMAT" envDefault:"json"`

	Environment string `env:"FUSIOND_ENV" envDefault:"development"`
}

// Load reads configuration from a .env file (if present) and environment
// variables. Priority: env vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate range- and enum-checks the loaded configuration.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("FUSIOND_ADDR is required")
	}
	if c.MaxWorlds < 1 || c.MaxWorlds > 8 {
		return fmt.Errorf("FUSIOND_MAX_WORLDS must be 1-8, got %d", c.MaxWorlds)
	}
	if c.MaxParticipants < 1 {
		return fmt.Errorf("FUSIOND_MAX_PARTICIPANTS_PER_WORLD must be > 0, got %d", c.MaxParticipants)
	}
	if c.MaxFIFODepth < 1 {
		return fmt.Errorf("FUSIOND_MAX_FIFO_DEPTH must be > 0, got %d", c.MaxFIFODepth)
	}
	if c.MaxOpsPerSec < 1 {
		return fmt.Errorf("FUSIOND_MAX_OPS_PER_SEC must be > 0, got %d", c.MaxOpsPerSec)
	}
	if c.MaxOpsBurst < 1 {
		return fmt.Errorf("FUSIOND_MAX_OPS_BURST must be > 0, got %d", c.MaxOpsBurst)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("FUSIOND_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("FUSIOND_LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("FUSIOND_LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// LogFields logs the loaded configuration as one structured line.
func (c *Config) LogFields(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("metrics_addr", c.MetricsAddr).
		Uint16("api_major", c.APIMajor).
		Int("max_worlds", c.MaxWorlds).
		Int("max_participants_per_world", c.MaxParticipants).
		Int("max_fifo_depth", c.MaxFIFODepth).
		Int("max_ops_per_sec", c.MaxOpsPerSec).
		Int("max_ops_burst", c.MaxOpsBurst).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Dur("metrics_interval", c.MetricsInterval).
		Str("nats_url", c.NATSURL).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("fusiond configuration loaded")
}
