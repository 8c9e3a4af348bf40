// Package config loads runtime configuration from the environment, with an
// optional .env file for development.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Hard caps. Request parameters are clamped against these regardless of the
// configured defaults.
const (
	MaxBlocksToScanCap       = 1_000_000
	MaxBatchSize             = 1000
	MaxConcurrentConnections = 5
	MaxExtrinsicScanBlocks   = 100_000
)

// Config holds all server configuration.
type Config struct {
	// Chain endpoint. The only knob that is live-swappable (POST
	// /api/network/rpc-endpoint); everything else requires a restart.
	RPCEndpoint string `env:"RPC_ENDPOINT,required"`

	// HTTP surface
	Host           string   `env:"HOST" envDefault:"0.0.0.0"`
	Port           int      `env:"PORT" envDefault:"3001"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`

	// Persistence. sqlite path or postgres:// DSN.
	DatabaseURL string `env:"DATABASE_URL" envDefault:"file:dotscope.sqlite"`

	// Scan limits
	MaxBlocksToScan  int `env:"MAX_BLOCKS_TO_SCAN" envDefault:"10000"`
	DefaultBatchSize int `env:"DEFAULT_BATCH_SIZE" envDefault:"100"`

	// Timeouts (milliseconds, matching the public knob names)
	ConnectionTimeoutMS int `env:"CONNECTION_TIMEOUT" envDefault:"120000"`
	SearchTimeoutMS     int `env:"SEARCH_TIMEOUT" envDefault:"1200000"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Monitoring
	MetricsEnabled bool `env:"METRICS_ENABLED" envDefault:"true"`
}

// Load reads configuration. Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.RPCEndpoint, "ws://") && !strings.HasPrefix(c.RPCEndpoint, "wss://") {
		return fmt.Errorf("RPC_ENDPOINT must be a ws:// or wss:// URL, got %q", c.RPCEndpoint)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be 1-65535, got %d", c.Port)
	}
	if c.MaxBlocksToScan < 1 || c.MaxBlocksToScan > MaxBlocksToScanCap {
		return fmt.Errorf("MAX_BLOCKS_TO_SCAN must be 1-%d, got %d", MaxBlocksToScanCap, c.MaxBlocksToScan)
	}
	if c.DefaultBatchSize < 1 || c.DefaultBatchSize > MaxBatchSize {
		return fmt.Errorf("DEFAULT_BATCH_SIZE must be 1-%d, got %d", MaxBatchSize, c.DefaultBatchSize)
	}
	if c.ConnectionTimeoutMS < 1 {
		return fmt.Errorf("CONNECTION_TIMEOUT must be > 0, got %d", c.ConnectionTimeoutMS)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// ConnectionTimeout returns the RPC dial/request timeout as a duration.
func (c *Config) ConnectionTimeout() time.Duration {
	return time.Duration(c.ConnectionTimeoutMS) * time.Millisecond
}

// SearchTimeout returns the upper bound for live search deadlines.
func (c *Config) SearchTimeout() time.Duration {
	return time.Duration(c.SearchTimeoutMS) * time.Millisecond
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogConfig logs the effective configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("rpc_endpoint", c.RPCEndpoint).
		Str("addr", c.Addr()).
		Str("database_url", c.DatabaseURL).
		Int("max_blocks_to_scan", c.MaxBlocksToScan).
		Int("default_batch_size", c.DefaultBatchSize).
		Int("connection_timeout_ms", c.ConnectionTimeoutMS).
		Int("search_timeout_ms", c.SearchTimeoutMS).
		Strs("allowed_origins", c.AllowedOrigins).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Configuration loaded")
}
