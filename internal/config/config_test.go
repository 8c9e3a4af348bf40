package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	return &Config{
		RPCEndpoint:         "wss://rpc.polkadot.io",
		Host:                "0.0.0.0",
		Port:                3001,
		AllowedOrigins:      []string{"*"},
		DatabaseURL:         "file:test.sqlite",
		MaxBlocksToScan:     10000,
		DefaultBatchSize:    100,
		ConnectionTimeoutMS: 120000,
		SearchTimeoutMS:     1200000,
		LogLevel:            "info",
		LogFormat:           "json",
	}
}

func TestValidateAccepts(t *testing.T) {
	assert.NoError(t, validConfig().Validate())

	c := validConfig()
	c.RPCEndpoint = "ws://localhost:9944"
	assert.NoError(t, c.Validate())
}

func TestValidateRejects(t *testing.T) {
	mutations := map[string]func(*Config){
		"http endpoint":        func(c *Config) { c.RPCEndpoint = "http://rpc.polkadot.io" },
		"empty endpoint":       func(c *Config) { c.RPCEndpoint = "" },
		"port zero":            func(c *Config) { c.Port = 0 },
		"port too big":         func(c *Config) { c.Port = 70000 },
		"scan limit zero":      func(c *Config) { c.MaxBlocksToScan = 0 },
		"scan limit over cap":  func(c *Config) { c.MaxBlocksToScan = MaxBlocksToScanCap + 1 },
		"batch size over cap":  func(c *Config) { c.DefaultBatchSize = MaxBatchSize + 1 },
		"zero timeout":         func(c *Config) { c.ConnectionTimeoutMS = 0 },
		"bogus log level":      func(c *Config) { c.LogLevel = "loud" },
		"bogus log format":     func(c *Config) { c.LogFormat = "xml" },
	}
	for name, mutate := range mutations {
		c := validConfig()
		mutate(c)
		assert.Error(t, c.Validate(), name)
	}
}

func TestDurationHelpers(t *testing.T) {
	c := validConfig()
	assert.Equal(t, "2m0s", c.ConnectionTimeout().String())
	assert.Equal(t, "20m0s", c.SearchTimeout().String())
	assert.Equal(t, "0.0.0.0:3001", c.Addr())
}
