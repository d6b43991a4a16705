package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Exchange.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.Exchange.RequestTimeout)
	assert.Equal(t, time.Second, cfg.Connections.BandwidthWindow)
	assert.Equal(t, "leveldb", cfg.Store.Backend)
	assert.True(t, cfg.Node.MDNS)
	assert.True(t, cfg.Node.Announce)
	assert.Equal(t, 1024, cfg.Exchange.MaxServingPerPeer)
	assert.Equal(t, 10*time.Minute, cfg.Exchange.BreakerIdle)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blockswap.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[store]
backend = "badger"

[exchange]
max_retries = 5
request_timeout = "5s"
`), 0o644))
	t.Setenv("BLOCKSWAP_LOG_LEVEL", "debug")
	t.Setenv("BLOCKSWAP_NODE_ANNOUNCE", "false")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "badger", cfg.Store.Backend)
	assert.Equal(t, 5, cfg.Exchange.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.Exchange.RequestTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.False(t, cfg.Node.Announce)
}

func TestValidateRejects(t *testing.T) {
	base, err := Load("")
	require.NoError(t, err)

	cases := map[string]func(c *Config){
		"backend":  func(c *Config) { c.Store.Backend = "tape" },
		"retries":  func(c *Config) { c.Exchange.MaxRetries = 0 },
		"timeout":  func(c *Config) { c.Exchange.RequestTimeout = 0 },
		"conns":    func(c *Config) { c.Connections.MaxConnections = 0 },
		"limit":    func(c *Config) { c.Connections.SendLimit = -1 },
		"api":      func(c *Config) { c.API.Listen = "" },
		"port":     func(c *Config) { c.Node.Port = 70000 },
		"breakers": func(c *Config) { c.Exchange.PeerBreakerThreshold = 0 },
		"serving":  func(c *Config) { c.Exchange.MaxServingPerPeer = 0 },
		"idle":     func(c *Config) { c.Exchange.BreakerIdle = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := *base
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}
