package config

import "github.com/cockroachdb/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Node.Port < 0 || c.Node.Port > 65535 {
		return errors.Newf("node.port out of range: %d", c.Node.Port)
	}
	if c.Node.HeartbeatInterval < 0 || c.Node.PeerExchangeInterval < 0 {
		return errors.New("node intervals must be >= 0")
	}

	switch c.Store.Backend {
	case "leveldb", "badger", "memory":
	default:
		return errors.Newf("store.backend must be leveldb, badger or memory, got %q", c.Store.Backend)
	}
	if c.Store.Backend != "memory" && c.Store.Path == "" {
		return errors.New("store.path cannot be empty for a persistent backend")
	}
	if c.Store.CacheBytes < 0 {
		return errors.Newf("store.cache_bytes must be >= 0, got %d", c.Store.CacheBytes)
	}

	e := c.Exchange
	if e.MaxRetries < 1 {
		return errors.Newf("exchange.max_retries must be >= 1, got %d", e.MaxRetries)
	}
	if e.RequestTimeout <= 0 {
		return errors.Newf("exchange.request_timeout must be > 0, got %s", e.RequestTimeout)
	}
	if e.ProviderSearchTimeout <= 0 {
		return errors.Newf("exchange.provider_search_timeout must be > 0, got %s", e.ProviderSearchTimeout)
	}
	if e.PeerBreakerThreshold < 1 || e.BlockBreakerThreshold < 1 {
		return errors.New("exchange breaker thresholds must be >= 1")
	}
	if e.PeerBreakerReset <= 0 || e.BlockBreakerReset <= 0 {
		return errors.New("exchange breaker reset timeouts must be > 0")
	}
	if e.InboundRate < 0 || e.InboundBurst < 0 {
		return errors.New("exchange inbound rate and burst must be >= 0")
	}
	if e.MaxServingPerPeer < 1 {
		return errors.Newf("exchange.max_serving_per_peer must be >= 1, got %d", e.MaxServingPerPeer)
	}
	if e.BreakerIdle <= 0 {
		return errors.New("exchange.breaker_idle must be > 0")
	}

	if c.Connections.MaxConnections < 1 {
		return errors.Newf("connections.max_connections must be >= 1, got %d", c.Connections.MaxConnections)
	}
	if c.Connections.BandwidthWindow <= 0 {
		return errors.Newf("connections.bandwidth_window must be > 0, got %s", c.Connections.BandwidthWindow)
	}
	if c.Connections.SendLimit < 0 || c.Connections.RecvLimit < 0 {
		return errors.New("connections send/recv limits must be >= 0 (0 = unlimited)")
	}

	if c.API.Enabled && c.API.Listen == "" {
		return errors.New("api.listen cannot be empty when the API is enabled")
	}
	return nil
}
