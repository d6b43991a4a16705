package bitswap

import (
	"time"

	"github.com/benbjohnson/clock"

	"blockswap/network/breaker"
	"blockswap/network/peer_registry"
)

const (
	defaultRebroadcastInterval = 10 * time.Second
	presenceCacheTTL           = 1 * time.Minute
	defaultProviderSearch      = 10 * time.Second
	defaultSweepInterval       = time.Minute
	defaultBreakerIdle         = 10 * time.Minute
	defaultMaxServingPerPeer   = 1024
)

// Config tunes the exchange engine.
type Config struct {
	// MaxRetries bounds peer failures per request before it is exhausted.
	MaxRetries int
	// RequestTimeout is the per-attempt deadline once a want-block is sent.
	RequestTimeout time.Duration
	// ProviderSearchTimeout bounds content routing and presence probing.
	ProviderSearchTimeout time.Duration
	MaxProviders          int
	// RebroadcastInterval re-probes connected peers for wants still waiting
	// on a provider. Zero disables it.
	RebroadcastInterval time.Duration

	PeerBreaker  breaker.Config
	BlockBreaker breaker.Config
	// ServeBreaker isolates blocks whose store reads keep failing.
	ServeBreaker breaker.Config

	// InboundRate limits want entries per second accepted from one peer.
	// Zero is unlimited.
	InboundRate  float64
	InboundBurst int

	MaxConnections  int
	BandwidthWindow time.Duration
	// SendLimit and RecvLimit are bytes per window; zero is unlimited.
	SendLimit int64
	RecvLimit int64

	PresenceTTL time.Duration

	// MaxServingPerPeer caps the blocks one peer may wait on from us.
	MaxServingPerPeer int
	// SweepInterval is how often expired presence marks and idle breakers
	// are dropped.
	SweepInterval time.Duration
	// BreakerIdle is how long a breaker that no longer blocks is kept after
	// its last failure.
	BreakerIdle time.Duration

	// Registry is shared with the transport layer when set; otherwise the
	// engine keeps its own.
	Registry *peer_registry.Registry

	Clock clock.Clock
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:            3,
		RequestTimeout:        30 * time.Second,
		ProviderSearchTimeout: defaultProviderSearch,
		MaxProviders:          10,
		RebroadcastInterval:   defaultRebroadcastInterval,
		PeerBreaker:           breaker.Config{FailureThreshold: 5, ResetTimeout: time.Minute},
		BlockBreaker:          breaker.Config{FailureThreshold: 10, ResetTimeout: 30 * time.Second},
		ServeBreaker:          breaker.Config{FailureThreshold: 3, ResetTimeout: 30 * time.Second},
		InboundRate:           200,
		InboundBurst:          400,
		MaxConnections:        64,
		BandwidthWindow:       time.Second,
		PresenceTTL:           presenceCacheTTL,
		MaxServingPerPeer:     defaultMaxServingPerPeer,
		SweepInterval:         defaultSweepInterval,
		BreakerIdle:           defaultBreakerIdle,
	}
}

func (c *Config) withDefaults() {
	d := DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.ProviderSearchTimeout <= 0 {
		c.ProviderSearchTimeout = d.ProviderSearchTimeout
	}
	if c.MaxProviders <= 0 {
		c.MaxProviders = d.MaxProviders
	}
	if c.PeerBreaker.FailureThreshold == 0 {
		c.PeerBreaker = d.PeerBreaker
	}
	if c.BlockBreaker.FailureThreshold == 0 {
		c.BlockBreaker = d.BlockBreaker
	}
	if c.ServeBreaker.FailureThreshold == 0 {
		c.ServeBreaker = d.ServeBreaker
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = d.MaxConnections
	}
	if c.BandwidthWindow <= 0 {
		c.BandwidthWindow = d.BandwidthWindow
	}
	if c.PresenceTTL <= 0 {
		c.PresenceTTL = d.PresenceTTL
	}
	if c.MaxServingPerPeer <= 0 {
		c.MaxServingPerPeer = d.MaxServingPerPeer
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.BreakerIdle <= 0 {
		c.BreakerIdle = d.BreakerIdle
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Registry == nil {
		c.Registry = peer_registry.New(c.Clock)
	}
}
