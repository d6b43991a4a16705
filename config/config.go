package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. BLOCKSWAP_LOG_LEVEL.
const EnvPrefix = "BLOCKSWAP"

// Config is the daemon configuration.
type Config struct {
	Node        NodeConfig        `mapstructure:"node"`
	Store       StoreConfig       `mapstructure:"store"`
	Exchange    ExchangeConfig    `mapstructure:"exchange"`
	Connections ConnectionsConfig `mapstructure:"connections"`
	API         APIConfig         `mapstructure:"api"`
	Log         LogConfig         `mapstructure:"log"`
}

type NodeConfig struct {
	Port      int      `mapstructure:"port"`
	KeyPath   string   `mapstructure:"key_path"`
	Bootnodes []string `mapstructure:"bootnodes"`
	MDNS      bool     `mapstructure:"mdns"`
	// Heartbeat probes connected peers; zero disables it.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// Peer exchange asks connected peers for their peers; zero disables it.
	PeerExchangeInterval time.Duration `mapstructure:"peer_exchange_interval"`
	// Announce gossips provided blocks over pubsub.
	Announce bool `mapstructure:"announce"`
}

type StoreConfig struct {
	Backend    string `mapstructure:"backend"`
	Path       string `mapstructure:"path"`
	CacheBytes int64  `mapstructure:"cache_bytes"`
}

type ExchangeConfig struct {
	MaxRetries            int           `mapstructure:"max_retries"`
	RequestTimeout        time.Duration `mapstructure:"request_timeout"`
	ProviderSearchTimeout time.Duration `mapstructure:"provider_search_timeout"`
	MaxProviders          int           `mapstructure:"max_providers"`
	RebroadcastInterval   time.Duration `mapstructure:"rebroadcast_interval"`
	PeerBreakerThreshold  int           `mapstructure:"peer_breaker_threshold"`
	PeerBreakerReset      time.Duration `mapstructure:"peer_breaker_reset"`
	BlockBreakerThreshold int           `mapstructure:"block_breaker_threshold"`
	BlockBreakerReset     time.Duration `mapstructure:"block_breaker_reset"`
	InboundRate           float64       `mapstructure:"inbound_rate"`
	InboundBurst          int           `mapstructure:"inbound_burst"`
	// MaxServingPerPeer caps the blocks one peer may wait on from us.
	MaxServingPerPeer     int           `mapstructure:"max_serving_per_peer"`
	BreakerIdle           time.Duration `mapstructure:"breaker_idle"`
}

type ConnectionsConfig struct {
	MaxConnections  int           `mapstructure:"max_connections"`
	BandwidthWindow time.Duration `mapstructure:"bandwidth_window"`
	// Byte limits per window; zero means unlimited.
	SendLimit int64 `mapstructure:"send_limit"`
	RecvLimit int64 `mapstructure:"recv_limit"`
}

type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("node.port", 4001)
	v.SetDefault("node.key_path", "./data/peer.key")
	v.SetDefault("node.bootnodes", []string{})
	v.SetDefault("node.mdns", true)
	v.SetDefault("node.heartbeat_interval", 30*time.Second)
	v.SetDefault("node.peer_exchange_interval", time.Minute)
	v.SetDefault("node.announce", true)

	v.SetDefault("store.backend", "leveldb")
	v.SetDefault("store.path", "./data")
	v.SetDefault("store.cache_bytes", 64<<20) // 64MB hot cache

	v.SetDefault("exchange.max_retries", 3)
	v.SetDefault("exchange.request_timeout", 30*time.Second)
	v.SetDefault("exchange.provider_search_timeout", 10*time.Second)
	v.SetDefault("exchange.max_providers", 10)
	v.SetDefault("exchange.rebroadcast_interval", 10*time.Second)
	v.SetDefault("exchange.peer_breaker_threshold", 5)
	v.SetDefault("exchange.peer_breaker_reset", 60*time.Second)
	v.SetDefault("exchange.block_breaker_threshold", 10)
	v.SetDefault("exchange.block_breaker_reset", 30*time.Second)
	v.SetDefault("exchange.inbound_rate", 200.0) // want entries per second per peer
	v.SetDefault("exchange.inbound_burst", 400)
	v.SetDefault("exchange.max_serving_per_peer", 1024)
	v.SetDefault("exchange.breaker_idle", 10*time.Minute)

	v.SetDefault("connections.max_connections", 64)
	v.SetDefault("connections.bandwidth_window", time.Second)
	v.SetDefault("connections.send_limit", 0)
	v.SetDefault("connections.recv_limit", 0)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", "127.0.0.1:8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
}

// NewViper returns a viper instance with defaults and environment binding.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load reads the optional config file at path, applies environment overrides
// and validates the result.
func Load(path string) (*Config, error) {
	v := NewViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", path)
		}
	}
	return LoadWithViper(v)
}

// LoadWithViper loads configuration using a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
