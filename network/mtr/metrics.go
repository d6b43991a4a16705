package mtr

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// NetworkMessagesTotal counts protocol messages by type and direction (in|out)
var NetworkMessagesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "blockswap_network_messages_total",
		Help: "Total number of network messages",
	},
	[]string{"type", "direction"},
)

// NetworkErrorsTotal counts the total number of network errors
var NetworkErrorsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "blockswap_network_errors_total",
		Help: "Total number of network errors",
	},
	[]string{"type"},
)

// NetworkRetriesTotal counts block request retries against another peer
var NetworkRetriesTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "blockswap_network_retries_total",
		Help: "Total number of block request retries",
	},
)

// PeerConnectionsTotal counts the total number of peer connections
var PeerConnectionsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "blockswap_peer_connections_total",
		Help: "Total number of peer connections",
	},
)

// PeerDisconnectionsTotal counts the total number of peer disconnections
var PeerDisconnectionsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "blockswap_peer_disconnections_total",
		Help: "Total number of peer disconnections",
	},
)

// ActivePeers tracks peers with an open exchange ledger
var ActivePeers = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "blockswap_active_peers",
		Help: "Number of connected exchange peers",
	},
)

// BlocksSentTotal counts block payloads served to peers
var BlocksSentTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "blockswap_blocks_sent_total",
		Help: "Total number of blocks sent to peers",
	},
)

// BlocksReceivedTotal counts verified block payloads received from peers
var BlocksReceivedTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "blockswap_blocks_received_total",
		Help: "Total number of verified blocks received",
	},
)

// BlocksNotFoundTotal counts wants we could not serve
var BlocksNotFoundTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "blockswap_blocks_not_found_total",
		Help: "Total number of wants answered with dont-have",
	},
)

// BandwidthBytesTotal counts payload bytes by direction (in|out)
var BandwidthBytesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "blockswap_bandwidth_bytes_total",
		Help: "Block payload bytes moved",
	},
	[]string{"direction"},
)

// BandwidthRejectedTotal counts transfers refused by the bandwidth window
var BandwidthRejectedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "blockswap_bandwidth_rejected_total",
		Help: "Transfers rejected by the bandwidth limit",
	},
	[]string{"direction"},
)

// IntegrityMismatchTotal counts payloads whose hash did not match the requested id
var IntegrityMismatchTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "blockswap_integrity_mismatch_total",
		Help: "Received payloads failing content verification",
	},
)

// CircuitTransitionsTotal counts breaker events by kind (peer|block) and
// event (opened|half_open|closed|rejected). Keys are not labels.
var CircuitTransitionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "blockswap_circuit_events_total",
		Help: "Circuit breaker transitions and rejections",
	},
	[]string{"kind", "event"},
)

// RequestsTotal counts finished block requests by outcome
var RequestsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "blockswap_requests_total",
		Help: "Block requests by terminal outcome",
	},
	[]string{"outcome"},
)

// RequestDuration observes time from want to resolution
var RequestDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "blockswap_request_duration_seconds",
		Help:    "Time taken to resolve remote block requests",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
	},
)

// HeartbeatsTotal counts liveness probes by result
var HeartbeatsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "blockswap_heartbeats_total",
		Help: "Heartbeat probes by result",
	},
	[]string{"result"},
)
