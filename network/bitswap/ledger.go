package bitswap

import (
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// ledger is the engine's per-peer state. It lives exactly as long as the
// connection.
type ledger struct {
	peer peer.ID
	// presence remembers presences recently sent to the peer.
	presence *cache.Cache

	mu          sync.Mutex
	strat       strategy
	negotiated  bool
	limiter     *rate.Limiter
	bytesSent   uint64
	bytesRecv   uint64
	blocksSent  uint64
	blocksRecv  uint64
	connectedAt time.Time
}

func newLedger(p peer.ID, r float64, burst int, presenceTTL time.Duration, now time.Time) *ledger {
	limit := rate.Inf
	if r > 0 {
		limit = rate.Limit(r)
	}
	if burst <= 0 {
		burst = 1
	}
	return &ledger{
		peer:        p,
		presence:    cache.New(presenceTTL, cache.NoExpiration),
		strat:       presenceStrategy{},
		limiter:     rate.NewLimiter(limit, burst),
		connectedAt: now,
	}
}

// negotiate fixes the strategy for the connection.
func (l *ledger) negotiate(proto protocol.ID) {
	l.mu.Lock()
	l.strat = strategyFor(proto)
	l.negotiated = true
	l.mu.Unlock()
}

func (l *ledger) strategy() strategy {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.strat
}

// allow reports whether one more inbound want entry fits the peer's rate.
func (l *ledger) allow(now time.Time) bool {
	return l.limiter.AllowN(now, 1)
}

// presenceFresh reports whether a presence of type t for id has not been
// sent within the TTL, and marks it sent.
func (l *ledger) presenceFresh(id cid.Cid, t PresenceType) bool {
	return l.presence.Add(id.KeyString()+"|"+t.String(), struct{}{}, cache.DefaultExpiration) == nil
}

func (l *ledger) sent(bytes int) {
	l.mu.Lock()
	l.bytesSent += uint64(bytes)
	l.blocksSent++
	l.mu.Unlock()
}

func (l *ledger) received(bytes int) {
	l.mu.Lock()
	l.bytesRecv += uint64(bytes)
	l.blocksRecv++
	l.mu.Unlock()
}

// PeerInfo is a snapshot of one connected peer.
type PeerInfo struct {
	ID          string    `json:"id"`
	Protocol    string    `json:"protocol"`
	Negotiated  bool      `json:"negotiated"`
	BytesSent   uint64    `json:"bytes_sent"`
	BytesRecv   uint64    `json:"bytes_recv"`
	BlocksSent  uint64    `json:"blocks_sent"`
	BlocksRecv  uint64    `json:"blocks_recv"`
	ConnectedAt time.Time `json:"connected_at"`
	Score       float64   `json:"score"`
	AvgLatency  float64   `json:"avg_latency_us"`
	Breaker     string    `json:"breaker"`
}

func (l *ledger) info() PeerInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	return PeerInfo{
		ID:          l.peer.String(),
		Protocol:    string(l.strat.protocol()),
		Negotiated:  l.negotiated,
		BytesSent:   l.bytesSent,
		BytesRecv:   l.bytesRecv,
		BlocksSent:  l.blocksSent,
		BlocksRecv:  l.blocksRecv,
		ConnectedAt: l.connectedAt,
	}
}
