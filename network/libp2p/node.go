package libp2p

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	kbucket "github.com/libp2p/go-libp2p-kbucket"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/net/swarm"
	relayv2client "github.com/libp2p/go-libp2p/p2p/protocol/circuitv2/client"
	circuit "github.com/libp2p/go-libp2p/p2p/protocol/circuitv2/relay"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	quic "github.com/libp2p/go-libp2p/p2p/transport/quic"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"blockswap/config"
	"blockswap/network/mtr"
	"blockswap/network/peer_registry"
)

const (
	ServiceTag       = "blockswap"
	MaxPeerEventLogs = 100

	dhtRefreshInterval = 5 * time.Minute
	connectAttempts    = 5
)

// PeerEvent represents a peer discovery, connection, or disconnection event
type PeerEvent struct {
	PeerID    peer.ID   `json:"peer_id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Addresses []string  `json:"addresses"`
}

// Node owns the libp2p host, the DHT and local discovery. Connection events
// are mirrored into the peer registry.
type Node struct {
	host      host.Host
	log       *zap.SugaredLogger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mdns      mdns.Service
	dht       *dht.IpfsDHT
	heartbeat *HeartbeatService
	pex       *PeerExchanger
	announcer *Announcer
	registry  *peer_registry.Registry
	notifiee  *network.NotifyBundle

	peerEventsMu sync.RWMutex
	peerEvents   []PeerEvent
}

// NewNode creates the host described by cfg and starts background
// bootstrapping. reg may be nil.
func NewNode(ctx context.Context, cfg config.NodeConfig, reg *peer_registry.Registry, log *zap.SugaredLogger) (*Node, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	var (
		privKey crypto.PrivKey
		err     error
	)
	if cfg.KeyPath != "" {
		privKey, err = loadOrCreateIdentity(cfg.KeyPath, log)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load identity")
		}
	} else {
		log.Warn("no key path configured, generating ephemeral identity")
		privKey, _, err = crypto.GenerateEd25519Key(rand.Reader)
		if err != nil {
			return nil, errors.Wrap(err, "failed to generate ephemeral key")
		}
	}

	addrInfos := convertBootnodesToAddrInfo(cfg.Bootnodes, log)
	listenAddrs := []string{
		fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.Port),
		fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic-v1", cfg.Port),
	}

	var nodeDHT *dht.IpfsDHT
	h, err := libp2p.New(
		libp2p.Identity(privKey),
		libp2p.ListenAddrStrings(listenAddrs...),
		libp2p.EnableRelay(),
		libp2p.EnableHolePunching(),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Transport(quic.NewTransport),
		libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			nodeDHT, err = dht.New(ctx, h,
				dht.Mode(dht.ModeAutoServer),
				dht.BootstrapPeers(addrInfos...),
				dht.BucketSize(20),
			)
			if err != nil {
				return nil, errors.Wrap(err, "failed to create DHT")
			}
			return nodeDHT, nil
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create libp2p host")
	}
	if _, err := circuit.New(h); err != nil {
		_ = h.Close()
		return nil, errors.Wrap(err, "failed to create circuit relay")
	}

	node := attach(ctx, h, nodeDHT, cfg, reg, log)
	if cfg.MDNS {
		if err := node.setupMDNS(); err != nil {
			log.Warnw("failed to setup mDNS", "error", err)
		}
	}

	log.Infow("node started", "peer", h.ID())
	for _, addr := range node.Addrs() {
		log.Infow("listening", "addr", addr)
	}

	node.wg.Add(2)
	go node.refreshDHT()
	go func() {
		defer node.wg.Done()
		if err := node.bootstrapDHT(); err != nil {
			log.Warnw("failed to bootstrap DHT", "error", err)
		}
		if err := node.connectToBootnodes(cfg.Bootnodes); err != nil {
			log.Warnw("failed to connect to some bootnodes", "error", err)
		}
	}()
	return node, nil
}

// attach wires notifications and the heartbeat around an existing host.
func attach(ctx context.Context, h host.Host, d *dht.IpfsDHT, cfg config.NodeConfig, reg *peer_registry.Registry, log *zap.SugaredLogger) *Node {
	nodeCtx, cancel := context.WithCancel(ctx)
	node := &Node{
		host:       h,
		log:        log.Named("node"),
		ctx:        nodeCtx,
		cancel:     cancel,
		dht:        d,
		registry:   reg,
		peerEvents: make([]PeerEvent, 0, MaxPeerEventLogs),
	}
	if cfg.HeartbeatInterval > 0 {
		node.heartbeat = NewHeartbeatService(nodeCtx, h, cfg.HeartbeatInterval, reg, log)
	}
	if cfg.PeerExchangeInterval > 0 {
		node.pex = NewPeerExchanger(node)
		node.pex.Start(cfg.PeerExchangeInterval)
	}
	if cfg.Announce {
		a, err := NewAnnouncer(nodeCtx, h, reg, log)
		if err != nil {
			node.log.Warnw("provider announcements disabled", "error", err)
		} else {
			node.announcer = a
		}
	}
	node.notifiee = &network.NotifyBundle{
		ConnectedF:    func(_ network.Network, c network.Conn) { node.connected(c) },
		DisconnectedF: func(_ network.Network, c network.Conn) { node.disconnected(c) },
	}
	h.Network().Notify(node.notifiee)
	return node
}

func (n *Node) Host() host.Host { return n.host }

// PeerExchanger returns the peer exchange service, or nil when disabled.
func (n *Node) PeerExchanger() *PeerExchanger { return n.pex }

// Routing returns content routing over the DHT and pubsub announcements,
// or nil when the node has neither.
func (n *Node) Routing() *Routing {
	if n.dht == nil && n.announcer == nil {
		return nil
	}
	var router routing.ContentRouting
	if n.dht != nil {
		router = n.dht
	}
	return NewRouting(router, n.announcer, n.host, n.log)
}

func (n *Node) peerAddrs(p peer.ID) []string {
	maddrs := n.host.Peerstore().Addrs(p)
	addrs := make([]string, 0, len(maddrs))
	for _, addr := range maddrs {
		addrs = append(addrs, addr.String())
	}
	return addrs
}

func (n *Node) connected(c network.Conn) {
	p := c.RemotePeer()
	remote := c.RemoteMultiaddr().String()
	n.logPeerEvent(p, "connected", n.peerAddrs(p))
	if n.registry != nil {
		n.registry.OnConnected(p, []string{remote}, peer_registry.InferConnTypeFromAddr(remote))
	}
	if n.heartbeat != nil {
		n.heartbeat.MonitorConnection(p)
	}
}

func (n *Node) disconnected(c network.Conn) {
	p := c.RemotePeer()
	if n.host.Network().Connectedness(p) == network.Connected {
		return
	}
	n.logPeerEvent(p, "disconnected", n.peerAddrs(p))
	if n.registry != nil {
		n.registry.Remove(p)
	}
	if n.heartbeat != nil {
		n.heartbeat.StopMonitoring(p)
	}
}

// setupMDNS sets up mDNS discovery
func (n *Node) setupMDNS() error {
	svc := mdns.NewMdnsService(n.host, ServiceTag, &discoveryNotifee{node: n})
	if err := svc.Start(); err != nil {
		return errors.Wrap(err, "failed to start mDNS")
	}
	n.mdns = svc
	return nil
}

// Close shuts down discovery, the DHT and the host.
func (n *Node) Close() error {
	n.host.Network().StopNotify(n.notifiee)
	if n.mdns != nil {
		if err := n.mdns.Close(); err != nil {
			n.log.Warnw("error closing mDNS", "error", err)
		}
	}
	n.cancel()
	if n.heartbeat != nil {
		n.heartbeat.Close()
	}
	if n.pex != nil {
		n.pex.Close()
	}
	if n.announcer != nil {
		n.announcer.Close()
	}
	n.wg.Wait()
	if n.dht != nil {
		if err := n.dht.Close(); err != nil {
			n.log.Warnw("error closing DHT", "error", err)
		}
	}
	return n.host.Close()
}

func (n *Node) ID() peer.ID { return n.host.ID() }

// Addrs returns the node's dialable addresses including the peer id.
func (n *Node) Addrs() []string {
	addrs := make([]string, 0, len(n.host.Addrs()))
	for _, addr := range n.host.Addrs() {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", addr, n.host.ID()))
	}
	return addrs
}

func (n *Node) ConnectedPeers() []peer.ID {
	return n.host.Network().Peers()
}

// Connect dials a peer multiaddr with exponential backoff.
func (n *Node) Connect(ctx context.Context, peerAddr string) error {
	info, err := peer.AddrInfoFromString(peerAddr)
	if err != nil {
		return errors.Wrapf(err, "failed to parse peer address %s", peerAddr)
	}
	return n.ConnectInfo(ctx, *info)
}

// ConnectInfo dials info with exponential backoff.
func (n *Node) ConnectInfo(ctx context.Context, info peer.AddrInfo) error {
	if sw, ok := n.host.Network().(*swarm.Swarm); ok {
		sw.Backoff().Clear(info.ID)
	}

	attempt := 0
	op := func() error {
		attempt++
		dialCtx, cancel := context.WithTimeout(ctx, time.Duration(10+5*attempt)*time.Second)
		defer cancel()
		return n.host.Connect(dialCtx, info)
	}
	notify := func(err error, wait time.Duration) {
		mtr.NetworkRetriesTotal.Inc()
		n.log.Debugw("connect attempt failed", "peer", info.ID, "attempt", attempt, "retry_in", wait, "error", err)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(newBackoff(), connectAttempts-1), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return errors.Wrapf(err, "failed to connect to peer %s after %d attempts", info.ID, attempt)
	}
	n.log.Infow("connected to peer", "peer", info.ID)
	return nil
}

// discoveryNotifee dials peers found over mDNS.
type discoveryNotifee struct {
	node *Node
}

func (d *discoveryNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == d.node.ID() {
		return
	}
	addrs := make([]string, 0, len(pi.Addrs))
	for _, addr := range pi.Addrs {
		addrs = append(addrs, addr.String())
	}
	d.node.logPeerEvent(pi.ID, "discovered", addrs)

	ctx, cancel := context.WithTimeout(d.node.ctx, 10*time.Second)
	defer cancel()
	if err := d.node.host.Connect(ctx, pi); err != nil {
		d.node.log.Debugw("failed to connect to discovered peer", "peer", pi.ID, "error", err)
	}
}

// NetworkStats summarizes the node for the stats endpoint.
type NetworkStats struct {
	PeerID         string      `json:"peer_id"`
	ConnectedPeers int         `json:"connected_peers"`
	Addresses      []string    `json:"addresses"`
	DHT            DHTStats    `json:"dht"`
	Announcements  bool        `json:"announcements"`
	PeerEvents     []PeerEvent `json:"peer_events"`
}

type DHTStats struct {
	Enabled   bool `json:"enabled"`
	PeerCount int  `json:"peer_count"`
	// Buckets counts routing table peers by common prefix length with self.
	Buckets map[int]int `json:"buckets,omitempty"`
}

func (n *Node) NetworkStats() NetworkStats {
	return NetworkStats{
		PeerID:         n.ID().String(),
		ConnectedPeers: len(n.ConnectedPeers()),
		Addresses:      n.Addrs(),
		DHT:            n.DHTStats(),
		Announcements:  n.announcer != nil,
		PeerEvents:     n.PeerEvents(),
	}
}

func (n *Node) DHTStats() DHTStats {
	if n.dht == nil {
		return DHTStats{}
	}
	return routingTableStats(n.host.ID(), n.dht.RoutingTable().ListPeers())
}

func routingTableStats(self peer.ID, peers []peer.ID) DHTStats {
	stats := DHTStats{Enabled: true, PeerCount: len(peers), Buckets: make(map[int]int)}
	local := kbucket.ConvertPeerID(self)
	for _, p := range peers {
		stats.Buckets[kbucket.CommonPrefixLen(local, kbucket.ConvertPeerID(p))]++
	}
	return stats
}

// PeerEvents returns a copy of the recent event log, oldest first.
func (n *Node) PeerEvents() []PeerEvent {
	n.peerEventsMu.RLock()
	defer n.peerEventsMu.RUnlock()
	return append([]PeerEvent(nil), n.peerEvents...)
}

// connectToBootnodes connects to bootnodes in parallel and reserves a relay
// slot with each one reached.
func (n *Node) connectToBootnodes(bootnodes []string) error {
	if len(bootnodes) == 0 {
		n.log.Debug("no bootnodes configured")
		return nil
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		connected int
		lastErr   error
	)
	for _, addr := range bootnodes {
		if addr == "" {
			continue
		}
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
			defer cancel()
			if err := n.Connect(ctx, addr); err != nil {
				mu.Lock()
				lastErr = err
				mu.Unlock()
				n.log.Warnw("failed to connect to bootnode", "addr", addr, "error", err)
				return
			}
			mu.Lock()
			connected++
			mu.Unlock()

			info, err := peer.AddrInfoFromString(addr)
			if err != nil {
				return
			}
			if _, err := relayv2client.Reserve(ctx, n.host, *info); err != nil {
				n.log.Debugw("failed to reserve relay slot", "peer", info.ID, "error", err)
			}
		}(addr)
	}
	wg.Wait()

	n.log.Infow("bootnodes connected", "connected", connected, "total", len(bootnodes))
	if connected == 0 && lastErr != nil {
		return errors.Wrap(lastErr, "failed to connect to any bootnodes")
	}
	return nil
}

func (n *Node) refreshDHT() {
	defer n.wg.Done()
	ticker := time.NewTicker(dhtRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if err := n.bootstrapDHT(); err != nil {
				n.log.Warnw("failed to bootstrap DHT", "error", err)
			}
		}
	}
}

func (n *Node) bootstrapDHT() error {
	if n.dht == nil {
		return errors.New("DHT not initialized")
	}
	ctx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
	defer cancel()
	return n.dht.Bootstrap(ctx)
}

func (n *Node) logPeerEvent(p peer.ID, eventType string, addrs []string) {
	event := PeerEvent{PeerID: p, Type: eventType, Timestamp: time.Now(), Addresses: addrs}

	n.peerEventsMu.Lock()
	n.peerEvents = append(n.peerEvents, event)
	if len(n.peerEvents) > MaxPeerEventLogs {
		n.peerEvents = n.peerEvents[len(n.peerEvents)-MaxPeerEventLogs:]
	}
	n.peerEventsMu.Unlock()

	n.log.Debugw("peer event", "peer", p, "type", eventType, "addrs", addrs)
}

func newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	return b
}

func loadOrCreateIdentity(keyPath string, log *zap.SugaredLogger) (crypto.PrivKey, error) {
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create key directory")
	}

	if keyData, err := os.ReadFile(keyPath); err == nil {
		keyBytes, err := base64.StdEncoding.DecodeString(string(keyData))
		if err != nil {
			log.Warnw("failed to decode key, creating new", "path", keyPath, "error", err)
		} else if privKey, err := crypto.UnmarshalPrivateKey(keyBytes); err == nil {
			log.Infow("loaded identity", "path", keyPath)
			return privKey, nil
		} else {
			log.Warnw("failed to unmarshal key, creating new", "path", keyPath, "error", err)
		}
	}

	log.Infow("generating new identity", "path", keyPath)
	privKey, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate key pair")
	}
	keyBytes, err := crypto.MarshalPrivateKey(privKey)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal private key")
	}
	if err := os.WriteFile(keyPath, []byte(base64.StdEncoding.EncodeToString(keyBytes)), 0o600); err != nil {
		return nil, errors.Wrap(err, "failed to save private key")
	}
	return privKey, nil
}

// convertBootnodesToAddrInfo parses bootnode multiaddrs, skipping bad ones.
func convertBootnodesToAddrInfo(bootnodes []string, log *zap.SugaredLogger) []peer.AddrInfo {
	var infos []peer.AddrInfo
	for _, addr := range bootnodes {
		if addr == "" {
			continue
		}
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			log.Warnw("failed to parse bootnode address", "addr", addr, "error", err)
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			log.Warnw("bootnode address has no peer id", "addr", addr, "error", err)
			continue
		}
		infos = append(infos, *info)
	}
	return infos
}
