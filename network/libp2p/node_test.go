package libp2p

import (
	"context"
	"crypto/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"blockswap/config"
	"blockswap/network/peer_registry"
)

const (
	waitFor = 5 * time.Second
	tick    = 20 * time.Millisecond
)

func newMockHosts(t *testing.T, n int) (mocknet.Mocknet, []host.Host) {
	t.Helper()
	mn := mocknet.New()
	t.Cleanup(func() { _ = mn.Close() })
	hosts := make([]host.Host, n)
	for i := range hosts {
		h, err := mn.GenPeer()
		require.NoError(t, err)
		hosts[i] = h
	}
	require.NoError(t, mn.LinkAll())
	return mn, hosts
}

func attachNode(t *testing.T, h host.Host, cfg config.NodeConfig, reg *peer_registry.Registry) *Node {
	t.Helper()
	n := attach(context.Background(), h, nil, cfg, reg, zaptest.NewLogger(t).Sugar())
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func TestLoadOrCreateIdentityPersists(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()
	path := filepath.Join(t.TempDir(), "keys", "peer.key")

	first, err := loadOrCreateIdentity(path, log)
	require.NoError(t, err)
	second, err := loadOrCreateIdentity(path, log)
	require.NoError(t, err)
	assert.True(t, first.Equals(second))
}

func TestConvertBootnodesSkipsInvalid(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()
	_, pub, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	id, err := peer.IDFromPublicKey(pub)
	require.NoError(t, err)

	good := "/ip4/127.0.0.1/tcp/4001/p2p/" + id.String()
	infos := convertBootnodesToAddrInfo([]string{"", "not-an-addr", "/ip4/127.0.0.1/tcp/4001", good}, log)
	require.Len(t, infos, 1)
	assert.Equal(t, id, infos[0].ID)
	require.Len(t, infos[0].Addrs, 1)
}

func TestNodeMirrorsConnectionsIntoRegistry(t *testing.T) {
	mn, hosts := newMockHosts(t, 2)
	reg := peer_registry.New(nil)
	node := attachNode(t, hosts[0], config.NodeConfig{}, reg)

	_, err := mn.ConnectPeers(hosts[0].ID(), hosts[1].ID())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return reg.Known(hosts[1].ID()) }, waitFor, tick)

	require.NoError(t, mn.DisconnectPeers(hosts[0].ID(), hosts[1].ID()))
	require.Eventually(t, func() bool {
		for _, ev := range node.PeerEvents() {
			if ev.PeerID == hosts[1].ID() && ev.Type == "disconnected" {
				return true
			}
		}
		return false
	}, waitFor, tick)

	stats := node.NetworkStats()
	assert.Equal(t, hosts[0].ID().String(), stats.PeerID)
	assert.False(t, stats.DHT.Enabled)
	assert.Nil(t, node.Routing())
	assert.Equal(t, "connected", stats.PeerEvents[0].Type)
}

func TestPeerEventLogIsBounded(t *testing.T) {
	_, hosts := newMockHosts(t, 2)
	node := attachNode(t, hosts[0], config.NodeConfig{}, nil)
	for i := 0; i < MaxPeerEventLogs+10; i++ {
		node.logPeerEvent(hosts[1].ID(), "discovered", nil)
	}
	assert.Len(t, node.PeerEvents(), MaxPeerEventLogs)
}

func TestConnectDialsLinkedPeer(t *testing.T) {
	_, hosts := newMockHosts(t, 2)
	node := attachNode(t, hosts[0], config.NodeConfig{}, nil)

	addr := hosts[1].Addrs()[0].String() + "/p2p/" + hosts[1].ID().String()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, node.Connect(ctx, addr))
	assert.Equal(t, network.Connected, hosts[0].Network().Connectedness(hosts[1].ID()))

	assert.Error(t, node.Connect(ctx, "garbage"))
}
