package libp2p

import (
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockswap/config"
	"blockswap/network/mtr"
	"blockswap/network/peer_registry"
)

func TestHeartbeatKeepsLivePeer(t *testing.T) {
	mn, hosts := newMockHosts(t, 2)
	cfg := config.NodeConfig{HeartbeatInterval: 50 * time.Millisecond}
	reg := peer_registry.New(nil)
	a := attachNode(t, hosts[0], cfg, reg)
	attachNode(t, hosts[1], cfg, nil)

	ok := mtr.HeartbeatsTotal.WithLabelValues("ok")
	before := testutil.ToFloat64(ok)

	_, err := mn.ConnectPeers(hosts[0].ID(), hosts[1].ID())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return testutil.ToFloat64(ok) >= before+2 }, waitFor, tick)

	assert.Equal(t, network.Connected, hosts[0].Network().Connectedness(hosts[1].ID()))
	assert.True(t, a.heartbeat.Monitored(hosts[1].ID()))
}

func TestHeartbeatClosesDeadPeer(t *testing.T) {
	mn, hosts := newMockHosts(t, 2)
	a := attachNode(t, hosts[0], config.NodeConfig{HeartbeatInterval: 50 * time.Millisecond}, nil)

	failed := mtr.HeartbeatsTotal.WithLabelValues("failed")
	before := testutil.ToFloat64(failed)

	// hosts[1] never registers the heartbeat protocol
	_, err := mn.ConnectPeers(hosts[0].ID(), hosts[1].ID())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return hosts[0].Network().Connectedness(hosts[1].ID()) != network.Connected
	}, waitFor, tick)
	assert.Equal(t, before+1, testutil.ToFloat64(failed))
	assert.Eventually(t, func() bool { return !a.heartbeat.Monitored(hosts[1].ID()) }, waitFor, tick)
}
