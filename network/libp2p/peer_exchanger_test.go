package libp2p

import (
	"context"
	"testing"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockswap/config"
)

func TestPeerExchangeDialsLearnedPeers(t *testing.T) {
	mn, hosts := newMockHosts(t, 3)
	a := attachNode(t, hosts[0], config.NodeConfig{}, nil)
	b := attachNode(t, hosts[1], config.NodeConfig{}, nil)
	peA := NewPeerExchanger(a)
	NewPeerExchanger(b)

	// a knows b, b knows c, a has never heard of c
	_, err := mn.ConnectPeers(hosts[0].ID(), hosts[1].ID())
	require.NoError(t, err)
	_, err = mn.ConnectPeers(hosts[1].ID(), hosts[2].ID())
	require.NoError(t, err)
	hosts[1].Peerstore().AddAddrs(hosts[2].ID(), hosts[2].Addrs(), peerstore.PermanentAddrTTL)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, peA.Exchange(ctx, hosts[1].ID()))

	require.Eventually(t, func() bool {
		return hosts[0].Network().Connectedness(hosts[2].ID()) == network.Connected
	}, waitFor, tick)
}

func TestPeerListExcludesRecipient(t *testing.T) {
	mn, hosts := newMockHosts(t, 3)
	a := attachNode(t, hosts[0], config.NodeConfig{}, nil)
	pe := NewPeerExchanger(a)

	require.NoError(t, mn.ConnectAllButSelf())
	for _, h := range hosts[1:] {
		hosts[0].Peerstore().AddAddrs(h.ID(), h.Addrs(), peerstore.PermanentAddrTTL)
	}

	list := pe.peerList(hosts[1].ID())
	require.Len(t, list, 1)
	assert.Equal(t, hosts[2].ID(), list[0].ID)
}
