package bitswap

import (
	"context"
	"sync"
	"testing"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"blockswap/core/blockstore"
	"blockswap/core/cidutil"
	"blockswap/network/wantlist"
)

type recorder struct {
	mu        sync.Mutex
	connected map[peer.ID]protocol.ID
	gone      map[peer.ID]bool
	msgs      []*Message
}

func newRecorder() *recorder {
	return &recorder{connected: make(map[peer.ID]protocol.ID), gone: make(map[peer.ID]bool)}
}

func (r *recorder) ReceiveMessage(_ context.Context, _ peer.ID, msg *Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
}

func (r *recorder) PeerConnected(p peer.ID, proto protocol.ID) {
	r.mu.Lock()
	r.connected[p] = proto
	r.mu.Unlock()
}

func (r *recorder) PeerDisconnected(p peer.ID) {
	r.mu.Lock()
	r.gone[p] = true
	r.mu.Unlock()
}

func (r *recorder) protocolOf(p peer.ID) protocol.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected[p]
}

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

func TestLibp2pNetworkExchangesMessages(t *testing.T) {
	mn, hosts := newMockHosts(t, 2)
	log := zaptest.NewLogger(t).Sugar()

	na, nb := NewNetwork(hosts[0], log), NewNetwork(hosts[1], log)
	defer na.Close()
	defer nb.Close()
	ra, rb := newRecorder(), newRecorder()
	na.SetDelegate(ra)
	nb.SetDelegate(rb)

	require.NoError(t, mn.ConnectAllButSelf())
	require.Eventually(t, func() bool { return ra.protocolOf(hosts[1].ID()) == ProtocolBlockswap }, waitFor, tick)
	require.Eventually(t, func() bool { return rb.protocolOf(hosts[0].ID()) == ProtocolBlockswap }, waitFor, tick)

	id := cidutil.Sum([]byte("over the wire"))
	msg := &Message{
		Wants:     []WantEntry{{ID: id, Priority: 2, WantType: wantlist.FullBlock, SendDontHave: true}},
		Presences: []Presence{{ID: id, Type: PresenceDontHave}},
	}
	require.NoError(t, na.SendMessage(testCtx(t), hosts[1].ID(), msg))

	require.Eventually(t, func() bool {
		rb.mu.Lock()
		defer rb.mu.Unlock()
		return len(rb.msgs) == 1
	}, waitFor, tick)
	rb.mu.Lock()
	got := rb.msgs[0]
	rb.mu.Unlock()
	require.Len(t, got.Wants, 1)
	assert.True(t, got.Wants[0].ID.Equals(id))
	assert.True(t, got.Wants[0].SendDontHave)
	require.Len(t, got.Presences, 1)

	require.NoError(t, mn.DisconnectPeers(hosts[0].ID(), hosts[1].ID()))
	assert.Eventually(t, func() bool {
		ra.mu.Lock()
		defer ra.mu.Unlock()
		return ra.gone[hosts[1].ID()]
	}, waitFor, tick)
}

func TestEnginesOverLibp2p(t *testing.T) {
	mn, hosts := newMockHosts(t, 2)
	log := zaptest.NewLogger(t).Sugar()

	newNode := func(h host.Host) (*Engine, blockstore.Blockstore, *Libp2pNetwork) {
		store := blockstore.NewMemory()
		n := NewNetwork(h, log)
		e := NewEngine(testConfig(), store, n, nil, log)
		require.NoError(t, e.Start(context.Background()))
		return e, store, n
	}
	alice, _, an := newNode(hosts[0])
	bob, bobStore, bn := newNode(hosts[1])
	defer func() {
		_ = bob.Close()
		_ = alice.Close()
		_ = bn.Close()
		_ = an.Close()
	}()

	blk := mustAddTo(t, alice, []byte("libp2p payload"))
	require.NoError(t, mn.ConnectAllButSelf())
	require.Eventually(t, func() bool { return len(bob.Peers()) == 1 }, waitFor, tick)

	got, err := bob.GetBlock(testCtx(t), blk.ID(), wantlist.Normal)
	require.NoError(t, err)
	assert.Equal(t, blk.RawData(), got.RawData())
	has, err := bobStore.Has(blk.ID())
	require.NoError(t, err)
	assert.True(t, has)
}
