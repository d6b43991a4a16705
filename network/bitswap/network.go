package bitswap

import (
	"context"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// Network carries messages between the engine and its peers.
type Network interface {
	Self() peer.ID
	// SendMessage queues msg for p. It does not wait for delivery.
	SendMessage(ctx context.Context, p peer.ID, msg *Message) error
	ConnectedPeers() []peer.ID
	// SetDelegate installs the receiver of inbound messages and peer events.
	SetDelegate(r Receiver)
}

// Receiver is implemented by the engine and driven by a Network.
type Receiver interface {
	ReceiveMessage(ctx context.Context, from peer.ID, msg *Message)
	// PeerConnected fires once per connection with the negotiated protocol.
	PeerConnected(p peer.ID, proto protocol.ID)
	PeerDisconnected(p peer.ID)
}

// ContentRouting finds and announces providers.
type ContentRouting interface {
	// FindProvidersAsync streams up to max providers; the channel closes when
	// the search ends.
	FindProvidersAsync(ctx context.Context, id cid.Cid, max int) <-chan peer.ID
	Provide(ctx context.Context, id cid.Cid) error
}
