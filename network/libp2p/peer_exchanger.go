package libp2p

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-msgio"
	"go.uber.org/zap"

	"blockswap/network/mtr"
)

const (
	ProtocolPeerExchange = protocol.ID("/blockswap/pex/1.0.0")
	// MaxPeersPerExchange caps the peer list sent in one exchange.
	MaxPeersPerExchange = 10

	maxExchangeMessage = 64 << 10
	exchangeTimeout    = 15 * time.Second
)

// PeerExchanger swaps connected-peer lists with neighbours and dials the
// peers it learns about. Both sides send their list, so one stream carries
// a full exchange.
type PeerExchanger struct {
	node *Node
	log  *zap.SugaredLogger
	wg   sync.WaitGroup

	connectingMu sync.Mutex
	connecting   map[peer.ID]struct{}
}

// NewPeerExchanger registers the exchange handler on the node's host.
func NewPeerExchanger(node *Node) *PeerExchanger {
	pe := &PeerExchanger{
		node:       node,
		log:        node.log.Named("pex"),
		connecting: make(map[peer.ID]struct{}),
	}
	node.host.SetStreamHandler(ProtocolPeerExchange, pe.handleExchange)
	return pe
}

// Start runs periodic exchanges until the node closes.
func (pe *PeerExchanger) Start(interval time.Duration) {
	pe.wg.Add(1)
	go func() {
		defer pe.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-pe.node.ctx.Done():
				return
			case <-ticker.C:
				pe.ExchangeAll(pe.node.ctx)
			}
		}
	}()
}

// Close unregisters the handler and waits for background dials.
func (pe *PeerExchanger) Close() {
	pe.node.host.RemoveStreamHandler(ProtocolPeerExchange)
	pe.wg.Wait()
}

// ExchangeAll runs one exchange with every connected peer.
func (pe *PeerExchanger) ExchangeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range pe.node.ConnectedPeers() {
		wg.Add(1)
		go func(p peer.ID) {
			defer wg.Done()
			if err := pe.Exchange(ctx, p); err != nil {
				pe.log.Debugw("peer exchange failed", "peer", p, "error", err)
			}
		}(p)
	}
	wg.Wait()
}

// Exchange sends our peer list to p, reads theirs and dials the new peers.
func (pe *PeerExchanger) Exchange(ctx context.Context, p peer.ID) error {
	ctx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()
	s, err := pe.node.host.NewStream(network.WithAllowLimitedConn(ctx, "pex"), p, ProtocolPeerExchange)
	if err != nil {
		return errors.Wrap(err, "open exchange stream")
	}
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(exchangeTimeout))

	if err := pe.writePeers(s, p); err != nil {
		_ = s.Reset()
		return err
	}
	theirs, err := readPeers(s)
	if err != nil {
		_ = s.Reset()
		return err
	}
	pe.connectToNewPeers(theirs, p)
	return nil
}

// handleExchange answers an exchange opened by the remote.
func (pe *PeerExchanger) handleExchange(s network.Stream) {
	defer s.Close()
	remote := s.Conn().RemotePeer()
	_ = s.SetDeadline(time.Now().Add(exchangeTimeout))

	theirs, err := readPeers(s)
	if err != nil {
		pe.log.Debugw("failed to read peer list", "peer", remote, "error", err)
		mtr.NetworkErrorsTotal.WithLabelValues("pex_read").Inc()
		_ = s.Reset()
		return
	}
	if err := pe.writePeers(s, remote); err != nil {
		pe.log.Debugw("failed to write peer list", "peer", remote, "error", err)
		_ = s.Reset()
		return
	}
	pe.connectToNewPeers(theirs, remote)
}

// peerList returns up to MaxPeersPerExchange connected peers, excluding to.
func (pe *PeerExchanger) peerList(to peer.ID) []peer.AddrInfo {
	h := pe.node.host
	var infos []peer.AddrInfo
	for _, p := range h.Network().Peers() {
		if p == to || p == h.ID() {
			continue
		}
		info := h.Peerstore().PeerInfo(p)
		if len(info.Addrs) == 0 {
			continue
		}
		infos = append(infos, info)
		if len(infos) == MaxPeersPerExchange {
			break
		}
	}
	return infos
}

func (pe *PeerExchanger) writePeers(s network.Stream, to peer.ID) error {
	data, err := json.Marshal(pe.peerList(to))
	if err != nil {
		return errors.Wrap(err, "encode peer list")
	}
	if err := msgio.NewVarintWriter(s).WriteMsg(data); err != nil {
		return errors.Wrap(err, "write peer list")
	}
	return nil
}

func readPeers(s network.Stream) ([]peer.AddrInfo, error) {
	reader := msgio.NewVarintReaderSize(s, maxExchangeMessage)
	data, err := reader.ReadMsg()
	if err != nil {
		return nil, errors.Wrap(err, "read peer list")
	}
	defer reader.ReleaseMsg(data)
	var infos []peer.AddrInfo
	if err := json.Unmarshal(data, &infos); err != nil {
		return nil, errors.Wrap(err, "decode peer list")
	}
	if len(infos) > MaxPeersPerExchange {
		infos = infos[:MaxPeersPerExchange]
	}
	return infos, nil
}

// connectToNewPeers dials peers we are not connected to, at most one dial
// per peer at a time.
func (pe *PeerExchanger) connectToNewPeers(infos []peer.AddrInfo, source peer.ID) {
	h := pe.node.host
	for _, info := range infos {
		if info.ID == h.ID() || len(info.Addrs) == 0 || h.Network().Connectedness(info.ID) == network.Connected {
			continue
		}
		pe.connectingMu.Lock()
		if _, busy := pe.connecting[info.ID]; busy {
			pe.connectingMu.Unlock()
			continue
		}
		pe.connecting[info.ID] = struct{}{}
		pe.connectingMu.Unlock()

		pe.node.logPeerEvent(info.ID, "exchanged", nil)
		pe.wg.Add(1)
		go func(info peer.AddrInfo) {
			defer pe.wg.Done()
			defer func() {
				pe.connectingMu.Lock()
				delete(pe.connecting, info.ID)
				pe.connectingMu.Unlock()
			}()
			if err := pe.node.ConnectInfo(pe.node.ctx, info); err != nil {
				pe.log.Debugw("failed to dial exchanged peer", "peer", info.ID, "source", source, "error", err)
			}
		}(info)
	}
}
