package bitswap

import (
	"context"
	"io"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-msgio"
	"go.uber.org/zap"

	"blockswap/network/mtr"
)

const outgoingQueueSize = 32

// errSenderClosed is returned when the peer's sender has shut down.
var errSenderClosed = errors.New("peer sender closed")

// Libp2pNetwork implements Network over libp2p streams. Messages are framed
// with unsigned varint lengths.
type Libp2pNetwork struct {
	host host.Host
	log  *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	delegate  Receiver
	senders   map[peer.ID]*peerSender
	announced map[peer.ID]struct{}
	notifiee  *network.NotifyBundle
}

// NewNetwork wraps h. Nothing is registered on the host until SetDelegate.
func NewNetwork(h host.Host, log *zap.SugaredLogger) *Libp2pNetwork {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Libp2pNetwork{
		host:      h,
		log:       log.Named("bitswap-net"),
		ctx:       ctx,
		cancel:    cancel,
		senders:   make(map[peer.ID]*peerSender),
		announced: make(map[peer.ID]struct{}),
	}
}

func (n *Libp2pNetwork) Self() peer.ID { return n.host.ID() }

func (n *Libp2pNetwork) ConnectedPeers() []peer.ID {
	return n.host.Network().Peers()
}

// SetDelegate registers the stream handlers and connection notifications.
func (n *Libp2pNetwork) SetDelegate(r Receiver) {
	n.mu.Lock()
	n.delegate = r
	first := n.notifiee == nil
	if first {
		n.notifiee = &network.NotifyBundle{
			ConnectedF:    func(_ network.Network, c network.Conn) { n.connected(c.RemotePeer()) },
			DisconnectedF: func(_ network.Network, c network.Conn) { n.disconnected(c.RemotePeer()) },
		}
	}
	n.mu.Unlock()
	if !first {
		return
	}

	for _, proto := range Protocols {
		n.host.SetStreamHandler(proto, n.handleNewStream)
	}
	n.host.Network().Notify(n.notifiee)
	for _, p := range n.host.Network().Peers() {
		n.connected(p)
	}
}

// Close stops every sender and unregisters from the host.
func (n *Libp2pNetwork) Close() error {
	for _, proto := range Protocols {
		n.host.RemoveStreamHandler(proto)
	}
	n.mu.Lock()
	if n.notifiee != nil {
		n.host.Network().StopNotify(n.notifiee)
	}
	for p, s := range n.senders {
		close(s.done)
		delete(n.senders, p)
	}
	n.mu.Unlock()
	n.cancel()
	n.wg.Wait()
	return nil
}

func (n *Libp2pNetwork) receiver() Receiver {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.delegate
}

// announce tells the delegate about p once per connection.
func (n *Libp2pNetwork) announce(p peer.ID, proto protocol.ID) {
	n.mu.Lock()
	_, done := n.announced[p]
	n.announced[p] = struct{}{}
	r := n.delegate
	n.mu.Unlock()
	if !done && r != nil {
		r.PeerConnected(p, proto)
	}
}

func (n *Libp2pNetwork) connected(p peer.ID) {
	// opening the stream negotiates the protocol and announces the peer
	n.sender(p).kick()
}

func (n *Libp2pNetwork) disconnected(p peer.ID) {
	if n.host.Network().Connectedness(p) == network.Connected {
		return
	}
	n.mu.Lock()
	s, ok := n.senders[p]
	if ok {
		close(s.done)
		delete(n.senders, p)
	}
	_, announced := n.announced[p]
	delete(n.announced, p)
	r := n.delegate
	n.mu.Unlock()

	if announced && r != nil {
		r.PeerDisconnected(p)
	}
}

// SendMessage queues msg on the peer's sender.
func (n *Libp2pNetwork) SendMessage(ctx context.Context, p peer.ID, msg *Message) error {
	s := n.sender(p)
	select {
	case s.outgoing <- msg:
		return nil
	case <-s.done:
		return errors.Wrapf(errSenderClosed, "%s", p)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Libp2pNetwork) sender(p peer.ID) *peerSender {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.senders[p]
	if !ok {
		s = &peerSender{
			net:      n,
			peer:     p,
			outgoing: make(chan *Message, outgoingQueueSize),
			open:     make(chan struct{}, 1),
			done:     make(chan struct{}),
		}
		n.senders[p] = s
		n.wg.Add(1)
		go s.run()
	}
	return s
}

// handleNewStream reads framed messages until the stream ends.
func (n *Libp2pNetwork) handleNewStream(s network.Stream) {
	defer s.Close()
	remote := s.Conn().RemotePeer()
	n.announce(remote, s.Protocol())

	reader := msgio.NewVarintReaderSize(s, MaxMessageSize)
	for {
		buf, err := reader.ReadMsg()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, network.ErrReset) {
				n.log.Debugw("failed to read message", "peer", remote, "error", err)
				mtr.NetworkErrorsTotal.WithLabelValues("read").Inc()
			}
			_ = s.Reset()
			return
		}
		msg, err := Unmarshal(buf)
		reader.ReleaseMsg(buf)
		if err != nil {
			n.log.Debugw("failed to decode message", "peer", remote, "error", err)
			mtr.NetworkErrorsTotal.WithLabelValues("decode").Inc()
			continue
		}
		if r := n.receiver(); r != nil {
			r.ReceiveMessage(n.ctx, remote, msg)
		}
	}
}

// peerSender owns the outbound stream to one peer.
type peerSender struct {
	net      *Libp2pNetwork
	peer     peer.ID
	outgoing chan *Message
	open     chan struct{}
	done     chan struct{}
}

// kick asks the sender to open its stream without a message.
func (s *peerSender) kick() {
	select {
	case s.open <- struct{}{}:
	default:
	}
}

func (s *peerSender) run() {
	defer s.net.wg.Done()
	var (
		stream network.Stream
		writer msgio.WriteCloser
	)
	defer func() {
		if stream != nil {
			_ = stream.Close()
		}
	}()

	ensure := func() bool {
		if stream != nil {
			return true
		}
		ctx := network.WithAllowLimitedConn(s.net.ctx, "blockswap")
		st, err := s.net.host.NewStream(ctx, s.peer, Protocols...)
		if err != nil {
			s.net.log.Debugw("failed to open stream", "peer", s.peer, "error", err)
			mtr.NetworkErrorsTotal.WithLabelValues("open_stream").Inc()
			return false
		}
		stream = st
		writer = msgio.NewVarintWriter(st)
		s.net.announce(s.peer, st.Protocol())
		return true
	}

	for {
		select {
		case <-s.open:
			ensure()
		case msg := <-s.outgoing:
			if !ensure() {
				continue
			}
			data := msg.Marshal()
			if err := writer.WriteMsg(data); err != nil {
				s.net.log.Debugw("failed to send message", "peer", s.peer, "error", err)
				mtr.NetworkErrorsTotal.WithLabelValues("write").Inc()
				_ = stream.Reset()
				stream, writer = nil, nil
			}
		case <-s.done:
			return
		case <-s.net.ctx.Done():
			return
		}
	}
}
