package bitswap

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"blockswap/core/block"
	"blockswap/core/blockstore"
	"blockswap/network/wantlist"
)

// hub connects in-memory networks. Delivery is asynchronous and in order per
// sender goroutine only, like separate streams.
type hub struct {
	mu    sync.Mutex
	nets  map[peer.ID]*memNet
	links map[peer.ID]map[peer.ID]bool
	wg    sync.WaitGroup

	engines []*Engine
}

func newHub() *hub {
	return &hub{nets: make(map[peer.ID]*memNet), links: make(map[peer.ID]map[peer.ID]bool)}
}

func (h *hub) add(id peer.ID, proto protocol.ID) *memNet {
	n := &memNet{hub: h, self: id, proto: proto}
	h.mu.Lock()
	h.nets[id] = n
	h.links[id] = make(map[peer.ID]bool)
	h.mu.Unlock()
	return n
}

// connect links a and b over the best protocol both speak.
func (h *hub) connect(a, b peer.ID) {
	h.mu.Lock()
	na, nb := h.nets[a], h.nets[b]
	h.links[a][b] = true
	h.links[b][a] = true
	h.mu.Unlock()

	proto := ProtocolBlockswap
	if na.proto == ProtocolBlockswapLegacy || nb.proto == ProtocolBlockswapLegacy {
		proto = ProtocolBlockswapLegacy
	}
	if r := na.receiver(); r != nil {
		r.PeerConnected(b, proto)
	}
	if r := nb.receiver(); r != nil {
		r.PeerConnected(a, proto)
	}
}

func (h *hub) disconnect(a, b peer.ID) {
	h.mu.Lock()
	na, nb := h.nets[a], h.nets[b]
	delete(h.links[a], b)
	delete(h.links[b], a)
	h.mu.Unlock()

	if r := na.receiver(); r != nil {
		r.PeerDisconnected(b)
	}
	if r := nb.receiver(); r != nil {
		r.PeerDisconnected(a)
	}
}

// close shuts every engine down and waits for in-flight deliveries.
func (h *hub) close() {
	h.mu.Lock()
	engines := h.engines
	h.mu.Unlock()
	for _, e := range engines {
		_ = e.Close()
	}
	h.wg.Wait()
}

func (h *hub) linked(a, b peer.ID) (*memNet, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.links[a][b] {
		return nil, false
	}
	return h.nets[b], true
}

type sentMsg struct {
	to  peer.ID
	msg *Message
}

type memNet struct {
	hub   *hub
	self  peer.ID
	proto protocol.ID

	mu       sync.Mutex
	delegate Receiver
	sent     []sentMsg
}

func (n *memNet) Self() peer.ID { return n.self }

func (n *memNet) ConnectedPeers() []peer.ID {
	n.hub.mu.Lock()
	defer n.hub.mu.Unlock()
	out := make([]peer.ID, 0, len(n.hub.links[n.self]))
	for p := range n.hub.links[n.self] {
		out = append(out, p)
	}
	return out
}

func (n *memNet) SetDelegate(r Receiver) {
	n.mu.Lock()
	n.delegate = r
	n.mu.Unlock()
}

func (n *memNet) receiver() Receiver {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.delegate
}

func (n *memNet) SendMessage(ctx context.Context, p peer.ID, msg *Message) error {
	n.mu.Lock()
	n.sent = append(n.sent, sentMsg{to: p, msg: msg})
	n.mu.Unlock()

	target, ok := n.hub.linked(n.self, p)
	if !ok {
		return errSenderClosed
	}
	// round trip through the codec so nothing is shared between peers
	decoded, err := Unmarshal(msg.Marshal())
	if err != nil {
		return err
	}
	n.hub.wg.Add(1)
	go func() {
		defer n.hub.wg.Done()
		if r := target.receiver(); r != nil {
			r.ReceiveMessage(ctx, n.self, decoded)
		}
	}()
	return nil
}

// wants returns the want entries sent to p matching pred.
func (n *memNet) wants(p peer.ID, pred func(WantEntry) bool) []WantEntry {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []WantEntry
	for _, s := range n.sent {
		if s.to != p {
			continue
		}
		for _, w := range s.msg.Wants {
			if pred(w) {
				out = append(out, w)
			}
		}
	}
	return out
}

func isWantBlock(w WantEntry) bool { return !w.Cancel && w.WantType == wantlist.FullBlock }
func isCancel(w WantEntry) bool    { return w.Cancel }

// scripted is a remote peer whose replies are decided by a function.
type scripted struct {
	net   *memNet
	reply func(from peer.ID, msg *Message) *Message

	mu       sync.Mutex
	received []*Message
}

func (s *scripted) ReceiveMessage(ctx context.Context, from peer.ID, msg *Message) {
	s.mu.Lock()
	s.received = append(s.received, msg)
	s.mu.Unlock()
	if s.reply == nil {
		return
	}
	if out := s.reply(from, msg); !out.Empty() {
		_ = s.net.SendMessage(ctx, from, out)
	}
}

func (s *scripted) PeerConnected(peer.ID, protocol.ID) {}
func (s *scripted) PeerDisconnected(peer.ID)           {}

func (s *scripted) messages() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Message(nil), s.received...)
}

// answer builds a scripted reply: have/dontHave for want-have, and the
// result of onBlock for want-block.
func answer(has bool, onBlock func(id cid.Cid) *Message) func(peer.ID, *Message) *Message {
	return func(_ peer.ID, msg *Message) *Message {
		out := &Message{}
		for _, w := range msg.Wants {
			switch {
			case w.Cancel:
			case w.WantType == wantlist.HaveOnly:
				t := PresenceDontHave
				if has {
					t = PresenceHave
				}
				out.Presences = append(out.Presences, Presence{ID: w.ID, Type: t})
			default:
				if onBlock != nil {
					out.Merge(onBlock(w.ID))
				}
			}
		}
		return out
	}
}

func sendData(data []byte) func(cid.Cid) *Message {
	return func(id cid.Cid) *Message {
		return &Message{Blocks: []Payload{{ID: id, Data: data}}}
	}
}

func sendDontHave(id cid.Cid) *Message {
	return &Message{Presences: []Presence{{ID: id, Type: PresenceDontHave}}}
}

func (h *hub) addScripted(id peer.ID, proto protocol.ID, reply func(peer.ID, *Message) *Message) *scripted {
	n := h.add(id, proto)
	s := &scripted{net: n, reply: reply}
	n.SetDelegate(s)
	return s
}

// memRouting is a static provider table.
type memRouting struct {
	mu        sync.Mutex
	providers map[cid.Cid][]peer.ID
	provided  map[cid.Cid]int
}

func newMemRouting() *memRouting {
	return &memRouting{providers: make(map[cid.Cid][]peer.ID), provided: make(map[cid.Cid]int)}
}

func (r *memRouting) FindProvidersAsync(ctx context.Context, id cid.Cid, max int) <-chan peer.ID {
	r.mu.Lock()
	provs := append([]peer.ID(nil), r.providers[id]...)
	r.mu.Unlock()
	ch := make(chan peer.ID)
	go func() {
		defer close(ch)
		for i, p := range provs {
			if i >= max {
				return
			}
			select {
			case ch <- p:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (r *memRouting) Provide(_ context.Context, id cid.Cid) error {
	r.mu.Lock()
	r.provided[id]++
	r.mu.Unlock()
	return nil
}

func (r *memRouting) providedCount(id cid.Cid) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.provided[id]
}

// stalledRouting finds nothing and only ends a search when its context
// does, like a DHT walk that comes up empty.
type stalledRouting struct{}

func (stalledRouting) FindProvidersAsync(ctx context.Context, _ cid.Cid, _ int) <-chan peer.ID {
	ch := make(chan peer.ID)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}

func (stalledRouting) Provide(context.Context, cid.Cid) error { return nil }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RequestTimeout = 2 * time.Second
	cfg.ProviderSearchTimeout = 500 * time.Millisecond
	cfg.RebroadcastInterval = 0
	return cfg
}

type testNode struct {
	id     peer.ID
	engine *Engine
	net    *memNet
	store  blockstore.Blockstore
}

func (h *hub) addEngine(t *testing.T, id peer.ID, proto protocol.ID, cfg Config, routing ContentRouting) *testNode {
	t.Helper()
	n := h.add(id, proto)
	store := blockstore.NewMemory()
	e := NewEngine(cfg, store, n, routing, zaptest.NewLogger(t).Sugar())
	require.NoError(t, e.Start(context.Background()))
	h.mu.Lock()
	h.engines = append(h.engines, e)
	h.mu.Unlock()
	t.Cleanup(h.close)
	return &testNode{id: id, engine: e, net: n, store: store}
}

func mustAdd(t *testing.T, n *testNode, data []byte) block.Block {
	t.Helper()
	return mustAddTo(t, n.engine, data)
}

func mustAddTo(t *testing.T, e *Engine, data []byte) block.Block {
	t.Helper()
	b := block.NewBlock(data)
	require.NoError(t, e.AddBlock(context.Background(), b))
	return b
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}
