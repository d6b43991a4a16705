// Package bitswap implements the block exchange engine: it fetches wanted
// blocks from peers, serves local blocks to peers, and isolates faulty peers
// and blocks behind circuit breakers.
package bitswap

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/errors"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"go.uber.org/zap"

	"blockswap/core/block"
	"blockswap/core/blockstore"
	"blockswap/network/breaker"
	"blockswap/network/connmgr"
	"blockswap/network/mtr"
	pr "blockswap/network/peer_registry"
	"blockswap/network/wantlist"
)

// Engine is the block exchange engine.
type Engine struct {
	cfg     Config
	log     *zap.SugaredLogger
	clk     clock.Clock
	store   blockstore.Blockstore
	net     Network
	routing ContentRouting

	registry      *pr.Registry
	wants         *wantlist.Wantlist
	peerBreakers  *breaker.Table
	blockBreakers *breaker.Table
	serveBreakers *breaker.Table
	conns         *connmgr.Manager

	mu       sync.RWMutex
	ledgers  map[peer.ID]*ledger
	requests map[cid.Cid]*request
	provided map[cid.Cid]struct{}
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stats engineStats
}

type engineStats struct {
	localHits      atomic.Uint64
	blocksReceived atomic.Uint64
	dataReceived   atomic.Uint64
	dupReceived    atomic.Uint64
	blocksSent     atomic.Uint64
	dataSent       atomic.Uint64
}

// NewEngine creates an engine. routing may be nil, in which case discovery
// relies on presence probes alone.
func NewEngine(cfg Config, store blockstore.Blockstore, net Network, routing ContentRouting, log *zap.SugaredLogger) *Engine {
	cfg.withDefaults()
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:           cfg,
		log:           log.Named("bitswap"),
		clk:           cfg.Clock,
		store:         store,
		net:           net,
		routing:       routing,
		registry:      cfg.Registry,
		peerBreakers:  breaker.NewTable(breaker.KindPeer, cfg.PeerBreaker, cfg.Clock),
		blockBreakers: breaker.NewTable(breaker.KindBlock, cfg.BlockBreaker, cfg.Clock),
		serveBreakers: breaker.NewTable("serve", cfg.ServeBreaker, cfg.Clock),
		conns:         connmgr.New(connmgr.Config{MaxConnections: cfg.MaxConnections, Window: cfg.BandwidthWindow}, cfg.Clock),
		ledgers:       make(map[peer.ID]*ledger),
		requests:      make(map[cid.Cid]*request),
		provided:      make(map[cid.Cid]struct{}),
		ctx:           ctx,
		cancel:        cancel,
	}
	e.wants = wantlist.New(e.registry, e.peerBreakers, cfg.Clock)
	e.wants.SetServingLimit(cfg.MaxServingPerPeer)
	for _, t := range []*breaker.Table{e.peerBreakers, e.blockBreakers, e.serveBreakers} {
		t.OnStateChange(e.onBreakerChange)
		t.OnReject(e.onBreakerReject)
	}
	return e
}

func (e *Engine) onBreakerChange(kind, key string, from, to breaker.State) {
	mtr.CircuitTransitionsTotal.WithLabelValues(kind, to.String()).Inc()
	if to == breaker.Open {
		e.log.Warnw("circuit opened", "kind", kind, "key", key, "from", from.String())
	} else {
		e.log.Debugw("circuit transition", "kind", kind, "key", key, "from", from.String(), "to", to.String())
	}
}

func (e *Engine) onBreakerReject(kind, key string) {
	mtr.CircuitTransitionsTotal.WithLabelValues(kind, "reject").Inc()
}

// Start attaches the engine to the network, announces stored blocks and
// starts the rebroadcast loop.
func (e *Engine) Start(ctx context.Context) error {
	e.net.SetDelegate(e)

	keys, err := e.store.AllKeysChan(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to list stored blocks")
	}
	var loaded []cid.Cid
	for id := range keys {
		loaded = append(loaded, id)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	for _, id := range loaded {
		e.provided[id] = struct{}{}
	}
	e.mu.Unlock()
	e.log.Infow("engine started", "provided", len(loaded), "self", e.net.Self())

	if e.routing != nil && len(loaded) > 0 {
		e.goTracked(func() { e.reprovide(loaded) })
	}
	if e.cfg.RebroadcastInterval > 0 {
		e.goTracked(e.rebroadcastLoop)
	}
	e.goTracked(e.sweepLoop)
	return nil
}

// Close stops every request and background task. Pending callers receive ErrClosed.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	for _, entry := range e.wants.Entries() {
		e.wants.Resolve(entry.ID, nil, errors.Wrapf(ErrClosed, "block %s", entry.ID))
	}
	e.log.Info("engine closed")
	return nil
}

// goTracked runs fn in a goroutine Close waits for. It is a no-op once closed.
func (e *Engine) goTracked(fn func()) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.wg.Add(1)
	e.mu.Unlock()
	go func() {
		defer e.wg.Done()
		fn()
	}()
	return true
}

func (e *Engine) isClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

// GetBlock returns the block for id, fetching it from peers if needed.
// Concurrent callers for the same id share one network request.
func (e *Engine) GetBlock(ctx context.Context, id cid.Cid, priority wantlist.Priority) (block.Block, error) {
	if !id.Defined() {
		return nil, errors.New("undefined cid")
	}
	if e.isClosed() {
		return nil, ErrClosed
	}
	if blk, ok := e.localBlock(id); ok {
		e.stats.localHits.Add(1)
		return blk, nil
	}

	sub, created := e.wants.Want(id, priority, wantlist.FullBlock)
	if created {
		if e.blockBreakers.IsBlocked(id.String()) {
			e.wants.ResolveRequest(id, sub.Generation(), nil, errors.Wrapf(ErrCircuitOpen, "block %s", id))
		} else {
			e.startRequest(id, sub.Generation(), priority)
		}
	}

	select {
	case res := <-sub.Done():
		return res.Block, res.Err
	case <-ctx.Done():
		e.wants.Unsubscribe(sub)
		// the outcome may have been delivered while we were leaving
		select {
		case res := <-sub.Done():
			if res.Err == nil {
				return res.Block, nil
			}
		default:
		}
		return nil, errors.Wrapf(ctx.Err(), "waiting for block %s", id)
	}
}

func (e *Engine) localBlock(id cid.Cid) (block.Block, bool) {
	has, err := e.store.Has(id)
	if err != nil || !has {
		return nil, false
	}
	blk, err := e.store.Get(id)
	if err != nil {
		return nil, false
	}
	return blk, true
}

// startRequest launches the driver for a newly created pending request.
func (e *Engine) startRequest(id cid.Cid, gen uint64, priority wantlist.Priority) {
	r := newRequest(e, id, gen, priority)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		r.cancel()
		e.wants.ResolveRequest(id, gen, nil, errors.Wrapf(ErrClosed, "block %s", id))
		return
	}
	e.requests[id] = r
	e.wg.Add(1)
	e.mu.Unlock()

	if !e.wants.Attach(id, gen, r.cancel) {
		// resolved or cancelled before the driver existed
		r.cancel()
		e.dropRequest(r)
		e.wg.Done()
		return
	}
	go r.run()
}

func (e *Engine) dropRequest(r *request) {
	e.mu.Lock()
	if e.requests[r.id] == r {
		delete(e.requests, r.id)
	}
	e.mu.Unlock()
}

func (e *Engine) requestFor(id cid.Cid) *request {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.requests[id]
}

func (e *Engine) activeRequests() []*request {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*request, 0, len(e.requests))
	for _, r := range e.requests {
		out = append(out, r)
	}
	return out
}

// CancelRequest drops local demand for id. Waiting callers receive
// ErrCanceled. Cancelling an unknown id does nothing.
func (e *Engine) CancelRequest(id cid.Cid) bool {
	return e.wants.Cancel(id)
}

// AddBlock stores a locally authored block and announces it.
func (e *Engine) AddBlock(ctx context.Context, blk block.Block) error {
	if e.isClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.store.Put(blk); err != nil {
		return errors.Wrapf(err, "failed to add block %s", blk.ID())
	}
	e.blockAdded(blk, "")
	return nil
}

// blockAdded runs after blk reached the store. from is the peer it came
// from, empty for local blocks.
func (e *Engine) blockAdded(blk block.Block, from peer.ID) {
	id := blk.ID()
	e.mu.Lock()
	e.provided[id] = struct{}{}
	e.mu.Unlock()

	if from == "" {
		if r := e.requestFor(id); r == nil || !r.post(event{kind: evLocal, payload: Payload{ID: id, Data: blk.RawData()}}) {
			e.wants.Resolve(id, blk, nil)
		}
	}

	if e.routing != nil {
		e.goTracked(func() {
			if err := e.routing.Provide(e.ctx, id); err != nil && e.ctx.Err() == nil {
				e.log.Debugw("provide failed", "cid", id, "error", err)
			}
		})
	}
	e.notifyWaiting(blk, from)
}

// notifyWaiting tells peers that asked us for blk while we lacked it.
func (e *Engine) notifyWaiting(blk block.Block, from peer.ID) {
	waiting := e.wants.TakePeersWanting(blk.ID())
	for p, wt := range waiting {
		if p == from {
			continue
		}
		l := e.ledger(p)
		if l == nil {
			continue
		}
		st := l.strategy()
		if wt == wantlist.FullBlock && e.conns.RecordSent(blk.Size(), e.cfg.SendLimit) {
			e.sendBlock(p, l, blk)
			continue
		}
		e.send(p, st.have(blk.ID()))
	}
}

// HasBlock reports whether the store holds id.
func (e *Engine) HasBlock(id cid.Cid) (bool, error) {
	return e.store.Has(id)
}

// IsProvided reports whether the engine announced id to the network.
func (e *Engine) IsProvided(id cid.Cid) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.provided[id]
	return ok
}

// Wantlist returns the blocks currently wanted, most urgent first.
func (e *Engine) Wantlist() []wantlist.Entry {
	return e.wants.Entries()
}

// Pending returns the in-progress request for id.
func (e *Engine) Pending(id cid.Cid) (wantlist.PendingRequest, bool) {
	return e.wants.Pending(id)
}

// Registry exposes the provider registry.
func (e *Engine) Registry() *pr.Registry { return e.registry }

// Peers returns a snapshot of connected peers.
func (e *Engine) Peers() []PeerInfo {
	e.mu.RLock()
	ledgers := make([]*ledger, 0, len(e.ledgers))
	for _, l := range e.ledgers {
		ledgers = append(ledgers, l)
	}
	e.mu.RUnlock()

	now := e.clk.Now()
	out := make([]PeerInfo, 0, len(ledgers))
	for _, l := range ledgers {
		info := l.info()
		if s, ok := e.registry.Score(l.peer); ok {
			info.Score = s.PerformanceMetric(now)
			info.AvgLatency = s.AvgResponseTimeUs
		}
		info.Breaker = e.peerBreakers.State(l.peer.String()).String()
		out = append(out, info)
	}
	return out
}

// Stat is a point-in-time summary of the engine.
type Stat struct {
	Wantlist          []wantlist.Entry `json:"wantlist"`
	Peers             int              `json:"peers"`
	ActiveRequests    int              `json:"active_requests"`
	Serving           int              `json:"serving"`
	Provided          int              `json:"provided"`
	LocalHits         uint64           `json:"local_hits"`
	BlocksReceived    uint64           `json:"blocks_received"`
	DataReceived      uint64           `json:"data_received"`
	DupBlocksReceived uint64           `json:"dup_blocks_received"`
	BlocksSent        uint64           `json:"blocks_sent"`
	DataSent          uint64           `json:"data_sent"`
	Connections       connmgr.Stats    `json:"connections"`
	Breakers          []breaker.Entry  `json:"open_breakers"`
}

// Stat summarizes the engine.
func (e *Engine) Stat() Stat {
	e.mu.RLock()
	peers, active, provided := len(e.ledgers), len(e.requests), len(e.provided)
	e.mu.RUnlock()

	var open []breaker.Entry
	for _, t := range []*breaker.Table{e.peerBreakers, e.blockBreakers, e.serveBreakers} {
		for _, en := range t.Snapshot() {
			if en.State != breaker.Closed.String() {
				open = append(open, en)
			}
		}
	}
	return Stat{
		Wantlist:          e.wants.Entries(),
		Peers:             peers,
		ActiveRequests:    active,
		Serving:           e.wants.ServingLen(),
		Provided:          provided,
		LocalHits:         e.stats.localHits.Load(),
		BlocksReceived:    e.stats.blocksReceived.Load(),
		DataReceived:      e.stats.dataReceived.Load(),
		DupBlocksReceived: e.stats.dupReceived.Load(),
		BlocksSent:        e.stats.blocksSent.Load(),
		DataSent:          e.stats.dataSent.Load(),
		Connections:       e.conns.Stats(),
		Breakers:          open,
	}
}

func (e *Engine) ledger(p peer.ID) *ledger {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ledgers[p]
}

// ledgerFor returns the ledger for p, creating an unnegotiated one for peers
// that message us before the network announced them.
func (e *Engine) ledgerFor(p peer.ID) *ledger {
	if l := e.ledger(p); l != nil {
		return l
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.ledgers[p]
	if !ok {
		l = newLedger(p, e.cfg.InboundRate, e.cfg.InboundBurst, e.cfg.PresenceTTL, e.clk.Now())
		e.ledgers[p] = l
		mtr.ActivePeers.Set(float64(len(e.ledgers)))
	}
	return l
}

// PeerConnected records the peer and fixes its protocol strategy.
func (e *Engine) PeerConnected(p peer.ID, proto protocol.ID) {
	if e.isClosed() {
		return
	}
	l := e.ledgerFor(p)
	l.negotiate(proto)
	e.registry.OnConnected(p, nil, pr.ConnUnknown)
	mtr.PeerConnectionsTotal.Inc()
	e.log.Debugw("peer connected", "peer", p, "protocol", proto)

	for _, r := range e.activeRequests() {
		r.tryPost(event{kind: evPeerJoined, peer: p})
	}
}

// PeerDisconnected forgets the peer and fails requests in flight to it.
func (e *Engine) PeerDisconnected(p peer.ID) {
	e.mu.Lock()
	_, known := e.ledgers[p]
	delete(e.ledgers, p)
	n := len(e.ledgers)
	e.mu.Unlock()
	if !known {
		return
	}
	mtr.ActivePeers.Set(float64(n))
	mtr.PeerDisconnectionsTotal.Inc()
	e.registry.Remove(p)
	e.wants.RemovePeer(p)
	e.log.Debugw("peer disconnected", "peer", p)

	requests := e.activeRequests()
	e.goTracked(func() {
		for _, r := range requests {
			r.post(event{kind: evPeerGone, peer: p})
		}
	})
}

// ReceiveMessage handles one inbound message on its own goroutine.
func (e *Engine) ReceiveMessage(_ context.Context, from peer.ID, msg *Message) {
	if msg.Empty() {
		return
	}
	e.goTracked(func() { e.handleMessage(from, msg) })
}

func (e *Engine) handleMessage(from peer.ID, msg *Message) {
	l := e.ledgerFor(from)
	for _, k := range msg.kinds() {
		mtr.NetworkMessagesTotal.WithLabelValues(k, "in").Inc()
	}

	for _, p := range msg.Presences {
		kind := evHave
		if p.Type == PresenceHave {
			e.wants.NoteHave(from, p.ID)
		} else {
			kind = evDontHave
			e.wants.NoteDontHave(from, p.ID)
		}
		if r := e.requestFor(p.ID); r != nil {
			r.post(event{kind: kind, peer: from})
		}
	}

	for _, b := range msg.Blocks {
		l.received(len(b.Data))
		mtr.BandwidthBytesTotal.WithLabelValues("in").Add(float64(len(b.Data)))
		r := e.requestFor(b.ID)
		if r == nil {
			e.stats.dupReceived.Add(1)
			e.log.Debugw("dropping unrequested block", "cid", b.ID, "peer", from)
			continue
		}
		r.post(event{kind: evBlock, peer: from, payload: b})
	}

	if len(msg.Wants) > 0 {
		e.serve(from, l, msg.Wants)
	}
}

// send hands msg to the network. Nil or empty messages are skipped.
func (e *Engine) send(p peer.ID, msg *Message) error {
	if msg.Empty() {
		return nil
	}
	for _, k := range msg.kinds() {
		mtr.NetworkMessagesTotal.WithLabelValues(k, "out").Inc()
	}
	if err := e.net.SendMessage(e.ctx, p, msg); err != nil {
		mtr.NetworkErrorsTotal.WithLabelValues("send").Inc()
		return errors.Wrapf(err, "send to %s", p)
	}
	return nil
}

func (e *Engine) sendBlock(p peer.ID, l *ledger, blk block.Block) {
	data := blk.RawData()
	if err := e.send(p, &Message{Blocks: []Payload{{ID: blk.ID(), Data: data}}}); err != nil {
		e.log.Debugw("failed to send block", "cid", blk.ID(), "peer", p, "error", err)
		return
	}
	l.sent(len(data))
	e.stats.blocksSent.Add(1)
	e.stats.dataSent.Add(uint64(len(data)))
	mtr.BlocksSentTotal.Inc()
	mtr.BandwidthBytesTotal.WithLabelValues("out").Add(float64(len(data)))
}

func (e *Engine) rebroadcastLoop() {
	ticker := e.clk.Ticker(e.cfg.RebroadcastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, r := range e.activeRequests() {
				r.tryPost(event{kind: evRebroadcast})
			}
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *Engine) reprovide(ids []cid.Cid) {
	for _, id := range ids {
		if e.ctx.Err() != nil {
			return
		}
		if err := e.routing.Provide(e.ctx, id); err != nil && e.ctx.Err() == nil {
			e.log.Debugw("reprovide failed", "cid", id, "error", err)
		}
	}
}

// sweepLoop drops state that would otherwise only grow: expired presence
// marks and breakers that have been idle since their last failure.
func (e *Engine) sweepLoop() {
	ticker := e.clk.Ticker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.sweep()
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *Engine) sweep() {
	e.mu.RLock()
	ledgers := make([]*ledger, 0, len(e.ledgers))
	for _, l := range e.ledgers {
		ledgers = append(ledgers, l)
	}
	e.mu.RUnlock()
	for _, l := range ledgers {
		l.presence.DeleteExpired()
	}

	pruned := 0
	for _, t := range []*breaker.Table{e.peerBreakers, e.blockBreakers, e.serveBreakers} {
		pruned += t.Prune(e.cfg.BreakerIdle)
	}
	if pruned > 0 {
		e.log.Debugw("pruned idle breakers", "count", pruned)
	}
}
