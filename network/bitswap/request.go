package bitswap

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"blockswap/core/block"
	"blockswap/core/cidutil"
	"blockswap/network/mtr"
	"blockswap/network/wantlist"
)

type requestState int

const (
	stateAwaitingPeer requestState = iota
	stateInFlight
	stateDone
)

func (s requestState) String() string {
	switch s {
	case stateAwaitingPeer:
		return "awaiting_peer"
	case stateInFlight:
		return "in_flight"
	default:
		return "done"
	}
}

type eventKind int

const (
	evHave eventKind = iota
	evDontHave
	evBlock
	evLocal
	evPeerGone
	evPeerJoined
	evProvider
	evDiscoveryDone
	evRebroadcast
)

type event struct {
	kind    eventKind
	peer    peer.ID
	payload Payload
}

// errPeerGone marks a failure caused by the serving peer disconnecting.
var errPeerGone = errors.New("peer disconnected")

// request drives one pending block fetch. All fields except events and ctx
// are owned by the run goroutine.
type request struct {
	e        *Engine
	id       cid.Cid
	gen      uint64
	priority wantlist.Priority
	log      *zap.SugaredLogger
	started  time.Time

	ctx    context.Context
	cancel context.CancelFunc
	events chan event

	state     requestState
	current   peer.ID
	sentAt    time.Time
	holdsSlot bool

	deadline  *clock.Timer
	rerequest *clock.Timer
	search    *clock.Timer
	// bandwidthWait is set once the current attempt had a payload dropped by
	// the inbound budget.
	bandwidthWait bool

	discoveryStarted bool
	routingDone      bool
	searchExpired    bool
	probes           map[peer.ID]struct{}

	lastErr     error
	lastTimeout bool
}

func newRequest(e *Engine, id cid.Cid, gen uint64, priority wantlist.Priority) *request {
	ctx, cancel := context.WithCancel(e.ctx)
	return &request{
		e:        e,
		id:       id,
		gen:      gen,
		priority: priority,
		log:      e.log.With("cid", id.String(), "trace", uuid.NewString()),
		started:  e.clk.Now(),
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan event, 32),
		probes:   make(map[peer.ID]struct{}),
	}
}

// post delivers ev to the driver, waiting for room. It returns false once
// the driver is gone.
func (r *request) post(ev event) bool {
	select {
	case r.events <- ev:
		return true
	case <-r.ctx.Done():
		return false
	}
}

// tryPost delivers ev only if the queue has room.
func (r *request) tryPost(ev event) {
	select {
	case r.events <- ev:
	default:
	}
}

func timerC(t *clock.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func (r *request) run() {
	defer r.e.wg.Done()
	defer r.cleanup()

	r.log.Debugw("request started", "priority", r.priority.String())
	if blk, ok := r.e.localBlock(r.id); ok {
		r.resolve(blk, nil)
		return
	}
	r.awaitPeer()

	for r.state != stateDone {
		select {
		case <-r.ctx.Done():
			r.abort()
			return
		case ev := <-r.events:
			r.handle(ev)
		case <-timerC(r.deadline):
			r.deadline = nil
			r.onDeadline()
		case <-timerC(r.rerequest):
			r.rerequest = nil
			r.onRerequest()
		case <-timerC(r.search):
			r.search = nil
			r.searchExpired = true
			if r.state == stateAwaitingPeer {
				r.awaitPeer()
			}
		}
	}
}

func (r *request) handle(ev event) {
	switch ev.kind {
	case evHave, evProvider:
		delete(r.probes, ev.peer)
		if ev.kind == evProvider {
			r.e.wants.NoteHave(ev.peer, r.id)
		}
		if r.state == stateAwaitingPeer {
			r.awaitPeer()
		}
	case evDontHave:
		delete(r.probes, ev.peer)
		if r.state == stateInFlight && ev.peer == r.current {
			r.failover(ev.peer, errors.Newf("peer %s does not have the block", ev.peer), false)
		} else if r.state == stateAwaitingPeer {
			r.awaitPeer()
		}
	case evBlock, evLocal:
		r.onBlock(ev.peer, ev.payload, ev.kind == evLocal)
	case evPeerGone:
		delete(r.probes, ev.peer)
		if r.state == stateInFlight && ev.peer == r.current {
			r.failover(ev.peer, errPeerGone, false)
		} else if r.state == stateAwaitingPeer {
			r.awaitPeer()
		}
	case evPeerJoined:
		if r.state == stateAwaitingPeer && r.discoveryStarted {
			r.probe([]peer.ID{ev.peer})
			r.awaitPeer()
		}
	case evDiscoveryDone:
		r.routingDone = true
		if r.state == stateAwaitingPeer {
			r.awaitPeer()
		}
	case evRebroadcast:
		if r.state == stateAwaitingPeer && r.discoveryStarted {
			r.probe(r.e.net.ConnectedPeers())
		}
	}
}

// awaitPeer moves an AwaitingPeer request forward. It returns with a
// want-block in flight, with the request waiting for a signal, or done.
func (r *request) awaitPeer() {
	for r.state == stateAwaitingPeer {
		p, ok := r.pickCandidate()
		if !ok {
			if r.discoveryExhausted() {
				r.exhaust()
				return
			}
			r.startDiscovery()
			return
		}
		if err := r.e.conns.Acquire(r.ctx); err != nil {
			return
		}
		r.holdsSlot = true
		if err := r.sendWantBlock(p); err != nil {
			r.fail(p, err, false)
			continue
		}
		r.state = stateInFlight
	}
}

// pending returns this request's wantlist entry. A request that was
// replaced by a newer one for the same block finds nothing.
func (r *request) pending() (wantlist.PendingRequest, bool) {
	pending, ok := r.e.wants.Pending(r.id)
	if !ok || pending.Generation != r.gen {
		return wantlist.PendingRequest{}, false
	}
	return pending, true
}

// pickCandidate returns the best untried provider whose breaker admits a
// request. Connected legacy peers cannot answer presence probes, so they are
// asked directly once known providers run out.
func (r *request) pickCandidate() (peer.ID, bool) {
	return r.candidate(r.e.peerBreakers.IsBlocked)
}

// hasCandidate reports whether pickCandidate could return a peer, without
// admitting a breaker trial.
func (r *request) hasCandidate() bool {
	_, ok := r.candidate(r.e.peerBreakers.Blocked)
	return ok
}

func (r *request) candidate(blocked func(key string) bool) (peer.ID, bool) {
	pending, ok := r.pending()
	if !ok {
		return "", false
	}
	for _, p := range r.e.wants.Candidates(r.id, pending.TriedPeers) {
		if !blocked(p.String()) {
			return p, true
		}
	}
	for _, p := range r.e.net.ConnectedPeers() {
		if _, tried := pending.TriedPeers[p]; tried {
			continue
		}
		l := r.e.ledger(p)
		if l == nil || l.strategy().supportsPresence() {
			continue
		}
		if !blocked(p.String()) {
			return p, true
		}
	}
	return "", false
}

func (r *request) discoveryExhausted() bool {
	if !r.discoveryStarted {
		return false
	}
	return r.searchExpired || (r.routingDone && len(r.probes) == 0)
}

// startDiscovery probes connected peers and queries content routing. It
// runs once per request.
func (r *request) startDiscovery() {
	if r.discoveryStarted {
		return
	}
	r.discoveryStarted = true
	r.search = r.e.clk.Timer(r.e.cfg.ProviderSearchTimeout)
	r.probe(r.e.net.ConnectedPeers())

	if r.e.routing == nil {
		r.routingDone = true
		if len(r.probes) == 0 {
			r.exhaust()
		}
		return
	}
	ctx, cancel := context.WithTimeout(r.ctx, r.e.cfg.ProviderSearchTimeout)
	self := r.e.net.Self()
	started := r.e.goTracked(func() {
		defer cancel()
		for p := range r.e.routing.FindProvidersAsync(ctx, r.id, r.e.cfg.MaxProviders) {
			if p == self {
				continue
			}
			if !r.post(event{kind: evProvider, peer: p}) {
				return
			}
		}
		r.post(event{kind: evDiscoveryDone})
	})
	if !started {
		cancel()
	}
}

// probe sends want-have to presence-capable peers not yet tried.
func (r *request) probe(peers []peer.ID) {
	pending, ok := r.pending()
	if !ok {
		return
	}
	for _, p := range peers {
		if _, tried := pending.TriedPeers[p]; tried {
			continue
		}
		l := r.e.ledger(p)
		if l == nil {
			continue
		}
		msg := l.strategy().wantHave([]cid.Cid{r.id})
		if msg == nil {
			continue
		}
		if err := r.e.send(p, msg); err != nil {
			continue
		}
		r.probes[p] = struct{}{}
	}
}

func (r *request) sendWantBlock(p peer.ID) error {
	msg := presenceStrategy{}.wantBlock(r.id, r.priority)
	if l := r.e.ledger(p); l != nil {
		msg = l.strategy().wantBlock(r.id, r.priority)
	}
	r.e.wants.RecordAttempt(r.id, r.gen, p)
	r.current = p
	r.sentAt = r.e.clk.Now()
	if err := r.e.send(p, msg); err != nil {
		return err
	}
	r.bandwidthWait = false
	r.stopTimer(&r.deadline)
	r.deadline = r.e.clk.Timer(r.e.cfg.RequestTimeout)
	r.log.Debugw("want-block sent", "peer", p)
	return nil
}

func (r *request) onDeadline() {
	if r.state != stateInFlight {
		return
	}
	if r.bandwidthWait {
		r.resolve(nil, errors.WithDetailf(
			errors.Wrapf(ErrBandwidthExceeded, "block %s", r.id),
			"payload from %s dropped by the inbound budget", r.current))
		return
	}
	r.failover(r.current, errors.Wrapf(ErrTimeout, "peer %s", r.current), true)
}

// onRerequest asks the current peer again after a bandwidth rejection.
func (r *request) onRerequest() {
	if r.state != stateInFlight || !r.bandwidthWait {
		return
	}
	msg := presenceStrategy{}.wantBlock(r.id, r.priority)
	if l := r.e.ledger(r.current); l != nil {
		msg = l.strategy().wantBlock(r.id, r.priority)
	}
	if err := r.e.send(r.current, msg); err != nil {
		r.failover(r.current, err, false)
	}
}

func (r *request) onBlock(from peer.ID, payload Payload, local bool) {
	if r.state == stateDone {
		return
	}
	if local {
		r.resolve(block.NewBlockWithID(r.id, payload.Data), nil)
		return
	}
	if !cidutil.Verify(r.id, payload.Data) {
		mtr.IntegrityMismatchTotal.Inc()
		r.log.Warnw("integrity mismatch", "peer", from, "size", len(payload.Data))
		cause := errors.Wrapf(ErrIntegrityMismatch, "from peer %s", from)
		if r.state == stateInFlight && from == r.current {
			r.failover(from, cause, false)
			return
		}
		r.e.registry.RecordFailure(from)
		r.e.peerBreakers.Failure(from.String())
		return
	}
	if !r.e.conns.RecordReceived(len(payload.Data), r.e.cfg.RecvLimit) {
		mtr.BandwidthRejectedTotal.WithLabelValues("in").Inc()
		r.log.Debugw("payload dropped by inbound budget", "peer", from, "size", len(payload.Data))
		if r.state == stateInFlight && from == r.current {
			r.bandwidthWait = true
			if r.rerequest == nil {
				r.rerequest = r.e.clk.Timer(r.e.conns.Window())
			}
		}
		return
	}

	blk := block.NewBlockWithID(r.id, payload.Data)
	if err := r.e.store.Put(blk); err != nil {
		r.log.Errorw("failed to store block", "error", err)
		r.resolve(nil, errors.Wrapf(err, "store block %s", r.id))
		return
	}

	var latency time.Duration
	if from == r.current {
		latency = r.e.clk.Since(r.sentAt)
	}
	r.e.registry.RecordSuccess(from, blk.Size(), latency)
	r.e.peerBreakers.Success(from.String())
	r.e.blockBreakers.Success(r.id.String())
	r.e.stats.blocksReceived.Add(1)
	r.e.stats.dataReceived.Add(uint64(blk.Size()))
	mtr.BlocksReceivedTotal.Inc()

	r.e.blockAdded(blk, from)
	r.resolve(blk, nil)
}

// failover records a fault of p and moves on to the next candidate.
func (r *request) failover(p peer.ID, cause error, timeout bool) {
	r.fail(p, cause, timeout)
	r.awaitPeer()
}

// fail records a fault of p. The request is exhausted once the retry
// budget is spent or no candidate is left, otherwise it returns to
// AwaitingPeer. Losing the last known provider ends the request at once
// instead of waiting out another provider search.
func (r *request) fail(p peer.ID, cause error, timeout bool) {
	r.e.registry.RecordFailure(p)
	r.e.peerBreakers.Failure(p.String())
	r.e.blockBreakers.Failure(r.id.String())
	r.e.wants.RecordAttempt(r.id, r.gen, p)
	retries := r.e.wants.RecordRetry(r.id, r.gen)
	mtr.NetworkRetriesTotal.Inc()

	r.stopTimer(&r.deadline)
	r.stopTimer(&r.rerequest)
	r.bandwidthWait = false
	r.releaseSlot()
	if timeout || cause == errPeerGone {
		mtr.NetworkErrorsTotal.WithLabelValues("timeout").Inc()
	}
	if timeout {
		r.sendCancel(p)
	}

	r.lastErr = cause
	r.lastTimeout = timeout
	r.current = ""
	r.state = stateAwaitingPeer
	r.log.Debugw("attempt failed", "peer", p, "retries", retries, "error", cause)

	if int(retries) >= r.e.cfg.MaxRetries || !r.hasCandidate() {
		r.exhaust()
	}
}

func (r *request) exhaust() {
	sentinel := ErrProviderNotFound
	if r.lastTimeout {
		sentinel = ErrTimeout
	}
	err := errors.Wrapf(sentinel, "block %s", r.id)
	if r.lastErr != nil {
		err = errors.WithDetailf(err, "last peer fault: %v", r.lastErr)
	}
	if sentinel == ErrProviderNotFound {
		mtr.BlocksNotFoundTotal.Inc()
	}
	r.resolve(nil, err)
}

func (r *request) resolve(blk block.Block, err error) {
	r.stopTimers()
	r.releaseSlot()
	r.state = stateDone
	n := r.e.wants.ResolveRequest(r.id, r.gen, blk, err)

	outcome := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrTimeout):
		outcome = "timeout"
	case errors.Is(err, ErrProviderNotFound):
		outcome = "not_found"
	case errors.Is(err, ErrBandwidthExceeded):
		outcome = "bandwidth"
	case errors.Is(err, ErrClosed):
		outcome = "closed"
	default:
		outcome = "error"
	}
	mtr.RequestsTotal.WithLabelValues(outcome).Inc()
	mtr.RequestDuration.Observe(r.e.clk.Since(r.started).Seconds())
	if err != nil {
		r.log.Infow("request failed", "subscribers", n, "error", err)
	} else {
		r.log.Debugw("request fulfilled", "subscribers", n)
	}
}

// abort ends a request whose context was cancelled by the caller or Close.
func (r *request) abort() {
	if r.state == stateInFlight && r.e.ctx.Err() == nil {
		r.sendCancel(r.current)
	}
	r.stopTimers()
	r.releaseSlot()
	r.state = stateDone
	if r.e.ctx.Err() != nil {
		r.e.wants.ResolveRequest(r.id, r.gen, nil, errors.Wrapf(ErrClosed, "block %s", r.id))
		mtr.RequestsTotal.WithLabelValues("closed").Inc()
		return
	}
	mtr.RequestsTotal.WithLabelValues("canceled").Inc()
	r.log.Debug("request canceled")
}

func (r *request) sendCancel(p peer.ID) {
	if p == "" {
		return
	}
	msg := presenceStrategy{}.cancel(r.id)
	if l := r.e.ledger(p); l != nil {
		msg = l.strategy().cancel(r.id)
	}
	_ = r.e.send(p, msg)
}

func (r *request) releaseSlot() {
	if r.holdsSlot {
		r.holdsSlot = false
		r.e.conns.Release()
	}
}

func (r *request) stopTimer(t **clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (r *request) stopTimers() {
	r.stopTimer(&r.deadline)
	r.stopTimer(&r.rerequest)
	r.stopTimer(&r.search)
}

func (r *request) cleanup() {
	r.stopTimers()
	r.releaseSlot()
	r.cancel()
	r.e.dropRequest(r)
}
