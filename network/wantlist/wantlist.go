// Package wantlist is the demand ledger of the exchange: which blocks we
// want, who is waiting on them, and which peers want blocks from us.
package wantlist

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/errors"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"

	"blockswap/core/block"
	"blockswap/network/breaker"
	"blockswap/network/peer_registry"
)

// ErrCanceled resolves subscribers of a cancelled request.
var ErrCanceled = errors.New("block request canceled")

// Priority orders wants; higher is more urgent.
type Priority int32

const (
	Low Priority = iota
	Normal
	High
	Urgent
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	case Urgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// ParsePriority maps a priority name to its value.
func ParsePriority(s string) (Priority, error) {
	for p := Low; p <= Urgent; p++ {
		if p.String() == s {
			return p, nil
		}
	}
	return Normal, errors.Newf("unknown priority %q", s)
}

// WantType says whether a presence answer suffices or the payload is needed.
type WantType int

const (
	HaveOnly WantType = iota
	FullBlock
)

func (w WantType) String() string {
	if w == HaveOnly {
		return "have"
	}
	return "block"
}

// Entry is one wanted block.
type Entry struct {
	ID       cid.Cid  `json:"cid"`
	Priority Priority `json:"priority"`
	WantType WantType `json:"want_type"`
}

// PendingRequest is the single in-progress fetch for a block. Generation
// tells apart successive requests for the same block.
type PendingRequest struct {
	ID            cid.Cid
	Generation    uint64
	TriedPeers    map[peer.ID]struct{}
	RetryCount    uint32
	Priority      Priority
	CreatedAt     time.Time
	LastAttemptAt time.Time
}

// Result is delivered once to every subscriber of a request.
type Result struct {
	Block block.Block
	Err   error
}

// Subscription is one caller waiting on a request.
type Subscription struct {
	id  cid.Cid
	gen uint64
	ch  chan Result
}

// ID returns the awaited block.
func (s *Subscription) ID() cid.Cid { return s.id }

// Generation identifies the request the subscription joined.
func (s *Subscription) Generation() uint64 { return s.gen }

// Done yields the request outcome exactly once.
func (s *Subscription) Done() <-chan Result { return s.ch }

type pending struct {
	req  PendingRequest
	subs map[*Subscription]struct{}
	stop func()
}

// Wantlist tracks local demand and the serving ledger.
type Wantlist struct {
	clk      clock.Clock
	registry *peer_registry.Registry
	breakers *breaker.Table

	mu      sync.Mutex
	gen     uint64
	entries map[cid.Cid]*Entry
	pending map[cid.Cid]*pending
	// serving holds peers that asked us for a block we did not have yet.
	serving      map[cid.Cid]map[peer.ID]WantType
	servingCount map[peer.ID]int
	servingLimit int
}

// DefaultServingLimit is the number of blocks one peer may wait on from us.
const DefaultServingLimit = 1024

// New creates a wantlist that ranks candidates from registry and filters
// them through the peer breaker table.
func New(registry *peer_registry.Registry, peerBreakers *breaker.Table, clk clock.Clock) *Wantlist {
	if clk == nil {
		clk = clock.New()
	}
	return &Wantlist{
		clk:      clk,
		registry: registry,
		breakers: peerBreakers,
		entries:  make(map[cid.Cid]*Entry),
		pending:  make(map[cid.Cid]*pending),
		serving:  make(map[cid.Cid]map[peer.ID]WantType),

		servingCount: make(map[peer.ID]int),
		servingLimit: DefaultServingLimit,
	}
}

// SetServingLimit caps the serving entries kept per peer.
func (w *Wantlist) SetServingLimit(n int) {
	if n <= 0 {
		n = DefaultServingLimit
	}
	w.mu.Lock()
	w.servingLimit = n
	w.mu.Unlock()
}

// Want registers demand for id and subscribes the caller. created is true
// only for the caller that must start fetching; later callers attach to the
// existing request. Priority and want type only ever rise.
func (w *Wantlist) Want(id cid.Cid, priority Priority, wantType WantType) (*Subscription, bool) {
	now := w.clk.Now()
	sub := &Subscription{id: id, ch: make(chan Result, 1)}

	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.entries[id]
	if !ok {
		e = &Entry{ID: id, Priority: priority, WantType: wantType}
		w.entries[id] = e
	} else {
		if priority > e.Priority {
			e.Priority = priority
		}
		if wantType > e.WantType {
			e.WantType = wantType
		}
	}

	if p, ok := w.pending[id]; ok {
		sub.gen = p.req.Generation
		p.subs[sub] = struct{}{}
		if priority > p.req.Priority {
			p.req.Priority = priority
		}
		return sub, false
	}
	w.gen++
	sub.gen = w.gen
	w.pending[id] = &pending{
		req: PendingRequest{
			ID:         id,
			Generation: w.gen,
			TriedPeers: make(map[peer.ID]struct{}),
			Priority:   e.Priority,
			CreatedAt:  now,
		},
		subs: map[*Subscription]struct{}{sub: {}},
	}
	return sub, true
}

// lookup returns the request for id if it is generation gen. Caller holds mu.
func (w *Wantlist) lookup(id cid.Cid, gen uint64) *pending {
	p, ok := w.pending[id]
	if !ok || p.req.Generation != gen {
		return nil
	}
	return p
}

// Attach registers the function that stops the driver of request gen for
// id. It returns false if that request is already gone, in which case stop
// is not kept.
func (w *Wantlist) Attach(id cid.Cid, gen uint64, stop func()) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	p := w.lookup(id, gen)
	if p == nil {
		return false
	}
	p.stop = stop
	return true
}

// take removes the request and entry for id. Caller holds mu.
func (w *Wantlist) take(id cid.Cid) *pending {
	p, ok := w.pending[id]
	if !ok {
		return nil
	}
	delete(w.pending, id)
	delete(w.entries, id)
	return p
}

func deliver(p *pending, res Result) {
	for sub := range p.subs {
		sub.ch <- res
	}
}

// Cancel drops the request for id, stops its driver and resolves every
// subscriber with ErrCanceled. Cancelling an unknown id is a no-op.
func (w *Wantlist) Cancel(id cid.Cid) bool {
	w.mu.Lock()
	p := w.take(id)
	w.mu.Unlock()
	if p == nil {
		return false
	}
	if p.stop != nil {
		p.stop()
	}
	deliver(p, Result{Err: errors.Wrapf(ErrCanceled, "%s", id)})
	return true
}

// Resolve delivers the outcome to every subscriber of whichever request
// is pending for id and forgets it. It returns the number of subscribers
// notified.
func (w *Wantlist) Resolve(id cid.Cid, blk block.Block, err error) int {
	w.mu.Lock()
	p := w.take(id)
	w.mu.Unlock()
	if p == nil {
		return 0
	}
	deliver(p, Result{Block: blk, Err: err})
	return len(p.subs)
}

// ResolveRequest is Resolve restricted to request gen. An outcome for a
// request that was already replaced reaches nobody.
func (w *Wantlist) ResolveRequest(id cid.Cid, gen uint64, blk block.Block, err error) int {
	w.mu.Lock()
	if w.lookup(id, gen) == nil {
		w.mu.Unlock()
		return 0
	}
	p := w.take(id)
	w.mu.Unlock()
	deliver(p, Result{Block: blk, Err: err})
	return len(p.subs)
}

// Unsubscribe removes a caller that stopped waiting and returns how many
// remain. When the last subscriber leaves the request is cancelled in the
// same step, so a concurrent Want never attaches to a dying request.
func (w *Wantlist) Unsubscribe(sub *Subscription) int {
	w.mu.Lock()
	p, ok := w.pending[sub.id]
	if !ok {
		w.mu.Unlock()
		return 0
	}
	if _, member := p.subs[sub]; !member {
		n := len(p.subs)
		w.mu.Unlock()
		return n
	}
	delete(p.subs, sub)
	remaining := len(p.subs)
	if remaining == 0 {
		w.take(sub.id)
	}
	w.mu.Unlock()

	if remaining == 0 && p.stop != nil {
		p.stop()
	}
	return remaining
}

// RecordAttempt marks p as tried by request gen for id and stamps the
// attempt time.
func (w *Wantlist) RecordAttempt(id cid.Cid, gen uint64, p peer.ID) {
	now := w.clk.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	if pr := w.lookup(id, gen); pr != nil {
		pr.req.TriedPeers[p] = struct{}{}
		pr.req.LastAttemptAt = now
	}
}

// RecordRetry increments and returns the retry count of request gen for id.
func (w *Wantlist) RecordRetry(id cid.Cid, gen uint64) uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if pr := w.lookup(id, gen); pr != nil {
		pr.req.RetryCount++
		return pr.req.RetryCount
	}
	return 0
}

// Pending returns a copy of the request for id.
func (w *Wantlist) Pending(id cid.Cid) (PendingRequest, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.pending[id]
	if !ok {
		return PendingRequest{}, false
	}
	out := p.req
	out.TriedPeers = make(map[peer.ID]struct{}, len(p.req.TriedPeers))
	for k := range p.req.TriedPeers {
		out.TriedPeers[k] = struct{}{}
	}
	return out, true
}

// Subscribers returns how many callers wait on id.
func (w *Wantlist) Subscribers(id cid.Cid) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if p, ok := w.pending[id]; ok {
		return len(p.subs)
	}
	return 0
}

// IsWanted reports whether id has a live want entry.
func (w *Wantlist) IsWanted(id cid.Cid) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.entries[id]
	return ok
}

// Entries returns the wanted blocks, most urgent first.
func (w *Wantlist) Entries() []Entry {
	w.mu.Lock()
	out := make([]Entry, 0, len(w.entries))
	for _, e := range w.entries {
		out = append(out, *e)
	}
	w.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID.KeyString() < out[j].ID.KeyString()
	})
	return out
}

// Len returns the number of wanted blocks.
func (w *Wantlist) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// NoteHave records that p holds id.
func (w *Wantlist) NoteHave(p peer.ID, id cid.Cid) {
	w.registry.RecordHave(p, id)
}

// NoteDontHave records that p does not hold id.
func (w *Wantlist) NoteDontHave(p peer.ID, id cid.Cid) {
	w.registry.RecordDontHave(p, id)
}

// Candidates returns providers of id best first, minus excluded peers and
// peers whose breaker is currently blocking. It never admits a breaker trial.
func (w *Wantlist) Candidates(id cid.Cid, exclude map[peer.ID]struct{}) []peer.ID {
	ranked := w.registry.Providers(id, func(p peer.ID) bool {
		_, skip := exclude[p]
		return skip
	})
	out := make([]peer.ID, 0, len(ranked))
	for _, c := range ranked {
		if w.breakers != nil && w.breakers.Blocked(c.ID.String()) {
			continue
		}
		out = append(out, c.ID)
	}
	return out
}

// NotePeerWant records that p asked us for id which we could not serve yet.
// It returns false when p already waits on the serving limit of blocks; the
// want is then not kept.
func (w *Wantlist) NotePeerWant(p peer.ID, id cid.Cid, wantType WantType) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	set, ok := w.serving[id]
	if cur, known := set[p]; ok && known {
		if wantType > cur {
			set[p] = wantType
		}
		return true
	}
	if w.servingCount[p] >= w.servingLimit {
		return false
	}
	if !ok {
		set = make(map[peer.ID]WantType)
		w.serving[id] = set
	}
	set[p] = wantType
	w.servingCount[p]++
	return true
}

// uncount drops one serving entry from p's tally. Caller holds mu.
func (w *Wantlist) uncount(p peer.ID) {
	if w.servingCount[p] <= 1 {
		delete(w.servingCount, p)
		return
	}
	w.servingCount[p]--
}

// CancelPeerWant forgets a single serving entry.
func (w *Wantlist) CancelPeerWant(p peer.ID, id cid.Cid) {
	w.mu.Lock()
	defer w.mu.Unlock()
	set, ok := w.serving[id]
	if !ok {
		return
	}
	if _, known := set[p]; !known {
		return
	}
	delete(set, p)
	w.uncount(p)
	if len(set) == 0 {
		delete(w.serving, id)
	}
}

// TakePeersWanting removes and returns the peers waiting on id from us.
func (w *Wantlist) TakePeersWanting(id cid.Cid) map[peer.ID]WantType {
	w.mu.Lock()
	defer w.mu.Unlock()
	set := w.serving[id]
	delete(w.serving, id)
	for p := range set {
		w.uncount(p)
	}
	return set
}

// RemovePeer forgets every serving entry for p.
func (w *Wantlist) RemovePeer(p peer.ID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.servingCount[p] == 0 {
		return
	}
	for id, set := range w.serving {
		delete(set, p)
		if len(set) == 0 {
			delete(w.serving, id)
		}
	}
	delete(w.servingCount, p)
}

// PeerServingLen returns how many blocks p waits on from us.
func (w *Wantlist) PeerServingLen(p peer.ID) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.servingCount[p]
}

// ServingLen returns the number of blocks peers are waiting on from us.
func (w *Wantlist) ServingLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.serving)
}
