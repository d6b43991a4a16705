package bitswap

import (
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"

	"blockswap/network/mtr"
	"blockswap/network/wantlist"
)

// serve answers the want entries of one inbound message. Every entry gets
// exactly one reply unless the peer cannot receive presences.
func (e *Engine) serve(from peer.ID, l *ledger, wants []WantEntry) {
	st := l.strategy()
	out := &Message{}
	var blocks int

	for _, w := range wants {
		if w.Cancel {
			e.wants.CancelPeerWant(from, w.ID)
			continue
		}
		if !l.allow(e.clk.Now()) {
			mtr.NetworkErrorsTotal.WithLabelValues("rate_limited").Inc()
			out.Merge(st.dontHave(w.ID))
			continue
		}
		key := w.ID.String()
		if e.serveBreakers.IsBlocked(key) {
			out.Merge(st.dontHave(w.ID))
			continue
		}
		has, err := e.store.Has(w.ID)
		if err != nil {
			e.serveBreakers.Failure(key)
			e.log.Warnw("store lookup failed while serving", "cid", w.ID, "peer", from, "error", err)
			out.Merge(st.dontHave(w.ID))
			continue
		}

		if w.WantType == wantlist.HaveOnly {
			if has {
				if l.presenceFresh(w.ID, PresenceHave) {
					out.Merge(st.have(w.ID))
				}
				continue
			}
			e.noteServing(from, w.ID, wantlist.HaveOnly)
			if l.presenceFresh(w.ID, PresenceDontHave) {
				out.Merge(st.dontHave(w.ID))
			}
			continue
		}

		if !has {
			e.noteServing(from, w.ID, wantlist.FullBlock)
			out.Merge(st.dontHave(w.ID))
			continue
		}
		if e.serveBlock(from, l, w.ID) {
			blocks++
			continue
		}
		out.Merge(st.dontHave(w.ID))
	}

	if err := e.send(from, out); err != nil {
		e.log.Debugw("failed to answer wants", "peer", from, "error", err)
	}
	if blocks > 0 {
		e.log.Debugw("served blocks", "peer", from, "count", blocks)
	}
}

// serveBlock reads id from the store and sends it to p within the outbound
// budget. It reports whether the block went out.
func (e *Engine) serveBlock(p peer.ID, l *ledger, id cid.Cid) bool {
	key := id.String()
	blk, err := e.store.Get(id)
	if err != nil {
		e.serveBreakers.Failure(key)
		e.log.Warnw("store read failed while serving", "cid", id, "peer", p, "error", err)
		return false
	}
	e.serveBreakers.Success(key)
	if !e.conns.RecordSent(blk.Size(), e.cfg.SendLimit) {
		mtr.BandwidthRejectedTotal.WithLabelValues("out").Inc()
		return false
	}
	e.sendBlock(p, l, blk)
	return true
}

// noteServing remembers that from waits on id so it hears about it later.
// Past the per-peer limit the want is only answered, not remembered.
func (e *Engine) noteServing(from peer.ID, id cid.Cid, wantType wantlist.WantType) {
	if !e.wants.NotePeerWant(from, id, wantType) {
		mtr.NetworkErrorsTotal.WithLabelValues("serving_full").Inc()
		e.log.Debugw("serving ledger full", "peer", from, "cid", id)
	}
}
