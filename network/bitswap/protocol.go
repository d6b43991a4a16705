package bitswap

import (
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/protocol"

	"blockswap/network/wantlist"
)

const (
	// ProtocolBlockswap speaks want-have/have/dont-have presence messages.
	ProtocolBlockswap = protocol.ID("/blockswap/1.2.0")
	// ProtocolBlockswapLegacy only knows want-block and block payloads.
	ProtocolBlockswapLegacy = protocol.ID("/blockswap/1.0.0")
)

// Protocols lists supported protocol IDs, preferred first.
var Protocols = []protocol.ID{ProtocolBlockswap, ProtocolBlockswapLegacy}

// strategy builds the messages one peer can understand. It is chosen once
// when the peer connects; a nil return means the peer cannot be told that.
type strategy interface {
	protocol() protocol.ID
	supportsPresence() bool
	wantBlock(id cid.Cid, pri wantlist.Priority) *Message
	wantHave(ids []cid.Cid) *Message
	cancel(id cid.Cid) *Message
	have(id cid.Cid) *Message
	dontHave(id cid.Cid) *Message
}

type presenceStrategy struct{}

func (presenceStrategy) protocol() protocol.ID  { return ProtocolBlockswap }
func (presenceStrategy) supportsPresence() bool { return true }

func (presenceStrategy) wantBlock(id cid.Cid, pri wantlist.Priority) *Message {
	return &Message{Wants: []WantEntry{{ID: id, Priority: int32(pri), WantType: wantlist.FullBlock, SendDontHave: true}}}
}

func (presenceStrategy) wantHave(ids []cid.Cid) *Message {
	if len(ids) == 0 {
		return nil
	}
	m := &Message{Wants: make([]WantEntry, 0, len(ids))}
	for _, id := range ids {
		m.Wants = append(m.Wants, WantEntry{ID: id, WantType: wantlist.HaveOnly, SendDontHave: true})
	}
	return m
}

func (presenceStrategy) cancel(id cid.Cid) *Message {
	return &Message{Wants: []WantEntry{{ID: id, Cancel: true}}}
}

func (presenceStrategy) have(id cid.Cid) *Message {
	return &Message{Presences: []Presence{{ID: id, Type: PresenceHave}}}
}

func (presenceStrategy) dontHave(id cid.Cid) *Message {
	return &Message{Presences: []Presence{{ID: id, Type: PresenceDontHave}}}
}

type legacyStrategy struct{}

func (legacyStrategy) protocol() protocol.ID  { return ProtocolBlockswapLegacy }
func (legacyStrategy) supportsPresence() bool { return false }

func (legacyStrategy) wantBlock(id cid.Cid, pri wantlist.Priority) *Message {
	return &Message{Wants: []WantEntry{{ID: id, Priority: int32(pri), WantType: wantlist.FullBlock}}}
}

func (legacyStrategy) wantHave([]cid.Cid) *Message { return nil }

func (legacyStrategy) cancel(id cid.Cid) *Message {
	return &Message{Wants: []WantEntry{{ID: id, Cancel: true}}}
}

func (legacyStrategy) have(cid.Cid) *Message     { return nil }
func (legacyStrategy) dontHave(cid.Cid) *Message { return nil }

// strategyFor maps a negotiated protocol to its strategy. Unknown IDs get
// the presence strategy.
func strategyFor(proto protocol.ID) strategy {
	if proto == ProtocolBlockswapLegacy {
		return legacyStrategy{}
	}
	return presenceStrategy{}
}
