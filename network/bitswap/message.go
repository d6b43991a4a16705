package bitswap

import (
	"github.com/cockroachdb/errors"
	"github.com/ipfs/go-cid"
	"google.golang.org/protobuf/encoding/protowire"

	"blockswap/network/wantlist"
)

// MaxMessageSize bounds one framed message on the wire.
const MaxMessageSize = 4 << 20

// PresenceType is a have or dont-have signal.
type PresenceType int

const (
	PresenceHave PresenceType = iota
	PresenceDontHave
)

// WantEntry asks for a block or for its presence.
type WantEntry struct {
	ID       cid.Cid
	Priority int32
	WantType wantlist.WantType
	Cancel   bool
	// SendDontHave asks the receiver to answer misses explicitly.
	SendDontHave bool
}

// Payload is a block as received from the wire; it is unverified.
type Payload struct {
	ID   cid.Cid
	Data []byte
}

// Presence tells a peer whether we hold a block.
type Presence struct {
	ID   cid.Cid
	Type PresenceType
}

// Message is the unit exchanged between peers.
type Message struct {
	Wants     []WantEntry
	Blocks    []Payload
	Presences []Presence
}

// Empty reports whether the message carries nothing.
func (m *Message) Empty() bool {
	return m == nil || (len(m.Wants) == 0 && len(m.Blocks) == 0 && len(m.Presences) == 0)
}

// Merge appends other's parts to m.
func (m *Message) Merge(other *Message) {
	if other == nil {
		return
	}
	m.Wants = append(m.Wants, other.Wants...)
	m.Blocks = append(m.Blocks, other.Blocks...)
	m.Presences = append(m.Presences, other.Presences...)
}

// Field numbers of the wire encoding.
const (
	fieldWant     protowire.Number = 1
	fieldBlock    protowire.Number = 2
	fieldPresence protowire.Number = 3

	fieldWantCID          protowire.Number = 1
	fieldWantPriority     protowire.Number = 2
	fieldWantType         protowire.Number = 3
	fieldWantCancel       protowire.Number = 4
	fieldWantSendDontHave protowire.Number = 5

	fieldBlockCID  protowire.Number = 1
	fieldBlockData protowire.Number = 2

	fieldPresenceCID  protowire.Number = 1
	fieldPresenceType protowire.Number = 2
)

var errMalformed = errors.New("malformed blockswap message")

// Marshal encodes m in protobuf wire format.
func (m *Message) Marshal() []byte {
	var b []byte
	for _, w := range m.Wants {
		var e []byte
		e = appendBytes(e, fieldWantCID, w.ID.Bytes())
		if w.Priority != 0 {
			e = protowire.AppendTag(e, fieldWantPriority, protowire.VarintType)
			e = protowire.AppendVarint(e, protowire.EncodeZigZag(int64(w.Priority)))
		}
		if w.WantType != 0 {
			e = protowire.AppendTag(e, fieldWantType, protowire.VarintType)
			e = protowire.AppendVarint(e, uint64(w.WantType))
		}
		if w.Cancel {
			e = protowire.AppendTag(e, fieldWantCancel, protowire.VarintType)
			e = protowire.AppendVarint(e, 1)
		}
		if w.SendDontHave {
			e = protowire.AppendTag(e, fieldWantSendDontHave, protowire.VarintType)
			e = protowire.AppendVarint(e, 1)
		}
		b = appendBytes(b, fieldWant, e)
	}
	for _, blk := range m.Blocks {
		var e []byte
		e = appendBytes(e, fieldBlockCID, blk.ID.Bytes())
		e = appendBytes(e, fieldBlockData, blk.Data)
		b = appendBytes(b, fieldBlock, e)
	}
	for _, p := range m.Presences {
		var e []byte
		e = appendBytes(e, fieldPresenceCID, p.ID.Bytes())
		if p.Type != 0 {
			e = protowire.AppendTag(e, fieldPresenceType, protowire.VarintType)
			e = protowire.AppendVarint(e, uint64(p.Type))
		}
		b = appendBytes(b, fieldPresence, e)
	}
	return b
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// Unmarshal decodes a message produced by Marshal. Unknown fields are skipped.
func Unmarshal(data []byte) (*Message, error) {
	m := &Message{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case fieldWant:
			w, err := decodeWant(v)
			if err != nil {
				return err
			}
			m.Wants = append(m.Wants, w)
		case fieldBlock:
			p, err := decodePayload(v)
			if err != nil {
				return err
			}
			m.Blocks = append(m.Blocks, p)
		case fieldPresence:
			p, err := decodePresence(v)
			if err != nil {
				return err
			}
			m.Presences = append(m.Presences, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// walk calls fn for every top-level field. For bytes fields v is the value,
// for varints u is.
func walk(data []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), errMalformed.Error())
		}
		data = data[n:]
		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return errors.Wrap(protowire.ParseError(n), errMalformed.Error())
			}
			if err := fn(num, typ, v, 0); err != nil {
				return err
			}
			data = data[n:]
		case protowire.VarintType:
			u, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return errors.Wrap(protowire.ParseError(n), errMalformed.Error())
			}
			if err := fn(num, typ, nil, u); err != nil {
				return err
			}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return errors.Wrap(protowire.ParseError(n), errMalformed.Error())
			}
			data = data[n:]
		}
	}
	return nil
}

func castCID(v []byte) (cid.Cid, error) {
	id, err := cid.Cast(v)
	if err != nil {
		return cid.Undef, errors.Wrap(err, errMalformed.Error())
	}
	return id, nil
}

func decodeWant(data []byte) (WantEntry, error) {
	var w WantEntry
	var err error
	werr := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch {
		case num == fieldWantCID && typ == protowire.BytesType:
			w.ID, err = castCID(v)
			return err
		case num == fieldWantPriority && typ == protowire.VarintType:
			w.Priority = int32(protowire.DecodeZigZag(u))
		case num == fieldWantType && typ == protowire.VarintType:
			w.WantType = wantlist.WantType(u)
		case num == fieldWantCancel && typ == protowire.VarintType:
			w.Cancel = u != 0
		case num == fieldWantSendDontHave && typ == protowire.VarintType:
			w.SendDontHave = u != 0
		}
		return nil
	})
	if werr != nil {
		return w, werr
	}
	if !w.ID.Defined() {
		return w, errors.Wrap(errMalformed, "want entry without cid")
	}
	return w, nil
}

func decodePayload(data []byte) (Payload, error) {
	var p Payload
	var err error
	werr := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case fieldBlockCID:
			p.ID, err = castCID(v)
			return err
		case fieldBlockData:
			p.Data = append([]byte(nil), v...)
		}
		return nil
	})
	if werr != nil {
		return p, werr
	}
	if !p.ID.Defined() {
		return p, errors.Wrap(errMalformed, "block without cid")
	}
	return p, nil
}

func decodePresence(data []byte) (Presence, error) {
	var p Presence
	var err error
	werr := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch {
		case num == fieldPresenceCID && typ == protowire.BytesType:
			p.ID, err = castCID(v)
			return err
		case num == fieldPresenceType && typ == protowire.VarintType:
			p.Type = PresenceType(u)
		}
		return nil
	})
	if werr != nil {
		return p, werr
	}
	if !p.ID.Defined() {
		return p, errors.Wrap(errMalformed, "presence without cid")
	}
	return p, nil
}

func (t PresenceType) String() string {
	if t == PresenceHave {
		return "have"
	}
	return "dont_have"
}

// kinds returns the metric label for each part of m.
func (m *Message) kinds() []string {
	var out []string
	for _, w := range m.Wants {
		switch {
		case w.Cancel:
			out = append(out, "cancel")
		case w.WantType == wantlist.HaveOnly:
			out = append(out, "want_have")
		default:
			out = append(out, "want_block")
		}
	}
	for range m.Blocks {
		out = append(out, "block")
	}
	for _, p := range m.Presences {
		out = append(out, p.Type.String())
	}
	return out
}
