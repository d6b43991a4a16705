package unixfs

import (
	"bytes"

	"github.com/cockroachdb/errors"
	"github.com/ipfs/go-cid"
	"github.com/ipld/go-ipld-prime/codec/dagcbor"
	"github.com/ipld/go-ipld-prime/datamodel"
	cidlink "github.com/ipld/go-ipld-prime/linking/cid"
	"github.com/ipld/go-ipld-prime/node/basicnode"

	"blockswap/core/block"
	"blockswap/core/cidutil"
)

// ErrNotManifest is returned when a block does not hold a file manifest.
var ErrNotManifest = errors.New("block is not a file manifest")

// Manifest describes a file as ordered chunk blocks, optionally protected by
// Reed-Solomon parity chunks. It is stored as a dag-cbor block whose CID
// names the file.
type Manifest struct {
	Chunks []cid.Cid
	// ChunkSize is the length of every chunk but the last.
	ChunkSize int64
	TotalSize int64
	// Stripe is the number of data chunks each parity group covers; zero
	// when the file carries no parity.
	Stripe int
	// Parity holds the parity chunk IDs of each stripe, in stripe order.
	Parity [][]cid.Cid
}

// ChunkLen returns the length of chunk i.
func (m *Manifest) ChunkLen(i int) int {
	if i == len(m.Chunks)-1 {
		return int(m.TotalSize - int64(i)*m.ChunkSize)
	}
	return int(m.ChunkSize)
}

// stripeBounds returns the data chunk range [lo, hi) of stripe s.
func (m *Manifest) stripeBounds(s int) (int, int) {
	lo := s * m.Stripe
	hi := lo + m.Stripe
	if hi > len(m.Chunks) {
		hi = len(m.Chunks)
	}
	return lo, hi
}

func (m *Manifest) validate() error {
	n := int64(len(m.Chunks))
	if n == 0 {
		return errors.New("manifest lists no chunks")
	}
	if m.ChunkSize <= 0 {
		return errors.Newf("invalid chunk size %d", m.ChunkSize)
	}
	if m.TotalSize <= (n-1)*m.ChunkSize || m.TotalSize > n*m.ChunkSize {
		return errors.Newf("total size %d does not fit %d chunks of %d bytes", m.TotalSize, n, m.ChunkSize)
	}
	if m.Stripe == 0 {
		if len(m.Parity) != 0 {
			return errors.New("parity listed without a stripe width")
		}
		return nil
	}
	if m.Stripe < 0 {
		return errors.Newf("invalid stripe width %d", m.Stripe)
	}
	stripes := (len(m.Chunks) + m.Stripe - 1) / m.Stripe
	if len(m.Parity) != stripes {
		return errors.Newf("expected parity for %d stripes, got %d", stripes, len(m.Parity))
	}
	for i, p := range m.Parity {
		if len(p) == 0 || len(p) != len(m.Parity[0]) {
			return errors.Newf("stripe %d has %d parity chunks", i, len(p))
		}
	}
	return nil
}

// Encode stores the manifest as a dag-cbor block.
func (m *Manifest) Encode() (block.Block, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	entries := int64(3)
	if m.Stripe > 0 {
		entries = 5
	}
	nb := basicnode.Prototype.Map.NewBuilder()
	ma, err := nb.BeginMap(entries)
	if err != nil {
		return nil, err
	}
	if err := assignLinks(ma, "chunks", m.Chunks); err != nil {
		return nil, err
	}
	if err := assignInt(ma, "chunkSize", m.ChunkSize); err != nil {
		return nil, err
	}
	if err := assignInt(ma, "size", m.TotalSize); err != nil {
		return nil, err
	}
	if m.Stripe > 0 {
		if err := assignInt(ma, "stripe", int64(m.Stripe)); err != nil {
			return nil, err
		}
		na, err := ma.AssembleEntry("parity")
		if err != nil {
			return nil, err
		}
		la, err := na.BeginList(int64(len(m.Parity)))
		if err != nil {
			return nil, err
		}
		for _, ids := range m.Parity {
			if err := assignLinkList(la.AssembleValue(), ids); err != nil {
				return nil, err
			}
		}
		if err := la.Finish(); err != nil {
			return nil, err
		}
	}
	if err := ma.Finish(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := dagcbor.Encode(nb.Build(), &buf); err != nil {
		return nil, errors.Wrap(err, "failed to encode manifest")
	}
	data := buf.Bytes()
	return block.NewBlockWithID(cidutil.SumCodec(data, cidutil.DagCBOR), data), nil
}

// DecodeManifest parses a manifest block. Blocks of any other codec fail
// with ErrNotManifest.
func DecodeManifest(blk block.Block) (*Manifest, error) {
	if blk.ID().Type() != cidutil.DagCBOR {
		return nil, errors.WithDetailf(ErrNotManifest, "codec 0x%x", blk.ID().Type())
	}
	nb := basicnode.Prototype.Any.NewBuilder()
	if err := dagcbor.Decode(nb, bytes.NewReader(blk.RawData())); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to decode manifest"), ErrNotManifest)
	}
	n := nb.Build()

	var (
		m   Manifest
		err error
	)
	if m.Chunks, err = lookupLinks(n, "chunks"); err != nil {
		return nil, markInvalid(err)
	}
	if m.ChunkSize, err = lookupInt(n, "chunkSize"); err != nil {
		return nil, markInvalid(err)
	}
	if m.TotalSize, err = lookupInt(n, "size"); err != nil {
		return nil, markInvalid(err)
	}
	if stripe, err := lookupInt(n, "stripe"); err == nil {
		m.Stripe = int(stripe)
		parity, err := n.LookupByString("parity")
		if err != nil {
			return nil, markInvalid(err)
		}
		it := parity.ListIterator()
		if it == nil {
			return nil, markInvalid(errors.New("parity is not a list"))
		}
		for !it.Done() {
			_, v, err := it.Next()
			if err != nil {
				return nil, markInvalid(err)
			}
			ids, err := linkList(v)
			if err != nil {
				return nil, markInvalid(err)
			}
			m.Parity = append(m.Parity, ids)
		}
	} else if !isNotExists(err) {
		return nil, markInvalid(err)
	}
	if err := m.validate(); err != nil {
		return nil, markInvalid(err)
	}
	return &m, nil
}

func markInvalid(err error) error {
	return errors.Mark(errors.Wrap(err, "invalid manifest"), ErrNotManifest)
}

func isNotExists(err error) bool {
	var nf datamodel.ErrNotExists
	return errors.As(err, &nf)
}

func assignInt(ma datamodel.MapAssembler, key string, v int64) error {
	na, err := ma.AssembleEntry(key)
	if err != nil {
		return err
	}
	return na.AssignInt(v)
}

func assignLinks(ma datamodel.MapAssembler, key string, ids []cid.Cid) error {
	na, err := ma.AssembleEntry(key)
	if err != nil {
		return err
	}
	return assignLinkList(na, ids)
}

func assignLinkList(na datamodel.NodeAssembler, ids []cid.Cid) error {
	la, err := na.BeginList(int64(len(ids)))
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := la.AssembleValue().AssignLink(cidlink.Link{Cid: id}); err != nil {
			return err
		}
	}
	return la.Finish()
}

func lookupInt(n datamodel.Node, key string) (int64, error) {
	v, err := n.LookupByString(key)
	if err != nil {
		return 0, err
	}
	return v.AsInt()
}

func lookupLinks(n datamodel.Node, key string) ([]cid.Cid, error) {
	v, err := n.LookupByString(key)
	if err != nil {
		return nil, err
	}
	return linkList(v)
}

func linkList(n datamodel.Node) ([]cid.Cid, error) {
	if n.Kind() != datamodel.Kind_List {
		return nil, errors.Newf("expected a list of links, got %s", n.Kind())
	}
	ids := make([]cid.Cid, 0, n.Length())
	it := n.ListIterator()
	for !it.Done() {
		_, v, err := it.Next()
		if err != nil {
			return nil, err
		}
		l, err := v.AsLink()
		if err != nil {
			return nil, err
		}
		cl, ok := l.(cidlink.Link)
		if !ok {
			return nil, errors.Newf("unsupported link type %T", l)
		}
		ids = append(ids, cl.Cid)
	}
	return ids, nil
}
