package unixfs

import (
	"context"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/ipfs/go-cid"

	"blockswap/core/block"
	"blockswap/core/chunker"
	"blockswap/core/sharder"
)

// BlockAdder stores blocks. The exchange engine implements it.
type BlockAdder interface {
	AddBlock(ctx context.Context, blk block.Block) error
}

// ImportOptions tunes how a file is split.
type ImportOptions struct {
	// ChunkSize of zero picks a size from the input length when known.
	ChunkSize chunker.ChunkSize
	// Parity is the number of parity chunks per stripe; zero disables
	// erasure coding.
	Parity int
}

// Import chunks r, computes parity when requested and stores every chunk
// followed by the manifest. It returns the manifest and its block.
func Import(ctx context.Context, r io.Reader, opts ImportOptions, dst BlockAdder) (*Manifest, block.Block, error) {
	if opts.Parity < 0 || opts.Parity > sharder.MaxParity {
		return nil, nil, errors.Newf("parity must be in [0, %d], got %d", sharder.MaxParity, opts.Parity)
	}
	chunks, err := chunker.NewChunker(opts.ChunkSize).ChunkReader(r)
	if err != nil {
		return nil, nil, err
	}

	m := &Manifest{
		Chunks:    make([]cid.Cid, len(chunks)),
		ChunkSize: int64(chunks[0].Size()),
	}
	for i, ch := range chunks {
		m.Chunks[i] = ch.ID()
		m.TotalSize += int64(ch.Size())
	}

	blocks := chunks
	if opts.Parity > 0 {
		parity, err := encodeParity(m, chunks, opts.Parity)
		if err != nil {
			return nil, nil, err
		}
		blocks = append(blocks, parity...)
	}

	root, err := m.Encode()
	if err != nil {
		return nil, nil, err
	}
	for _, blk := range append(blocks, root) {
		if err := dst.AddBlock(ctx, blk); err != nil {
			return nil, nil, errors.Wrapf(err, "failed to store block %s", blk.ID())
		}
	}
	return m, root, nil
}

func encodeParity(m *Manifest, chunks []block.Block, parity int) ([]block.Block, error) {
	m.Stripe = sharder.StripeWidth
	stripes := (len(chunks) + m.Stripe - 1) / m.Stripe
	m.Parity = make([][]cid.Cid, 0, stripes)

	var out []block.Block
	for s := 0; s < stripes; s++ {
		lo, hi := m.stripeBounds(s)
		coder, err := sharder.New(hi-lo, parity)
		if err != nil {
			return nil, err
		}
		data := make([][]byte, 0, hi-lo)
		for _, ch := range chunks[lo:hi] {
			data = append(data, ch.RawData())
		}
		shards, err := coder.Parity(data, int(m.ChunkSize))
		if err != nil {
			return nil, errors.Wrapf(err, "stripe %d", s)
		}
		ids := make([]cid.Cid, len(shards))
		for i, shard := range shards {
			blk := block.NewBlock(shard)
			ids[i] = blk.ID()
			out = append(out, blk)
		}
		m.Parity = append(m.Parity, ids)
	}
	return out, nil
}
