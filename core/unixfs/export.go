package unixfs

import (
	"bytes"
	"context"

	"github.com/cockroachdb/errors"
	"github.com/ipfs/go-cid"
	"golang.org/x/sync/errgroup"

	"blockswap/core/block"
	"blockswap/core/cidutil"
	"blockswap/core/sharder"
)

// FetchFunc retrieves one block, locally or from the network.
type FetchFunc func(ctx context.Context, id cid.Cid) (block.Block, error)

// Export fetches every data chunk of m with up to parallelism concurrent
// fetches and returns the file content. Chunks that cannot be fetched are
// rebuilt from their stripe's parity when the manifest carries any;
// otherwise the first fetch error is returned.
func Export(ctx context.Context, m *Manifest, fetch FetchFunc, parallelism int) ([]byte, error) {
	if parallelism < 1 {
		parallelism = 1
	}
	chunks := make([][]byte, len(m.Chunks))
	errs := fetchAll(ctx, m.Chunks, fetch, parallelism, chunks)

	var firstErr error
	missing := make(map[int][]int) // stripe -> missing chunk indexes
	for i, err := range errs {
		if err == nil {
			continue
		}
		if firstErr == nil {
			firstErr = errors.Wrapf(err, "chunk %d", i)
		}
		if m.Stripe > 0 {
			s := i / m.Stripe
			missing[s] = append(missing[s], i)
		}
	}
	if firstErr != nil {
		if m.Stripe == 0 || ctx.Err() != nil {
			return nil, firstErr
		}
		for s := range missing {
			if err := recoverStripe(ctx, m, s, chunks, fetch, parallelism); err != nil {
				return nil, errors.WithSecondaryError(firstErr, err)
			}
		}
	}
	return join(m, chunks)
}

// fetchAll fills out[i] with the payload of ids[i] and returns per-index
// errors. A failed fetch does not cancel the others.
func fetchAll(ctx context.Context, ids []cid.Cid, fetch FetchFunc, parallelism int, out [][]byte) []error {
	errs := make([]error, len(ids))
	var g errgroup.Group
	g.SetLimit(parallelism)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			blk, err := fetch(ctx, id)
			if err == nil && !blk.ID().Equals(id) {
				err = errors.Newf("fetched block %s, want %s", blk.ID(), id)
			}
			if err != nil {
				errs[i] = err
				return nil
			}
			out[i] = blk.RawData()
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// recoverStripe rebuilds the missing data chunks of stripe s from its
// parity chunks and checks each against its CID.
func recoverStripe(ctx context.Context, m *Manifest, s int, chunks [][]byte, fetch FetchFunc, parallelism int) error {
	lo, hi := m.stripeBounds(s)
	parityIDs := m.Parity[s]
	coder, err := sharder.New(hi-lo, len(parityIDs))
	if err != nil {
		return err
	}

	parity := make([][]byte, len(parityIDs))
	_ = fetchAll(ctx, parityIDs, fetch, parallelism, parity)

	shards := make([][]byte, 0, coder.DataShards()+coder.ParityShards())
	shards = append(shards, chunks[lo:hi]...)
	shards = append(shards, parity...)
	if err := coder.Reconstruct(shards, int(m.ChunkSize)); err != nil {
		return errors.Wrapf(err, "stripe %d", s)
	}

	for i := lo; i < hi; i++ {
		if chunks[i] != nil {
			continue
		}
		data := shards[i-lo][:m.ChunkLen(i)]
		if !cidutil.Verify(m.Chunks[i], data) {
			return errors.Wrapf(block.ErrHashMismatch, "rebuilt chunk %d", i)
		}
		chunks[i] = data
	}
	return nil
}

func join(m *Manifest, chunks [][]byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(int(m.TotalSize))
	for i, ch := range chunks {
		if len(ch) != m.ChunkLen(i) {
			return nil, errors.Newf("chunk %d is %d bytes, want %d", i, len(ch), m.ChunkLen(i))
		}
		buf.Write(ch)
	}
	return buf.Bytes(), nil
}
