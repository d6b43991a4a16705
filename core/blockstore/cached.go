package blockstore

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/ipfs/go-cid"

	"blockswap/core/block"
)

const defaultCacheNumCounters = 1e6

// Cached fronts another Blockstore with a ristretto hot tier sized in bytes.
type Cached struct {
	Blockstore
	cache *ristretto.Cache[string, []byte]
}

// NewCached wraps inner with a cache holding at most maxBytes of block data.
func NewCached(inner Blockstore, maxBytes int64) (*Cached, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		MaxCost:     maxBytes,
		NumCounters: defaultCacheNumCounters,
		BufferItems: 64,
		Cost: func(v []byte) int64 {
			return int64(len(v))
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create block cache")
	}
	return &Cached{Blockstore: inner, cache: cache}, nil
}

func (c *Cached) Get(id cid.Cid) (block.Block, error) {
	if data, ok := c.cache.Get(id.KeyString()); ok {
		blockstoreCacheTotal.WithLabelValues("hit").Inc()
		return block.NewBlockWithID(id, data), nil
	}
	blockstoreCacheTotal.WithLabelValues("miss").Inc()
	b, err := c.Blockstore.Get(id)
	if err != nil {
		return nil, err
	}
	c.cache.Set(id.KeyString(), b.RawData(), int64(b.Size()))
	return b, nil
}

func (c *Cached) Put(b block.Block) error {
	if err := c.Blockstore.Put(b); err != nil {
		return err
	}
	c.cache.Set(b.ID().KeyString(), b.RawData(), int64(b.Size()))
	return nil
}

func (c *Cached) Has(id cid.Cid) (bool, error) {
	if _, ok := c.cache.Get(id.KeyString()); ok {
		return true, nil
	}
	return c.Blockstore.Has(id)
}

func (c *Cached) AllKeysChan(ctx context.Context) (<-chan cid.Cid, error) {
	return c.Blockstore.AllKeysChan(ctx)
}

func (c *Cached) Close() error {
	c.cache.Close()
	return c.Blockstore.Close()
}
