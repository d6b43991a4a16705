package blockstore

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/ipfs/go-cid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"blockswap/core/block"
)

// Metrics for blockstore operations
var (
	blockstoreOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockswap_blockstore_operations_total",
			Help: "Total number of blockstore operations",
		},
		[]string{"backend", "operation", "status"},
	)
	blockstoreSpaceAvailable = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "blockswap_blockstore_space_available_bytes",
			Help: "Available blockstore space in bytes",
		},
	)
	blockstoreCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockswap_blockstore_cache_total",
			Help: "Blockstore hot cache lookups",
		},
		[]string{"result"},
	)
)

// Backend names accepted by Open.
const (
	BackendLevelDB = "leveldb"
	BackendBadger  = "badger"
	BackendMemory  = "memory"
)

const blockPrefix = "block:"

// ErrNotFound is returned by Get when the block is not stored.
var ErrNotFound = errors.New("block not found")

// Blockstore is the storage collaborator of the exchange engine. Every
// implementation rejects blocks whose data does not hash to their ID, so a
// stored block always satisfies the content-addressing invariant.
type Blockstore interface {
	Has(id cid.Cid) (bool, error)
	Get(id cid.Cid) (block.Block, error)
	Put(b block.Block) error
	// AllKeysChan streams every stored key; the channel closes when done or ctx ends.
	AllKeysChan(ctx context.Context) (<-chan cid.Cid, error)
	Close() error
}

// Config selects and sizes a backend.
type Config struct {
	Backend string
	Path    string
	// CacheBytes enables the ristretto hot cache when positive.
	CacheBytes int64
}

// Open builds the configured backend, wrapped in a cache when requested.
func Open(cfg Config) (Blockstore, error) {
	var (
		bs  Blockstore
		err error
	)
	switch cfg.Backend {
	case BackendLevelDB, "":
		bs, err = NewLevelDB(cfg.Path)
	case BackendBadger:
		bs, err = NewBadger(cfg.Path)
	case BackendMemory:
		bs = NewMemory()
	default:
		return nil, errors.Newf("unknown blockstore backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	if cfg.CacheBytes > 0 {
		cached, err := NewCached(bs, cfg.CacheBytes)
		if err != nil {
			_ = bs.Close()
			return nil, err
		}
		return cached, nil
	}
	return bs, nil
}

func blockKey(id cid.Cid) []byte {
	return append([]byte(blockPrefix), id.Bytes()...)
}

func keyToCid(key []byte) (cid.Cid, error) {
	if len(key) <= len(blockPrefix) {
		return cid.Undef, errors.New("short block key")
	}
	return cid.Cast(key[len(blockPrefix):])
}

// checkPut enforces the content-addressing invariant shared by all backends.
func checkPut(backend string, b block.Block) error {
	if b == nil {
		return errors.New("nil block")
	}
	if !b.Verify() {
		blockstoreOperationsTotal.WithLabelValues(backend, "put", "invalid").Inc()
		return errors.WithDetailf(block.ErrHashMismatch, "refusing to store %s", b.ID())
	}
	return nil
}

func notFound(backend string, id cid.Cid) error {
	blockstoreOperationsTotal.WithLabelValues(backend, "get", "not_found").Inc()
	return errors.Wrapf(ErrNotFound, "%s", id)
}
