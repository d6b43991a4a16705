package blockstore

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/ipfs/go-cid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"blockswap/core/block"
)

// LevelDB stores blocks in a goleveldb database under rootPath.
type LevelDB struct {
	db       *leveldb.DB
	rootPath string
	mu       sync.RWMutex
}

// NewLevelDB creates a new blockstore instance at the given root path.
func NewLevelDB(rootPath string) (*LevelDB, error) {
	if err := os.MkdirAll(rootPath, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create database root directory %s", rootPath)
	}

	leveldbPath := filepath.Join(rootPath, "leveldb")
	db, err := leveldb.OpenFile(leveldbPath, &opt.Options{
		WriteBuffer:            64 * 1024 * 1024,
		CompactionTableSize:    8 * 1024 * 1024,
		CompactionTotalSize:    64 * 1024 * 1024,
		OpenFilesCacheCapacity: 500,
	})
	if err != nil {
		blockstoreOperationsTotal.WithLabelValues(BackendLevelDB, "open_db", "error").Inc()
		return nil, errors.Wrapf(err, "failed to open database at %s", leveldbPath)
	}

	bs := &LevelDB{db: db, rootPath: rootPath}
	_, _ = bs.GetAvailableSpace()

	blockstoreOperationsTotal.WithLabelValues(BackendLevelDB, "open_db", "success").Inc()
	return bs, nil
}

// GetAvailableSpace reports free bytes on the volume holding the database.
func (bs *LevelDB) GetAvailableSpace() (int64, error) {
	return availableSpace(bs.rootPath)
}

// Close closes the blockstore.
func (bs *LevelDB) Close() error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if err := bs.db.Close(); err != nil {
		blockstoreOperationsTotal.WithLabelValues(BackendLevelDB, "close_db", "error").Inc()
		return errors.Wrap(err, "failed to close database")
	}
	blockstoreOperationsTotal.WithLabelValues(BackendLevelDB, "close_db", "success").Inc()
	return nil
}

// Get retrieves a block from the blockstore.
func (bs *LevelDB) Get(id cid.Cid) (block.Block, error) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	data, err := bs.db.Get(blockKey(id), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, notFound(BackendLevelDB, id)
		}
		blockstoreOperationsTotal.WithLabelValues(BackendLevelDB, "get", "error").Inc()
		return nil, errors.Wrapf(err, "failed to get block %s", id)
	}

	blockstoreOperationsTotal.WithLabelValues(BackendLevelDB, "get", "success").Inc()
	return block.NewBlockWithID(id, data), nil
}

// Put stores a block in the blockstore.
func (bs *LevelDB) Put(b block.Block) error {
	if err := checkPut(BackendLevelDB, b); err != nil {
		return err
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()

	key := blockKey(b.ID())
	if ok, err := bs.db.Has(key, nil); err == nil && ok {
		blockstoreOperationsTotal.WithLabelValues(BackendLevelDB, "put", "exists").Inc()
		return nil
	}

	if err := bs.db.Put(key, b.RawData(), &opt.WriteOptions{Sync: true}); err != nil {
		blockstoreOperationsTotal.WithLabelValues(BackendLevelDB, "put", "error").Inc()
		return errors.Wrapf(err, "failed to store block %s", b.ID())
	}

	blockstoreOperationsTotal.WithLabelValues(BackendLevelDB, "put", "success").Inc()
	return nil
}

// Has checks if a block exists in the blockstore.
func (bs *LevelDB) Has(id cid.Cid) (bool, error) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	ok, err := bs.db.Has(blockKey(id), nil)
	if err != nil {
		return false, errors.Wrapf(err, "failed to check block %s", id)
	}
	return ok, nil
}

// AllKeysChan returns a channel that streams all block keys.
func (bs *LevelDB) AllKeysChan(ctx context.Context) (<-chan cid.Cid, error) {
	ch := make(chan cid.Cid)
	go func() {
		defer close(ch)
		bs.mu.RLock()
		iter := bs.db.NewIterator(util.BytesPrefix([]byte(blockPrefix)), nil)
		bs.mu.RUnlock()
		defer iter.Release()

		for iter.Next() {
			id, err := keyToCid(iter.Key())
			if err != nil {
				continue
			}
			select {
			case ch <- id:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
