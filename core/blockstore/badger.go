package blockstore

import (
	"context"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/dgraph-io/badger/v4"
	"github.com/ipfs/go-cid"

	"blockswap/core/block"
)

// Badger stores blocks in a badger v4 key-value store.
type Badger struct {
	db       *badger.DB
	rootPath string
}

// NewBadger opens (or creates) a badger-backed blockstore under rootPath.
func NewBadger(rootPath string) (*Badger, error) {
	if err := os.MkdirAll(rootPath, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create database root directory %s", rootPath)
	}
	opts := badger.DefaultOptions(filepath.Join(rootPath, "badger")).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		blockstoreOperationsTotal.WithLabelValues(BackendBadger, "open_db", "error").Inc()
		return nil, errors.Wrapf(err, "failed to open badger at %s", rootPath)
	}
	blockstoreOperationsTotal.WithLabelValues(BackendBadger, "open_db", "success").Inc()
	bs := &Badger{db: db, rootPath: rootPath}
	_, _ = bs.GetAvailableSpace()
	return bs, nil
}

// GetAvailableSpace reports free bytes on the volume holding the database.
func (bs *Badger) GetAvailableSpace() (int64, error) {
	return availableSpace(bs.rootPath)
}

func (bs *Badger) Close() error {
	if err := bs.db.Close(); err != nil {
		blockstoreOperationsTotal.WithLabelValues(BackendBadger, "close_db", "error").Inc()
		return errors.Wrap(err, "failed to close badger")
	}
	blockstoreOperationsTotal.WithLabelValues(BackendBadger, "close_db", "success").Inc()
	return nil
}

func (bs *Badger) Get(id cid.Cid) (block.Block, error) {
	var data []byte
	err := bs.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blockKey(id))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, notFound(BackendBadger, id)
	}
	if err != nil {
		blockstoreOperationsTotal.WithLabelValues(BackendBadger, "get", "error").Inc()
		return nil, errors.Wrapf(err, "failed to get block %s", id)
	}
	blockstoreOperationsTotal.WithLabelValues(BackendBadger, "get", "success").Inc()
	return block.NewBlockWithID(id, data), nil
}

func (bs *Badger) Put(b block.Block) error {
	if err := checkPut(BackendBadger, b); err != nil {
		return err
	}
	err := bs.db.Update(func(txn *badger.Txn) error {
		return txn.Set(blockKey(b.ID()), b.RawData())
	})
	if err != nil {
		blockstoreOperationsTotal.WithLabelValues(BackendBadger, "put", "error").Inc()
		return errors.Wrapf(err, "failed to store block %s", b.ID())
	}
	blockstoreOperationsTotal.WithLabelValues(BackendBadger, "put", "success").Inc()
	return nil
}

func (bs *Badger) Has(id cid.Cid) (bool, error) {
	err := bs.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(blockKey(id))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "failed to check block %s", id)
	}
	return true, nil
}

func (bs *Badger) AllKeysChan(ctx context.Context) (<-chan cid.Cid, error) {
	ch := make(chan cid.Cid)
	go func() {
		defer close(ch)
		_ = bs.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = []byte(blockPrefix)
			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Rewind(); it.Valid(); it.Next() {
				id, err := keyToCid(it.Item().KeyCopy(nil))
				if err != nil {
					continue
				}
				select {
				case ch <- id:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})
	}()
	return ch, nil
}
