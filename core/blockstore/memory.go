package blockstore

import (
	"context"
	"sync"

	"github.com/ipfs/go-cid"

	"blockswap/core/block"
)

// Memory is a map-backed blockstore for tests and ephemeral nodes.
type Memory struct {
	mu     sync.RWMutex
	blocks map[cid.Cid][]byte
}

func NewMemory() *Memory {
	return &Memory{blocks: make(map[cid.Cid][]byte)}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) Get(id cid.Cid) (block.Block, error) {
	m.mu.RLock()
	data, ok := m.blocks[id]
	m.mu.RUnlock()
	if !ok {
		return nil, notFound(BackendMemory, id)
	}
	blockstoreOperationsTotal.WithLabelValues(BackendMemory, "get", "success").Inc()
	return block.NewBlockWithID(id, data), nil
}

func (m *Memory) Put(b block.Block) error {
	if err := checkPut(BackendMemory, b); err != nil {
		return err
	}
	m.mu.Lock()
	m.blocks[b.ID()] = b.RawData()
	m.mu.Unlock()
	blockstoreOperationsTotal.WithLabelValues(BackendMemory, "put", "success").Inc()
	return nil
}

func (m *Memory) Has(id cid.Cid) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blocks[id]
	return ok, nil
}

func (m *Memory) AllKeysChan(ctx context.Context) (<-chan cid.Cid, error) {
	m.mu.RLock()
	keys := make([]cid.Cid, 0, len(m.blocks))
	for k := range m.blocks {
		keys = append(keys, k)
	}
	m.mu.RUnlock()

	ch := make(chan cid.Cid)
	go func() {
		defer close(ch)
		for _, k := range keys {
			select {
			case ch <- k:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
