package blockstore

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockswap/core/block"
	"blockswap/core/cidutil"
)

func backends(t *testing.T) map[string]Blockstore {
	t.Helper()
	out := map[string]Blockstore{}
	for _, name := range []string{BackendLevelDB, BackendBadger, BackendMemory} {
		bs, err := Open(Config{Backend: name, Path: t.TempDir()})
		require.NoError(t, err, name)
		t.Cleanup(func() { _ = bs.Close() })
		out[name] = bs
	}
	cached, err := Open(Config{Backend: BackendMemory, CacheBytes: 1 << 20})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cached.Close() })
	out["cached"] = cached
	return out
}

func TestPutGetRoundTrip(t *testing.T) {
	for name, bs := range backends(t) {
		t.Run(name, func(t *testing.T) {
			b := block.NewBlock([]byte("hello " + name))
			require.NoError(t, bs.Put(b))

			ok, err := bs.Has(b.ID())
			require.NoError(t, err)
			assert.True(t, ok)

			got, err := bs.Get(b.ID())
			require.NoError(t, err)
			assert.Equal(t, b.RawData(), got.RawData())
			assert.True(t, got.Verify())

			// idempotent
			require.NoError(t, bs.Put(b))
		})
	}
}

func TestGetMissing(t *testing.T) {
	for name, bs := range backends(t) {
		t.Run(name, func(t *testing.T) {
			id := cidutil.Sum([]byte("absent"))
			_, err := bs.Get(id)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrNotFound))

			ok, err := bs.Has(id)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestPutRejectsMismatchedBlock(t *testing.T) {
	for name, bs := range backends(t) {
		t.Run(name, func(t *testing.T) {
			id := cidutil.Sum([]byte("claimed"))
			err := bs.Put(block.NewBlockWithID(id, []byte("actual")))
			require.Error(t, err)
			assert.True(t, errors.Is(err, block.ErrHashMismatch))

			ok, err := bs.Has(id)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestAllKeysChan(t *testing.T) {
	for name, bs := range backends(t) {
		t.Run(name, func(t *testing.T) {
			want := map[string]bool{}
			for _, s := range []string{"a", "b", "c"} {
				b := block.NewBlock([]byte(s))
				require.NoError(t, bs.Put(b))
				want[b.ID().String()] = true
			}

			ch, err := bs.AllKeysChan(context.Background())
			require.NoError(t, err)
			got := map[string]bool{}
			for id := range ch {
				got[id.String()] = true
			}
			assert.Equal(t, want, got)
		})
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(Config{Backend: "tape"})
	assert.Error(t, err)
}
