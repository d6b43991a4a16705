package block

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockswap/core/cidutil"
)

func TestNewBlockIsContentAddressed(t *testing.T) {
	data := []byte("payload")
	b := NewBlock(data)

	assert.True(t, b.ID().Equals(cidutil.Sum(data)))
	assert.True(t, b.Verify())
	assert.Equal(t, len(data), b.Size())

	// mutating the caller's slice must not leak into the block
	data[0] = 'X'
	assert.Equal(t, []byte("payload"), b.RawData())

	// nor mutating the returned copy
	raw := b.RawData()
	raw[0] = 'Y'
	assert.Equal(t, []byte("payload"), b.RawData())
}

func TestNewValidatedBlock(t *testing.T) {
	good := NewBlock([]byte("good"))

	b, err := NewValidatedBlock(good.ID(), []byte("good"))
	require.NoError(t, err)
	assert.True(t, b.ID().Equals(good.ID()))

	_, err = NewValidatedBlock(good.ID(), []byte("evil"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHashMismatch))
}

func TestUnverifiedBlockFailsVerify(t *testing.T) {
	id := cidutil.Sum([]byte("a"))
	b := NewBlockWithID(id, []byte("b"))
	assert.False(t, b.Verify())
}
