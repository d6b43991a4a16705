package hasher

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashRoundTrip(t *testing.T) {
	h := HashBytes([]byte("hello"))
	assert.False(t, h.IsZero())

	parsed, err := HashFromString(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)

	fromBytes, err := HashFromBytes(h[:])
	require.NoError(t, err)
	assert.Equal(t, h, fromBytes)
}

func TestHashFromBytesRejectsShortInput(t *testing.T) {
	_, err := HashFromBytes([]byte{1, 2, 3})
	require.Error(t, err)

	_, err = HashFromString("zz")
	require.Error(t, err)
}

func TestHashReaderMatchesHashBytes(t *testing.T) {
	data := strings.Repeat("block", 1000)
	h, err := HashReader(strings.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, HashBytes([]byte(data)), h)
	assert.True(t, Verify([]byte(data), h))
	assert.False(t, Verify([]byte("other"), h))
}
