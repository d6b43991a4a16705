package block

import (
	"github.com/cockroachdb/errors"
	cidlib "github.com/ipfs/go-cid"

	"blockswap/core/cidutil"
)

// Block represents a unit of immutable, content-addressed data.
type Block interface {
	// ID returns the content identifier derived from the block's data.
	ID() cidlib.Cid
	// RawData returns a copy of the block's bytes (immutable to callers).
	RawData() []byte
	// Size returns the size in bytes of the block's data.
	Size() int
	// Verify recomputes the multihash of the data and checks it matches ID.
	Verify() bool
}

// block is the concrete implementation of Block.
// Data is immutable after construction.
type block struct {
	id   cidlib.Cid
	data []byte
}

var (
	// ErrHashMismatch is returned when provided id does not match data.
	ErrHashMismatch = errors.New("block hash does not match data")
)

// NewBlock creates a raw CIDv1 block from data, copying the bytes.
func NewBlock(data []byte) Block {
	buf := make([]byte, len(data))
	copy(buf, data)
	return &block{id: cidutil.Sum(buf), data: buf}
}

// NewBlockWithID wraps data under id without verifying it. Only stores that
// verified the data on the way in should use it.
func NewBlockWithID(id cidlib.Cid, data []byte) Block {
	buf := make([]byte, len(data))
	copy(buf, data)
	return &block{id: id, data: buf}
}

// NewValidatedBlock returns ErrHashMismatch if data does not hash to id.
func NewValidatedBlock(id cidlib.Cid, data []byte) (Block, error) {
	if !cidutil.Verify(id, data) {
		return nil, errors.WithDetailf(ErrHashMismatch, "cid %s, %d bytes", id, len(data))
	}
	return NewBlockWithID(id, data), nil
}

func (b *block) ID() cidlib.Cid { return b.id }

// RawData returns a copy to ensure immutability outside the block.
func (b *block) RawData() []byte {
	if len(b.data) == 0 {
		return nil
	}
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

func (b *block) Size() int { return len(b.data) }

func (b *block) Verify() bool { return cidutil.Verify(b.id, b.data) }

func (b *block) String() string { return b.id.String() }
