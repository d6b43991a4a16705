package chunker

import (
	"io"

	"github.com/cockroachdb/errors"

	"blockswap/core/block"
)

// ChunkSize represents different chunk size configurations
type ChunkSize int

const (
	ChunkSize64KB  ChunkSize = 64 * 1024       // 64KB for small files (<1MB)
	ChunkSize256KB ChunkSize = 256 * 1024      // 256KB for general content
	ChunkSize1MB   ChunkSize = 1 * 1024 * 1024 // 1MB for large files (>100MB)
)

// DefaultChunkSize is used for streams of unknown length.
const DefaultChunkSize = ChunkSize256KB

// Chunker splits byte streams into fixed-size blocks.
type Chunker struct {
	size int
}

// NewChunker creates a chunker; a non-positive size picks by input length.
func NewChunker(size ChunkSize) *Chunker {
	return &Chunker{size: int(size)}
}

// chunkSizeFor determines the chunk size from the total data size.
func chunkSizeFor(dataSize int64) int {
	const MB int64 = 1 << 20
	switch {
	case dataSize < 1*MB:
		return int(ChunkSize64KB)
	case dataSize < 100*MB:
		return int(ChunkSize256KB)
	default:
		return int(ChunkSize1MB)
	}
}

// ChunkReader splits data from r into blocks.
func (c *Chunker) ChunkReader(r io.Reader) ([]block.Block, error) {
	size := c.size
	if size <= 0 {
		size = int(DefaultChunkSize)
		// Try to determine reader size for dynamic chunking
		if seeker, ok := r.(io.Seeker); ok {
			end, err := seeker.Seek(0, io.SeekEnd)
			if err != nil {
				return nil, errors.Wrap(err, "failed to seek reader end")
			}
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return nil, errors.Wrap(err, "failed to rewind reader")
			}
			size = chunkSizeFor(end)
		}
	}

	var blocks []block.Block
	buffer := make([]byte, size)
	for {
		n, err := io.ReadFull(r, buffer)
		if n > 0 {
			blocks = append(blocks, block.NewBlock(buffer[:n]))
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to read chunk")
		}
	}
	if len(blocks) == 0 {
		return nil, errors.New("cannot chunk empty data")
	}
	return blocks, nil
}
