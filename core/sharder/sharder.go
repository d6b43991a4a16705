package sharder

import (
	"github.com/cockroachdb/errors"
	"github.com/klauspost/reedsolomon"
)

const (
	// StripeWidth is the number of data chunks protected by one parity group.
	StripeWidth = 10
	// MaxParity bounds the parity chunks per stripe.
	MaxParity = 16
)

// ErrTooManyMissing is returned when fewer shards survive than the stripe
// has data shards.
var ErrTooManyMissing = errors.New("too many shards missing to reconstruct")

// Coder computes and repairs Reed-Solomon parity over one stripe of
// equally sized shards.
type Coder struct {
	enc    reedsolomon.Encoder
	data   int
	parity int
}

// New returns a coder for data data shards and parity parity shards.
func New(data, parity int) (*Coder, error) {
	if data < 1 || data > StripeWidth {
		return nil, errors.Newf("data shards must be in [1, %d], got %d", StripeWidth, data)
	}
	if parity < 1 || parity > MaxParity {
		return nil, errors.Newf("parity shards must be in [1, %d], got %d", MaxParity, parity)
	}
	enc, err := reedsolomon.New(data, parity)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Reed-Solomon encoder")
	}
	return &Coder{enc: enc, data: data, parity: parity}, nil
}

func (c *Coder) DataShards() int   { return c.data }
func (c *Coder) ParityShards() int { return c.parity }

// Parity pads every data shard to size with zeros and returns the parity
// shards. The data slices are not modified.
func (c *Coder) Parity(data [][]byte, size int) ([][]byte, error) {
	if len(data) != c.data {
		return nil, errors.Newf("expected %d data shards, got %d", c.data, len(data))
	}
	shards := make([][]byte, c.data+c.parity)
	for i, d := range data {
		if len(d) > size {
			return nil, errors.Newf("shard %d is %d bytes, larger than %d", i, len(d), size)
		}
		shards[i] = pad(d, size)
	}
	for i := c.data; i < len(shards); i++ {
		shards[i] = make([]byte, size)
	}
	if err := c.enc.Encode(shards); err != nil {
		return nil, errors.Wrap(err, "failed to encode parity shards")
	}
	return shards[c.data:], nil
}

// Reconstruct fills the nil data shards of a stripe in place. shards holds
// the data shards followed by the parity shards; present data shards may be
// shorter than size and are zero padded. Rebuilt shards are size bytes long.
func (c *Coder) Reconstruct(shards [][]byte, size int) error {
	if len(shards) != c.data+c.parity {
		return errors.Newf("expected %d shards, got %d", c.data+c.parity, len(shards))
	}
	present := 0
	for i, s := range shards {
		if s == nil {
			continue
		}
		present++
		if len(s) != size {
			shards[i] = pad(s, size)
		}
	}
	if present < c.data {
		return errors.WithDetailf(ErrTooManyMissing, "%d of %d shards present, need %d", present, len(shards), c.data)
	}
	if err := c.enc.ReconstructData(shards); err != nil {
		return errors.Wrap(err, "failed to reconstruct data shards")
	}
	return nil
}

func pad(b []byte, size int) []byte {
	out := make([]byte, size)
	copy(out, b)
	return out
}
