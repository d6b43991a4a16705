package cidutil

import (
	"github.com/cockroachdb/errors"
	gocid "github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"

	"blockswap/core/hasher"
)

// Common multicodecs
const (
	// Raw is the multicodec code for raw binary blocks (leaf chunks)
	Raw uint64 = 0x55
	// DagPB is the multicodec code for dag-pb
	DagPB uint64 = 0x70
	// DagCBOR is the multicodec code for dag-cbor
	DagCBOR uint64 = 0x71
)

// FromHash builds a CIDv1 from a hasher.Hash and codec.
// The 32-byte digest is wrapped as multihash code 0x12, length 32.
func FromHash(h hasher.Hash, codec uint64) (gocid.Cid, error) {
	m, err := mh.Encode(h[:], mh.SHA2_256)
	if err != nil {
		return gocid.Undef, errors.Wrap(err, "multihash encode")
	}
	return gocid.NewCidV1(codec, m), nil
}

// ToHash extracts a hasher.Hash from a CID that uses sha2-256 multihash.
func ToHash(c gocid.Cid) (hasher.Hash, error) {
	var out hasher.Hash
	dec, err := mh.Decode(c.Hash())
	if err != nil {
		return out, errors.Wrap(err, "decode multihash")
	}
	if dec.Code != mh.SHA2_256 {
		return out, errors.Newf("unsupported multihash code: %d", dec.Code)
	}
	if len(dec.Digest) != len(out) {
		return out, errors.Newf("unexpected digest length: %d", len(dec.Digest))
	}
	copy(out[:], dec.Digest)
	return out, nil
}

// Sum returns the raw-codec CIDv1 of data.
func Sum(data []byte) gocid.Cid {
	return SumCodec(data, Raw)
}

// SumCodec returns the sha2-256 CIDv1 of data under codec.
func SumCodec(data []byte, codec uint64) gocid.Cid {
	c, _ := FromHash(hasher.HashBytes(data), codec)
	return c
}

// Verify recomputes the multihash of data using id's own prefix and compares.
// Any hash function go-multihash knows is accepted, not only sha2-256.
func Verify(id gocid.Cid, data []byte) bool {
	if !id.Defined() {
		return false
	}
	got, err := id.Prefix().Sum(data)
	if err != nil {
		return false
	}
	return got.Equals(id)
}

// Parse parses a CID string.
func Parse(s string) (gocid.Cid, error) {
	c, err := gocid.Parse(s)
	if err != nil {
		return gocid.Undef, errors.Wrapf(err, "invalid cid %q", s)
	}
	return c, nil
}

// Cast decodes a binary CID as carried on the wire.
func Cast(b []byte) (gocid.Cid, error) {
	c, err := gocid.Cast(b)
	if err != nil {
		return gocid.Undef, errors.Wrap(err, "invalid binary cid")
	}
	return c, nil
}
