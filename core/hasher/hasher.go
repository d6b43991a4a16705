package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/cockroachdb/errors"
)

// Size is the digest length in bytes.
const Size = sha256.Size

// Hash represents a SHA-256 digest
type Hash [Size]byte

// String returns the hex representation of the hash
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero digest.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// HashFromString creates a Hash from a hex string
func HashFromString(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, errors.Wrap(err, "invalid hash string")
	}
	return HashFromBytes(b)
}

// HashFromBytes creates a Hash from a byte slice
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != Size {
		return h, errors.Newf("hash must be %d bytes, got %d", Size, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// HashBytes computes SHA-256 hash of byte slice
func HashBytes(data []byte) Hash {
	return sha256.Sum256(data)
}

// HashReader computes SHA-256 hash of data from io.Reader
func HashReader(r io.Reader) (Hash, error) {
	hw := sha256.New()
	if _, err := io.Copy(hw, r); err != nil {
		return Hash{}, errors.Wrap(err, "failed to hash reader")
	}
	var result Hash
	copy(result[:], hw.Sum(nil))
	return result, nil
}

// Verify checks if data matches the expected hash
func Verify(data []byte, expected Hash) bool {
	return HashBytes(data) == expected
}
