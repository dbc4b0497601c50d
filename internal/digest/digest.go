// Package digest implements the 32-byte content digest used to address
// chunks in the shared chunk pool.
//
// The digest function is BLAKE2b-256 rather than crypto/sha256: it gives the
// exact 32-byte output the on-disk layout requires, and it is the hashing
// library the rest of the retrieved Go ecosystem reaches for when it needs a
// fast, fixed-size content hash (golang.org/x/crypto), so there is no reason
// to fall back to the standard library here.
package digest

import (
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Size is the digest length in bytes.
const Size = 32

// ErrInvalidLength is returned when decoding a hex string of the wrong length.
var ErrInvalidLength = errors.New("digest: wrong length, want 32 bytes")

// Digest identifies a chunk by the content hash of its bytes.
type Digest [Size]byte

// Sum computes the digest of b.
func Sum(b []byte) Digest {
	return Digest(blake2b.Sum256(b))
}

// String returns the lowercase 64-character hex encoding of the digest.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// ShardHex returns the two lowercase hex characters of the digest's first
// byte -- the name of the shard directory a chunk with this digest lives in.
func (d Digest) ShardHex() string {
	return d.String()[:2]
}

// IsZero reports whether d is the zero digest.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// Parse decodes a 64-character lowercase hex string into a Digest.
func Parse(s string) (Digest, error) {
	if len(s) != Size*2 {
		return Digest{}, fmt.Errorf("%w: got %d chars", ErrInvalidLength, len(s))
	}
	var d Digest
	n, err := hex.Decode(d[:], []byte(s))
	if err != nil {
		return Digest{}, fmt.Errorf("digest: decode %q: %w", s, err)
	}
	if n != Size {
		return Digest{}, ErrInvalidLength
	}
	return d, nil
}
