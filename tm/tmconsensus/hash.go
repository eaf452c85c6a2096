package tmconsensus

import (
	"encoding/hex"
	"fmt"
)

// Hash is the 32-byte identifier of a proposed value.
// It is the commitment the proposer declares at the end of a proposal stream.
type Hash [32]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first four bytes of h as hex, for log output.
func (h Hash) Short() string {
	return hex.EncodeToString(h[:4])
}

// HashFromBytes copies b into a Hash.
// It returns an error if b is not exactly 32 bytes.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != len(h) {
		return h, fmt.Errorf("invalid hash length %d (expected %d)", len(b), len(h))
	}
	copy(h[:], b)
	return h, nil
}

// ValuePtr returns a pointer to a copy of h,
// for use in vote values where nil means a nil vote.
func ValuePtr(h Hash) *Hash {
	return &h
}

// SameValue reports whether a and b are both nil
// or both non-nil with equal hashes.
func SameValue(a, b *Hash) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// FormatValue formats v for logging, rendering nil as "<nil>".
func FormatValue(v *Hash) string {
	if v == nil {
		return "<nil>"
	}
	return v.Short()
}
