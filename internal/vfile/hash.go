package vfile

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Hash is a content digest, opaque outside this package except for
// comparison and display. Computed with BLAKE3 the way
// bureau-foundation-bureau's lib/artifact package hashes file content,
// in place of the teacher's sha256 — BLAKE3 is the corpus's own choice for
// exactly this "hash these bytes, compare later" use.
type Hash struct {
	digest [32]byte
	valid  bool
}

// HashBytes computes the content hash of data.
func HashBytes(data []byte) Hash {
	sum := blake3.Sum256(data)
	return Hash{digest: sum, valid: true}
}

// Equal reports whether two hashes were computed from identical content.
// Two invalid (zero-value) hashes are never equal to each other, matching
// the spec's "content hash captured at registration time" — a Provision
// with no hash yet should never be mistaken for matching another.
func (h Hash) Equal(other Hash) bool {
	return h.valid && other.valid && h.digest == other.digest
}

// IsValid reports whether the hash was actually computed from content.
func (h Hash) IsValid() bool { return h.valid }

// String renders the hash as lowercase hex, or "<unset>" before a content
// hash has been computed.
func (h Hash) String() string {
	if !h.valid {
		return "<unset>"
	}
	return hex.EncodeToString(h.digest[:])
}
