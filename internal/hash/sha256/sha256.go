// Package sha256 names report artifacts by content digest.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements audit.Hasher using SHA-256.
type Hasher struct {
	length int
}

// New returns a hasher producing full 64-character hex digests.
func New() *Hasher {
	return &Hasher{}
}

// NewTruncated returns a hasher keeping the first n hex characters.
func NewTruncated(n int) *Hasher {
	return &Hasher{length: n}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	if h.length > 0 && h.length < len(digest) {
		digest = digest[:h.length]
	}
	return digest, nil
}
