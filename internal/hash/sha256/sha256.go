// Package sha256 digests exported documents so object names change with content.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher satisfies fetch.Hasher with hex-encoded SHA-256.
type Hasher struct{}

// New returns a Hasher.
func New() Hasher {
	return Hasher{}
}

// Hash returns the lowercase hex SHA-256 of data.
func (Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
