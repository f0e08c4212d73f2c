package localfs

import (
	"encoding/hex"
	"hash"
	"io"

	"golang.org/x/crypto/blake2b"
)

// NewHasher returns a streaming fingerprint hasher.
func NewHasher() hash.Hash {
	// New256 only fails for keys longer than 64 bytes.
	h, _ := blake2b.New256(nil)
	return h
}

// Sum returns the hex fingerprint accumulated in h.
func Sum(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// FingerprintBytes returns the fingerprint of data.
func FingerprintBytes(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FingerprintReader consumes r and returns its fingerprint and length.
func FingerprintReader(r io.Reader) (string, int64, error) {
	h := NewHasher()

	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}

	return Sum(h), n, nil
}
