// Package platform isolates the host environment the security core runs in:
// the source of randomness, the cookie store shared with the API, and the
// document head carrying the token tag and the policy declaration.
package platform

import (
	"crypto/rand"
	"fmt"
	"io"
)

// RandomSource supplies cryptographically strong random bytes.
type RandomSource interface {
	Read(p []byte) (int, error)
}

// CryptoRandom reads from crypto/rand.
type CryptoRandom struct{}

func (CryptoRandom) Read(p []byte) (int, error) {
	return rand.Read(p)
}

// Bytes returns n bytes from src, falling back to crypto/rand when src is nil.
func Bytes(src RandomSource, n int) ([]byte, error) {
	if src == nil {
		src = CryptoRandom{}
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(src, b); err != nil {
		return nil, fmt.Errorf("read random bytes: %w", err)
	}
	return b, nil
}
