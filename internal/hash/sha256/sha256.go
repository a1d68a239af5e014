// Package sha256 provides SHA-256 hashing utilities.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashFields digests an ordered list of fields. Fields are length-prefixed so
// ("ab","c") and ("a","bc") do not collide. Empty input yields "".
func (h *Hasher) HashFields(fields ...string) string {
	nonEmpty := false
	for _, f := range fields {
		if f != "" {
			nonEmpty = true
			break
		}
	}
	if !nonEmpty {
		return ""
	}
	d := sha256.New()
	var lenBuf [8]byte
	for _, f := range fields {
		n := uint64(len(f))
		for i := 0; i < 8; i++ {
			lenBuf[i] = byte(n >> (8 * i))
		}
		d.Write(lenBuf[:])
		d.Write([]byte(f))
	}
	return hex.EncodeToString(d.Sum(nil))
}
