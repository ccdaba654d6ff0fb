package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random identifier like "post_3f2a..." with 128 bits of
// entropy. The prefix makes IDs self-describing in logs and URLs.
func NewID(prefix string) string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	if prefix == "" {
		return hex.EncodeToString(buf)
	}
	return prefix + "_" + hex.EncodeToString(buf)
}
