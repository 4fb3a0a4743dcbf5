// Package hash provides hashing utilities.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// SHA256 computes the SHA256 hash of data and returns it as a hex string.
func SHA256(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// SHA256String computes the SHA256 hash of a string.
func SHA256String(s string) string {
	return SHA256([]byte(s))
}

// SHA256Short returns the first n characters of a SHA256 hash.
func SHA256Short(data []byte, n int) string {
	h := SHA256(data)
	if n > len(h) {
		return h
	}
	return h[:n]
}

// TokensKey generates a deterministic cache key for a token sequence and its mask.
// Tokens are joined with a unit separator so ["a b"] and ["a", "b"] differ.
func TokensKey(tokens []string, mask []int) string {
	var b strings.Builder
	for _, t := range tokens {
		b.WriteString(t)
		b.WriteByte(0x1f)
	}
	b.WriteByte('|')
	for _, m := range mask {
		b.WriteString(strconv.Itoa(m))
		b.WriteByte(',')
	}
	return SHA256Short([]byte(b.String()), 32)
}
