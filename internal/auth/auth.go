// Package auth provides token hashing and comparison for the admin API.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

func HashToken(tok string) string {
	sum := sha256.Sum256([]byte(tok))
	return hex.EncodeToString(sum[:])
}

// TokenEqual compares a presented token against the expected one in
// constant time over their hashes.
func TokenEqual(presented, expected string) bool {
	if expected == "" {
		return false
	}
	a := sha256.Sum256([]byte(presented))
	b := sha256.Sum256([]byte(expected))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}
