package cache

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Digest returns a short fingerprint of a payload for logs and listings.
func Digest(payload []byte) string {
	sum := blake2b.Sum256(payload)
	return hex.EncodeToString(sum[:8])
}
