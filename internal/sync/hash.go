package sync

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashPayload returns the hex-encoded SHA-256 of a payload body. The ledger
// compares hashes, never payload bodies, when deciding replay vs collision.
func HashPayload(payloadJSON string) string {
	sum := sha256.Sum256([]byte(payloadJSON))
	return hex.EncodeToString(sum[:])
}
