package realtime

import (
	"crypto/rand"
	"encoding/hex"
)

// NewRandomHex returns a cryptographically secure random hex string of length 2*nBytes.
// Session ids use it; they only correlate log lines and are never persisted.
func NewRandomHex(nBytes int) string {
	if nBytes <= 0 {
		nBytes = 16
	}

	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}
