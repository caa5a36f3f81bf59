// Package idgen generates identifiers for protocol entities.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// Entity prefixes.
const (
	OrderPrefix       = "ord_"
	DisputePrefix     = "dsp_"
	NegotiationPrefix = "neg_"
	ComplaintPrefix   = "cmp_"
	WebhookPrefix     = "wh_"
	EventPrefix       = "evt_"
)

// New returns a random RFC 4122 UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 24 hex chars drawn from a fresh UUID.
func WithPrefix(prefix string) string {
	id := uuid.New()
	return prefix + hex.EncodeToString(id[:12])
}

// HasPrefix reports whether id looks like it was produced by WithPrefix(prefix).
func HasPrefix(id, prefix string) bool {
	if !strings.HasPrefix(id, prefix) {
		return false
	}
	rest := id[len(prefix):]
	if len(rest) != 24 {
		return false
	}
	_, err := hex.DecodeString(rest)
	return err == nil
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
