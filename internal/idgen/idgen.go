// Package idgen generates identifiers for authorization requests, sessions
// and events.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// RequestID returns a random UUID, the type of the
// institution_authorization_requests.id column.
func RequestID() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 24 random hex chars, e.g. "sess_".
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("idgen: crypto/rand: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}
