// Package idgen mints cryptographically random identifiers.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// WithPrefix returns prefix + 24 hex chars (12 random bytes). The prefix
// names the entity kind, e.g. "txn_", "ent_", "dsp_".
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing means the process cannot safely mint IDs.
		panic("idgen: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}
