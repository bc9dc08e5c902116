package cache

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"

	"github.com/fathomhq/fathom/internal/query"
)

// Fingerprint derives the cache key for a request: normalized query text,
// mode, the configured model class, and the constraint signature, hashed with
// a field separator so adjacent fields cannot collide.
func Fingerprint(normalized string, mode query.Mode, modelClass string, c query.Constraints) string {
	h, _ := blake2b.New256(nil)
	for _, field := range []string{normalized, string(mode), modelClass, c.Signature()} {
		h.Write([]byte(field))
		h.Write([]byte{0})
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}
