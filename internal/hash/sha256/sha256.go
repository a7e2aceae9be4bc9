// Package sha256 hashes extracted document text.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Hasher implements catalogue.Hasher.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// HashText returns the hex digest of text with runs of whitespace folded to
// a single space, so re-rendered pages with identical words hash equally.
func (h *Hasher) HashText(text string) string {
	folded := strings.Join(strings.Fields(text), " ")
	sum := sha256.Sum256([]byte(folded))
	return hex.EncodeToString(sum[:])
}
