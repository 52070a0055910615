package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Fingerprint returns the deterministic cache and single-flight key for a
// request. Provider and model are lowercased, the prompt is trimmed, and all
// fields are NFC-normalized so visually identical prompts with different
// Unicode compositions coalesce to the same key.
func Fingerprint(provider, model, agent, prompt string) string {
	parts := []string{
		strings.ToLower(norm.NFC.String(provider)),
		strings.ToLower(norm.NFC.String(model)),
		norm.NFC.String(agent),
		strings.TrimSpace(norm.NFC.String(prompt)),
	}

	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
