package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// HashPrefix is prepended to every digest in the system.
const HashPrefix = "sha256:"

// HashCanonical returns the SHA-256 digest of the canonical form of v,
// prefixed with "sha256:".
func HashCanonical(v any) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	h := sha256.Sum256(b)
	return HashPrefix + hex.EncodeToString(h[:]), nil
}

// HashText returns the SHA-256 digest of the UTF-8 bytes of s, prefixed with
// "sha256:".
func HashText(s string) string {
	h := sha256.Sum256([]byte(s))
	return HashPrefix + hex.EncodeToString(h[:])
}

// ShortHash returns the first n hex characters of a prefixed digest. Used for
// derived identifiers such as "ABP-{sha256[:8]}".
func ShortHash(digest string, n int) string {
	hexPart := digest
	if len(digest) > len(HashPrefix) && digest[:len(HashPrefix)] == HashPrefix {
		hexPart = digest[len(HashPrefix):]
	}
	if n > len(hexPart) {
		n = len(hexPart)
	}
	return hexPart[:n]
}

// HashEmbedded hashes a structure that carries its own digest in the named
// field: the field is set to the empty string before serializing. The caller
// writes the returned digest back into the live structure.
func HashEmbedded(v any, field string) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("canonicalize: embedded-hash marshal failed: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", fmt.Errorf("canonicalize: embedded-hash structure is not an object: %w", err)
	}
	if _, ok := m[field]; !ok {
		return "", fmt.Errorf("canonicalize: structure has no %q field", field)
	}
	m[field] = ""
	return HashCanonical(m)
}
