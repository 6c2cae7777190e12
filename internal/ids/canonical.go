package ids

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Canonicalize returns the RFC 8785 (JCS) canonical form of a JSON document:
// sorted keys, no insignificant whitespace, normalized numbers. Types are
// preserved, so 1 and "1" canonicalize (and hash) differently.
func Canonicalize(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize json: %w", err)
	}
	return out, nil
}

// CanonicalizeValue marshals v and canonicalizes the result.
func CanonicalizeValue(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	return Canonicalize(raw)
}

// Hash returns the lowercase hex sha256 of b.
func Hash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Digest canonicalizes raw JSON and returns the canonical bytes and their hash.
func Digest(raw []byte) ([]byte, string, error) {
	canonical, err := Canonicalize(raw)
	if err != nil {
		return nil, "", err
	}
	return canonical, Hash(canonical), nil
}
