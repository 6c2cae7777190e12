// Package ids holds the leaf utilities every component depends on:
// identifier generation, canonical JSON, content hashing and opaque
// pagination cursors.
package ids

import (
	"strings"

	"github.com/google/uuid"
)

// Identifier prefixes.
const (
	PrefixSession     = "sess"
	PrefixHandoff     = "ho"
	PrefixNote        = "note"
	PrefixMachine     = "mach"
	PrefixCheckpoint  = "cp"
	PrefixCorrelation = "corr"
)

// New returns "<prefix>_<uuidv7 hex>". UUIDv7 is time ordered, so IDs minted
// later sort after earlier ones, which keeps (created_at, id) cursors stable
// when two rows share a timestamp.
func New(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return prefix + "_" + strings.ReplaceAll(id.String(), "-", "")
}

// NewCorrelationID returns a fresh per-request correlation ID.
func NewCorrelationID() string {
	return New(PrefixCorrelation)
}

// HasPrefix reports whether id was minted with prefix.
func HasPrefix(id, prefix string) bool {
	return len(id) > len(prefix)+1 && strings.HasPrefix(id, prefix+"_")
}
