package ids

import (
	"encoding/base64"
	"encoding/json"
	"errors"

	"github.com/venturecrane/crane-relay/internal/errs"
)

// Page size bounds shared by every paginated listing.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// ErrInvalidCursor is returned for cursors that were not produced by EncodeCursor.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is the last-seen (created_at, id) pair of a newest-first page.
// CreatedAt uses the store's fixed-width timestamp text.
type Cursor struct {
	CreatedAt string `json:"t"`
	ID        string `json:"i"`
}

// EncodeCursor returns an opaque URL-safe token for c.
func EncodeCursor(c Cursor) string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCursor parses a token produced by EncodeCursor.
func DecodeCursor(token string) (Cursor, error) {
	var c Cursor
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return c, ErrInvalidCursor
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, ErrInvalidCursor
	}
	if c.CreatedAt == "" || c.ID == "" {
		return c, ErrInvalidCursor
	}
	return c, nil
}

// PageLimit applies the default page size and rejects out-of-range values.
func PageLimit(limit int) (int, error) {
	switch {
	case limit == 0:
		return DefaultPageSize, nil
	case limit < 0 || limit > MaxPageSize:
		return 0, errs.Field("limit", "must be between 1 and 100")
	}
	return limit, nil
}
