package notes

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/venturecrane/crane-relay/pkg/models"
)

// PackOptions bound the enterprise-context text.
type PackOptions struct {
	// Budget is the total number of note body bytes that may be emitted.
	Budget int
	// Floor is the least remaining budget worth spending on a truncated note.
	Floor int
}

// Packed is the deterministic result of packing notes into a budget.
type Packed struct {
	Text      string   `json:"text"`
	Included  []string `json:"included"`
	Truncated string   `json:"truncated,omitempty"`
	Omitted   int      `json:"omitted"`
	BytesUsed int      `json:"bytes_used"`
}

// TruncationMarker is appended to a note cut short by the budget.
func TruncationMarker(id string) string {
	return fmt.Sprintf(`[truncated; full text: crane_notes(id="%s")]`, id)
}

func tier(venture string, n *models.Note) int {
	switch {
	case n.Venture == nil:
		return 2
	case *n.Venture == venture:
		return 0
	default:
		return 1
	}
}

// Rank orders notes for venture: its own notes first, then other
// ventures' notes, then global notes; newest update first within a tier.
func Rank(venture string, notes []models.Note) []models.Note {
	out := make([]models.Note, len(notes))
	copy(out, notes)
	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := tier(venture, &out[i]), tier(venture, &out[j])
		if ti != tj {
			return ti < tj
		}
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// Pack greedily fits ranked notes into opts.Budget body bytes. A note that
// fits is included whole. The first note that does not fit is truncated
// when at least opts.Floor bytes remain, which exhausts the budget. Every
// other note is omitted and counted in the footer. Headings are not
// charged against the budget.
func Pack(notes []models.Note, opts PackOptions) Packed {
	var (
		p         = Packed{Included: []string{}}
		remaining = opts.Budget
		blocks    []string
	)
	for i := range notes {
		n := &notes[i]
		body := n.Content
		switch {
		case len(body) <= remaining:
			blocks = append(blocks, heading(n)+"\n"+body)
			p.Included = append(p.Included, n.ID)
			p.BytesUsed += len(body)
			remaining -= len(body)
		case remaining >= opts.Floor && remaining > 0:
			cut := cutUTF8(body, remaining)
			blocks = append(blocks, heading(n)+"\n"+body[:cut]+"\n"+TruncationMarker(n.ID))
			p.Truncated = n.ID
			p.BytesUsed += cut
			remaining = 0
		default:
			p.Omitted++
		}
	}
	if p.Omitted > 0 {
		blocks = append(blocks, fmt.Sprintf("%d more note(s) available", p.Omitted))
	}
	p.Text = strings.Join(blocks, "\n\n")
	return p
}

// cutUTF8 returns the largest prefix length <= max that ends on a rune
// boundary.
func cutUTF8(s string, max int) int {
	if max >= len(s) {
		return len(s)
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return max
}

func heading(n *models.Note) string {
	title := n.Title
	if title == "" {
		title = string(n.Category)
	}
	scope := "global"
	if n.Venture != nil {
		scope = *n.Venture
	}
	return "## " + title + " (" + scope + ")"
}
