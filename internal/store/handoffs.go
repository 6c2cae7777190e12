package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/venturecrane/crane-relay/internal/ids"
	"github.com/venturecrane/crane-relay/pkg/models"
)

const handoffColumns = `id, session_id, venture, repo, track, issue_number, from_agent, summary, status,
	payload, payload_hash, payload_size, actor_key_id, created_at`

// HandoffQuery selects one page of a tuple's handoff history.
type HandoffQuery struct {
	Venture string
	Repo    string
	Track   *int
	Limit   int
	After   *ids.Cursor
}

func scanHandoff(sc scanner) (*models.Handoff, error) {
	var (
		h            models.Handoff
		track, issue sql.NullInt64
		payload      sql.NullString
		createdAt    string
	)
	if err := sc.Scan(&h.ID, &h.SessionID, &h.Venture, &h.Repo, &track, &issue, &h.FromAgent, &h.Summary,
		&h.Status, &payload, &h.PayloadHash, &h.PayloadSize, &h.ActorKeyID, &createdAt); err != nil {
		return nil, err
	}
	h.Track = intPtr(track)
	h.IssueNumber = intPtr(issue)
	h.Payload = rawBytes(payload)
	t, err := ParseTime(createdAt)
	if err != nil {
		return nil, err
	}
	h.CreatedAt = t
	return &h, nil
}

// InsertHandoff stores an immutable handoff row.
func (c *Conn) InsertHandoff(ctx context.Context, h *models.Handoff) error {
	_, err := c.exec(ctx, `INSERT INTO handoffs (`+handoffColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.SessionID, h.Venture, h.Repo, nullInt(h.Track), nullInt(h.IssueNumber), h.FromAgent, h.Summary,
		string(h.Status), nullBytes(h.Payload), h.PayloadHash, h.PayloadSize, h.ActorKeyID, FormatTime(h.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert handoff: %w", err)
	}
	return nil
}

// LatestHandoff returns the newest handoff for (venture, repo) across all
// sessions and tracks.
func (c *Conn) LatestHandoff(ctx context.Context, venture, repo string) (*models.Handoff, error) {
	row := c.queryRow(ctx, `SELECT `+handoffColumns+` FROM handoffs
		WHERE venture = ? AND repo = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`, venture, repo)
	h, err := scanHandoff(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "handoff", Key: venture + "/" + repo}
	}
	if err != nil {
		return nil, fmt.Errorf("latest handoff: %w", err)
	}
	return h, nil
}

// QueryHandoffs returns up to q.Limit+1 handoffs strictly older than
// q.After, newest first. The extra row tells the caller whether another
// page exists.
func (c *Conn) QueryHandoffs(ctx context.Context, q HandoffQuery) ([]models.Handoff, error) {
	sqlText := `SELECT ` + handoffColumns + ` FROM handoffs WHERE venture = ? AND repo = ?`
	args := []any{q.Venture, q.Repo}
	if q.Track != nil {
		sqlText += ` AND track = ?`
		args = append(args, *q.Track)
	}
	if q.After != nil {
		sqlText += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		args = append(args, q.After.CreatedAt, q.After.CreatedAt, q.After.ID)
	}
	sqlText += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, q.Limit+1)

	rows, err := c.query(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("query handoffs: %w", err)
	}
	defer rows.Close()

	var out []models.Handoff
	for rows.Next() {
		h, err := scanHandoff(rows)
		if err != nil {
			return nil, fmt.Errorf("scan handoff: %w", err)
		}
		out = append(out, *h)
	}
	return out, rows.Err()
}
