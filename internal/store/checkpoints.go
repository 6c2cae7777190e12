package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/venturecrane/crane-relay/pkg/models"
)

// InsertCheckpoint appends a checkpoint row.
func (c *Conn) InsertCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	_, err := c.exec(ctx, `INSERT INTO checkpoints (id, session_id, label, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		cp.ID, cp.SessionID, cp.Label, nullBytes(cp.Payload), FormatTime(cp.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}

// ListCheckpoints returns a session's checkpoints, oldest first.
func (c *Conn) ListCheckpoints(ctx context.Context, sessionID string) ([]models.Checkpoint, error) {
	rows, err := c.query(ctx, `SELECT id, session_id, label, payload, created_at
		FROM checkpoints WHERE session_id = ? ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []models.Checkpoint
	for rows.Next() {
		var (
			cp        models.Checkpoint
			payload   sql.NullString
			createdAt string
		)
		if err := rows.Scan(&cp.ID, &cp.SessionID, &cp.Label, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp.Payload = rawBytes(payload)
		if cp.CreatedAt, err = ParseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}
