package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/venturecrane/crane-relay/pkg/models"
)

const sessionColumns = `id, venture, repo, track, issue_number, agent, status, end_reason,
	branch, commit_sha, meta, predecessor_id, actor_key_id, created_at, last_heartbeat_at, ended_at`

// scanner is the subset of *sql.Row and *sql.Rows used by scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (*models.Session, error) {
	var (
		s                    models.Session
		track, issue         sql.NullInt64
		endReason, meta      sql.NullString
		predecessor, endedAt sql.NullString
		createdAt, lastHB    string
	)
	if err := sc.Scan(&s.ID, &s.Venture, &s.Repo, &track, &issue, &s.Agent, &s.Status, &endReason,
		&s.Branch, &s.CommitSHA, &meta, &predecessor, &s.ActorKeyID, &createdAt, &lastHB, &endedAt); err != nil {
		return nil, err
	}
	s.Track = intPtr(track)
	s.IssueNumber = intPtr(issue)
	if endReason.Valid {
		r := models.EndReason(endReason.String)
		s.EndReason = &r
	}
	s.Meta = rawBytes(meta)
	s.PredecessorID = predecessor.String

	var err error
	if s.CreatedAt, err = ParseTime(createdAt); err != nil {
		return nil, err
	}
	if s.LastHeartbeatAt, err = ParseTime(lastHB); err != nil {
		return nil, err
	}
	if s.EndedAt, err = parseNullTime(endedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func collectSessions(rows *sql.Rows) ([]models.Session, error) {
	defer rows.Close()
	var out []models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// trackKey maps a nil track to the sentinel used by the unique index.
func trackKey(track *int) int {
	if track == nil {
		return -1
	}
	return *track
}

// InsertSession stores a new session row.
func (c *Conn) InsertSession(ctx context.Context, s *models.Session) error {
	var endReason sql.NullString
	if s.EndReason != nil {
		endReason = nullString(string(*s.EndReason))
	}
	var endedAt sql.NullString
	if s.EndedAt != nil {
		endedAt = nullString(FormatTime(*s.EndedAt))
	}
	_, err := c.exec(ctx, `INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Venture, s.Repo, nullInt(s.Track), nullInt(s.IssueNumber), s.Agent, string(s.Status), endReason,
		s.Branch, s.CommitSHA, nullBytes(s.Meta), nullString(s.PredecessorID), s.ActorKeyID,
		FormatTime(s.CreatedAt), FormatTime(s.LastHeartbeatAt), endedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession loads one session by ID.
func (c *Conn) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := c.queryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "session", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// ActiveSessionsFor returns the active sessions of one (venture, repo, track)
// tuple, most recently heartbeated first.
func (c *Conn) ActiveSessionsFor(ctx context.Context, venture, repo string, track *int) ([]models.Session, error) {
	rows, err := c.query(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE venture = ? AND repo = ? AND COALESCE(track, -1) = ? AND status = 'active'
		ORDER BY last_heartbeat_at DESC, id DESC`, venture, repo, trackKey(track))
	if err != nil {
		return nil, fmt.Errorf("query active sessions: %w", err)
	}
	return collectSessions(rows)
}

// ListActiveSessions returns active sessions for a venture, optionally
// narrowed to one repo, newest heartbeat first.
func (c *Conn) ListActiveSessions(ctx context.Context, venture, repo string) ([]models.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions WHERE venture = ? AND status = 'active'`
	args := []any{venture}
	if repo != "" {
		q += ` AND repo = ?`
		args = append(args, repo)
	}
	q += ` ORDER BY last_heartbeat_at DESC, id DESC`
	rows, err := c.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	return collectSessions(rows)
}

// TouchSession refreshes last_heartbeat_at of an active session. It
// reports false when the session is not active.
func (c *Conn) TouchSession(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := c.exec(ctx, `UPDATE sessions SET last_heartbeat_at = ?
		WHERE id = ? AND status = 'active'`, FormatTime(at), id)
	if err != nil {
		return false, fmt.Errorf("touch session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("touch session: %w", err)
	}
	return n == 1, nil
}

// EndSession moves an active session to ended. It reports false when the
// session was not active.
func (c *Conn) EndSession(ctx context.Context, id string, reason models.EndReason, at time.Time) (bool, error) {
	res, err := c.exec(ctx, `UPDATE sessions SET status = 'ended', end_reason = ?, ended_at = ?
		WHERE id = ? AND status = 'active'`, string(reason), FormatTime(at), id)
	if err != nil {
		return false, fmt.Errorf("end session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("end session: %w", err)
	}
	return n == 1, nil
}

// UpdateSessionMeta writes the mutable metadata columns of an active
// session and refreshes its heartbeat.
func (c *Conn) UpdateSessionMeta(ctx context.Context, s *models.Session) (bool, error) {
	res, err := c.exec(ctx, `UPDATE sessions
		SET branch = ?, commit_sha = ?, issue_number = ?, meta = ?, last_heartbeat_at = ?
		WHERE id = ? AND status = 'active'`,
		s.Branch, s.CommitSHA, nullInt(s.IssueNumber), nullBytes(s.Meta), FormatTime(s.LastHeartbeatAt), s.ID)
	if err != nil {
		return false, fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update session: %w", err)
	}
	return n == 1, nil
}
