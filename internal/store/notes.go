package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/venturecrane/crane-relay/internal/ids"
	"github.com/venturecrane/crane-relay/pkg/models"
)

const noteColumns = `id, category, title, content, venture, archived, actor_key_id, meta, created_at, updated_at`

// NoteQuery selects one page of notes.
type NoteQuery struct {
	Category        models.NoteCategory
	Venture         string
	Tag             string
	Text            string
	IncludeArchived bool
	Limit           int
	After           *ids.Cursor
}

func scanNote(sc scanner) (*models.Note, error) {
	var (
		n                    models.Note
		venture, meta        sql.NullString
		archived             int
		createdAt, updatedAt string
	)
	if err := sc.Scan(&n.ID, &n.Category, &n.Title, &n.Content, &venture, &archived, &n.ActorKeyID, &meta,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}
	n.Venture = stringPtr(venture)
	n.Archived = archived != 0
	n.Meta = rawBytes(meta)
	n.Tags = []string{}
	var err error
	if n.CreatedAt, err = ParseTime(createdAt); err != nil {
		return nil, err
	}
	if n.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &n, nil
}

// searchText is the case-folded text free-text queries match against.
// Folding happens here rather than in SQL because SQLite's LOWER only
// folds ASCII.
func searchText(title, content string) string {
	return strings.ToLower(title + "\n" + content)
}

// InsertNote stores a note and its tags.
func (c *Conn) InsertNote(ctx context.Context, n *models.Note) error {
	_, err := c.exec(ctx, `INSERT INTO notes (`+noteColumns+`, search_text) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, string(n.Category), n.Title, n.Content, nullStringPtr(n.Venture), boolInt(n.Archived),
		n.ActorKeyID, nullBytes(n.Meta), FormatTime(n.CreatedAt), FormatTime(n.UpdatedAt),
		searchText(n.Title, n.Content))
	if err != nil {
		return fmt.Errorf("insert note: %w", err)
	}
	return c.insertTags(ctx, n.ID, n.Tags)
}

// UpdateNote rewrites the mutable columns of a note and replaces its tags.
func (c *Conn) UpdateNote(ctx context.Context, n *models.Note) error {
	res, err := c.exec(ctx, `UPDATE notes SET category = ?, title = ?, content = ?, venture = ?, meta = ?, updated_at = ?,
			search_text = ?
		WHERE id = ?`,
		string(n.Category), n.Title, n.Content, nullStringPtr(n.Venture), nullBytes(n.Meta), FormatTime(n.UpdatedAt),
		searchText(n.Title, n.Content), n.ID)
	if err != nil {
		return fmt.Errorf("update note: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return &ErrNotFound{Entity: "note", Key: n.ID}
	}
	if _, err := c.exec(ctx, `DELETE FROM note_tags WHERE note_id = ?`, n.ID); err != nil {
		return fmt.Errorf("clear note tags: %w", err)
	}
	return c.insertTags(ctx, n.ID, n.Tags)
}

// SetNoteArchived flips the archived flag.
func (c *Conn) SetNoteArchived(ctx context.Context, id string, archived bool, at time.Time) error {
	res, err := c.exec(ctx, `UPDATE notes SET archived = ?, updated_at = ? WHERE id = ?`,
		boolInt(archived), FormatTime(at), id)
	if err != nil {
		return fmt.Errorf("archive note: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &ErrNotFound{Entity: "note", Key: id}
	}
	return nil
}

func (c *Conn) insertTags(ctx context.Context, noteID string, tags []string) error {
	for _, tag := range tags {
		if _, err := c.exec(ctx, `INSERT INTO note_tags (note_id, tag) VALUES (?, ?) ON CONFLICT DO NOTHING`,
			noteID, tag); err != nil {
			return fmt.Errorf("insert note tag: %w", err)
		}
	}
	return nil
}

// GetNote loads one note, archived or not.
func (c *Conn) GetNote(ctx context.Context, id string) (*models.Note, error) {
	row := c.queryRow(ctx, `SELECT `+noteColumns+` FROM notes WHERE id = ?`, id)
	n, err := scanNote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "note", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get note: %w", err)
	}
	notes := []models.Note{*n}
	if err := c.attachTags(ctx, notes); err != nil {
		return nil, err
	}
	return &notes[0], nil
}

// QueryNotes returns up to q.Limit+1 notes strictly older than q.After,
// newest first.
func (c *Conn) QueryNotes(ctx context.Context, q NoteQuery) ([]models.Note, error) {
	var (
		where []string
		args  []any
	)
	if !q.IncludeArchived {
		where = append(where, `archived = 0`)
	}
	if q.Category != "" {
		where = append(where, `category = ?`)
		args = append(args, string(q.Category))
	}
	if q.Venture != "" {
		where = append(where, `venture = ?`)
		args = append(args, q.Venture)
	}
	if q.Tag != "" {
		where = append(where, `EXISTS (SELECT 1 FROM note_tags t WHERE t.note_id = notes.id AND t.tag = ?)`)
		args = append(args, q.Tag)
	}
	if q.Text != "" {
		pattern := "%" + escapeLike(strings.ToLower(q.Text)) + "%"
		where = append(where, `search_text LIKE ? ESCAPE '\'`)
		args = append(args, pattern)
	}
	if q.After != nil {
		where = append(where, `(created_at < ? OR (created_at = ? AND id < ?))`)
		args = append(args, q.After.CreatedAt, q.After.CreatedAt, q.After.ID)
	}

	sqlText := `SELECT ` + noteColumns + ` FROM notes`
	if len(where) > 0 {
		sqlText += ` WHERE ` + strings.Join(where, ` AND `)
	}
	sqlText += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, q.Limit+1)

	return c.selectNotes(ctx, sqlText, args...)
}

// ContextNotes returns non-archived notes carrying any of tags, most
// recently updated first.
func (c *Conn) ContextNotes(ctx context.Context, tags []string, limit int) ([]models.Note, error) {
	if len(tags) == 0 || limit <= 0 {
		return nil, nil
	}
	args := make([]any, 0, len(tags)+1)
	for _, t := range tags {
		args = append(args, t)
	}
	args = append(args, limit)
	sqlText := `SELECT ` + noteColumns + ` FROM notes
		WHERE archived = 0 AND EXISTS (
			SELECT 1 FROM note_tags t WHERE t.note_id = notes.id AND t.tag IN (` + placeholders(len(tags)) + `))
		ORDER BY updated_at DESC, id DESC LIMIT ?`
	return c.selectNotes(ctx, sqlText, args...)
}

func (c *Conn) selectNotes(ctx context.Context, sqlText string, args ...any) ([]models.Note, error) {
	rows, err := c.query(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("query notes: %w", err)
	}
	var out []models.Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan note: %w", err)
		}
		out = append(out, *n)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if err := c.attachTags(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// attachTags fills Tags for each note, sorted alphabetically.
func (c *Conn) attachTags(ctx context.Context, notes []models.Note) error {
	if len(notes) == 0 {
		return nil
	}
	index := make(map[string]int, len(notes))
	args := make([]any, 0, len(notes))
	for i := range notes {
		index[notes[i].ID] = i
		args = append(args, notes[i].ID)
	}
	rows, err := c.query(ctx, `SELECT note_id, tag FROM note_tags WHERE note_id IN (`+placeholders(len(notes))+`)
		ORDER BY note_id, tag`, args...)
	if err != nil {
		return fmt.Errorf("query note tags: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var noteID, tag string
		if err := rows.Scan(&noteID, &tag); err != nil {
			return fmt.Errorf("scan note tag: %w", err)
		}
		if i, ok := index[noteID]; ok {
			notes[i].Tags = append(notes[i].Tags, tag)
		}
	}
	return rows.Err()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// backfillSearchText recomputes search_text for every note.
func backfillSearchText(ctx context.Context, c *Conn) error {
	rows, err := c.query(ctx, `SELECT id, title, content FROM notes`)
	if err != nil {
		return fmt.Errorf("read notes: %w", err)
	}
	type row struct{ id, text string }
	var pending []row
	for rows.Next() {
		var id, title, content string
		if err := rows.Scan(&id, &title, &content); err != nil {
			rows.Close()
			return fmt.Errorf("scan note: %w", err)
		}
		pending = append(pending, row{id, searchText(title, content)})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, r := range pending {
		if _, err := c.exec(ctx, `UPDATE notes SET search_text = ? WHERE id = ?`, r.text, r.id); err != nil {
			return fmt.Errorf("backfill note %s: %w", r.id, err)
		}
	}
	return nil
}
