package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/venturecrane/crane-relay/pkg/models"
)

const docColumns = `scope, name, version, content, content_hash, content_size, uploaded_by, created_at`

func scanDoc(sc scanner) (*models.Doc, error) {
	var (
		d         models.Doc
		createdAt string
	)
	if err := sc.Scan(&d.Scope, &d.Name, &d.Version, &d.Content, &d.ContentHash, &d.ContentSize,
		&d.UploadedBy, &createdAt); err != nil {
		return nil, err
	}
	t, err := ParseTime(createdAt)
	if err != nil {
		return nil, err
	}
	d.CreatedAt = t
	return &d, nil
}

// InsertDoc stores a new document version. A concurrent writer taking the
// same version fails on the primary key.
func (c *Conn) InsertDoc(ctx context.Context, d *models.Doc) error {
	_, err := c.exec(ctx, `INSERT INTO docs (`+docColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Scope, d.Name, d.Version, d.Content, d.ContentHash, d.ContentSize, d.UploadedBy, FormatTime(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert doc: %w", err)
	}
	return nil
}

// GetDoc loads a document version; version 0 means latest.
func (c *Conn) GetDoc(ctx context.Context, scope, name string, version int) (*models.Doc, error) {
	var row *sql.Row
	if version > 0 {
		row = c.queryRow(ctx, `SELECT `+docColumns+` FROM docs WHERE scope = ? AND name = ? AND version = ?`,
			scope, name, version)
	} else {
		row = c.queryRow(ctx, `SELECT `+docColumns+` FROM docs WHERE scope = ? AND name = ?
			ORDER BY version DESC LIMIT 1`, scope, name)
	}
	d, err := scanDoc(row)
	if errors.Is(err, sql.ErrNoRows) {
		key := scope + "/" + name
		if version > 0 {
			key = fmt.Sprintf("%s@%d", key, version)
		}
		return nil, &ErrNotFound{Entity: "doc", Key: key}
	}
	if err != nil {
		return nil, fmt.Errorf("get doc: %w", err)
	}
	return d, nil
}

// ListLatestDocs returns the newest version of every document in scope
// (all scopes when empty), without content.
func (c *Conn) ListLatestDocs(ctx context.Context, scope string) ([]models.Doc, error) {
	sqlText := `SELECT d.scope, d.name, d.version, '', d.content_hash, d.content_size, d.uploaded_by, d.created_at
		FROM docs d
		WHERE d.version = (SELECT MAX(v.version) FROM docs v WHERE v.scope = d.scope AND v.name = d.name)`
	var args []any
	if scope != "" {
		sqlText += ` AND d.scope = ?`
		args = append(args, scope)
	}
	sqlText += ` ORDER BY d.scope, d.name`

	rows, err := c.query(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("list docs: %w", err)
	}
	defer rows.Close()

	var out []models.Doc
	for rows.Next() {
		d, err := scanDoc(rows)
		if err != nil {
			return nil, fmt.Errorf("scan doc: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}
