package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venturecrane/crane-relay/pkg/models"
)

func TestSearchTextBackfill(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, Config{Driver: DialectSQLite, URL: filepath.Join(t.TempDir(), "schema.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	_, err = s.Migrate(ctx)
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.InsertNote(ctx, &models.Note{ID: "note_1", Category: models.NoteLog,
		Title: "Ärger im Büro", Content: "Über alles", CreatedAt: now, UpdatedAt: now}))

	// Rows written before the column existed carry the default.
	_, err = s.DB().ExecContext(ctx, `UPDATE notes SET search_text = ''`)
	require.NoError(t, err)
	require.NoError(t, s.WithTx(ctx, func(c *Conn) error { return backfillSearchText(ctx, c) }))

	var text string
	require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT search_text FROM notes WHERE id = 'note_1'`).Scan(&text))
	assert.Equal(t, "ärger im büro\nüber alles", text)
}
