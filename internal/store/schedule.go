package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/venturecrane/crane-relay/pkg/models"
)

const scheduleColumns = `name, title, description, cadence_days, priority, scope,
	last_completed_at, last_result, last_summary, last_completed_by`

func scanScheduleItem(sc scanner) (*models.ScheduleItem, error) {
	var (
		it                    models.ScheduleItem
		scope, lastAt, result sql.NullString
	)
	if err := sc.Scan(&it.Name, &it.Title, &it.Description, &it.CadenceDays, &it.Priority, &scope,
		&lastAt, &result, &it.LastSummary, &it.LastCompletedBy); err != nil {
		return nil, err
	}
	it.Scope = stringPtr(scope)
	if result.Valid {
		r := models.CompletionResult(result.String)
		it.LastResult = &r
	}
	var err error
	if it.LastCompletedAt, err = parseNullTime(lastAt); err != nil {
		return nil, err
	}
	return &it, nil
}

// UpsertScheduleItem creates an item or replaces its definition, keeping
// completion history.
func (c *Conn) UpsertScheduleItem(ctx context.Context, it *models.ScheduleItem) error {
	_, err := c.exec(ctx, `INSERT INTO schedule_items (name, title, description, cadence_days, priority, scope)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			cadence_days = excluded.cadence_days,
			priority = excluded.priority,
			scope = excluded.scope`,
		it.Name, it.Title, it.Description, it.CadenceDays, it.Priority, nullStringPtr(it.Scope))
	if err != nil {
		return fmt.Errorf("upsert schedule item: %w", err)
	}
	return nil
}

// GetScheduleItem loads one item by name.
func (c *Conn) GetScheduleItem(ctx context.Context, name string) (*models.ScheduleItem, error) {
	row := c.queryRow(ctx, `SELECT `+scheduleColumns+` FROM schedule_items WHERE name = ?`, name)
	it, err := scanScheduleItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "schedule item", Key: name}
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule item: %w", err)
	}
	return it, nil
}

// ListScheduleItems returns global items plus, when scope is set, the
// items of that scope. An empty scope returns every item.
func (c *Conn) ListScheduleItems(ctx context.Context, scope string) ([]models.ScheduleItem, error) {
	sqlText := `SELECT ` + scheduleColumns + ` FROM schedule_items`
	var args []any
	if scope != "" {
		sqlText += ` WHERE scope IS NULL OR scope = ?`
		args = append(args, scope)
	}
	sqlText += ` ORDER BY name`

	rows, err := c.query(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("list schedule items: %w", err)
	}
	defer rows.Close()

	var out []models.ScheduleItem
	for rows.Next() {
		it, err := scanScheduleItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule item: %w", err)
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

// CompleteScheduleItem records a completion. It reports false when the
// item does not exist.
func (c *Conn) CompleteScheduleItem(ctx context.Context, name string, result models.CompletionResult,
	summary, completedBy string, at time.Time) (bool, error) {
	res, err := c.exec(ctx, `UPDATE schedule_items
		SET last_completed_at = ?, last_result = ?, last_summary = ?, last_completed_by = ?
		WHERE name = ?`, FormatTime(at), string(result), summary, completedBy, name)
	if err != nil {
		return false, fmt.Errorf("complete schedule item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete schedule item: %w", err)
	}
	return n == 1, nil
}
