package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/venturecrane/crane-relay/pkg/models"
)

const machineColumns = `id, hostname, address, username, os, arch, public_key, role, status, registered_at, last_seen_at`

func scanMachine(sc scanner) (*models.Machine, error) {
	var (
		m                      models.Machine
		registeredAt, lastSeen string
	)
	if err := sc.Scan(&m.ID, &m.Hostname, &m.Address, &m.User, &m.OS, &m.Arch, &m.PublicKey, &m.Role, &m.Status,
		&registeredAt, &lastSeen); err != nil {
		return nil, err
	}
	var err error
	if m.RegisteredAt, err = ParseTime(registeredAt); err != nil {
		return nil, err
	}
	if m.LastSeenAt, err = ParseTime(lastSeen); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Conn) getMachineWhere(ctx context.Context, key, where string, args ...any) (*models.Machine, error) {
	row := c.queryRow(ctx, `SELECT `+machineColumns+` FROM machines WHERE `+where, args...)
	m, err := scanMachine(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "machine", Key: key}
	}
	if err != nil {
		return nil, fmt.Errorf("get machine: %w", err)
	}
	return m, nil
}

// GetMachine loads a machine by ID.
func (c *Conn) GetMachine(ctx context.Context, id string) (*models.Machine, error) {
	return c.getMachineWhere(ctx, id, `id = ?`, id)
}

// FindMachine loads a machine by its registration identity.
func (c *Conn) FindMachine(ctx context.Context, hostname, user string) (*models.Machine, error) {
	return c.getMachineWhere(ctx, hostname+"/"+user, `hostname = ? AND username = ?`, hostname, user)
}

// InsertMachine stores a newly registered machine.
func (c *Conn) InsertMachine(ctx context.Context, m *models.Machine) error {
	_, err := c.exec(ctx, `INSERT INTO machines (`+machineColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Hostname, m.Address, m.User, m.OS, m.Arch, m.PublicKey, m.Role, string(m.Status),
		FormatTime(m.RegisteredAt), FormatTime(m.LastSeenAt))
	if err != nil {
		return fmt.Errorf("insert machine: %w", err)
	}
	return nil
}

// UpdateMachine rewrites the mutable columns of a re-registered machine.
func (c *Conn) UpdateMachine(ctx context.Context, m *models.Machine) error {
	_, err := c.exec(ctx, `UPDATE machines
		SET address = ?, os = ?, arch = ?, public_key = ?, role = ?, status = ?, last_seen_at = ?
		WHERE id = ?`,
		m.Address, m.OS, m.Arch, m.PublicKey, m.Role, string(m.Status), FormatTime(m.LastSeenAt), m.ID)
	if err != nil {
		return fmt.Errorf("update machine: %w", err)
	}
	return nil
}

// TouchMachine updates last_seen_at. It reports false for unknown IDs.
func (c *Conn) TouchMachine(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := c.exec(ctx, `UPDATE machines SET last_seen_at = ? WHERE id = ?`, FormatTime(at), id)
	if err != nil {
		return false, fmt.Errorf("touch machine: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("touch machine: %w", err)
	}
	return n == 1, nil
}

// ListMachines returns machines matching f, ordered by hostname.
func (c *Conn) ListMachines(ctx context.Context, f models.MachineFilter) ([]models.Machine, error) {
	sqlText := `SELECT ` + machineColumns + ` FROM machines WHERE 1 = 1`
	var args []any
	if f.Role != "" {
		sqlText += ` AND role = ?`
		args = append(args, f.Role)
	}
	if f.Status != "" {
		sqlText += ` AND status = ?`
		args = append(args, f.Status)
	}
	sqlText += ` ORDER BY hostname, username`

	rows, err := c.query(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}
	defer rows.Close()

	var out []models.Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, fmt.Errorf("scan machine: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}
