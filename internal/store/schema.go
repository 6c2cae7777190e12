package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Migration is one ordered schema change. Statements must be valid in
// both SQLite and PostgreSQL. Backfill, when set, runs after the
// statements in the same transaction.
type Migration struct {
	Version  int
	Name     string
	Stmts    []string
	Backfill func(ctx context.Context, c *Conn) error
}

var migrations = []Migration{
	{
		Version: 1,
		Name:    "create_sessions_and_checkpoints",
		Stmts: []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id                TEXT PRIMARY KEY,
				venture           TEXT NOT NULL,
				repo              TEXT NOT NULL,
				track             INTEGER,
				issue_number      INTEGER,
				agent             TEXT NOT NULL,
				status            TEXT NOT NULL,
				end_reason        TEXT,
				branch            TEXT NOT NULL DEFAULT '',
				commit_sha        TEXT NOT NULL DEFAULT '',
				meta              TEXT,
				predecessor_id    TEXT,
				actor_key_id      TEXT NOT NULL DEFAULT '',
				created_at        TEXT NOT NULL,
				last_heartbeat_at TEXT NOT NULL,
				ended_at          TEXT
			)`,
			// At most one active session per (venture, repo, track).
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_one_active
				ON sessions (venture, repo, COALESCE(track, -1)) WHERE status = 'active'`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_tuple ON sessions (venture, repo, status)`,
			`CREATE TABLE IF NOT EXISTS checkpoints (
				id         TEXT PRIMARY KEY,
				session_id TEXT NOT NULL REFERENCES sessions(id),
				label      TEXT NOT NULL,
				payload    TEXT,
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints (session_id, created_at)`,
		},
	},
	{
		Version: 2,
		Name:    "create_handoffs",
		Stmts: []string{
			`CREATE TABLE IF NOT EXISTS handoffs (
				id           TEXT PRIMARY KEY,
				session_id   TEXT NOT NULL REFERENCES sessions(id),
				venture      TEXT NOT NULL,
				repo         TEXT NOT NULL,
				track        INTEGER,
				issue_number INTEGER,
				from_agent   TEXT NOT NULL,
				summary      TEXT NOT NULL,
				status       TEXT NOT NULL,
				payload      TEXT,
				payload_hash TEXT NOT NULL DEFAULT '',
				payload_size BIGINT NOT NULL DEFAULT 0,
				actor_key_id TEXT NOT NULL DEFAULT '',
				created_at   TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_handoffs_tuple ON handoffs (venture, repo, created_at, id)`,
		},
	},
	{
		Version: 3,
		Name:    "create_notes_and_note_tags",
		Stmts: []string{
			`CREATE TABLE IF NOT EXISTS notes (
				id           TEXT PRIMARY KEY,
				category     TEXT NOT NULL,
				title        TEXT NOT NULL DEFAULT '',
				content      TEXT NOT NULL,
				venture      TEXT,
				archived     INTEGER NOT NULL DEFAULT 0,
				actor_key_id TEXT NOT NULL DEFAULT '',
				meta         TEXT,
				created_at   TEXT NOT NULL,
				updated_at   TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_notes_created ON notes (created_at, id)`,
			`CREATE TABLE IF NOT EXISTS note_tags (
				note_id TEXT NOT NULL REFERENCES notes(id),
				tag     TEXT NOT NULL,
				PRIMARY KEY (note_id, tag)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_note_tags_tag ON note_tags (tag)`,
		},
	},
	{
		Version: 4,
		Name:    "create_schedule_items",
		Stmts: []string{
			`CREATE TABLE IF NOT EXISTS schedule_items (
				name              TEXT PRIMARY KEY,
				title             TEXT NOT NULL,
				description       TEXT NOT NULL DEFAULT '',
				cadence_days      INTEGER NOT NULL,
				priority          INTEGER NOT NULL DEFAULT 3,
				scope             TEXT,
				last_completed_at TEXT,
				last_result       TEXT,
				last_summary      TEXT NOT NULL DEFAULT '',
				last_completed_by TEXT NOT NULL DEFAULT ''
			)`,
		},
	},
	{
		Version: 5,
		Name:    "create_machines",
		Stmts: []string{
			`CREATE TABLE IF NOT EXISTS machines (
				id            TEXT PRIMARY KEY,
				hostname      TEXT NOT NULL,
				address       TEXT NOT NULL,
				username      TEXT NOT NULL,
				os            TEXT NOT NULL,
				arch          TEXT NOT NULL,
				public_key    TEXT NOT NULL DEFAULT '',
				role          TEXT NOT NULL DEFAULT '',
				status        TEXT NOT NULL,
				registered_at TEXT NOT NULL,
				last_seen_at  TEXT NOT NULL,
				UNIQUE (hostname, username)
			)`,
		},
	},
	{
		Version: 6,
		Name:    "create_idempotency_keys",
		Stmts: []string{
			`CREATE TABLE IF NOT EXISTS idempotency_keys (
				endpoint        TEXT NOT NULL,
				idem_key        TEXT NOT NULL,
				body_hash       TEXT NOT NULL,
				state           TEXT NOT NULL,
				response_status INTEGER NOT NULL DEFAULT 0,
				response_body   TEXT,
				actor_key_id    TEXT NOT NULL DEFAULT '',
				created_at      TEXT NOT NULL,
				expires_at      TEXT NOT NULL,
				PRIMARY KEY (endpoint, idem_key)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency_keys (expires_at)`,
		},
	},
	{
		Version: 7,
		Name:    "create_docs",
		Stmts: []string{
			`CREATE TABLE IF NOT EXISTS docs (
				scope        TEXT NOT NULL,
				name         TEXT NOT NULL,
				version      INTEGER NOT NULL,
				content      TEXT NOT NULL,
				content_hash TEXT NOT NULL,
				content_size BIGINT NOT NULL,
				uploaded_by  TEXT NOT NULL DEFAULT '',
				created_at   TEXT NOT NULL,
				PRIMARY KEY (scope, name, version)
			)`,
		},
	},
	{
		Version: 8,
		Name:    "add_idempotency_lease",
		Stmts: []string{
			`ALTER TABLE idempotency_keys ADD COLUMN lease_until TEXT`,
		},
	},
	{
		Version: 9,
		Name:    "add_notes_search_text",
		Stmts: []string{
			`ALTER TABLE notes ADD COLUMN search_text TEXT NOT NULL DEFAULT ''`,
		},
		Backfill: backfillSearchText,
	},
}

// LatestVersion is the schema version after all migrations are applied.
func LatestVersion() int { return migrations[len(migrations)-1].Version }

// Migrate applies pending migrations in order, one transaction each.
// It returns the number of migrations applied.
func (s *Store) Migrate(ctx context.Context) (int, error) {
	if _, err := s.exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		name       TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		err := s.WithTx(ctx, func(c *Conn) error {
			for _, stmt := range m.Stmts {
				if _, err := c.exec(ctx, stmt); err != nil {
					return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
				}
			}
			if m.Backfill != nil {
				if err := m.Backfill(ctx, c); err != nil {
					return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
				}
			}
			_, err := c.exec(ctx,
				`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
				m.Version, m.Name, FormatTime(time.Now()))
			return err
		})
		if err != nil {
			return applied, err
		}
		log.Info().Int("version", m.Version).Str("name", m.Name).Msg("Applied migration")
		applied++
	}
	return applied, nil
}

// SchemaVersion returns the highest applied migration version, 0 if none.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.queryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}
