// Package store provides SQL persistence for the coordination service.
// One schema and one query set serve both SQLite (local, tests) and
// PostgreSQL (production); queries are written with ? placeholders and
// rebound per dialect.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/venturecrane/crane-relay/internal/errs"
)

var tracer = otel.Tracer("crane-relay/store")

// Dialect selects the SQL driver and placeholder style.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// maxTxAttempts bounds how often a transaction is re-run after a
// serialization failure, lock timeout or unique-index race.
const maxTxAttempts = 5

// Config describes how to reach the database.
type Config struct {
	Driver   Dialect
	URL      string
	MaxConns int
}

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// IsNotFound reports whether err wraps an *ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}

// Classify converts a store error into the service error taxonomy.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var nf *ErrNotFound
	if errors.As(err, &nf) {
		return errs.NotFound(nf.Entity, nf.Key)
	}
	return errs.From(err)
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Conn runs queries against either the pool or an open transaction.
// Every table accessor is a method on Conn so the same code runs inside
// and outside WithTx.
type Conn struct {
	q       queryer
	dialect Dialect
}

// Store is the database handle shared by all services.
type Store struct {
	*Conn
	db      *sql.DB
	dialect Dialect
}

// Open connects to the database described by cfg. It does not migrate.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	var (
		db  *sql.DB
		err error
	)
	switch cfg.Driver {
	case DialectSQLite, "":
		cfg.Driver = DialectSQLite
		db, err = sql.Open("sqlite3", sqliteDSN(cfg.URL))
	case DialectPostgres:
		db, err = sql.Open("pgx", cfg.URL)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}

	return &Store{
		Conn:    &Conn{q: db, dialect: cfg.Driver},
		db:      db,
		dialect: cfg.Driver,
	}, nil
}

// sqliteDSN adds the connection parameters the store relies on: a busy
// timeout, foreign keys, WAL, and BEGIN IMMEDIATE so writers serialize at
// transaction start instead of failing on lock upgrade.
func sqliteDSN(path string) string {
	if path == "" {
		path = "crane-relay.db"
	}
	params := "_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL&_txlock=immediate"
	if strings.Contains(path, "?") {
		return path + "&" + params
	}
	return "file:" + path + "?" + params
}

// Dialect returns the active SQL dialect.
func (s *Store) Dialect() Dialect { return s.dialect }

// Ping checks if the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// DB exposes the underlying pool for tooling and tests.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// WithTx runs fn inside a single transaction. Transient failures (lock
// contention, serialization failures, a lost race on a unique index) roll
// back and re-run fn, so fn must derive all writes from what it reads.
// Any other error from fn rolls back and is returned as is.
func (s *Store) WithTx(ctx context.Context, fn func(c *Conn) error) error {
	ctx, span := tracer.Start(ctx, "store.tx")
	defer span.End()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxInterval = 250 * time.Millisecond
	b := backoff.WithContext(backoff.WithMaxRetries(policy, maxTxAttempts-1), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if isTransient(err) {
			log.Debug().Err(err).Int("attempt", attempt).Msg("Retrying transaction")
			return err
		}
		return backoff.Permanent(err)
	}, b)
	span.SetAttributes(attribute.Int("db.tx.attempts", attempt))
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(c *Conn) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Conn{q: tx, dialect: s.dialect}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// isTransient reports whether re-running the transaction may succeed.
func isTransient(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy ||
			se.Code == sqlite3.ErrLocked ||
			se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		switch pe.Code {
		case "40001", "40P01", "23505":
			return true
		}
	}
	return false
}

// rebind converts ? placeholders to $n for PostgreSQL.
func (c *Conn) rebind(query string) string {
	if c.dialect != DialectPostgres {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteByte(query[i])
	}
	return sb.String()
}

func (c *Conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, c.rebind(query), args...)
}

func (c *Conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, c.rebind(query), args...)
}

func (c *Conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, c.rebind(query), args...)
}

// ── Column helpers ──────────────────────────────────────────

// tsLayout is fixed width so lexical order equals chronological order.
const tsLayout = "2006-01-02T15:04:05.000000Z"

// FormatTime renders t in the stored timestamp format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

// ParseTime parses a stored timestamp.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := ParseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: FormatTime(t), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func rawBytes(ns sql.NullString) []byte {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return []byte(ns.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
