// Package storage holds the SQL implementations of the registry, webhook,
// conversation, contact and failure stores.  The same schema serves SQLite
// (modernc.org/sqlite) and Postgres (pgx stdlib driver).
package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"your.org/session-hub/internal/errs"
)

//go:embed schema.sql
var schema string

const opTimeout = 5 * time.Second

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// DB wraps a *sql.DB with placeholder rebinding for the active dialect.
// Queries are written with '?' placeholders.
type DB struct {
	sql     *sql.DB
	dialect dialect
}

// OpenSQLite opens (and migrates) a SQLite database at path.  An empty path
// or ":memory:" gives a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*DB, error) {
	if path == "" {
		path = ":memory:"
	}
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errs.Internal(err, "open sqlite")
	}
	// one connection: an in-memory database lives and dies with it, and a
	// single writer avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	return migrate(ctx, &DB{sql: db, dialect: dialectSQLite})
}

// OpenPostgres opens (and migrates) a Postgres database through pgx.
func OpenPostgres(ctx context.Context, dsn string) (*DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errs.Internal(err, "open postgres")
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return migrate(ctx, &DB{sql: db, dialect: dialectPostgres})
}

func migrate(ctx context.Context, db *DB) (*DB, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.sql.PingContext(ctx); err != nil {
		_ = db.sql.Close()
		return nil, errs.Wrap(errs.ErrInternal, err, "ping database")
	}
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.sql.ExecContext(ctx, stmt); err != nil {
			_ = db.sql.Close()
			return nil, errs.Wrap(errs.ErrInternal, err, "apply schema")
		}
	}
	return db, nil
}

func (d *DB) Close() error { return d.sql.Close() }

func (d *DB) Ping(ctx context.Context) error { return d.sql.PingContext(ctx) }

// rebind rewrites '?' placeholders to $N for Postgres.
func (d *DB) rebind(q string) string {
	if d.dialect != dialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (d *DB) exec(ctx context.Context, q querier, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, d.rebind(query), args...)
}

func (d *DB) queryRow(ctx context.Context, q querier, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, d.rebind(query), args...)
}

func (d *DB) query(ctx context.Context, q querier, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, d.rebind(query), args...)
}

// withTx runs fn in a transaction, committing on success.
func (d *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return dbErr(err, "begin")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return dbErr(err, "commit")
	}
	return nil
}

func opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, opTimeout)
}

func dbErr(err error, op string) error {
	if err == nil {
		return nil
	}
	return errs.Wrap(errs.ErrInternal, err, op)
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
