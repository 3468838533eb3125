package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

var errNotInitialized = errors.New("db not initialized")

type rowScanner interface {
	Scan(dest ...any) error
}

type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) rowScanner
}

// execQuerier is the subset of *sql.DB and *sql.Tx the queries need.
type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqlConn adapts *sql.DB or *sql.Tx to dbConn.
type sqlConn struct {
	q execQuerier
}

func (c sqlConn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, query, args...)
}

func (c sqlConn) QueryRowContext(ctx context.Context, query string, args ...any) rowScanner {
	return c.q.QueryRowContext(ctx, query, args...)
}

// DB holds the audit trail and the run-status outbox. Tests swap conn for a
// fake and leave raw nil.
type DB struct {
	conn dbConn
	raw  *sql.DB
}

type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultOptions sizes the pool for a gateway and a worker writing audit
// rows and outbox entries.
func DefaultOptions() Options {
	return Options{
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

var openDB = sql.Open

// NewDB does not dial; lib/pq connects on first use.
func NewDB(dsn string) (*DB, error) {
	return NewDBWithOptions(dsn, DefaultOptions())
}

func NewDBWithOptions(dsn string, opts Options) (*DB, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn required")
	}
	raw, err := openDB("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		raw.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		raw.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		raw.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	return &DB{conn: sqlConn{q: raw}, raw: raw}, nil
}

func (d *DB) Close() error {
	if d == nil || d.raw == nil {
		return nil
	}
	return d.raw.Close()
}

// Ping backs the readiness checks.
func (d *DB) Ping(ctx context.Context) error {
	if d == nil || d.raw == nil {
		return errNotInitialized
	}
	return d.raw.PingContext(ctx)
}

// withTx runs fn inside a transaction. Without a raw *sql.DB (test stubs) fn
// runs against the plain connection.
func (d *DB) withTx(ctx context.Context, fn func(conn dbConn) error) error {
	if d.raw == nil {
		return fn(d.conn)
	}
	tx, err := d.raw.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(sqlConn{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// clampLimit bounds list queries: default 50, max 500.
func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func (d *DB) ready() error {
	if d == nil || d.conn == nil {
		return errNotInitialized
	}
	return nil
}
