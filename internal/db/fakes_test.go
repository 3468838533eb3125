package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var errTest = errors.New("test error")

type fakeResult struct{}

func (fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (fakeResult) RowsAffected() (int64, error) { return 1, nil }

// fakeRow scans JSON payloads, the only column type the queries return.
type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan: %d dest for %d values", len(dest), len(r.values))
	}
	for i, d := range dest {
		out, ok := d.(*[]byte)
		if !ok {
			return fmt.Errorf("scan: unsupported dest %T", d)
		}
		*out = r.values[i].([]byte)
	}
	return nil
}

// fakeConn records every statement; execErr fails all of them.
type fakeConn struct {
	row     rowScanner
	execErr error

	execCalls     int
	execQueries   []string
	lastExecQuery string
	lastExecArgs  []any
	lastArgs      []any
}

func (c *fakeConn) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	c.execCalls++
	c.execQueries = append(c.execQueries, query)
	c.lastExecQuery, c.lastExecArgs = query, args
	if c.execErr != nil {
		return nil, c.execErr
	}
	return fakeResult{}, nil
}

func (c *fakeConn) QueryRowContext(_ context.Context, _ string, args ...any) rowScanner {
	c.lastArgs = args
	return c.row
}
