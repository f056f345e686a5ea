package database

import (
	"context"
	"database/sql"
	"sync/atomic"
)

// Result is a driver independent snapshot of a statement outcome.
type Result struct {
	Columns      []string
	Rows         []map[string]any
	RowsAffected int64
}

// Querier runs statements. Transaction callbacks receive one bound to the
// transaction's connection.
type Querier interface {
	Query(ctx context.Context, text string, args ...any) (*Result, error)
}

// Conn is a connection checked out of a Pool. Release must be called
// exactly once.
type Conn interface {
	Querier
	Prepared(ctx context.Context, text string, args ...any) (*Result, error)
	Release()
}

type PoolCounters struct {
	Total   int
	Idle    int
	InUse   int
	Waiting int
	Max     int
}

type Pool interface {
	Acquire(ctx context.Context) (Conn, error)
	Counters() PoolCounters
	Close() error
}

// SQLPool hands out pinned connections of a database/sql pool.
type SQLPool struct {
	db      *sql.DB
	waiting atomic.Int64
}

func NewSQLPool(db *sql.DB) *SQLPool {
	return &SQLPool{db: db}
}

func (p *SQLPool) Acquire(ctx context.Context) (Conn, error) {
	p.waiting.Add(1)
	conn, err := p.db.Conn(ctx)
	p.waiting.Add(-1)

	if err != nil {
		return nil, err
	}

	return &sqlConn{conn: conn}, nil
}

func (p *SQLPool) Counters() PoolCounters {
	stats := p.db.Stats()

	return PoolCounters{
		Total:   stats.OpenConnections,
		Idle:    stats.Idle,
		InUse:   stats.InUse,
		Waiting: int(p.waiting.Load()),
		Max:     stats.MaxOpenConnections,
	}
}

func (p *SQLPool) Close() error {
	return p.db.Close()
}

type sqlConn struct {
	conn     *sql.Conn
	released atomic.Bool
}

func (c *sqlConn) Query(ctx context.Context, text string, args ...any) (*Result, error) {
	if !returnsRows(text) {
		res, err := c.conn.ExecContext(ctx, text, args...)
		if err != nil {
			return nil, err
		}

		affected, _ := res.RowsAffected()

		return &Result{RowsAffected: affected}, nil
	}

	rows, err := c.conn.QueryContext(ctx, text, args...)
	if err != nil {
		return nil, err
	}

	return collectRows(rows)
}

func (c *sqlConn) Prepared(ctx context.Context, text string, args ...any) (*Result, error) {
	stmt, err := c.conn.PrepareContext(ctx, text)
	if err != nil {
		return nil, err
	}

	defer func() { _ = stmt.Close() }()

	if !returnsRows(text) {
		res, err := stmt.ExecContext(ctx, args...)
		if err != nil {
			return nil, err
		}

		affected, _ := res.RowsAffected()

		return &Result{RowsAffected: affected}, nil
	}

	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, err
	}

	return collectRows(rows)
}

func (c *sqlConn) Release() {
	if c.released.CompareAndSwap(false, true) {
		_ = c.conn.Close()
	}
}

func collectRows(rows *sql.Rows) (*Result, error) {
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	result := &Result{Columns: columns}

	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))

		for i := range values {
			pointers[i] = &values[i]
		}

		err = rows.Scan(pointers...)
		if err != nil {
			return nil, err
		}

		row := make(map[string]any, len(columns))

		for i, column := range columns {
			if raw, ok := values[i].([]byte); ok {
				row[column] = string(raw)
				continue
			}

			row[column] = values[i]
		}

		result.Rows = append(result.Rows, row)
	}

	err = rows.Err()
	if err != nil {
		return nil, err
	}

	result.RowsAffected = int64(len(result.Rows))

	return result, nil
}
