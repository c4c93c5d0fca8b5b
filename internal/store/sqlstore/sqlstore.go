// Package sqlstore adapts a database/sql driver, through sqlx, to the
// store.Dialer contract. Each session pins one connection of the underlying
// *sql.DB so that the pool above it owns the connection for the lease.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver

	"github.com/astroforum/service_layer/internal/store"
)

var returningRe = regexp.MustCompile(`(?i)\bRETURNING\b`)

// Dialer opens pinned sessions on a *sqlx.DB.
type Dialer struct {
	db       *sqlx.DB
	bindType int
}

// Open connects to the database with the given driver name and DSN.
func Open(driverName, dsn string) (*Dialer, error) {
	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driverName, err)
	}
	return New(db), nil
}

// New wraps an existing handle. Placeholders written as ? are rebound to the
// driver's bind style.
func New(db *sqlx.DB) *Dialer {
	return &Dialer{db: db, bindType: sqlx.BindType(db.DriverName())}
}

// Dial pins one connection from the underlying database.
func (d *Dialer) Dial(ctx context.Context) (store.Session, error) {
	conn, err := d.db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire sql connection: %w", err)
	}
	return &Session{conn: conn, bindType: d.bindType}, nil
}

// Close closes the underlying database handle.
func (d *Dialer) Close() error {
	return d.db.Close()
}

// Session is a store.Session backed by a single *sqlx.Conn.
type Session struct {
	conn     *sqlx.Conn
	bindType int
	closed   atomic.Bool
}

type execer interface {
	QueryxContext(ctx context.Context, query string, args ...interface{}) (*sqlx.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Execute runs one statement.
func (s *Session) Execute(ctx context.Context, stmt store.Statement) (*store.Result, error) {
	if s.closed.Load() {
		return nil, store.ErrSessionClosed
	}
	res, err := s.run(ctx, s.conn, stmt)
	return res, s.mapErr(err)
}

// Batch runs the statements in one transaction. Any failure rolls the whole
// batch back.
func (s *Session) Batch(ctx context.Context, stmts []store.Statement) ([]*store.Result, error) {
	if s.closed.Load() {
		return nil, store.ErrSessionClosed
	}
	if len(stmts) == 0 {
		return nil, nil
	}

	tx, err := s.conn.BeginTxx(ctx, nil)
	if err != nil {
		return nil, s.mapErr(fmt.Errorf("begin: %w", err))
	}

	results := make([]*store.Result, 0, len(stmts))
	for i, stmt := range stmts {
		res, err := s.run(ctx, tx, stmt)
		if err != nil {
			_ = tx.Rollback()
			return nil, s.mapErr(fmt.Errorf("statement %d: %w", i, err))
		}
		results = append(results, res)
	}

	if err := tx.Commit(); err != nil {
		return nil, s.mapErr(fmt.Errorf("commit: %w", err))
	}
	return results, nil
}

// Close returns the pinned connection to database/sql.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := s.conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return err
	}
	return nil
}

func (s *Session) mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrConnDone) && s.closed.Load() {
		return store.ErrSessionClosed
	}
	return err
}

func (s *Session) run(ctx context.Context, ex execer, stmt store.Statement) (*store.Result, error) {
	query := sqlx.Rebind(s.bindType, stmt.SQL)

	if !returnsRows(stmt.SQL) {
		r, err := ex.ExecContext(ctx, query, stmt.Args...)
		if err != nil {
			return nil, err
		}
		res := &store.Result{}
		res.RowsAffected, _ = r.RowsAffected()
		// lib/pq does not support LastInsertId.
		res.LastInsertID, _ = r.LastInsertId()
		return res, nil
	}

	rows, err := ex.QueryxContext(ctx, query, stmt.Args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	res := &store.Result{Columns: cols}
	for rows.Next() {
		row := make(map[string]interface{}, len(cols))
		if err := rows.MapScan(row); err != nil {
			return nil, err
		}
		res.Rows = append(res.Rows, store.Row(row))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

func returnsRows(query string) bool {
	q := strings.ToUpper(strings.TrimSpace(query))
	for _, prefix := range []string{"SELECT", "WITH", "VALUES", "SHOW", "EXPLAIN", "PRAGMA"} {
		if strings.HasPrefix(q, prefix) {
			return true
		}
	}
	return returningRe.MatchString(query)
}
