// Package postgres is the pgvector-backed relational store.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tysjosh/mindshop-sub016/internal/db"
)

// Compile-time check: Store implements db.SQLStore.
var _ db.SQLStore = (*Store)(nil)

// Config holds connection and pool parameters.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Store runs raw SQL over a gorm-managed pgx connection pool.
type Store struct {
	gdb   *gorm.DB
	sqlDB *sql.DB
	// pending counts calls currently acquiring or using a connection.
	pending atomic.Int64
}

// Open connects and configures the pool. It does not migrate.
func Open(cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("dsn is required")
	}

	gdb, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
		DisableAutomaticPing:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return &Store{gdb: gdb, sqlDB: sqlDB}, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.sqlDB.PingContext(ctx); err != nil {
		return &db.Error{Op: db.OpPing, Err: err}
	}
	return nil
}

// WaitForReady polls Ping until the database responds or timeout expires.
func (s *Store) WaitForReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		if err := s.Ping(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for database: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Query runs a statement that returns rows.
func (s *Store) Query(ctx context.Context, query string, args ...any) ([]db.Row, error) {
	s.pending.Add(1)
	defer s.pending.Add(-1)

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &db.Error{Op: db.OpQuery, Err: err}
	}
	return scanRows(rows)
}

// Exec runs a statement and returns the number of affected rows.
func (s *Store) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	s.pending.Add(1)
	defer s.pending.Add(-1)

	res, err := s.sqlDB.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, &db.Error{Op: db.OpExec, Err: err}
	}
	return affected(res)
}

// Begin acquires one connection and starts a transaction on it.
func (s *Store) Begin(ctx context.Context) (db.Tx, error) {
	s.pending.Add(1)
	defer s.pending.Add(-1)

	t, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, &db.Error{Op: db.OpBegin, Err: err}
	}
	return &tx{tx: t}, nil
}

// PoolStats reports pool occupancy. Waiting is estimated from calls that
// are in flight but do not hold a connection.
func (s *Store) PoolStats() db.PoolStats {
	st := s.sqlDB.Stats()
	waiting := int(s.pending.Load()) - st.InUse
	if waiting < 0 {
		waiting = 0
	}
	return db.PoolStats{
		Total:   st.OpenConnections,
		Idle:    st.Idle,
		InUse:   st.InUse,
		Waiting: waiting,
	}
}

// Close closes the pool.
func (s *Store) Close() error {
	return s.sqlDB.Close()
}

type tx struct {
	tx *sql.Tx
}

func (t *tx) Query(ctx context.Context, query string, args ...any) ([]db.Row, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &db.Error{Op: db.OpQuery, Err: err}
	}
	return scanRows(rows)
}

func (t *tx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, &db.Error{Op: db.OpExec, Err: err}
	}
	return affected(res)
}

func (t *tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return &db.Error{Op: db.OpCommit, Err: err}
	}
	return nil
}

func (t *tx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return &db.Error{Op: db.OpRollback, Err: err}
	}
	return nil
}

func affected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &db.Error{Op: db.OpExec, Err: err}
	}
	return n, nil
}

// scanRows drains rows into column-keyed maps. Text-like values are
// normalized to string.
func scanRows(rows *sql.Rows) ([]db.Row, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, &db.Error{Op: db.OpQuery, Err: err}
	}

	var out []db.Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, &db.Error{Op: db.OpQuery, Err: err}
		}
		row := make(db.Row, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
				continue
			}
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, &db.Error{Op: db.OpQuery, Err: err}
	}
	return out, nil
}
