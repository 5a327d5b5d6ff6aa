package db

import (
	"context"
	"time"
)

// Pinger checks backend connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Entry is one cache record. Timestamps are absolute so any process reading
// the entry agrees on its freshness.
type Entry struct {
	Value    []byte
	StoredAt time.Time
	StaleAt  time.Time
	ExpireAt time.Time
}

// CacheStore is the key/value backend behind the cache layer.
type CacheStore interface {
	Pinger
	GetEntry(ctx context.Context, key string) (Entry, error)
	PutEntry(ctx context.Context, key string, e Entry) error
	// CompareAndPut writes e only if the stored entry still carries storedAt.
	// A missing entry is treated as a mismatch.
	CompareAndPut(ctx context.Context, key string, storedAt time.Time, e Entry) (bool, error)
	Del(ctx context.Context, keys ...string) (int, error)
	Scan(ctx context.Context, pattern string) ([]string, error)
	Close()
}

// Row is a single result row keyed by column name.
type Row map[string]any

// Querier runs SQL with positional $n parameters.
type Querier interface {
	Query(ctx context.Context, query string, args ...any) ([]Row, error)
	Exec(ctx context.Context, query string, args ...any) (int64, error)
}

// Tx is a Querier bound to one pooled connection.
type Tx interface {
	Querier
	Commit() error
	Rollback() error
}

// PoolStats describes the SQL connection pool.
type PoolStats struct {
	Total   int `json:"total_connections"`
	Idle    int `json:"idle_connections"`
	InUse   int `json:"in_use_connections"`
	Waiting int `json:"waiting_clients"`
}

// SQLStore is the backing relational store facade.
type SQLStore interface {
	Pinger
	Querier
	Begin(ctx context.Context) (Tx, error)
	PoolStats() PoolStats
	Close() error
}
