// Package cache is the TTL cache with stale-while-revalidate reads and
// pattern invalidation shared by the data access layer.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/tysjosh/mindshop-sub016/internal/db"
)

// store is the consumer interface for the cache backend (ISP).
type store interface {
	db.Pinger
	GetEntry(ctx context.Context, key string) (db.Entry, error)
	PutEntry(ctx context.Context, key string, e db.Entry) error
	CompareAndPut(ctx context.Context, key string, storedAt time.Time, e db.Entry) (bool, error)
	Del(ctx context.Context, keys ...string) (int, error)
	Scan(ctx context.Context, pattern string) ([]string, error)
}

// submitter runs background revalidations.
type submitter interface {
	Submit(task func()) error
}

// Lookup describes what a stale-while-revalidate read found.
type Lookup int

// Lookup results.
const (
	Miss Lookup = iota
	Fresh
	Stale
)

func (l Lookup) String() string {
	switch l {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "miss"
	}
}

// RevalidateFunc recomputes a value. Returning a nil value drops the entry.
type RevalidateFunc func(ctx context.Context) (any, error)

// SWROptions configures a stale-while-revalidate read.
type SWROptions struct {
	// StaleTTL is how long after storage a value is served as fresh.
	StaleTTL time.Duration
	// GracePeriod is how long past StaleTTL a stale value may still be served.
	GracePeriod time.Duration
	Revalidate  RevalidateFunc
}

// Config configures the cache.
type Config struct {
	Prefix            string
	RevalidateTimeout time.Duration
	DeleteBatch       int
}

// Metrics are optional counters; nil fields are skipped.
type Metrics struct {
	Requests      *prometheus.CounterVec // label: result
	Revalidations *prometheus.CounterVec // label: outcome
}

// Cache is safe for concurrent use.
type Cache struct {
	store   store
	pool    submitter
	cfg     Config
	metrics Metrics
	logger  *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New creates a cache over s. Background revalidations run on pool.
func New(s store, pool submitter, cfg Config, m Metrics, logger *zap.Logger) *Cache {
	if cfg.RevalidateTimeout <= 0 {
		cfg.RevalidateTimeout = 10 * time.Second
	}
	if cfg.DeleteBatch <= 0 {
		cfg.DeleteBatch = 100
	}
	return &Cache{
		store:    s,
		pool:     pool,
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
}

// Get decodes the live value at key into dst. Backend and decode failures
// are logged and reported as a miss.
func (c *Cache) Get(ctx context.Context, key string, dst any) bool {
	e, ok := c.load(ctx, key)
	if !ok {
		c.count("miss")
		return false
	}
	if !c.decode(ctx, key, e, dst) {
		return false
	}
	c.count("hit")
	return true
}

// Set stores v under key for ttl.
func (c *Cache) Set(ctx context.Context, key string, v any, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("cache set %s: ttl must be positive", key)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache set %s: marshal: %w", key, err)
	}
	now := c.now()
	e := db.Entry{Value: data, StoredAt: now, StaleAt: now.Add(ttl), ExpireAt: now.Add(ttl)}
	if err := c.store.PutEntry(ctx, c.key(key), e); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// Delete removes keys.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}
	if _, err := c.store.Del(ctx, full...); err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

// InvalidateByPattern deletes every key matching a glob and returns how many were removed.
func (c *Cache) InvalidateByPattern(ctx context.Context, pattern string) (int, error) {
	keys, err := c.store.Scan(ctx, c.key(pattern))
	if err != nil {
		return 0, fmt.Errorf("cache invalidate %s: %w", pattern, err)
	}

	removed := 0
	for start := 0; start < len(keys); start += c.cfg.DeleteBatch {
		end := min(start+c.cfg.DeleteBatch, len(keys))
		n, err := c.store.Del(ctx, keys[start:end]...)
		if err != nil {
			return removed, fmt.Errorf("cache invalidate %s: %w", pattern, err)
		}
		removed += n
	}
	return removed, nil
}

// GetWithStaleWhileRevalidate reads key into dst. A fresh value is returned
// as is. A stale value inside the grace period is returned immediately and a
// single background refresh is scheduled. Anything older is a Miss and the
// caller is expected to fetch synchronously.
func (c *Cache) GetWithStaleWhileRevalidate(ctx context.Context, key string, dst any, opts SWROptions) Lookup {
	e, ok := c.load(ctx, key)
	if !ok {
		c.count("miss")
		return Miss
	}

	now := c.now()
	staleAt := e.StaleAt
	if s := e.StoredAt.Add(opts.StaleTTL); opts.StaleTTL > 0 && s.Before(staleAt) {
		staleAt = s
	}
	graceEnd := staleAt.Add(opts.GracePeriod)
	if e.ExpireAt.Before(graceEnd) {
		graceEnd = e.ExpireAt
	}

	if !now.Before(graceEnd) {
		c.count("miss")
		return Miss
	}
	if !c.decode(ctx, key, e, dst) {
		return Miss
	}
	if now.Before(staleAt) {
		c.count("hit")
		return Fresh
	}

	c.count("stale")
	if opts.Revalidate != nil {
		c.revalidate(ctx, key, e.StoredAt, opts)
	}
	return Stale
}

// HealthCheck reports whether the backend answers.
func (c *Cache) HealthCheck(ctx context.Context) bool {
	if err := c.store.Ping(ctx); err != nil {
		c.logger.Warn("Cache health check failed", zap.Error(err))
		return false
	}
	return true
}

// revalidate schedules one refresh per key. The refreshed value only lands
// if the entry still carries storedAt, so a newer write or an invalidation
// that happened meanwhile wins.
func (c *Cache) revalidate(ctx context.Context, key string, storedAt time.Time, opts SWROptions) {
	full := c.key(key)

	c.mu.Lock()
	if _, busy := c.inflight[full]; busy {
		c.mu.Unlock()
		return
	}
	c.inflight[full] = struct{}{}
	c.mu.Unlock()

	done := func() {
		c.mu.Lock()
		delete(c.inflight, full)
		c.mu.Unlock()
	}

	bg := context.WithoutCancel(ctx)
	err := c.pool.Submit(func() {
		defer done()

		rctx, cancel := context.WithTimeout(bg, c.cfg.RevalidateTimeout)
		defer cancel()

		v, err := opts.Revalidate(rctx)
		if err != nil {
			c.revalidated("failed")
			c.logger.Warn("Cache revalidation failed", zap.String("key", key), zap.Error(err))
			return
		}
		if v == nil {
			c.revalidated("emptied")
			if _, err := c.store.Del(rctx, full); err != nil {
				c.logger.Warn("Failed to drop emptied cache entry", zap.String("key", key), zap.Error(err))
			}
			return
		}

		data, err := json.Marshal(v)
		if err != nil {
			c.revalidated("failed")
			c.logger.Warn("Cache revalidation marshal failed", zap.String("key", key), zap.Error(err))
			return
		}
		now := c.now()
		staleAt := now.Add(opts.StaleTTL)
		e := db.Entry{Value: data, StoredAt: now, StaleAt: staleAt, ExpireAt: staleAt.Add(opts.GracePeriod)}

		swapped, err := c.store.CompareAndPut(rctx, full, storedAt, e)
		switch {
		case err != nil:
			c.revalidated("failed")
			c.logger.Warn("Cache revalidation write failed", zap.String("key", key), zap.Error(err))
		case !swapped:
			c.revalidated("superseded")
		default:
			c.revalidated("refreshed")
		}
	})
	if err != nil {
		done()
		c.revalidated("dropped")
		c.logger.Warn("Cache revalidation not scheduled", zap.String("key", key), zap.Error(err))
	}
}

func (c *Cache) load(ctx context.Context, key string) (db.Entry, bool) {
	e, err := c.store.GetEntry(ctx, c.key(key))
	if err != nil {
		if !errors.Is(err, db.ErrKeyNotFound) {
			c.count("error")
			c.logger.Warn("Cache read failed", zap.String("key", key), zap.Error(err))
		}
		return db.Entry{}, false
	}
	if !c.now().Before(e.ExpireAt) {
		return db.Entry{}, false
	}
	return e, true
}

func (c *Cache) decode(ctx context.Context, key string, e db.Entry, dst any) bool {
	if err := json.Unmarshal(e.Value, dst); err != nil {
		c.count("error")
		c.logger.Warn("Dropping undecodable cache entry", zap.String("key", key), zap.Error(err))
		if _, err := c.store.Del(ctx, c.key(key)); err != nil {
			c.logger.Warn("Failed to drop cache entry", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	return true
}

func (c *Cache) key(k string) string {
	return c.cfg.Prefix + k
}

func (c *Cache) count(result string) {
	if c.metrics.Requests != nil {
		c.metrics.Requests.WithLabelValues(result).Inc()
	}
}

func (c *Cache) revalidated(outcome string) {
	if c.metrics.Revalidations != nil {
		c.metrics.Revalidations.WithLabelValues(outcome).Inc()
	}
}
