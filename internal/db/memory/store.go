// Package memory is an in-process db.CacheStore for single-node deployments and tests.
package memory

import (
	"context"
	"path"
	"sync"
	"time"

	"github.com/tysjosh/mindshop-sub016/internal/db"
)

// Compile-time check: Store implements db.CacheStore.
var _ db.CacheStore = (*Store)(nil)

// Store is a thread-safe map of cache entries with lazy expiry.
type Store struct {
	mu     sync.RWMutex
	data   map[string]db.Entry
	now    func() time.Time
	closed bool
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		data: make(map[string]db.Entry),
		now:  time.Now,
	}
}

// Ping reports whether the store is open.
func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return db.ErrClosed
	}
	return nil
}

// GetEntry returns a live entry or db.ErrKeyNotFound. The returned Value
// shares the stored bytes and must not be modified; writes replace it.
func (s *Store) GetEntry(_ context.Context, key string) (db.Entry, error) {
	s.mu.RLock()
	e, ok := s.data[key]
	s.mu.RUnlock()

	if !ok || !e.ExpireAt.After(s.now()) {
		return db.Entry{}, db.ErrKeyNotFound
	}
	return e, nil
}

// PutEntry overwrites key.
func (s *Store) PutEntry(_ context.Context, key string, e db.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return db.ErrClosed
	}
	s.data[key] = copyEntry(e)
	return nil
}

// CompareAndPut writes e only if the live entry at key was stored at storedAt.
func (s *Store) CompareAndPut(_ context.Context, key string, storedAt time.Time, e db.Entry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, db.ErrClosed
	}

	cur, ok := s.data[key]
	if !ok || !cur.ExpireAt.After(s.now()) || !cur.StoredAt.Equal(storedAt) {
		return false, nil
	}
	s.data[key] = copyEntry(e)
	return true, nil
}

// Del removes keys and returns how many were live.
func (s *Store) Del(_ context.Context, keys ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for _, k := range keys {
		if e, ok := s.data[k]; ok {
			if e.ExpireAt.After(now) {
				n++
			}
			delete(s.data, k)
		}
	}
	return n, nil
}

// Scan returns live keys matching a glob pattern and drops expired entries.
func (s *Store) Scan(_ context.Context, pattern string) ([]string, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, &db.Error{Op: db.OpScan, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var keys []string
	for k, e := range s.data {
		if !e.ExpireAt.After(now) {
			delete(s.data, k)
			continue
		}
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Len returns the number of stored entries, expired ones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Close drops all entries.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]db.Entry)
	s.closed = true
}

func copyEntry(e db.Entry) db.Entry {
	v := make([]byte, len(e.Value))
	copy(v, e.Value)
	e.Value = v
	return e
}
