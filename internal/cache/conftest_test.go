package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tysjosh/mindshop-sub016/internal/db"
	"github.com/tysjosh/mindshop-sub016/internal/db/memory"
)

type mockSubmitter struct {
	submitFn func(task func()) error
}

func (m *mockSubmitter) Submit(task func()) error {
	if m.submitFn != nil {
		return m.submitFn(task)
	}
	task()
	return nil
}

// queue holds submitted tasks until the test runs them.
type queue struct {
	mu    sync.Mutex
	tasks []func()
}

func (q *queue) Submit(task func()) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *queue) runAll() {
	q.mu.Lock()
	tasks := q.tasks
	q.tasks = nil
	q.mu.Unlock()
	for _, t := range tasks {
		t()
	}
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

type failingStore struct {
	store
	getErr  error
	pingErr error
}

func (f *failingStore) GetEntry(ctx context.Context, key string) (db.Entry, error) {
	if f.getErr != nil {
		return db.Entry{}, f.getErr
	}
	return f.store.GetEntry(ctx, key)
}

func (f *failingStore) Ping(ctx context.Context) error {
	if f.pingErr != nil {
		return f.pingErr
	}
	return f.store.Ping(ctx)
}

var errBackend = errors.New("backend down")

type item struct {
	Name string `json:"name"`
	N    int    `json:"n"`
}

// clock lets tests move the cache's notion of time forward; the memory store
// keeps using wall time, so entries written with a long ExpireAt stay readable.
type clock struct {
	mu  sync.Mutex
	off time.Duration
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().Add(c.off)
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.off += d
	c.mu.Unlock()
}

func newTestCache(s store, pool submitter) (*Cache, *clock) {
	clk := &clock{}
	c := New(s, pool, Config{Prefix: "t:"}, Metrics{}, zap.NewNop())
	c.now = clk.now
	return c, clk
}

func newMemory() *memory.Store {
	return memory.NewStore()
}
