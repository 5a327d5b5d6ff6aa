// Package pool wraps ants worker pools for request fan-out and background refreshes.
package pool

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// Pool errors.
var (
	ErrPoolClosed   = errors.New("pool closed")
	ErrPoolOverload = errors.New("pool overloaded")
)

// Config defines a worker pool.
type Config struct {
	// Capacity caps concurrently running tasks.
	Capacity int
	// ExpiryDuration is how long an idle worker lives.
	ExpiryDuration time.Duration
	// Nonblocking makes Submit fail with ErrPoolOverload instead of waiting.
	Nonblocking bool
	// MaxBlockingTasks bounds callers blocked in Submit (0 = unlimited).
	MaxBlockingTasks int
}

// SearchConfig suits batch fan-out: callers wait for a free worker.
func SearchConfig(capacity int) Config {
	return Config{
		Capacity:         capacity,
		ExpiryDuration:   10 * time.Second,
		MaxBlockingTasks: 1000,
	}
}

// BackgroundConfig suits fire-and-forget work: a full pool drops the task.
func BackgroundConfig(capacity int) Config {
	return Config{
		Capacity:       capacity,
		ExpiryDuration: 60 * time.Second,
		Nonblocking:    true,
	}
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Running   int   `json:"running"`
	Waiting   int   `json:"waiting"`
	Capacity  int   `json:"capacity"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Rejected  int64 `json:"rejected"`
	Panics    int64 `json:"panics"`
}

// Pool is a named ants pool with counters and panic logging.
type Pool struct {
	name   string
	pool   *ants.Pool
	logger *zap.Logger

	closed   atomic.Bool
	closedMu sync.Mutex

	submitted atomic.Int64
	completed atomic.Int64
	rejected  atomic.Int64
	panics    atomic.Int64
}

// New creates a pool.
func New(name string, cfg Config, logger *zap.Logger) (*Pool, error) {
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("pool %s: capacity must be positive", name)
	}
	p := &Pool{name: name, logger: logger}

	ap, err := ants.NewPool(cfg.Capacity,
		ants.WithExpiryDuration(cfg.ExpiryDuration),
		ants.WithNonblocking(cfg.Nonblocking),
		ants.WithMaxBlockingTasks(cfg.MaxBlockingTasks),
		ants.WithPanicHandler(func(r any) {
			p.panics.Add(1)
			p.logger.Error("Worker panic recovered", zap.String("pool", name), zap.Any("panic", r))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create pool %s: %w", name, err)
	}
	p.pool = ap
	return p, nil
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// Submit schedules task on a worker.
func (p *Pool) Submit(task func()) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}

	err := p.pool.Submit(func() {
		defer p.completed.Add(1)
		task()
	})
	if err != nil {
		switch {
		case errors.Is(err, ants.ErrPoolOverload):
			p.rejected.Add(1)
			return ErrPoolOverload
		case errors.Is(err, ants.ErrPoolClosed):
			return ErrPoolClosed
		default:
			return err
		}
	}
	p.submitted.Add(1)
	return nil
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	return Stats{
		Running:   p.pool.Running(),
		Waiting:   p.pool.Waiting(),
		Capacity:  p.pool.Cap(),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Rejected:  p.rejected.Load(),
		Panics:    p.panics.Load(),
	}
}

// ReleaseTimeout stops accepting tasks and waits for running ones up to timeout.
func (p *Pool) ReleaseTimeout(timeout time.Duration) error {
	p.closedMu.Lock()
	defer p.closedMu.Unlock()

	if p.closed.Load() {
		return nil
	}
	p.closed.Store(true)
	if err := p.pool.ReleaseTimeout(timeout); err != nil {
		return fmt.Errorf("release pool %s: %w", p.name, err)
	}
	return nil
}
