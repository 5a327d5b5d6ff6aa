// Package audit keeps a bounded in-memory mirror of per-query access records.
//
// The buffer is a monitoring aid, not the system of record: every record is
// also handed to a Sink, and the default sink writes it as a structured log line.
package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Defaults for the buffer bounds.
const (
	DefaultMaxEntries = 1000
	DefaultMaxAge     = 24 * time.Hour
)

// QueryMetrics is the audit record of one executed statement.
type QueryMetrics struct {
	QueryID                string    `json:"query_id"`
	MerchantID             string    `json:"merchant_id"`
	QueryType              string    `json:"query_type"`
	ExecutionTimeMs        float64   `json:"execution_time_ms"`
	RowsAffected           int64     `json:"rows_affected"`
	TablesAccessed         []string  `json:"tables_accessed"`
	TenantIsolationApplied bool      `json:"tenant_isolation_applied"`
	Warnings               []string  `json:"warnings,omitempty"`
	Error                  string    `json:"error,omitempty"`
	Timestamp              time.Time `json:"timestamp"`
}

// Sink receives every appended record.
type Sink interface {
	Record(m QueryMetrics)
}

// Gauge tracks the buffer size. *prometheus.Gauge satisfies it.
type Gauge interface {
	Set(float64)
}

// Config bounds the buffer.
type Config struct {
	MaxEntries int
	MaxAge     time.Duration
}

// Buffer is a ring of the most recent records. Safe for concurrent use.
type Buffer struct {
	cfg   Config
	sink  Sink
	gauge Gauge
	now   func() time.Time

	mu    sync.Mutex
	ring  []QueryMetrics
	head  int // index of the oldest record
	count int
}

// NewBuffer creates a Buffer. sink and gauge may be nil.
func NewBuffer(cfg Config, sink Sink, gauge Gauge) *Buffer {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	return &Buffer{
		cfg:   cfg,
		sink:  sink,
		gauge: gauge,
		now:   time.Now,
		ring:  make([]QueryMetrics, cfg.MaxEntries),
	}
}

// Append stores m, evicting the oldest record when full, and forwards it to the sink.
func (b *Buffer) Append(m QueryMetrics) {
	if m.Timestamp.IsZero() {
		m.Timestamp = b.now()
	}

	b.mu.Lock()
	if b.count == len(b.ring) {
		b.ring[b.head] = QueryMetrics{}
		b.head = (b.head + 1) % len(b.ring)
		b.count--
	}
	b.ring[(b.head+b.count)%len(b.ring)] = m
	b.count++
	b.pruneLocked(b.now(), 1)
	size := b.count
	b.mu.Unlock()

	b.setGauge(size)
	if b.sink != nil {
		b.sink.Record(m)
	}
}

// List returns records oldest first. An empty merchantID returns every merchant's records.
func (b *Buffer) List(merchantID string) []QueryMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]QueryMetrics, 0, b.count)
	for i := range b.count {
		m := b.ring[(b.head+i)%len(b.ring)]
		if merchantID == "" || m.MerchantID == merchantID {
			out = append(out, m)
		}
	}
	return out
}

// Len returns the number of buffered records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Prune drops every record older than MaxAge and returns how many were removed.
func (b *Buffer) Prune() int {
	b.mu.Lock()
	n := b.pruneLocked(b.now(), b.count)
	size := b.count
	b.mu.Unlock()

	b.setGauge(size)
	return n
}

// Run prunes every interval until ctx is done.
func (b *Buffer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Prune()
		}
	}
}

// pruneLocked evicts at most limit expired records from the head.
func (b *Buffer) pruneLocked(now time.Time, limit int) int {
	cutoff := now.Add(-b.cfg.MaxAge)
	n := 0
	for n < limit && b.count > 0 && b.ring[b.head].Timestamp.Before(cutoff) {
		b.ring[b.head] = QueryMetrics{}
		b.head = (b.head + 1) % len(b.ring)
		b.count--
		n++
	}
	return n
}

func (b *Buffer) setGauge(size int) {
	if b.gauge != nil {
		b.gauge.Set(float64(size))
	}
}

// LogSink writes each record as an AUDIT_LOG event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Record implements Sink.
func (s *LogSink) Record(m QueryMetrics) {
	fields := []zap.Field{
		zap.String("event", "AUDIT_LOG"),
		zap.String("query_id", m.QueryID),
		zap.String("merchant_id", m.MerchantID),
		zap.String("query_type", m.QueryType),
		zap.Float64("execution_time_ms", m.ExecutionTimeMs),
		zap.Int64("rows_affected", m.RowsAffected),
		zap.Strings("tables_accessed", m.TablesAccessed),
		zap.Bool("tenant_isolation_applied", m.TenantIsolationApplied),
	}
	if len(m.Warnings) > 0 {
		fields = append(fields, zap.Strings("warnings", m.Warnings))
	}
	if m.Error != "" {
		s.logger.Warn("Query audit", append(fields, zap.String("error", m.Error))...)
		return
	}
	s.logger.Info("Query audit", fields...)
}
