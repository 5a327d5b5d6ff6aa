package tenantdb

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tysjosh/mindshop-sub016/internal/audit"
	"github.com/tysjosh/mindshop-sub016/internal/db"
	"github.com/tysjosh/mindshop-sub016/internal/domain/tenant"
	"github.com/tysjosh/mindshop-sub016/internal/encryption"
	"github.com/tysjosh/mindshop-sub016/internal/isolation"
)

type call struct {
	query string
	args  []any
}

type mockQuerier struct {
	queryFn func(ctx context.Context, query string, args ...any) ([]db.Row, error)
	execFn  func(ctx context.Context, query string, args ...any) (int64, error)
	calls   []call
}

func (m *mockQuerier) Query(ctx context.Context, query string, args ...any) ([]db.Row, error) {
	m.calls = append(m.calls, call{query, args})
	if m.queryFn != nil {
		return m.queryFn(ctx, query, args...)
	}
	return nil, nil
}

func (m *mockQuerier) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	m.calls = append(m.calls, call{query, args})
	if m.execFn != nil {
		return m.execFn(ctx, query, args...)
	}
	return 1, nil
}

type mockTx struct {
	mockQuerier
	commitFn   func() error
	committed  bool
	rolledBack int
}

func (m *mockTx) Commit() error {
	if m.commitFn != nil {
		if err := m.commitFn(); err != nil {
			return err
		}
	}
	m.committed = true
	return nil
}

func (m *mockTx) Rollback() error {
	m.rolledBack++
	return nil
}

type mockStore struct {
	mockQuerier
	beginFn func(ctx context.Context) (db.Tx, error)
	pingFn  func(ctx context.Context) error
	stats   db.PoolStats
}

func (m *mockStore) Begin(ctx context.Context) (db.Tx, error) {
	if m.beginFn != nil {
		return m.beginFn(ctx)
	}
	return &mockTx{}, nil
}

func (m *mockStore) Ping(ctx context.Context) error {
	if m.pingFn != nil {
		return m.pingFn(ctx)
	}
	return nil
}

func (m *mockStore) PoolStats() db.PoolStats { return m.stats }

type failingEncrypter struct{}

func (failingEncrypter) EncryptString(_, _, _, _ string) (string, error) {
	return "", errors.New("kms unavailable")
}

type fixture struct {
	conn  *Connection
	store *mockStore
	audit *audit.Buffer
	logs  *observer.ObservedLogs
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	enc, err := encryption.New([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatal(err)
	}
	return newFixtureWith(t, enc)
}

func newFixtureWith(t *testing.T, enc encrypter) *fixture {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	s := &mockStore{}
	buf := audit.NewBuffer(audit.Config{}, nil, nil)
	conn := New(s, isolation.New(isolation.DefaultConfig()), enc, buf, Config{}, zap.New(core))
	return &fixture{conn: conn, store: s, audit: buf, logs: logs}
}

func merchant(t *testing.T, id string) tenant.Context {
	t.Helper()
	c, err := tenant.New(id, tenant.RoleMerchant, tenant.IsolationStandard)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func securityEvents(logs *observer.ObservedLogs) int {
	n := 0
	for _, e := range logs.All() {
		if e.ContextMap()["event"] == "SECURITY_EVENT" {
			n++
		}
	}
	return n
}
