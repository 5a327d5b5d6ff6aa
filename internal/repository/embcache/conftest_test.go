package embcache

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tysjosh/mindshop-sub016/internal/cache"
	"github.com/tysjosh/mindshop-sub016/internal/db/memory"
	"github.com/tysjosh/mindshop-sub016/internal/domain"
)

type mockEmbedder struct {
	result domain.EmbeddingResult
	err    error
	calls  int
}

func (m *mockEmbedder) Embed(_ context.Context, _ string) (domain.EmbeddingResult, error) {
	m.calls++
	return m.result, m.err
}

// mockStore implements the consumer interface for tests.
type mockStore struct {
	getFn func(ctx context.Context, key string, dst any) bool
	setFn func(ctx context.Context, key string, v any, ttl time.Duration) error
}

func (m *mockStore) Get(ctx context.Context, key string, dst any) bool {
	if m.getFn != nil {
		return m.getFn(ctx, key, dst)
	}
	return false
}

func (m *mockStore) Set(ctx context.Context, key string, v any, ttl time.Duration) error {
	if m.setFn != nil {
		return m.setFn(ctx, key, v, ttl)
	}
	return nil
}

type syncSubmitter struct{}

func (syncSubmitter) Submit(task func()) error {
	task()
	return nil
}

func newTestCachedEmbedder(t *testing.T, inner domain.Embedder) (*CachedEmbedder, *memory.Store) {
	t.Helper()
	mem := memory.NewStore()
	c := cache.New(mem, syncSubmitter{}, cache.Config{Prefix: "mindshop:"}, cache.Metrics{}, zap.NewNop())
	return New(inner, c, time.Hour, nil, zap.NewNop()), mem
}
