package document

import (
	"context"
	"testing"

	"github.com/tysjosh/mindshop-sub016/internal/domain"
	domdoc "github.com/tysjosh/mindshop-sub016/internal/domain/document"
	"github.com/tysjosh/mindshop-sub016/internal/domain/search/request"
	"github.com/tysjosh/mindshop-sub016/internal/domain/search/result"
	"github.com/tysjosh/mindshop-sub016/internal/domain/tenant"
	repo "github.com/tysjosh/mindshop-sub016/internal/repository/document"
)

type mockRepo struct {
	createFn      func(doc domdoc.Document) (domdoc.Document, error)
	findByIDFn    func(id string, useCache bool) (domdoc.Document, error)
	listFn        func(limit, offset int) ([]domdoc.Document, error)
	findBySKUFn   func(sku string) ([]domdoc.Document, error)
	searchFn      func(q request.VectorQuery) ([]result.Result, error)
	staleSearchFn func(q request.VectorQuery) ([]result.Result, error)
	batchFn       func(qs []request.VectorQuery) []repo.BatchResult
	updateFn      func(doc domdoc.Document) (domdoc.Document, error)
	deleteFn      func(id string) (bool, error)
	embeddingFn   func(id string, emb []float32) error
	statsFn       func(merchantID string) (domdoc.Stats, error)
}

func (m *mockRepo) Create(_ context.Context, _ tenant.Context, doc domdoc.Document) (domdoc.Document, error) {
	if m.createFn != nil {
		return m.createFn(doc)
	}
	return doc, nil
}

func (m *mockRepo) FindByID(_ context.Context, _ tenant.Context, id string, useCache bool) (domdoc.Document, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(id, useCache)
	}
	return domdoc.Document{}, domain.ErrNotFoundOrAccessDenied
}

func (m *mockRepo) FindByMerchant(_ context.Context, _ tenant.Context, limit, offset int) ([]domdoc.Document, error) {
	if m.listFn != nil {
		return m.listFn(limit, offset)
	}
	return nil, nil
}

func (m *mockRepo) FindBySKU(_ context.Context, _ tenant.Context, sku string, _ bool) ([]domdoc.Document, error) {
	if m.findBySKUFn != nil {
		return m.findBySKUFn(sku)
	}
	return nil, nil
}

func (m *mockRepo) VectorSearch(_ context.Context, _ tenant.Context, q request.VectorQuery) ([]result.Result, error) {
	if m.searchFn != nil {
		return m.searchFn(q)
	}
	return nil, nil
}

func (m *mockRepo) VectorSearchWithStaleCache(
	_ context.Context, _ tenant.Context, q request.VectorQuery,
) ([]result.Result, error) {
	if m.staleSearchFn != nil {
		return m.staleSearchFn(q)
	}
	return nil, nil
}

func (m *mockRepo) BatchVectorSearch(_ context.Context, _ tenant.Context, qs []request.VectorQuery) []repo.BatchResult {
	if m.batchFn != nil {
		return m.batchFn(qs)
	}
	return make([]repo.BatchResult, len(qs))
}

func (m *mockRepo) Update(_ context.Context, _ tenant.Context, doc domdoc.Document) (domdoc.Document, error) {
	if m.updateFn != nil {
		return m.updateFn(doc)
	}
	return doc, nil
}

func (m *mockRepo) Delete(_ context.Context, _ tenant.Context, id string) (bool, error) {
	if m.deleteFn != nil {
		return m.deleteFn(id)
	}
	return false, nil
}

func (m *mockRepo) UpdateEmbedding(_ context.Context, _ tenant.Context, id string, emb []float32) error {
	if m.embeddingFn != nil {
		return m.embeddingFn(id, emb)
	}
	return nil
}

func (m *mockRepo) DocumentStats(_ context.Context, t tenant.Context) (domdoc.Stats, error) {
	if m.statsFn != nil {
		return m.statsFn(t.MerchantID())
	}
	return domdoc.EmptyStats(t.MerchantID()), nil
}

type mockEmbedder struct {
	embedFn func(text string) (domain.EmbeddingResult, error)
	calls   []string
}

func (m *mockEmbedder) Embed(_ context.Context, text string) (domain.EmbeddingResult, error) {
	m.calls = append(m.calls, text)
	if m.embedFn != nil {
		return m.embedFn(text)
	}
	return domain.EmbeddingResult{Embedding: vec(0.5)}, nil
}

func merchant(t *testing.T, id string) tenant.Context {
	t.Helper()
	tc, err := tenant.New(id, tenant.RoleMerchant, "")
	if err != nil {
		t.Fatalf("tenant.New(%q): %v", id, err)
	}
	return tc
}

func vec(v float32) []float32 {
	out := make([]float32, domdoc.Dimensions)
	for i := range out {
		out[i] = v
	}
	return out
}
