package chi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/tysjosh/mindshop-sub016/internal/audit"
	"github.com/tysjosh/mindshop-sub016/internal/db"
	"github.com/tysjosh/mindshop-sub016/internal/domain"
	domdoc "github.com/tysjosh/mindshop-sub016/internal/domain/document"
	"github.com/tysjosh/mindshop-sub016/internal/domain/document/patch"
	"github.com/tysjosh/mindshop-sub016/internal/domain/search/result"
	"github.com/tysjosh/mindshop-sub016/internal/domain/tenant"
	"github.com/tysjosh/mindshop-sub016/internal/pool"
	repo "github.com/tysjosh/mindshop-sub016/internal/repository/document"
	documentuc "github.com/tysjosh/mindshop-sub016/internal/usecase/document"
	healthuc "github.com/tysjosh/mindshop-sub016/internal/usecase/health"
)

type mockDocuments struct {
	createFn    func(t tenant.Context, in documentuc.CreateInput) (domdoc.Document, error)
	getFn       func(t tenant.Context, id string) (domdoc.Document, error)
	listFn      func(t tenant.Context, limit, offset int) ([]domdoc.Document, error)
	skuFn       func(t tenant.Context, sku string) ([]domdoc.Document, error)
	patchFn     func(t tenant.Context, id string, p patch.Patch) (domdoc.Document, error)
	deleteFn    func(t tenant.Context, id string) error
	embeddingFn func(t tenant.Context, id string, emb []float32) error
	searchFn    func(t tenant.Context, in documentuc.SearchInput) ([]result.Result, error)
	batchFn     func(t tenant.Context, ins []documentuc.SearchInput) ([]repo.BatchResult, error)
	statsFn     func(t tenant.Context) (domdoc.Stats, error)
}

func (m *mockDocuments) Create(_ context.Context, t tenant.Context, in documentuc.CreateInput) (domdoc.Document, error) {
	if m.createFn != nil {
		return m.createFn(t, in)
	}
	return domdoc.Document{}, nil
}

func (m *mockDocuments) Get(_ context.Context, t tenant.Context, id string) (domdoc.Document, error) {
	if m.getFn != nil {
		return m.getFn(t, id)
	}
	return domdoc.Document{}, domain.ErrNotFoundOrAccessDenied
}

func (m *mockDocuments) List(_ context.Context, t tenant.Context, limit, offset int) ([]domdoc.Document, error) {
	if m.listFn != nil {
		return m.listFn(t, limit, offset)
	}
	return nil, nil
}

func (m *mockDocuments) GetBySKU(_ context.Context, t tenant.Context, sku string) ([]domdoc.Document, error) {
	if m.skuFn != nil {
		return m.skuFn(t, sku)
	}
	return nil, nil
}

func (m *mockDocuments) Patch(_ context.Context, t tenant.Context, id string, p patch.Patch) (domdoc.Document, error) {
	if m.patchFn != nil {
		return m.patchFn(t, id, p)
	}
	return domdoc.Document{}, nil
}

func (m *mockDocuments) Delete(_ context.Context, t tenant.Context, id string) error {
	if m.deleteFn != nil {
		return m.deleteFn(t, id)
	}
	return nil
}

func (m *mockDocuments) UpdateEmbedding(_ context.Context, t tenant.Context, id string, emb []float32) error {
	if m.embeddingFn != nil {
		return m.embeddingFn(t, id, emb)
	}
	return nil
}

func (m *mockDocuments) Search(_ context.Context, t tenant.Context, in documentuc.SearchInput) ([]result.Result, error) {
	if m.searchFn != nil {
		return m.searchFn(t, in)
	}
	return nil, nil
}

func (m *mockDocuments) BatchSearch(
	_ context.Context, t tenant.Context, ins []documentuc.SearchInput,
) ([]repo.BatchResult, error) {
	if m.batchFn != nil {
		return m.batchFn(t, ins)
	}
	return make([]repo.BatchResult, len(ins)), nil
}

func (m *mockDocuments) Stats(_ context.Context, t tenant.Context) (domdoc.Stats, error) {
	if m.statsFn != nil {
		return m.statsFn(t)
	}
	return domdoc.EmptyStats(t.MerchantID()), nil
}

type mockHealth struct {
	report healthuc.Report
}

func (m *mockHealth) Check(context.Context) healthuc.Report { return m.report }

type mockOps struct {
	stats     db.PoolStats
	records   []audit.QueryMetrics
	requested []string
}

func (m *mockOps) PoolStatus() db.PoolStats { return m.stats }

func (m *mockOps) QueryMetrics(merchantID string) []audit.QueryMetrics {
	m.requested = append(m.requested, merchantID)
	var out []audit.QueryMetrics
	for _, r := range m.records {
		if merchantID == "" || r.MerchantID == merchantID {
			out = append(out, r)
		}
	}
	return out
}

type mockPool struct {
	name  string
	stats pool.Stats
}

func (m *mockPool) Name() string      { return m.name }
func (m *mockPool) Stats() pool.Stats { return m.stats }

// API keys used by every test server.
const (
	keyAcme     = "k-acme"
	keyOther    = "k-other"
	keyReadOnly = "k-ro"
	keyAdmin    = "k-admin"
	keySystem   = "k-sys"
)

func testKeyring(t *testing.T) Keyring {
	t.Helper()
	mk := func(id string, role tenant.Role) tenant.Context {
		c, err := tenant.New(id, role, "")
		if err != nil {
			t.Fatalf("tenant.New(%q): %v", id, err)
		}
		return c
	}
	return Keyring{
		keyAcme:     mk("acme-shop", tenant.RoleMerchant),
		keyOther:    mk("other-shop", tenant.RoleMerchant),
		keyReadOnly: mk("acme-shop", tenant.RoleReadOnly),
		keyAdmin:    mk("acme-shop", tenant.RoleAdmin),
		keySystem:   tenant.System(),
	}
}

type fixture struct {
	handler http.Handler
	docs    *mockDocuments
	health  *mockHealth
	ops     *mockOps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		docs:   &mockDocuments{},
		health: &mockHealth{report: healthuc.Report{Status: healthuc.Healthy, Checks: map[string]healthuc.CheckResult{}}},
		ops:    &mockOps{},
	}
	srv := NewServer(f.docs, f.health, f.ops, testKeyring(t), zap.NewNop(),
		&mockPool{name: "search", stats: pool.Stats{Capacity: 8}})
	f.handler = srv.Routes()
	return f
}

func (f *fixture) do(t *testing.T, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var e ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&e); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	return e
}

func vec(v float32) []float32 {
	out := make([]float32, domdoc.Dimensions)
	for i := range out {
		out[i] = v
	}
	return out
}
