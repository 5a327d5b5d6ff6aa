package chi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/tysjosh/mindshop-sub016/internal/audit"
	"github.com/tysjosh/mindshop-sub016/internal/domain"
	domdoc "github.com/tysjosh/mindshop-sub016/internal/domain/document"
	"github.com/tysjosh/mindshop-sub016/internal/domain/document/patch"
	"github.com/tysjosh/mindshop-sub016/internal/domain/search/request"
	"github.com/tysjosh/mindshop-sub016/internal/domain/search/result"
	"github.com/tysjosh/mindshop-sub016/internal/domain/tenant"
	repo "github.com/tysjosh/mindshop-sub016/internal/repository/document"
	documentuc "github.com/tysjosh/mindshop-sub016/internal/usecase/document"
	healthuc "github.com/tysjosh/mindshop-sub016/internal/usecase/health"
)

const docID = "5f1c6f8e-6d3a-4b7e-9a51-2c4d0f7b8e11"

func TestCreateDocument(t *testing.T) {
	f := newFixture(t)
	var gotTenant tenant.Context
	var gotIn documentuc.CreateInput
	f.docs.createFn = func(tc tenant.Context, in documentuc.CreateInput) (domdoc.Document, error) {
		gotTenant, gotIn = tc, in
		return domdoc.Document{ID: docID, MerchantID: tc.MerchantID(), Title: in.Title, Type: in.Type}, nil
	}

	rr := f.do(t, "POST", "/v1/documents", keyAcme, map[string]any{
		"sku": "SKU-1", "title": "Trail shoe", "body": "light", "document_type": "product",
	})

	if rr.Code != http.StatusCreated {
		t.Fatalf("got %d, want 201: %s", rr.Code, rr.Body)
	}
	if loc := rr.Header().Get("Location"); loc != "/v1/documents/"+docID {
		t.Errorf("Location = %q", loc)
	}
	if gotTenant.MerchantID() != "acme-shop" || gotIn.Type != domdoc.TypeProduct || gotIn.SKU != "SKU-1" {
		t.Errorf("unexpected create call: %v %+v", gotTenant, gotIn)
	}
	var resp documentResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.MerchantID != "acme-shop" || resp.HasEmbedding {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestCreateDocument_MerchantIDInBodyRejected(t *testing.T) {
	f := newFixture(t)
	f.docs.createFn = func(tenant.Context, documentuc.CreateInput) (domdoc.Document, error) {
		t.Fatal("create must not be reached")
		return domdoc.Document{}, nil
	}

	rr := f.do(t, "POST", "/v1/documents", keyAcme, map[string]any{
		"merchant_id": "other-shop", "title": "x", "document_type": "faq",
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("got %d, want 400", rr.Code)
	}
}

func TestCreateDocument_ValidationMessage(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, "POST", "/v1/documents", keyAcme, map[string]any{"body": "no title"})

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("got %d, want 400", rr.Code)
	}
	e := decodeError(t, rr)
	if e.Message != `title failed "required", document_type failed "required"` {
		t.Errorf("message = %q", e.Message)
	}
}

func TestCreateDocument_ReadOnlyForbidden(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, "POST", "/v1/documents", keyReadOnly, map[string]any{"title": "x", "document_type": "faq"})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("got %d, want 403", rr.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", domain.ErrNotFoundOrAccessDenied, http.StatusNotFound, codeNotFound},
		{"isolation", domain.NewTenantIsolationError("acme-shop", "missing merchant scope"), http.StatusForbidden, codeForbidden},
		{"invalid tenant", fmt.Errorf("wrap: %w", domain.ErrInvalidTenantContext), http.StatusForbidden, codeForbidden},
		{"invalid document", domain.ErrInvalidDocument, http.StatusBadRequest, codeValidation},
		{"dimension", domain.ErrVectorDimMismatch, http.StatusBadRequest, codeVectorDim},
		{"provider", domain.ErrEmbeddingProviderError, http.StatusBadGateway, codeEmbeddingFailure},
		{"internal", errors.New("connection reset by peer"), http.StatusInternalServerError, codeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.docs.getFn = func(tenant.Context, string) (domdoc.Document, error) { return domdoc.Document{}, tt.err }

			rr := f.do(t, "GET", "/v1/documents/"+docID, keyAcme, nil)
			if rr.Code != tt.status {
				t.Fatalf("got %d, want %d", rr.Code, tt.status)
			}
			e := decodeError(t, rr)
			if e.Code != tt.code {
				t.Errorf("code = %q, want %q", e.Code, tt.code)
			}
			if tt.status == http.StatusInternalServerError && e.Message != "internal error" {
				t.Errorf("internal details leaked: %q", e.Message)
			}
		})
	}
}

func TestGetDocument_PassesCallerTenant(t *testing.T) {
	f := newFixture(t)
	f.docs.getFn = func(tc tenant.Context, id string) (domdoc.Document, error) {
		if tc.MerchantID() != "other-shop" {
			return domdoc.Document{}, domain.ErrNotFoundOrAccessDenied
		}
		return domdoc.Document{ID: id, MerchantID: "other-shop", Embedding: vec(0.1)}, nil
	}

	rr := f.do(t, "GET", "/v1/documents/"+docID, keyOther, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("got %d, want 200", rr.Code)
	}
	var resp documentResponse
	_ = json.NewDecoder(rr.Body).Decode(&resp)
	if !resp.HasEmbedding || resp.ID != docID {
		t.Errorf("unexpected response: %+v", resp)
	}

	if rr := f.do(t, "GET", "/v1/documents/"+docID, keyAcme, nil); rr.Code != http.StatusNotFound {
		t.Errorf("foreign document: got %d, want 404", rr.Code)
	}
}

func TestListDocuments(t *testing.T) {
	f := newFixture(t)
	var gotLimit, gotOffset int
	f.docs.listFn = func(_ tenant.Context, limit, offset int) ([]domdoc.Document, error) {
		gotLimit, gotOffset = limit, offset
		return []domdoc.Document{{ID: docID}}, nil
	}

	rr := f.do(t, "GET", "/v1/documents?limit=5&offset=10", keyAcme, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("got %d, want 200", rr.Code)
	}
	if gotLimit != 5 || gotOffset != 10 {
		t.Errorf("limit/offset = %d/%d", gotLimit, gotOffset)
	}
	var resp documentListResponse
	_ = json.NewDecoder(rr.Body).Decode(&resp)
	if len(resp.Items) != 1 {
		t.Errorf("items = %d, want 1", len(resp.Items))
	}

	if rr := f.do(t, "GET", "/v1/documents?limit=abc", keyAcme, nil); rr.Code != http.StatusBadRequest {
		t.Errorf("bad limit: got %d, want 400", rr.Code)
	}
}

func TestGetDocumentsBySKU(t *testing.T) {
	f := newFixture(t)
	var got string
	f.docs.skuFn = func(_ tenant.Context, sku string) ([]domdoc.Document, error) {
		got = sku
		return nil, nil
	}
	rr := f.do(t, "GET", "/v1/documents/sku/SKU-9", keyAcme, nil)
	if rr.Code != http.StatusOK || got != "SKU-9" {
		t.Fatalf("got %d sku=%q", rr.Code, got)
	}
}

func TestUpdateDocument(t *testing.T) {
	f := newFixture(t)
	var gotID string
	var gotPatch patch.Patch
	f.docs.patchFn = func(_ tenant.Context, id string, p patch.Patch) (domdoc.Document, error) {
		gotID, gotPatch = id, p
		return domdoc.Document{ID: id}, nil
	}

	rr := f.do(t, "PUT", "/v1/documents/"+docID, keyAcme,
		`{"title":"New","metadata":{"color":"red","legacy":null}}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("got %d, want 200: %s", rr.Code, rr.Body)
	}
	if gotID != docID || gotPatch.Title() == nil || *gotPatch.Title() != "New" {
		t.Errorf("unexpected patch for %s", gotID)
	}
	meta := gotPatch.Metadata()
	if meta["legacy"] != nil || meta["color"] == nil {
		t.Errorf("metadata patch = %v", meta)
	}

	if rr := f.do(t, "PUT", "/v1/documents/"+docID, keyAcme, `{}`); rr.Code != http.StatusBadRequest {
		t.Errorf("empty patch: got %d, want 400", rr.Code)
	}
}

func TestDeleteDocument(t *testing.T) {
	f := newFixture(t)
	f.docs.deleteFn = func(tc tenant.Context, _ string) error {
		if tc.MerchantID() != "acme-shop" {
			return domain.ErrNotFoundOrAccessDenied
		}
		return nil
	}

	if rr := f.do(t, "DELETE", "/v1/documents/"+docID, keyAcme, nil); rr.Code != http.StatusNoContent {
		t.Errorf("own document: got %d, want 204", rr.Code)
	}
	if rr := f.do(t, "DELETE", "/v1/documents/"+docID, keyOther, nil); rr.Code != http.StatusNotFound {
		t.Errorf("foreign document: got %d, want 404", rr.Code)
	}
	if rr := f.do(t, "DELETE", "/v1/documents/"+docID, keyReadOnly, nil); rr.Code != http.StatusForbidden {
		t.Errorf("readonly: got %d, want 403", rr.Code)
	}
}

func TestUpdateEmbedding(t *testing.T) {
	f := newFixture(t)
	var got []float32
	f.docs.embeddingFn = func(_ tenant.Context, _ string, emb []float32) error {
		got = emb
		return nil
	}

	rr := f.do(t, "PUT", "/v1/documents/"+docID+"/embedding", keyAcme, map[string]any{"embedding": vec(0.25)})
	if rr.Code != http.StatusNoContent {
		t.Fatalf("got %d, want 204", rr.Code)
	}
	if len(got) != domdoc.Dimensions {
		t.Errorf("embedding length = %d", len(got))
	}

	if rr := f.do(t, "PUT", "/v1/documents/"+docID+"/embedding", keyAcme, `{}`); rr.Code != http.StatusBadRequest {
		t.Errorf("missing embedding: got %d, want 400", rr.Code)
	}
}

func TestSearch_Defaults(t *testing.T) {
	f := newFixture(t)
	var got documentuc.SearchInput
	f.docs.searchFn = func(_ tenant.Context, in documentuc.SearchInput) ([]result.Result, error) {
		got = in
		return nil, nil
	}

	rr := f.do(t, "POST", "/v1/search", keyAcme, map[string]any{"query": "rain jacket"})
	if rr.Code != http.StatusOK {
		t.Fatalf("got %d, want 200: %s", rr.Code, rr.Body)
	}
	if got.Threshold != request.DefaultThreshold || !got.UseCache || got.Text != "rain jacket" {
		t.Errorf("unexpected search input: %+v", got)
	}
	var resp searchResponse
	_ = json.NewDecoder(rr.Body).Decode(&resp)
	if resp.Results == nil {
		t.Error("results must be an empty array, not null")
	}
}

func TestSearch_ExplicitOptions(t *testing.T) {
	f := newFixture(t)
	var got documentuc.SearchInput
	f.docs.searchFn = func(_ tenant.Context, in documentuc.SearchInput) ([]result.Result, error) {
		got = in
		return []result.Result{{ID: docID, Score: 0.9, GroundingPass: true}}, nil
	}

	rr := f.do(t, "POST", "/v1/search", keyAcme, map[string]any{
		"embedding": vec(0.1), "limit": 3, "threshold": 0.0, "use_cache": false, "allow_stale": true,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("got %d, want 200", rr.Code)
	}
	if got.Threshold != 0 || got.UseCache || !got.AllowStale || got.Limit != 3 {
		t.Errorf("unexpected search input: %+v", got)
	}

	if rr := f.do(t, "POST", "/v1/search", keyAcme, map[string]any{"query": "x", "threshold": 1.5}); rr.Code != http.StatusBadRequest {
		t.Errorf("threshold out of range: got %d, want 400", rr.Code)
	}
}

func TestBatchSearch_PerQueryErrors(t *testing.T) {
	f := newFixture(t)
	f.docs.batchFn = func(_ tenant.Context, ins []documentuc.SearchInput) ([]repo.BatchResult, error) {
		return []repo.BatchResult{
			{Results: []result.Result{{ID: docID}}},
			{Err: domain.ErrEmbeddingProviderError},
		}, nil
	}

	rr := f.do(t, "POST", "/v1/search/batch", keyAcme, map[string]any{
		"queries": []map[string]any{{"query": "a"}, {"query": "b"}},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("got %d, want 200", rr.Code)
	}
	var resp batchSearchResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Results) != 2 || len(resp.Results[0].Results) != 1 {
		t.Fatalf("unexpected results: %+v", resp.Results)
	}
	if resp.Results[1].Error == nil || resp.Results[1].Error.Code != codeEmbeddingFailure {
		t.Errorf("second query error = %+v", resp.Results[1].Error)
	}

	if rr := f.do(t, "POST", "/v1/search/batch", keyAcme, map[string]any{"queries": []any{}}); rr.Code != http.StatusBadRequest {
		t.Errorf("empty batch: got %d, want 400", rr.Code)
	}
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, "GET", "/v1/stats", keyOther, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("got %d, want 200", rr.Code)
	}
	var st domdoc.Stats
	_ = json.NewDecoder(rr.Body).Decode(&st)
	if st.MerchantID != "other-shop" {
		t.Errorf("merchant = %q", st.MerchantID)
	}
}

func TestAdminPool(t *testing.T) {
	f := newFixture(t)
	f.ops.stats.Total = 10

	if rr := f.do(t, "GET", "/v1/admin/pool", keyAcme, nil); rr.Code != http.StatusForbidden {
		t.Errorf("merchant role: got %d, want 403", rr.Code)
	}

	rr := f.do(t, "GET", "/v1/admin/pool", keyAdmin, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("got %d, want 200", rr.Code)
	}
	var resp poolResponse
	_ = json.NewDecoder(rr.Body).Decode(&resp)
	if resp.Database.Total != 10 || resp.Workers["search"].Capacity != 8 {
		t.Errorf("unexpected pool response: %+v", resp)
	}
}

func TestAdminQueryMetrics_Scoping(t *testing.T) {
	f := newFixture(t)
	f.ops.records = []audit.QueryMetrics{
		{QueryID: "q1", MerchantID: "acme-shop"},
		{QueryID: "q2", MerchantID: "other-shop"},
	}

	rr := f.do(t, "GET", "/v1/admin/query-metrics", keyAdmin, nil)
	var resp queryMetricsResponse
	_ = json.NewDecoder(rr.Body).Decode(&resp)
	if rr.Code != http.StatusOK || len(resp.Items) != 1 || resp.Items[0].QueryID != "q1" {
		t.Fatalf("admin view: %d %+v", rr.Code, resp.Items)
	}

	if rr := f.do(t, "GET", "/v1/admin/query-metrics?merchant_id=other-shop", keyAdmin, nil); rr.Code != http.StatusForbidden {
		t.Errorf("admin reading another merchant: got %d, want 403", rr.Code)
	}

	rr = f.do(t, "GET", "/v1/admin/query-metrics", keySystem, nil)
	resp = queryMetricsResponse{}
	_ = json.NewDecoder(rr.Body).Decode(&resp)
	if len(resp.Items) != 2 {
		t.Errorf("system view: got %d records, want 2", len(resp.Items))
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		status healthuc.Status
		code   int
	}{
		{healthuc.Healthy, http.StatusOK},
		{healthuc.Degraded, http.StatusOK},
		{healthuc.Unhealthy, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		f := newFixture(t)
		f.health.report.Status = tt.status
		rr := f.do(t, "GET", "/health", "", nil)
		if rr.Code != tt.code {
			t.Errorf("%s: got %d, want %d", tt.status, rr.Code, tt.code)
		}
	}
}

func TestUnknownRoute(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, "GET", "/v1/nope", keyAcme, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("got %d, want 404", rr.Code)
	}
	if e := decodeError(t, rr); e.Code != codeNotFound {
		t.Errorf("code = %q", e.Code)
	}
}
