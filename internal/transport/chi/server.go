package chi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tysjosh/mindshop-sub016/internal/audit"
	"github.com/tysjosh/mindshop-sub016/internal/db"
	"github.com/tysjosh/mindshop-sub016/internal/domain"
	domdoc "github.com/tysjosh/mindshop-sub016/internal/domain/document"
	"github.com/tysjosh/mindshop-sub016/internal/domain/document/patch"
	"github.com/tysjosh/mindshop-sub016/internal/domain/search/result"
	"github.com/tysjosh/mindshop-sub016/internal/domain/tenant"
	"github.com/tysjosh/mindshop-sub016/internal/metrics"
	"github.com/tysjosh/mindshop-sub016/internal/pool"
	repo "github.com/tysjosh/mindshop-sub016/internal/repository/document"
	documentuc "github.com/tysjosh/mindshop-sub016/internal/usecase/document"
	healthuc "github.com/tysjosh/mindshop-sub016/internal/usecase/health"
)

// Documents is the document use case the handlers drive.
type Documents interface {
	Create(ctx context.Context, t tenant.Context, in documentuc.CreateInput) (domdoc.Document, error)
	Get(ctx context.Context, t tenant.Context, id string) (domdoc.Document, error)
	List(ctx context.Context, t tenant.Context, limit, offset int) ([]domdoc.Document, error)
	GetBySKU(ctx context.Context, t tenant.Context, sku string) ([]domdoc.Document, error)
	Patch(ctx context.Context, t tenant.Context, id string, p patch.Patch) (domdoc.Document, error)
	Delete(ctx context.Context, t tenant.Context, id string) error
	UpdateEmbedding(ctx context.Context, t tenant.Context, id string, embedding []float32) error
	Search(ctx context.Context, t tenant.Context, in documentuc.SearchInput) ([]result.Result, error)
	BatchSearch(ctx context.Context, t tenant.Context, ins []documentuc.SearchInput) ([]repo.BatchResult, error)
	Stats(ctx context.Context, t tenant.Context) (domdoc.Stats, error)
}

// HealthChecker aggregates component health.
type HealthChecker interface {
	Check(ctx context.Context) healthuc.Report
}

// Operations exposes connection pool and audit data.
type Operations interface {
	PoolStatus() db.PoolStats
	QueryMetrics(merchantID string) []audit.QueryMetrics
}

// WorkerPool is a named pool whose counters are reported on /v1/admin/pool.
type WorkerPool interface {
	Name() string
	Stats() pool.Stats
}

// Server serves the document API.
type Server struct {
	documents Documents
	health    HealthChecker
	ops       Operations
	pools     []WorkerPool
	keys      Keyring
	logger    *zap.Logger
}

// NewServer creates an HTTP API server.
func NewServer(
	documents Documents,
	health HealthChecker,
	ops Operations,
	keys Keyring,
	logger *zap.Logger,
	pools ...WorkerPool,
) *Server {
	return &Server{
		documents: documents,
		health:    health,
		ops:       ops,
		pools:     pools,
		keys:      keys,
		logger:    logger,
	}
}

// Routes builds the router with the full middleware chain.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(jsonRecoverer(s.logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(wideEventMiddleware(s.logger))
	r.Use(metrics.Middleware())
	r.Use(TenantAuthMiddleware(s.keys))

	r.Get("/health", s.HealthCheck)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/documents", func(r chi.Router) {
			r.Get("/", s.ListDocuments)
			r.With(requireWrite).Post("/", s.CreateDocument)
			r.Get("/sku/{sku}", s.GetDocumentsBySKU)
			r.Get("/{id}", s.GetDocument)
			r.With(requireWrite).Put("/{id}", s.UpdateDocument)
			r.With(requireWrite).Delete("/{id}", s.DeleteDocument)
			r.With(requireWrite).Put("/{id}/embedding", s.UpdateEmbedding)
		})
		r.Post("/search", s.Search)
		r.Post("/search/batch", s.BatchSearch)
		r.Get("/stats", s.Stats)
		r.Route("/admin", func(r chi.Router) {
			r.Use(requireAdmin)
			r.Get("/pool", s.PoolStatus)
			r.Get("/query-metrics", s.QueryMetrics)
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, codeNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, codeBadRequest, "method not allowed")
	})
	return r
}

// CreateDocument handles POST /v1/documents.
func (s *Server) CreateDocument(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tenant(w, r)
	if !ok {
		return
	}
	var req createDocumentRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}

	doc, err := s.documents.Create(r.Context(), t, req.input())
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}

	w.Header().Set("Location", "/v1/documents/"+doc.ID)
	writeJSON(w, http.StatusCreated, documentToResponse(doc))
}

// ListDocuments handles GET /v1/documents.
func (s *Server) ListDocuments(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tenant(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}

	docs, err := s.documents.List(r.Context(), t, limit, offset)
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, documentListResponse{
		Items:  documentsToResponse(docs),
		Limit:  limit,
		Offset: offset,
	})
}

// GetDocument handles GET /v1/documents/{id}.
func (s *Server) GetDocument(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tenant(w, r)
	if !ok {
		return
	}
	doc, err := s.documents.Get(r.Context(), t, chi.URLParam(r, "id"))
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, documentToResponse(doc))
}

// GetDocumentsBySKU handles GET /v1/documents/sku/{sku}.
func (s *Server) GetDocumentsBySKU(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tenant(w, r)
	if !ok {
		return
	}
	docs, err := s.documents.GetBySKU(r.Context(), t, chi.URLParam(r, "sku"))
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, documentListResponse{Items: documentsToResponse(docs)})
}

// UpdateDocument handles PUT /v1/documents/{id}.
func (s *Server) UpdateDocument(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tenant(w, r)
	if !ok {
		return
	}
	var req updateDocumentRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	p, err := req.patch()
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}

	doc, err := s.documents.Patch(r.Context(), t, chi.URLParam(r, "id"), p)
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, documentToResponse(doc))
}

// DeleteDocument handles DELETE /v1/documents/{id}.
func (s *Server) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tenant(w, r)
	if !ok {
		return
	}
	if err := s.documents.Delete(r.Context(), t, chi.URLParam(r, "id")); err != nil {
		s.handleDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdateEmbedding handles PUT /v1/documents/{id}/embedding.
func (s *Server) UpdateEmbedding(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tenant(w, r)
	if !ok {
		return
	}
	var req embeddingRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	if err := s.documents.UpdateEmbedding(r.Context(), t, chi.URLParam(r, "id"), req.Embedding); err != nil {
		s.handleDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Search handles POST /v1/search.
func (s *Server) Search(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tenant(w, r)
	if !ok {
		return
	}
	var req searchRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}

	res, err := s.documents.Search(r.Context(), t, req.input())
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}
	if res == nil {
		res = []result.Result{}
	}
	writeJSON(w, http.StatusOK, searchResponse{Results: res})
}

// BatchSearch handles POST /v1/search/batch. Each query reports its own error.
func (s *Server) BatchSearch(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tenant(w, r)
	if !ok {
		return
	}
	var req batchSearchRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	ins := make([]documentuc.SearchInput, len(req.Queries))
	for i, q := range req.Queries {
		ins[i] = q.input()
	}

	batch, err := s.documents.BatchSearch(r.Context(), t, ins)
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}

	out := make([]batchItemResponse, len(batch))
	for i, b := range batch {
		if b.Err != nil {
			_, code, msg := classify(b.Err)
			out[i].Error = &ErrorResponse{Code: code, Message: msg}
			continue
		}
		out[i].Results = b.Results
		if out[i].Results == nil {
			out[i].Results = []result.Result{}
		}
	}
	writeJSON(w, http.StatusOK, batchSearchResponse{Results: out})
}

// Stats handles GET /v1/stats.
func (s *Server) Stats(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tenant(w, r)
	if !ok {
		return
	}
	st, err := s.documents.Stats(r.Context(), t)
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type poolResponse struct {
	Database db.PoolStats          `json:"database"`
	Workers  map[string]pool.Stats `json:"workers"`
}

// PoolStatus handles GET /v1/admin/pool.
func (s *Server) PoolStatus(w http.ResponseWriter, _ *http.Request) {
	resp := poolResponse{
		Database: s.ops.PoolStatus(),
		Workers:  make(map[string]pool.Stats, len(s.pools)),
	}
	for _, p := range s.pools {
		resp.Workers[p.Name()] = p.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

type queryMetricsResponse struct {
	Items []audit.QueryMetrics `json:"items"`
}

// QueryMetrics handles GET /v1/admin/query-metrics.
// Only the system role may read other merchants' records or all of them at once.
func (s *Server) QueryMetrics(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tenant(w, r)
	if !ok {
		return
	}
	merchantID := r.URL.Query().Get("merchant_id")
	if !t.IsSystem() {
		if merchantID != "" && merchantID != t.MerchantID() {
			writeError(w, http.StatusForbidden, codeForbidden, domain.ErrTenantIsolation.Error())
			return
		}
		merchantID = t.MerchantID()
	}

	items := s.ops.QueryMetrics(merchantID)
	if items == nil {
		items = []audit.QueryMetrics{}
	}
	writeJSON(w, http.StatusOK, queryMetricsResponse{Items: items})
}

// HealthCheck handles GET /health.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check(r.Context())

	status := http.StatusOK
	if report.Status == healthuc.Unhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) tenant(w http.ResponseWriter, r *http.Request) (tenant.Context, bool) {
	t, ok := tenant.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusForbidden, codeForbidden, domain.ErrInvalidTenantContext.Error())
		return tenant.Context{}, false
	}
	return t, true
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return v, nil
}
