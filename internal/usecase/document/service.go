package document

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tysjosh/mindshop-sub016/internal/domain"
	domdoc "github.com/tysjosh/mindshop-sub016/internal/domain/document"
	"github.com/tysjosh/mindshop-sub016/internal/domain/document/patch"
	"github.com/tysjosh/mindshop-sub016/internal/domain/search/request"
	"github.com/tysjosh/mindshop-sub016/internal/domain/search/result"
	"github.com/tysjosh/mindshop-sub016/internal/domain/tenant"
	repo "github.com/tysjosh/mindshop-sub016/internal/repository/document"
)

// ErrNoEmbedder is returned for text queries when no embedding provider is configured.
var ErrNoEmbedder = errors.New("text search requires an embedding provider")

// CreateInput carries the caller-supplied fields of a new document.
// The owning merchant always comes from the tenant context.
type CreateInput struct {
	SKU       string
	Title     string
	Body      string
	Type      domdoc.Type
	Metadata  domdoc.Metadata
	Embedding []float32
}

// SearchInput is one similarity query: either a ready vector or text to embed.
type SearchInput struct {
	Text       string
	Embedding  []float32
	Limit      int
	Threshold  float64
	UseCache   bool
	AllowStale bool
}

// Service handles document operations on behalf of an authenticated tenant.
type Service struct {
	repo            Repository
	embedder        Embedder
	defaultPageSize int
	maxPageSize     int
}

// New creates a document service. embedder can be nil; text queries then fail.
func New(r Repository, embedder Embedder) *Service {
	return &Service{
		repo:            r,
		embedder:        embedder,
		defaultPageSize: repo.DefaultListLimit,
		maxPageSize:     repo.MaxListLimit,
	}
}

// WithPagination configures page size limits.
func (s *Service) WithPagination(defaultPageSize, maxPageSize int) *Service {
	if defaultPageSize > 0 {
		s.defaultPageSize = defaultPageSize
	}
	if maxPageSize > 0 {
		s.maxPageSize = maxPageSize
	}
	return s
}

// Create validates and stores a new document for t.
func (s *Service) Create(ctx context.Context, t tenant.Context, in CreateInput) (domdoc.Document, error) {
	doc, err := domdoc.New(t.MerchantID(), in.SKU, in.Title, in.Body, in.Type, in.Metadata, in.Embedding)
	if err != nil {
		return domdoc.Document{}, err
	}
	created, err := s.repo.Create(ctx, t, doc)
	if err != nil {
		return domdoc.Document{}, fmt.Errorf("create document: %w", err)
	}
	return created, nil
}

// Get returns one document, served from cache when possible.
func (s *Service) Get(ctx context.Context, t tenant.Context, id string) (domdoc.Document, error) {
	doc, err := s.repo.FindByID(ctx, t, id, true)
	if err != nil {
		return domdoc.Document{}, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

// List returns a page of the tenant's documents.
func (s *Service) List(ctx context.Context, t tenant.Context, limit, offset int) ([]domdoc.Document, error) {
	if limit <= 0 {
		limit = s.defaultPageSize
	}
	limit = min(limit, s.maxPageSize)
	docs, err := s.repo.FindByMerchant(ctx, t, limit, max(offset, 0))
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return docs, nil
}

// GetBySKU returns every document carrying sku.
func (s *Service) GetBySKU(ctx context.Context, t tenant.Context, sku string) ([]domdoc.Document, error) {
	docs, err := s.repo.FindBySKU(ctx, t, strings.TrimSpace(sku), true)
	if err != nil {
		return nil, fmt.Errorf("find by sku: %w", err)
	}
	return docs, nil
}

// Patch merges p into the current version of the document.
func (s *Service) Patch(ctx context.Context, t tenant.Context, id string, p patch.Patch) (domdoc.Document, error) {
	current, err := s.repo.FindByID(ctx, t, id, false)
	if err != nil {
		return domdoc.Document{}, fmt.Errorf("get document: %w", err)
	}
	next, err := p.Apply(current)
	if err != nil {
		return domdoc.Document{}, err
	}
	updated, err := s.repo.Update(ctx, t, next)
	if err != nil {
		return domdoc.Document{}, fmt.Errorf("update document: %w", err)
	}
	return updated, nil
}

// Delete removes a document. Missing and foreign ids both yield domain.ErrNotFoundOrAccessDenied.
func (s *Service) Delete(ctx context.Context, t tenant.Context, id string) error {
	deleted, err := s.repo.Delete(ctx, t, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if !deleted {
		return domain.ErrNotFoundOrAccessDenied
	}
	return nil
}

// UpdateEmbedding replaces the stored vector of one document.
func (s *Service) UpdateEmbedding(ctx context.Context, t tenant.Context, id string, embedding []float32) error {
	if err := s.repo.UpdateEmbedding(ctx, t, id, embedding); err != nil {
		return fmt.Errorf("update embedding: %w", err)
	}
	return nil
}

// Search runs one similarity query scoped to t.
func (s *Service) Search(ctx context.Context, t tenant.Context, in SearchInput) ([]result.Result, error) {
	q, err := s.query(ctx, t, in)
	if err != nil {
		return nil, err
	}
	var res []result.Result
	if in.AllowStale && q.UseCache {
		res, err = s.repo.VectorSearchWithStaleCache(ctx, t, q)
	} else {
		res, err = s.repo.VectorSearch(ctx, t, q)
	}
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	return res, nil
}

// BatchSearch runs several queries concurrently. A malformed query fails the whole batch;
// execution failures are reported per query.
func (s *Service) BatchSearch(ctx context.Context, t tenant.Context, ins []SearchInput) ([]repo.BatchResult, error) {
	if len(ins) == 0 {
		return nil, fmt.Errorf("%w: at least one query is required", domain.ErrInvalidDocument)
	}
	if len(ins) > request.MaxBatchQueries {
		return nil, fmt.Errorf("%w: at most %d queries per batch", domain.ErrInvalidDocument, request.MaxBatchQueries)
	}
	qs := make([]request.VectorQuery, len(ins))
	for i, in := range ins {
		q, err := s.query(ctx, t, in)
		if err != nil {
			return nil, fmt.Errorf("query %d: %w", i, err)
		}
		qs[i] = q
	}
	return s.repo.BatchVectorSearch(ctx, t, qs), nil
}

// Stats returns the tenant's aggregate document statistics.
func (s *Service) Stats(ctx context.Context, t tenant.Context) (domdoc.Stats, error) {
	st, err := s.repo.DocumentStats(ctx, t)
	if err != nil {
		return domdoc.Stats{}, fmt.Errorf("document stats: %w", err)
	}
	return st, nil
}

func (s *Service) query(ctx context.Context, t tenant.Context, in SearchInput) (request.VectorQuery, error) {
	vec := in.Embedding
	if vec == nil {
		text := strings.TrimSpace(in.Text)
		if text == "" {
			return request.VectorQuery{}, fmt.Errorf("%w: query text or embedding is required", domain.ErrInvalidDocument)
		}
		if s.embedder == nil {
			return request.VectorQuery{}, ErrNoEmbedder
		}
		emb, err := s.embedder.Embed(ctx, text)
		if err != nil {
			return request.VectorQuery{}, fmt.Errorf("vectorize query: %w", err)
		}
		vec = emb.Embedding
	}
	return request.New(vec, t.MerchantID(), in.Limit, in.Threshold, in.UseCache)
}
