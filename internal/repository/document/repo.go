package document

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/tysjosh/mindshop-sub016/internal/cache"
	"github.com/tysjosh/mindshop-sub016/internal/db/postgres"
	"github.com/tysjosh/mindshop-sub016/internal/domain"
	domdoc "github.com/tysjosh/mindshop-sub016/internal/domain/document"
	"github.com/tysjosh/mindshop-sub016/internal/domain/search/request"
	"github.com/tysjosh/mindshop-sub016/internal/domain/search/result"
	"github.com/tysjosh/mindshop-sub016/internal/domain/tenant"
	"github.com/tysjosh/mindshop-sub016/internal/tenantdb"
)

// conn is the consumer interface for the tenant-isolated connection (ISP).
type conn interface {
	Query(ctx context.Context, query string, params []any, opts tenantdb.Options) (tenantdb.Result, error)
	Transaction(ctx context.Context, opts tenantdb.Options, fn func(ctx context.Context, tx *tenantdb.Tx) error) error
	Ping(ctx context.Context) error
}

// cacheLayer is the consumer interface for the cache (ISP).
type cacheLayer interface {
	Get(ctx context.Context, key string, dst any) bool
	Set(ctx context.Context, key string, v any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	InvalidateByPattern(ctx context.Context, pattern string) (int, error)
	GetWithStaleWhileRevalidate(ctx context.Context, key string, dst any, opts cache.SWROptions) cache.Lookup
	HealthCheck(ctx context.Context) bool
}

// submitter runs batch search fan-out.
type submitter interface {
	Submit(task func()) error
}

// Each statement is pinned to the tables it is written against.
var (
	documentTables = []string{postgres.DocumentsTable}
	statsTables    = []string{postgres.StatsView}
	catalogTables  = []string{"pg_indexes"}
)

// documentOptions scopes a documents statement to t. Returned rows have
// their sensitive columns sealed.
func documentOptions(t tenant.Context) tenantdb.Options {
	return tenantdb.Options{Tenant: t, AllowedTables: documentTables, EncryptResults: true}
}

// Default list paging.
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Config holds cache lifetimes.
type Config struct {
	DocumentTTL time.Duration
	SKUTTL      time.Duration
	VectorTTL   time.Duration
	StatsTTL    time.Duration
	// StaleTTL and GracePeriod drive stale-while-revalidate vector search.
	StaleTTL    time.Duration
	GracePeriod time.Duration
}

// DefaultConfig returns the standard cache lifetimes.
func DefaultConfig() Config {
	return Config{
		DocumentTTL: time.Hour,
		SKUTTL:      30 * time.Minute,
		VectorTTL:   30 * time.Minute,
		StatsTTL:    5 * time.Minute,
		StaleTTL:    5 * time.Minute,
		GracePeriod: 25 * time.Minute,
	}
}

// EmbeddingUpdate is one entry of a batch embedding update.
type EmbeddingUpdate struct {
	ID        string
	Embedding []float32
}

// BatchResult is one slot of a batch vector search.
type BatchResult struct {
	Results []result.Result
	Err     error
}

// Health reports each dependency independently.
type Health struct {
	Database    bool `json:"database"`
	Cache       bool `json:"cache"`
	VectorIndex bool `json:"vector_index"`
}

// Repo is the tenant-aware document store with read-through caching.
type Repo struct {
	conn   conn
	cache  cacheLayer
	pool   submitter
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// New creates a document repository.
func New(c conn, cl cacheLayer, pool submitter, cfg Config, logger *zap.Logger) *Repo {
	return &Repo{
		conn:   c,
		cache:  cl,
		pool:   pool,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Create inserts doc for the caller's merchant and returns the stored row.
func (r *Repo) Create(ctx context.Context, t tenant.Context, doc domdoc.Document) (domdoc.Document, error) {
	if doc.MerchantID != t.MerchantID() {
		return domdoc.Document{}, fmt.Errorf("%w: document belongs to another merchant", domain.ErrInvalidDocument)
	}
	if err := doc.Validate(); err != nil {
		return domdoc.Document{}, err
	}
	meta, err := encodeMetadata(doc.Metadata)
	if err != nil {
		return domdoc.Document{}, err
	}

	now := r.now().UTC()
	res, err := r.conn.Query(ctx, insertDocument, []any{
		doc.ID, doc.SKU, doc.Title, doc.Body, meta, vectorArg(doc.Embedding), string(doc.Type), now, now,
	}, documentOptions(t))
	if err != nil {
		return domdoc.Document{}, fmt.Errorf("insert document %s: %w", doc.ID, err)
	}
	if len(res.Rows) == 0 {
		return domdoc.Document{}, fmt.Errorf("insert document %s: no row returned", doc.ID)
	}
	created, err := rowToDocument(res.Rows[0])
	if err != nil {
		return domdoc.Document{}, err
	}

	// A new document can join sku lookups and search results already cached.
	r.invalidate(ctx, t.MerchantID(), "", created.SKU)
	return created, nil
}

// FindByID returns the document or domain.ErrNotFoundOrAccessDenied.
func (r *Repo) FindByID(ctx context.Context, t tenant.Context, id string, useCache bool) (domdoc.Document, error) {
	if !domdoc.ValidID(id) {
		return domdoc.Document{}, fmt.Errorf("%w: id must be a UUID", domain.ErrInvalidDocument)
	}
	key := documentKey(t.MerchantID(), id)
	if useCache {
		var cached domdoc.Document
		if r.cache.Get(ctx, key, &cached) {
			return cached, nil
		}
	}

	res, err := r.conn.Query(ctx, selectByID, []any{id}, documentOptions(t))
	if err != nil {
		return domdoc.Document{}, fmt.Errorf("find document %s: %w", id, err)
	}
	if len(res.Rows) == 0 {
		return domdoc.Document{}, domain.ErrNotFoundOrAccessDenied
	}
	doc, err := rowToDocument(res.Rows[0])
	if err != nil {
		return domdoc.Document{}, err
	}

	if useCache {
		r.store(ctx, key, doc, r.cfg.DocumentTTL)
	}
	return doc, nil
}

// FindByMerchant lists documents most recently updated first. Not cached.
func (r *Repo) FindByMerchant(ctx context.Context, t tenant.Context, limit, offset int) ([]domdoc.Document, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	limit = min(limit, MaxListLimit)
	offset = max(offset, 0)

	res, err := r.conn.Query(ctx, selectByMerchant, []any{limit, offset}, documentOptions(t))
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return rowsToDocuments(res.Rows)
}

// FindBySKU returns every document carrying sku. Only non-empty results are cached.
func (r *Repo) FindBySKU(ctx context.Context, t tenant.Context, sku string, useCache bool) ([]domdoc.Document, error) {
	if sku == "" {
		return nil, fmt.Errorf("%w: sku is required", domain.ErrInvalidDocument)
	}
	key := skuKey(t.MerchantID(), sku)
	if useCache {
		var cached []domdoc.Document
		if r.cache.Get(ctx, key, &cached) {
			return cached, nil
		}
	}

	res, err := r.conn.Query(ctx, selectBySKU, []any{sku}, documentOptions(t))
	if err != nil {
		return nil, fmt.Errorf("find sku %s: %w", sku, err)
	}
	docs, err := rowsToDocuments(res.Rows)
	if err != nil {
		return nil, err
	}

	if useCache && len(docs) > 0 {
		r.store(ctx, key, docs, r.cfg.SKUTTL)
	}
	return docs, nil
}

// VectorSearch returns the nearest documents scoring above q.Threshold.
func (r *Repo) VectorSearch(ctx context.Context, t tenant.Context, q request.VectorQuery) ([]result.Result, error) {
	if err := checkQuery(t, q); err != nil {
		return nil, err
	}
	key := vectorKey(q)
	if q.UseCache {
		var cached []result.Result
		if r.cache.Get(ctx, key, &cached) {
			return cached, nil
		}
	}

	results, err := r.search(ctx, t, q)
	if err != nil {
		return nil, err
	}
	if q.UseCache && len(results) > 0 {
		r.store(ctx, key, results, r.cfg.VectorTTL)
	}
	return results, nil
}

// VectorSearchWithStaleCache serves a fresh cached result as is, a stale
// one immediately while a background search refreshes it, and anything else
// with a synchronous search.
func (r *Repo) VectorSearchWithStaleCache(ctx context.Context, t tenant.Context, q request.VectorQuery) ([]result.Result, error) {
	if err := checkQuery(t, q); err != nil {
		return nil, err
	}
	if !q.UseCache {
		return r.search(ctx, t, q)
	}

	key := vectorKey(q)
	var cached []result.Result
	lookup := r.cache.GetWithStaleWhileRevalidate(ctx, key, &cached, cache.SWROptions{
		StaleTTL:    r.cfg.StaleTTL,
		GracePeriod: r.cfg.GracePeriod,
		Revalidate: func(ctx context.Context) (any, error) {
			fresh, err := r.search(ctx, t, q)
			if err != nil || len(fresh) == 0 {
				return nil, err
			}
			return fresh, nil
		},
	})
	if lookup != cache.Miss {
		return cached, nil
	}

	results, err := r.search(ctx, t, q)
	if err != nil {
		return nil, err
	}
	if len(results) > 0 {
		r.store(ctx, key, results, r.cfg.StaleTTL+r.cfg.GracePeriod)
	}
	return results, nil
}

// BatchVectorSearch runs every query concurrently on the search pool.
// Output order matches input; a failed query only fails its own slot.
func (r *Repo) BatchVectorSearch(ctx context.Context, t tenant.Context, qs []request.VectorQuery) []BatchResult {
	out := make([]BatchResult, len(qs))
	var wg sync.WaitGroup
	for i, q := range qs {
		wg.Add(1)
		err := r.pool.Submit(func() {
			defer wg.Done()
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error("Batch query panicked", zap.Int("index", i), zap.Any("panic", p), zap.Stack("stacktrace"))
					out[i] = BatchResult{Err: fmt.Errorf("query %d panicked: %v", i, p)}
				}
			}()
			res, err := r.VectorSearchWithStaleCache(ctx, t, q)
			out[i] = BatchResult{Results: res, Err: err}
		})
		if err != nil {
			wg.Done()
			out[i] = BatchResult{Err: fmt.Errorf("schedule query %d: %w", i, err)}
		}
	}
	wg.Wait()
	return out
}

// Update overwrites the mutable fields of doc. A missing id and an id owned
// by another merchant both yield domain.ErrNotFoundOrAccessDenied.
func (r *Repo) Update(ctx context.Context, t tenant.Context, doc domdoc.Document) (domdoc.Document, error) {
	if doc.MerchantID != t.MerchantID() {
		return domdoc.Document{}, domain.ErrNotFoundOrAccessDenied
	}
	if err := doc.Validate(); err != nil {
		return domdoc.Document{}, err
	}
	meta, err := encodeMetadata(doc.Metadata)
	if err != nil {
		return domdoc.Document{}, err
	}

	prev, err := r.FindByID(ctx, t, doc.ID, false)
	if err != nil {
		return domdoc.Document{}, err
	}

	res, err := r.conn.Query(ctx, updateDocument, []any{
		doc.SKU, doc.Title, doc.Body, meta, string(doc.Type), r.now().UTC(), doc.ID,
	}, documentOptions(t))
	if err != nil {
		return domdoc.Document{}, fmt.Errorf("update document %s: %w", doc.ID, err)
	}
	if len(res.Rows) == 0 {
		return domdoc.Document{}, domain.ErrNotFoundOrAccessDenied
	}
	updated, err := rowToDocument(res.Rows[0])
	if err != nil {
		return domdoc.Document{}, err
	}

	r.invalidate(ctx, t.MerchantID(), doc.ID, prev.SKU, updated.SKU)
	return updated, nil
}

// Delete removes a document and reports whether a row was removed. Another
// merchant's id is indistinguishable from a missing one.
func (r *Repo) Delete(ctx context.Context, t tenant.Context, id string) (bool, error) {
	prev, err := r.FindByID(ctx, t, id, false)
	if errors.Is(err, domain.ErrNotFoundOrAccessDenied) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	res, err := r.conn.Query(ctx, deleteDocument, []any{id}, documentOptions(t))
	if err != nil {
		return false, fmt.Errorf("delete document %s: %w", id, err)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	r.invalidate(ctx, t.MerchantID(), id, prev.SKU)
	return true, nil
}

// UpdateEmbedding replaces the embedding of one document.
func (r *Repo) UpdateEmbedding(ctx context.Context, t tenant.Context, id string, embedding []float32) error {
	if err := checkEmbeddingUpdate(EmbeddingUpdate{ID: id, Embedding: embedding}); err != nil {
		return err
	}
	res, err := r.conn.Query(ctx, updateEmbedding, []any{
		pgvector.NewVector(embedding), r.now().UTC(), id,
	}, documentOptions(t))
	if err != nil {
		return fmt.Errorf("update embedding %s: %w", id, err)
	}
	if len(res.Rows) == 0 {
		return domain.ErrNotFoundOrAccessDenied
	}

	r.invalidate(ctx, t.MerchantID(), id, rowString(res.Rows[0], "sku"))
	return nil
}

// BatchUpdateEmbeddings applies every update in one transaction. If any id
// is missing or foreign, nothing is applied.
func (r *Repo) BatchUpdateEmbeddings(ctx context.Context, t tenant.Context, updates []EmbeddingUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	for _, u := range updates {
		if err := checkEmbeddingUpdate(u); err != nil {
			return err
		}
	}

	now := r.now().UTC()
	skus := make([]string, 0, len(updates))
	err := r.conn.Transaction(ctx, documentOptions(t), func(ctx context.Context, tx *tenantdb.Tx) error {
		for _, u := range updates {
			res, err := tx.Query(ctx, updateEmbedding, pgvector.NewVector(u.Embedding), now, u.ID)
			if err != nil {
				return fmt.Errorf("update embedding %s: %w", u.ID, err)
			}
			if len(res.Rows) == 0 {
				return domain.ErrNotFoundOrAccessDenied
			}
			skus = append(skus, rowString(res.Rows[0], "sku"))
		}
		return nil
	})
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(updates)*2)
	for i, u := range updates {
		keys = append(keys, documentKey(t.MerchantID(), u.ID))
		if skus[i] != "" {
			keys = append(keys, skuKey(t.MerchantID(), skus[i]))
		}
	}
	r.drop(ctx, keys...)
	r.dropPatterns(ctx, t.MerchantID())
	return nil
}

// DocumentStats returns the merchant's aggregate counts from the stats view.
func (r *Repo) DocumentStats(ctx context.Context, t tenant.Context) (domdoc.Stats, error) {
	key := statsKey(t.MerchantID())
	var cached domdoc.Stats
	if r.cache.Get(ctx, key, &cached) {
		return cached, nil
	}

	res, err := r.conn.Query(ctx, selectStats, nil, tenantdb.Options{Tenant: t, AllowedTables: statsTables})
	if err != nil {
		return domdoc.Stats{}, fmt.Errorf("document stats: %w", err)
	}
	stats := domdoc.EmptyStats(t.MerchantID())
	if len(res.Rows) > 0 {
		stats = rowToStats(t.MerchantID(), res.Rows[0])
	}

	r.store(ctx, key, stats, r.cfg.StatsTTL)
	return stats, nil
}

// RefreshStats recomputes the stats view for every merchant.
func (r *Repo) RefreshStats(ctx context.Context) error {
	_, err := r.conn.Query(ctx, refreshStats, nil, tenantdb.Options{
		Tenant:           tenant.System(),
		AllowCrossTenant: true,
		AllowedTables:    statsTables,
	})
	if err != nil {
		return fmt.Errorf("refresh stats: %w", err)
	}
	if _, err := r.cache.InvalidateByPattern(ctx, statsKey("*")); err != nil {
		r.logger.Warn("Failed to invalidate stats cache", zap.Error(err))
	}
	return nil
}

// HealthCheck probes the database, the cache and the vector index separately.
func (r *Repo) HealthCheck(ctx context.Context) Health {
	var h Health
	if err := r.conn.Ping(ctx); err != nil {
		r.logger.Warn("Database health check failed", zap.Error(err))
	} else {
		h.Database = true
	}
	h.Cache = r.cache.HealthCheck(ctx)

	res, err := r.conn.Query(ctx, selectVectorIndex, []any{postgres.VectorIndexName}, tenantdb.Options{
		Tenant:        tenant.System(),
		AllowedTables: catalogTables,
	})
	if err != nil {
		r.logger.Warn("Vector index check failed", zap.Error(err))
	} else {
		h.VectorIndex = len(res.Rows) > 0
	}
	return h
}

// search runs the nearest-neighbor query without touching the cache.
func (r *Repo) search(ctx context.Context, t tenant.Context, q request.VectorQuery) ([]result.Result, error) {
	res, err := r.conn.Query(ctx, vectorSearch, []any{
		pgvector.NewVector(q.Embedding), q.Threshold, q.Limit,
	}, documentOptions(t))
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	return rowsToResults(res.Rows, q.Threshold)
}

// invalidate drops the cached entries a write to id can make stale.
func (r *Repo) invalidate(ctx context.Context, merchantID, id string, skus ...string) {
	keys := make([]string, 0, 1+len(skus))
	if id != "" {
		keys = append(keys, documentKey(merchantID, id))
	}
	seen := make(map[string]struct{}, len(skus))
	for _, s := range skus {
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		keys = append(keys, skuKey(merchantID, s))
	}
	r.drop(ctx, keys...)
	r.dropPatterns(ctx, merchantID)
}

func (r *Repo) drop(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := r.cache.Delete(ctx, keys...); err != nil {
		r.logger.Warn("Cache invalidation failed", zap.Strings("keys", keys), zap.Error(err))
	}
}

func (r *Repo) dropPatterns(ctx context.Context, merchantID string) {
	for _, p := range []string{vectorPattern(merchantID), listPattern(merchantID)} {
		if _, err := r.cache.InvalidateByPattern(ctx, p); err != nil {
			r.logger.Warn("Cache invalidation failed", zap.String("pattern", p), zap.Error(err))
		}
	}
}

func (r *Repo) store(ctx context.Context, key string, v any, ttl time.Duration) {
	if err := r.cache.Set(ctx, key, v, ttl); err != nil {
		r.logger.Warn("Cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func checkQuery(t tenant.Context, q request.VectorQuery) error {
	if q.MerchantID != t.MerchantID() {
		return domain.NewTenantIsolationError(t.MerchantID(), "query targets another merchant")
	}
	return domdoc.ValidateEmbedding(q.Embedding)
}

func checkEmbeddingUpdate(u EmbeddingUpdate) error {
	if !domdoc.ValidID(u.ID) {
		return fmt.Errorf("%w: id must be a UUID", domain.ErrInvalidDocument)
	}
	return domdoc.ValidateEmbedding(u.Embedding)
}

func vectorArg(v []float32) any {
	if v == nil {
		return nil
	}
	return pgvector.NewVector(v)
}
