package document

import (
	"context"

	"github.com/tysjosh/mindshop-sub016/internal/domain"
	domdoc "github.com/tysjosh/mindshop-sub016/internal/domain/document"
	"github.com/tysjosh/mindshop-sub016/internal/domain/search/request"
	"github.com/tysjosh/mindshop-sub016/internal/domain/search/result"
	"github.com/tysjosh/mindshop-sub016/internal/domain/tenant"
	repo "github.com/tysjosh/mindshop-sub016/internal/repository/document"
)

// Repository defines the tenant-scoped storage contract for documents.
type Repository interface {
	Create(ctx context.Context, t tenant.Context, doc domdoc.Document) (domdoc.Document, error)
	FindByID(ctx context.Context, t tenant.Context, id string, useCache bool) (domdoc.Document, error)
	FindByMerchant(ctx context.Context, t tenant.Context, limit, offset int) ([]domdoc.Document, error)
	FindBySKU(ctx context.Context, t tenant.Context, sku string, useCache bool) ([]domdoc.Document, error)
	VectorSearch(ctx context.Context, t tenant.Context, q request.VectorQuery) ([]result.Result, error)
	VectorSearchWithStaleCache(ctx context.Context, t tenant.Context, q request.VectorQuery) ([]result.Result, error)
	BatchVectorSearch(ctx context.Context, t tenant.Context, qs []request.VectorQuery) []repo.BatchResult
	Update(ctx context.Context, t tenant.Context, doc domdoc.Document) (domdoc.Document, error)
	Delete(ctx context.Context, t tenant.Context, id string) (bool, error)
	UpdateEmbedding(ctx context.Context, t tenant.Context, id string, embedding []float32) error
	DocumentStats(ctx context.Context, t tenant.Context) (domdoc.Stats, error)
}

// Embedder vectorizes shopper query text.
type Embedder interface {
	Embed(ctx context.Context, text string) (domain.EmbeddingResult, error)
}
