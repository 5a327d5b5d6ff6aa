package request

import (
	"fmt"
	"math"

	"github.com/tysjosh/mindshop-sub016/internal/domain"
	domdoc "github.com/tysjosh/mindshop-sub016/internal/domain/document"
	"github.com/tysjosh/mindshop-sub016/internal/domain/tenant"
)

// Vector search parameter limits.
const (
	DefaultLimit     = 10
	MaxLimit         = 100
	DefaultThreshold = 0.7
	// MaxBatchQueries caps a single batch search request.
	MaxBatchQueries = 50
)

// VectorQuery is a validated nearest-neighbor query for one merchant.
type VectorQuery struct {
	Embedding  []float32
	MerchantID string
	Limit      int
	Threshold  float64
	UseCache   bool
}

// New validates and normalizes vector search parameters.
// limit<=0 falls back to DefaultLimit and is clamped to MaxLimit.
// A negative threshold falls back to DefaultThreshold.
func New(embedding []float32, merchantID string, limit int, threshold float64, useCache bool) (VectorQuery, error) {
	if !tenant.ValidMerchantID(merchantID) {
		return VectorQuery{}, fmt.Errorf("%w: merchant id is malformed", domain.ErrInvalidTenantContext)
	}
	if err := domdoc.ValidateEmbedding(embedding); err != nil {
		return VectorQuery{}, err
	}
	for _, f := range embedding {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return VectorQuery{}, fmt.Errorf("%w: embedding contains NaN or Inf", domain.ErrInvalidDocument)
		}
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if threshold < 0 {
		threshold = DefaultThreshold
	}
	if threshold > 1 {
		return VectorQuery{}, fmt.Errorf("%w: threshold must be between 0 and 1", domain.ErrInvalidDocument)
	}
	return VectorQuery{
		Embedding:  embedding,
		MerchantID: merchantID,
		Limit:      limit,
		Threshold:  threshold,
		UseCache:   useCache,
	}, nil
}

// WithoutCache returns a copy that bypasses the cache.
func (q VectorQuery) WithoutCache() VectorQuery {
	q.UseCache = false
	return q
}
