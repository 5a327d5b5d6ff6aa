package health

import (
	"context"

	"github.com/tysjosh/mindshop-sub016/internal/repository/document"
)

// StoreChecker probes the document store, its cache and the vector index.
type StoreChecker interface {
	HealthCheck(ctx context.Context) document.Health
}

// EmbeddingChecker checks embedding provider availability.
type EmbeddingChecker interface {
	HealthCheck(ctx context.Context) error
}
