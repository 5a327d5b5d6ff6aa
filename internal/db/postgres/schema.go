package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"

	"github.com/tysjosh/mindshop-sub016/internal/db"
)

// Schema object names shared with the repository.
const (
	DocumentsTable  = "documents"
	StatsView       = "document_stats"
	VectorIndexName = "documents_embedding_idx"
)

// documentModel is the migration shape of the documents table. Reads and
// writes go through raw SQL, not this model.
type documentModel struct {
	ID           string           `gorm:"type:uuid;primaryKey"`
	MerchantID   string           `gorm:"type:varchar(50);not null;index:idx_documents_merchant_sku,priority:1;index:idx_documents_merchant_updated,priority:1"`
	SKU          string           `gorm:"type:varchar(255);not null;default:'';index:idx_documents_merchant_sku,priority:2"`
	Title        string           `gorm:"type:varchar(512);not null"`
	Body         string           `gorm:"type:text;not null"`
	Metadata     datatypes.JSON   `gorm:"type:jsonb;not null;default:'{}'"`
	Embedding    *pgvector.Vector `gorm:"type:vector(1536)"`
	DocumentType string           `gorm:"type:varchar(20);not null;default:'product'"`
	CreatedAt    time.Time        `gorm:"not null;default:now()"`
	UpdatedAt    time.Time        `gorm:"not null;default:now();index:idx_documents_merchant_updated,priority:2"`
}

func (documentModel) TableName() string { return DocumentsTable }

const createVectorIndex = `CREATE INDEX IF NOT EXISTS ` + VectorIndexName + `
	ON ` + DocumentsTable + ` USING hnsw (embedding vector_cosine_ops)`

const createStatsView = `CREATE MATERIALIZED VIEW IF NOT EXISTS ` + StatsView + ` AS
SELECT merchant_id,
	count(*) AS total_documents,
	count(*) FILTER (WHERE document_type = 'product') AS product_count,
	count(*) FILTER (WHERE document_type = 'faq') AS faq_count,
	count(*) FILTER (WHERE document_type = 'policy') AS policy_count,
	count(*) FILTER (WHERE document_type = 'review') AS review_count,
	count(*) FILTER (WHERE created_at > now() - interval '7 days') AS recent_documents,
	coalesce(avg(array_length(regexp_split_to_array(btrim(body), '\s+'), 1)), 0)::float8 AS avg_word_count
FROM ` + DocumentsTable + `
GROUP BY merchant_id`

const createStatsIndex = `CREATE UNIQUE INDEX IF NOT EXISTS document_stats_merchant_idx
	ON ` + StatsView + ` (merchant_id)`

// Migrate creates the vector extension, the documents table, its HNSW index
// and the per-merchant stats view. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	g := s.gdb.WithContext(ctx)

	steps := []struct {
		name string
		run  func() error
	}{
		{"extension", func() error { return g.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error }},
		{"documents", func() error { return g.AutoMigrate(&documentModel{}) }},
		{"vector index", func() error { return g.Exec(createVectorIndex).Error }},
		{"stats view", func() error { return g.Exec(createStatsView).Error }},
		{"stats index", func() error { return g.Exec(createStatsIndex).Error }},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			return &db.Error{Op: db.OpMigrate, Err: fmt.Errorf("%s: %w", step.name, err)}
		}
	}
	return nil
}

// HasVectorIndex reports whether the HNSW index exists.
func (s *Store) HasVectorIndex(ctx context.Context) bool {
	return s.gdb.WithContext(ctx).Migrator().HasIndex(DocumentsTable, VectorIndexName)
}
