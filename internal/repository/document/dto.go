package document

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/tysjosh/mindshop-sub016/internal/db"
	domdoc "github.com/tysjosh/mindshop-sub016/internal/domain/document"
	"github.com/tysjosh/mindshop-sub016/internal/domain/search/request"
	"github.com/tysjosh/mindshop-sub016/internal/domain/search/result"
)

// Column casts keep scanned types independent of the driver.
const documentColumns = `id::text AS id, merchant_id, sku, title, body, metadata::text AS metadata, ` +
	`embedding::text AS embedding, document_type, created_at, updated_at`

// Statements are written unscoped; the connection adds the merchant predicate.
const (
	insertDocument = `INSERT INTO documents (id, sku, title, body, metadata, embedding, document_type, created_at, updated_at) ` +
		`VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING ` + documentColumns
	selectByID       = `SELECT ` + documentColumns + ` FROM documents WHERE id = $1`
	selectByMerchant = `SELECT ` + documentColumns + ` FROM documents ORDER BY updated_at DESC LIMIT $1 OFFSET $2`
	selectBySKU      = `SELECT ` + documentColumns + ` FROM documents WHERE sku = $1 ORDER BY updated_at DESC`
	updateDocument   = `UPDATE documents SET sku = $1, title = $2, body = $3, metadata = $4, document_type = $5, ` +
		`updated_at = $6 WHERE id = $7 RETURNING ` + documentColumns
	deleteDocument  = `DELETE FROM documents WHERE id = $1`
	updateEmbedding = `UPDATE documents SET embedding = $1, updated_at = $2 WHERE id = $3 RETURNING sku`
	vectorSearch    = `SELECT id::text AS id, merchant_id, sku, body, document_type, metadata::text AS metadata, ` +
		`(1 - (embedding <=> $1))::float8 AS similarity FROM documents ` +
		`WHERE embedding IS NOT NULL AND 1 - (embedding <=> $1) > $2 ORDER BY embedding <=> $1 LIMIT $3`
	selectStats = `SELECT total_documents::int8 AS total_documents, product_count::int8 AS product_count, ` +
		`faq_count::int8 AS faq_count, policy_count::int8 AS policy_count, review_count::int8 AS review_count, ` +
		`recent_documents::int8 AS recent_documents, avg_word_count::float8 AS avg_word_count FROM document_stats`
	refreshStats      = `REFRESH MATERIALIZED VIEW CONCURRENTLY document_stats`
	selectVectorIndex = `SELECT indexname FROM pg_indexes WHERE indexname = $1`
)

func documentKey(merchantID, id string) string {
	return fmt.Sprintf("document:%s:%s", merchantID, id)
}

func skuKey(merchantID, sku string) string {
	return fmt.Sprintf("documents:sku:%s:%s", merchantID, sku)
}

func statsKey(merchantID string) string {
	return "document_stats:" + merchantID
}

func vectorKey(q request.VectorQuery) string {
	return fmt.Sprintf("vector_search:%s:%s:%d:%s",
		q.MerchantID, embeddingHash(q.Embedding), q.Limit, strconv.FormatFloat(q.Threshold, 'f', -1, 64))
}

func vectorPattern(merchantID string) string {
	return "vector_search:" + merchantID + ":*"
}

func listPattern(merchantID string) string {
	return "documents:merchant:" + merchantID + ":*"
}

// embeddingHash is the first 16 hex chars of sha256 over the little-endian float32 bits.
func embeddingHash(v []float32) string {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])[:16]
}

func encodeMetadata(m domdoc.Metadata) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(b), nil
}

func rowsToDocuments(rows []db.Row) ([]domdoc.Document, error) {
	docs := make([]domdoc.Document, 0, len(rows))
	for _, row := range rows {
		d, err := rowToDocument(row)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, nil
}

func rowToDocument(row db.Row) (domdoc.Document, error) {
	d := domdoc.Document{
		ID:         rowString(row, "id"),
		MerchantID: rowString(row, "merchant_id"),
		SKU:        rowString(row, "sku"),
		Title:      rowString(row, "title"),
		Body:       rowString(row, "body"),
		Type:       domdoc.Type(rowString(row, "document_type")),
		CreatedAt:  rowTime(row, "created_at"),
		UpdatedAt:  rowTime(row, "updated_at"),
	}

	meta, err := decodeMetadata(rowString(row, "metadata"))
	if err != nil {
		return domdoc.Document{}, fmt.Errorf("document %s: %w", d.ID, err)
	}
	d.Metadata = meta

	if s := rowString(row, "embedding"); s != "" {
		var v pgvector.Vector
		if err := v.Scan(s); err != nil {
			return domdoc.Document{}, fmt.Errorf("document %s: parse embedding: %w", d.ID, err)
		}
		d.Embedding = v.Slice()
	}
	return d, nil
}

func rowsToResults(rows []db.Row, threshold float64) ([]result.Result, error) {
	out := make([]result.Result, 0, len(rows))
	for _, row := range rows {
		meta, err := decodeMetadata(rowString(row, "metadata"))
		if err != nil {
			return nil, fmt.Errorf("search hit %s: %w", rowString(row, "id"), err)
		}
		source, _ := meta.SourceURI()
		out = append(out, result.New(
			rowString(row, "id"),
			rowString(row, "body"),
			rowFloat(row, "similarity"),
			threshold,
			result.Metadata{
				SKU:          rowString(row, "sku"),
				MerchantID:   rowString(row, "merchant_id"),
				DocumentType: rowString(row, "document_type"),
				SourceURI:    source,
			},
		))
	}
	return out, nil
}

func rowToStats(merchantID string, row db.Row) domdoc.Stats {
	s := domdoc.EmptyStats(merchantID)
	s.Total = rowInt(row, "total_documents")
	s.ByType[domdoc.TypeProduct] = rowInt(row, "product_count")
	s.ByType[domdoc.TypeFAQ] = rowInt(row, "faq_count")
	s.ByType[domdoc.TypePolicy] = rowInt(row, "policy_count")
	s.ByType[domdoc.TypeReview] = rowInt(row, "review_count")
	s.Recent = rowInt(row, "recent_documents")
	s.AvgWordCount = rowFloat(row, "avg_word_count")
	return s
}

func decodeMetadata(s string) (domdoc.Metadata, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var m domdoc.Metadata
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}

func rowString(row db.Row, col string) string {
	switch v := row[col].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func rowTime(row db.Row, col string) time.Time {
	if t, ok := row[col].(time.Time); ok {
		return t
	}
	return time.Time{}
}

func rowInt(row db.Row, col string) int64 {
	switch v := row[col].(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

func rowFloat(row db.Row, col string) float64 {
	switch v := row[col].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	}
	return 0
}
