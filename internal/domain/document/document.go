package document

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tysjosh/mindshop-sub016/internal/domain"
	"github.com/tysjosh/mindshop-sub016/internal/domain/tenant"
)

// Dimensions is the embedding length every stored vector must have.
const Dimensions = 1536

// MaxBodySize is the maximum document body size in bytes.
const MaxBodySize = 163840 // 160KB

// MaxTitleLength is the maximum title length in bytes.
const MaxTitleLength = 512

// Type classifies a document.
type Type string

const (
	// TypeProduct is a catalog product description.
	TypeProduct Type = "product"
	// TypeFAQ is a frequently asked question.
	TypeFAQ Type = "faq"
	// TypePolicy is a shop policy (shipping, returns, ...).
	TypePolicy Type = "policy"
	// TypeReview is a customer review.
	TypeReview Type = "review"
)

// Types lists every known document type.
var Types = []Type{TypeProduct, TypeFAQ, TypePolicy, TypeReview}

// Valid reports whether t is a known document type.
func (t Type) Valid() bool {
	switch t {
	case TypeProduct, TypeFAQ, TypePolicy, TypeReview:
		return true
	}
	return false
}

// Document is a merchant-owned piece of retrievable content.
// MerchantID never changes after creation.
type Document struct {
	ID         string    `json:"id"`
	MerchantID string    `json:"merchant_id"`
	SKU        string    `json:"sku,omitempty"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	Metadata   Metadata  `json:"metadata,omitempty"`
	Embedding  []float32 `json:"embedding,omitempty"`
	Type       Type      `json:"document_type"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// New validates and creates a Document with a fresh UUID.
func New(
	merchantID, sku, title, body string, typ Type,
	metadata Metadata, embedding []float32,
) (Document, error) {
	d := Document{
		ID:         uuid.NewString(),
		MerchantID: merchantID,
		SKU:        strings.TrimSpace(sku),
		Title:      title,
		Body:       body,
		Metadata:   metadata.Clone(),
		Embedding:  embedding,
		Type:       typ,
	}
	if err := d.Validate(); err != nil {
		return Document{}, err
	}
	return d, nil
}

// Validate checks the document fields.
func (d *Document) Validate() error {
	if !ValidID(d.ID) {
		return fmt.Errorf("%w: id must be a UUID", domain.ErrInvalidDocument)
	}
	if !tenant.ValidMerchantID(d.MerchantID) {
		return fmt.Errorf("%w: merchant id is malformed", domain.ErrInvalidDocument)
	}
	if strings.TrimSpace(d.Title) == "" {
		return fmt.Errorf("%w: title is required", domain.ErrInvalidDocument)
	}
	if len(d.Title) > MaxTitleLength {
		return fmt.Errorf("%w: title too long (max %d)", domain.ErrInvalidDocument, MaxTitleLength)
	}
	if len(d.Body) > MaxBodySize {
		return fmt.Errorf("%w: body too large (max %d bytes)", domain.ErrInvalidDocument, MaxBodySize)
	}
	if !d.Type.Valid() {
		return fmt.Errorf("%w: unknown document type %q", domain.ErrInvalidDocument, d.Type)
	}
	if d.Embedding != nil {
		if err := ValidateEmbedding(d.Embedding); err != nil {
			return err
		}
	}
	if err := d.Metadata.Validate(); err != nil {
		return err
	}
	return nil
}

// WordCount returns the number of whitespace-separated words in the body.
func (d *Document) WordCount() int {
	return len(strings.Fields(d.Body))
}

// ValidID reports whether id is a well-formed UUID.
func ValidID(id string) bool {
	if id == "" {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

// ValidateEmbedding checks the vector length.
func ValidateEmbedding(v []float32) error {
	if len(v) != Dimensions {
		return fmt.Errorf("%w: got %d, want %d", domain.ErrVectorDimMismatch, len(v), Dimensions)
	}
	return nil
}
