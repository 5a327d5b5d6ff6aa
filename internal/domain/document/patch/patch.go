package patch

import (
	"fmt"

	"github.com/tysjosh/mindshop-sub016/internal/domain"
	domdoc "github.com/tysjosh/mindshop-sub016/internal/domain/document"
)

// Patch is a partial document update.
// Nil fields are unchanged. A nil value in Metadata means delete that key.
type Patch struct {
	title    *string
	body     *string
	sku      *string
	docType  *domdoc.Type
	metadata map[string]*any
}

// New validates and creates a Patch. At least one field must be provided.
func New(title, body, sku *string, docType *domdoc.Type, metadata map[string]*any) (Patch, error) {
	if title == nil && body == nil && sku == nil && docType == nil && len(metadata) == 0 {
		return Patch{}, fmt.Errorf("%w: at least one field must be provided", domain.ErrInvalidDocument)
	}
	if body != nil && len(*body) > domdoc.MaxBodySize {
		return Patch{}, fmt.Errorf("%w: body too large (max %d bytes)", domain.ErrInvalidDocument, domdoc.MaxBodySize)
	}
	if docType != nil && !docType.Valid() {
		return Patch{}, fmt.Errorf("%w: unknown document type %q", domain.ErrInvalidDocument, *docType)
	}
	return Patch{title: title, body: body, sku: sku, docType: docType, metadata: metadata}, nil
}

// Title returns the new title, or nil if unchanged.
func (p Patch) Title() *string { return p.title }

// Body returns the new body, or nil if unchanged.
func (p Patch) Body() *string { return p.body }

// SKU returns the new sku, or nil if unchanged.
func (p Patch) SKU() *string { return p.sku }

// Metadata returns metadata updates (nil value = delete).
func (p Patch) Metadata() map[string]*any { return p.metadata }

// Apply returns a copy of doc with the patch merged in and validates the result.
// ID, MerchantID, Embedding and timestamps are never touched.
func (p Patch) Apply(doc domdoc.Document) (domdoc.Document, error) {
	out := doc
	if p.title != nil {
		out.Title = *p.title
	}
	if p.body != nil {
		out.Body = *p.body
	}
	if p.sku != nil {
		out.SKU = *p.sku
	}
	if p.docType != nil {
		out.Type = *p.docType
	}
	if len(p.metadata) > 0 {
		meta := doc.Metadata.Clone()
		if meta == nil {
			meta = make(domdoc.Metadata, len(p.metadata))
		}
		for k, v := range p.metadata {
			if v == nil {
				delete(meta, k)
			} else {
				meta[k] = *v
			}
		}
		out.Metadata = meta
	}
	if err := out.Validate(); err != nil {
		return domdoc.Document{}, err
	}
	return out, nil
}
