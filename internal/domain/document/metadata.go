package document

import (
	"fmt"

	"github.com/tysjosh/mindshop-sub016/internal/domain"
)

// Metadata keys read by business logic. Everything else is an opaque bag.
const (
	MetaSKU       = "sku"
	MetaPrice     = "price"
	MetaCategory  = "category"
	MetaSourceURI = "source_uri"
)

// Metadata is a schemaless key-value bag attached to a document.
// Only the keys above are validated.
type Metadata map[string]any

// Clone returns a shallow copy.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	c := make(Metadata, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// Validate checks the types of the well-known keys.
func (m Metadata) Validate() error {
	if v, ok := m[MetaSKU]; ok {
		if _, isStr := v.(string); !isStr {
			return fmt.Errorf("%w: metadata.sku must be a string", domain.ErrInvalidDocument)
		}
	}
	if v, ok := m[MetaCategory]; ok {
		if _, isStr := v.(string); !isStr {
			return fmt.Errorf("%w: metadata.category must be a string", domain.ErrInvalidDocument)
		}
	}
	if v, ok := m[MetaSourceURI]; ok {
		if _, isStr := v.(string); !isStr {
			return fmt.Errorf("%w: metadata.source_uri must be a string", domain.ErrInvalidDocument)
		}
	}
	if _, ok := m[MetaPrice]; ok {
		p, isNum := m.Price()
		if !isNum {
			return fmt.Errorf("%w: metadata.price must be a number", domain.ErrInvalidDocument)
		}
		if p < 0 {
			return fmt.Errorf("%w: metadata.price must not be negative", domain.ErrInvalidDocument)
		}
	}
	return nil
}

// SKU returns metadata.sku.
func (m Metadata) SKU() (string, bool) {
	return m.str(MetaSKU)
}

// Category returns metadata.category.
func (m Metadata) Category() (string, bool) {
	return m.str(MetaCategory)
}

// SourceURI returns metadata.source_uri.
func (m Metadata) SourceURI() (string, bool) {
	return m.str(MetaSourceURI)
}

// Price returns metadata.price as float64, accepting any numeric representation.
func (m Metadata) Price() (float64, bool) {
	switch v := m[MetaPrice].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	}
	return 0, false
}

func (m Metadata) str(key string) (string, bool) {
	s, ok := m[key].(string)
	return s, ok
}
