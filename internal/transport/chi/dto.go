package chi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	domdoc "github.com/tysjosh/mindshop-sub016/internal/domain/document"
	"github.com/tysjosh/mindshop-sub016/internal/domain/document/patch"
	"github.com/tysjosh/mindshop-sub016/internal/domain/search/request"
	"github.com/tysjosh/mindshop-sub016/internal/domain/search/result"
	documentuc "github.com/tysjosh/mindshop-sub016/internal/usecase/document"
)

// maxBodyBytes bounds request bodies; a full batch of raw vectors fits comfortably.
const maxBodyBytes = 4 << 20

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type createDocumentRequest struct {
	SKU          string          `json:"sku" validate:"max=128"`
	Title        string          `json:"title" validate:"required"`
	Body         string          `json:"body"`
	DocumentType string          `json:"document_type" validate:"required"`
	Metadata     domdoc.Metadata `json:"metadata"`
	Embedding    []float32       `json:"embedding"`
}

func (req createDocumentRequest) input() documentuc.CreateInput {
	return documentuc.CreateInput{
		SKU:       req.SKU,
		Title:     req.Title,
		Body:      req.Body,
		Type:      domdoc.Type(req.DocumentType),
		Metadata:  req.Metadata,
		Embedding: req.Embedding,
	}
}

type updateDocumentRequest struct {
	Title        *string         `json:"title" validate:"omitempty,min=1"`
	Body         *string         `json:"body"`
	SKU          *string         `json:"sku" validate:"omitempty,max=128"`
	DocumentType *string         `json:"document_type"`
	Metadata     map[string]*any `json:"metadata"`
}

func (req updateDocumentRequest) patch() (patch.Patch, error) {
	var typ *domdoc.Type
	if req.DocumentType != nil {
		t := domdoc.Type(*req.DocumentType)
		typ = &t
	}
	return patch.New(req.Title, req.Body, req.SKU, typ, req.Metadata)
}

type embeddingRequest struct {
	Embedding []float32 `json:"embedding" validate:"required"`
}

type searchRequest struct {
	Query     string    `json:"query" validate:"max=2048"`
	Embedding []float32 `json:"embedding"`
	Limit     int       `json:"limit" validate:"gte=0"`
	// Threshold defaults to request.DefaultThreshold when omitted.
	Threshold  *float64 `json:"threshold" validate:"omitempty,gte=0,lte=1"`
	UseCache   *bool    `json:"use_cache"`
	AllowStale bool     `json:"allow_stale"`
}

func (req searchRequest) input() documentuc.SearchInput {
	in := documentuc.SearchInput{
		Text:       req.Query,
		Embedding:  req.Embedding,
		Limit:      req.Limit,
		Threshold:  request.DefaultThreshold,
		UseCache:   true,
		AllowStale: req.AllowStale,
	}
	if req.Threshold != nil {
		in.Threshold = *req.Threshold
	}
	if req.UseCache != nil {
		in.UseCache = *req.UseCache
	}
	return in
}

type batchSearchRequest struct {
	Queries []searchRequest `json:"queries" validate:"required,min=1,dive"`
}

type documentResponse struct {
	ID           string          `json:"id"`
	MerchantID   string          `json:"merchant_id"`
	SKU          string          `json:"sku,omitempty"`
	Title        string          `json:"title"`
	Body         string          `json:"body"`
	DocumentType string          `json:"document_type"`
	Metadata     domdoc.Metadata `json:"metadata,omitempty"`
	HasEmbedding bool            `json:"has_embedding"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func documentToResponse(d domdoc.Document) documentResponse {
	return documentResponse{
		ID:           d.ID,
		MerchantID:   d.MerchantID,
		SKU:          d.SKU,
		Title:        d.Title,
		Body:         d.Body,
		DocumentType: string(d.Type),
		Metadata:     d.Metadata,
		HasEmbedding: len(d.Embedding) > 0,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

func documentsToResponse(docs []domdoc.Document) []documentResponse {
	out := make([]documentResponse, len(docs))
	for i, d := range docs {
		out[i] = documentToResponse(d)
	}
	return out
}

type documentListResponse struct {
	Items  []documentResponse `json:"items"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

type searchResponse struct {
	Results []result.Result `json:"results"`
}

type batchItemResponse struct {
	Results []result.Result `json:"results,omitempty"`
	Error   *ErrorResponse  `json:"error,omitempty"`
}

type batchSearchResponse struct {
	Results []batchItemResponse `json:"results"`
}

// decodeBody reads a JSON body into dst and validates it. Unknown fields are rejected,
// so a caller cannot smuggle ownership fields such as merchant_id.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validate request: %w", err)
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			_, field, _ := strings.Cut(fe.Namespace(), ".")
			msgs = append(msgs, fmt.Sprintf("%s failed %q", field, fe.Tag()))
		}
		return errors.New(strings.Join(msgs, ", "))
	}
	return nil
}
