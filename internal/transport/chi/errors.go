package chi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/tysjosh/mindshop-sub016/internal/domain"
	logpkg "github.com/tysjosh/mindshop-sub016/internal/logger"
	documentuc "github.com/tysjosh/mindshop-sub016/internal/usecase/document"
)

// Error codes returned in ErrorResponse.Code.
const (
	codeBadRequest       = "bad_request"
	codeValidation       = "validation_failed"
	codeUnauthorized     = "unauthorized"
	codeForbidden        = "forbidden"
	codeNotFound         = "not_found"
	codeVectorDim        = "vector_dim_mismatch"
	codeEmbeddingFailure = "embedding_provider_error"
	codeNotImplemented   = "not_implemented"
	codeInternal         = "internal_error"
)

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorMapping struct {
	sentinel error
	status   int
	code     string
}

// errorMappings is checked in order; the first sentinel matched by errors.Is wins.
var errorMappings = []errorMapping{
	{domain.ErrInvalidTenantContext, http.StatusForbidden, codeForbidden},
	{domain.ErrTenantIsolation, http.StatusForbidden, codeForbidden},
	{domain.ErrNotFoundOrAccessDenied, http.StatusNotFound, codeNotFound},
	{domain.ErrVectorDimMismatch, http.StatusBadRequest, codeVectorDim},
	{domain.ErrInvalidDocument, http.StatusBadRequest, codeValidation},
	{domain.ErrEmbeddingProviderError, http.StatusBadGateway, codeEmbeddingFailure},
	{documentuc.ErrNoEmbedder, http.StatusNotImplemented, codeNotImplemented},
}

// classify maps err to a status, code and a message safe to show the client.
// Isolation failures never reveal whether the target exists.
func classify(err error) (int, string, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.sentinel) {
			return m.status, m.code, m.sentinel.Error()
		}
	}
	return http.StatusInternalServerError, codeInternal, "internal error"
}

func (s *Server) handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := classify(err)
	log := logpkg.FromContext(r.Context())
	if status == http.StatusInternalServerError {
		log.Error("internal error", zap.Error(err))
	} else {
		log.Warn("domain error", zap.Int("status", status), zap.Error(err))
	}
	writeError(w, status, code, msg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Code: code, Message: message})
}
