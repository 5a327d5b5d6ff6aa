package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTenantContext signals a malformed or missing merchant id or role.
	ErrInvalidTenantContext = errors.New("invalid tenant context")
	// ErrTenantIsolation signals a query the isolation layer refused to scope.
	ErrTenantIsolation = errors.New("tenant isolation violation")
	// ErrNotFoundOrAccessDenied covers both a missing id and an id owned by another merchant.
	ErrNotFoundOrAccessDenied = errors.New("document not found or access denied")
	// ErrInvalidDocument signals a document that failed validation.
	ErrInvalidDocument = errors.New("invalid document")
	// ErrEncryptionFailure signals a single field that could not be encrypted.
	ErrEncryptionFailure = errors.New("encryption failure")
	// ErrTransactionRolledBack signals a transaction whose callback failed.
	ErrTransactionRolledBack = errors.New("transaction rolled back")
	// ErrVectorDimMismatch signals an embedding of the wrong length.
	ErrVectorDimMismatch = errors.New("vector dimension mismatch")
	// ErrEmbeddingProviderError signals an embedding provider failure.
	ErrEmbeddingProviderError = errors.New("embedding provider error")
)

// TenantIsolationError is returned by the query interceptor when it fails closed.
type TenantIsolationError struct {
	MerchantID string
	Reason     string
}

func (e *TenantIsolationError) Error() string {
	if e.MerchantID == "" {
		return fmt.Sprintf("%s: %s", ErrTenantIsolation.Error(), e.Reason)
	}
	return fmt.Sprintf("%s: merchant %s: %s", ErrTenantIsolation.Error(), e.MerchantID, e.Reason)
}

func (e *TenantIsolationError) Unwrap() error { return ErrTenantIsolation }

// NewTenantIsolationError creates a TenantIsolationError.
func NewTenantIsolationError(merchantID, reason string) error {
	return &TenantIsolationError{MerchantID: merchantID, Reason: reason}
}

// TransactionRolledBackError wraps the callback error that caused a rollback.
type TransactionRolledBackError struct {
	Err error
}

func (e *TransactionRolledBackError) Error() string {
	return fmt.Sprintf("%s: %v", ErrTransactionRolledBack.Error(), e.Err)
}

// Unwrap exposes both the rollback sentinel and the original cause to errors.Is.
func (e *TransactionRolledBackError) Unwrap() []error {
	return []error{ErrTransactionRolledBack, e.Err}
}
