/*
errors.go - Centralized error types for the transaction engine

PURPOSE:
  All error kinds in one place. Callers match sentinels with errors.Is and
  pull details out of the structured errors with errors.As.

ERROR CATEGORIES:
  1. Validation errors - malformed request, rejected before any mutation
  2. Reference errors  - unknown client, product or sale
  3. Business errors   - insufficient stock, outstanding balance
  4. Storage errors    - transient persistence failure, safe to retry

PROPAGATION:
  Every failure of the sale workflow leaves the books in their pre-request
  state. The orchestrator wraps the cause in a *SaleError carrying the stage
  that failed, so callers see one error and never a partial success.

SEE ALSO:
  - orchestrator.go: Produces SaleError
  - inventory.go: Produces InsufficientStockError
  - api/handlers.go: Maps these errors to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed or empty requests.
	ErrValidation = errors.New("validation failed")

	// ErrInsufficientStock is returned when a reservation exceeds stock.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrUnknownClient is returned when a referenced client does not exist.
	ErrUnknownClient = errors.New("unknown client")

	// ErrUnknownProduct is returned when a referenced product does not exist.
	ErrUnknownProduct = errors.New("unknown product")

	// ErrSaleNotFound is returned when settling or voiding a sale that does
	// not exist or is no longer eligible (already settled or voided).
	ErrSaleNotFound = errors.New("sale not found")

	// ErrStorageFailure is returned when persistence fails or times out.
	ErrStorageFailure = errors.New("storage failure")

	// ErrHasOutstandingBalance is returned when removing a client that still
	// has open credit sales.
	ErrHasOutstandingBalance = errors.New("client has outstanding balance")

	// ErrProductInUse is returned when removing a product referenced by a
	// sale that has not been voided.
	ErrProductInUse = errors.New("product referenced by sales")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes which field of a request was rejected.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

// InsufficientStockError names the product that could not be reserved.
// Requested is the merged quantity over all lines for that product.
type InsufficientStockError struct {
	ProdutoID ProductID
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d: requested %d, available %d",
		e.ProdutoID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// Shortfall is how many units were missing.
func (e *InsufficientStockError) Shortfall() int { return e.Requested - e.Available }

type UnknownClientError struct {
	ClienteID ClientID
}

func (e *UnknownClientError) Error() string {
	return fmt.Sprintf("unknown client %d", e.ClienteID)
}

func (e *UnknownClientError) Unwrap() error { return ErrUnknownClient }

type UnknownProductError struct {
	ProdutoID ProductID
}

func (e *UnknownProductError) Error() string {
	return fmt.Sprintf("unknown product %d", e.ProdutoID)
}

func (e *UnknownProductError) Unwrap() error { return ErrUnknownProduct }

// HasOutstandingBalanceError is returned instead of orphaning open sales.
type HasOutstandingBalanceError struct {
	ClienteID ClientID
	Fiado     Money
	OpenSales int
}

func (e *HasOutstandingBalanceError) Error() string {
	return fmt.Sprintf("client %d has %d open sales totalling %s",
		e.ClienteID, e.OpenSales, e.Fiado)
}

func (e *HasOutstandingBalanceError) Unwrap() error { return ErrHasOutstandingBalance }

// StorageError wraps a persistence failure. It matches both
// ErrStorageFailure and the underlying cause (e.g. context.DeadlineExceeded).
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error { return []error{ErrStorageFailure, e.Err} }

// SaleError reports the workflow stage at which an operation aborted.
type SaleError struct {
	Stage  Stage
	SaleID SaleID
	Err    error
}

func (e *SaleError) Error() string {
	if e.SaleID != 0 {
		return fmt.Sprintf("sale %d aborted while %s: %v", e.SaleID, e.Stage, e.Err)
	}
	return fmt.Sprintf("sale aborted while %s: %v", e.Stage, e.Err)
}

func (e *SaleError) Unwrap() error { return e.Err }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// isDomainError reports whether err is one of the engine's own kinds, which
// must pass through unwrapped instead of being reported as storage failures.
func isDomainError(err error) bool {
	return IsClientError(err) || IsNotFound(err) || errors.Is(err, ErrStorageFailure)
}

// wrapStorage classifies an error coming back from a Store call.
func wrapStorage(op string, err error) error {
	if err == nil || isDomainError(err) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// IsRetryable returns true if the whole request may be retried as is.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageFailure)
}

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrHasOutstandingBalance) ||
		errors.Is(err, ErrProductInUse)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUnknownClient) ||
		errors.Is(err, ErrUnknownProduct) ||
		errors.Is(err, ErrSaleNotFound)
}
