package errors

import (
	"fmt"
	"net/http"

	"github.com/estate-ledger/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryValidation represents malformed or out-of-range input (4xx)
	CategoryValidation ErrorCategory = "validation"
	// CategoryLedger represents ledger invariant violations (balance, supply)
	CategoryLedger ErrorCategory = "ledger"
	// CategoryNotFound represents missing entities
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryConflict represents state conflicts (duplicate vote, terminal record)
	CategoryConflict ErrorCategory = "conflict"
	// CategoryAuthorization represents authorization failures
	CategoryAuthorization ErrorCategory = "authorization"
	// CategoryExternal represents settlement/payout collaborator failures
	CategoryExternal ErrorCategory = "external"
	// CategoryDatabase represents persistence failures
	CategoryDatabase ErrorCategory = "database"
	// CategoryPartial represents batch operations with mixed outcomes
	CategoryPartial ErrorCategory = "partial"
	// CategorySystem represents unexpected internal failures (5xx)
	CategorySystem ErrorCategory = "system"
)

// Error codes exposed to callers. Every user-visible failure carries one of
// these plus a specific reason string.
const (
	CodeValidation          = "VALIDATION_ERROR"
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodeSupplyExceeded      = "SUPPLY_EXCEEDED"
	CodeNotFound            = "NOT_FOUND"
	CodeDuplicateVote       = "DUPLICATE_VOTE"
	CodeNotEnoughLiquidity  = "NOT_ENOUGH_LIQUIDITY"
	CodeExternalUnavailable = "EXTERNAL_SERVICE_UNAVAILABLE"
	CodePartialFailure      = "PARTIAL_FAILURE"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeConflict            = "CONFLICT"
	CodeDatabase            = "DATABASE_ERROR"
	CodeInternal            = "INTERNAL_ERROR"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// NewValidationError creates a malformed-input error
func NewValidationError(field string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       CodeValidation,
		Message:    fmt.Sprintf("invalid %s: %s", field, reason),
		Details: map[string]interface{}{
			"field":  field,
			"reason": reason,
		},
	}
}

// NewInsufficientBalanceError signals a holder cannot cover the requested amount
func NewInsufficientBalanceError(holderID string, have, want int64) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryLedger,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       CodeInsufficientBalance,
		Message:    fmt.Sprintf("holder %s has %d tokens, needs %d", holderID, have, want),
		Details: map[string]interface{}{
			"holderId": holderID,
			"have":     have,
			"want":     want,
		},
	}
}

// NewSupplyExceededError signals a mint would exceed the asset's total supply
func NewSupplyExceededError(assetID string, minted, amount, totalSupply int64) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryLedger,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       CodeSupplyExceeded,
		Message:    fmt.Sprintf("minting %d would exceed total supply %d (net minted %d) for asset %s", amount, totalSupply, minted, assetID),
		Details: map[string]interface{}{
			"assetId":     assetID,
			"minted":      minted,
			"amount":      amount,
			"totalSupply": totalSupply,
		},
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewDuplicateVoteError signals a second cast on a poll that disallows changes
func NewDuplicateVoteError(pollID, voterID string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       CodeDuplicateVote,
		Message:    fmt.Sprintf("voter %s already voted on poll %s and the poll does not allow vote changes", voterID, pollID),
		Details: map[string]interface{}{
			"pollId":  pollID,
			"voterId": voterID,
		},
	}
}

// NewNotEnoughLiquidityError signals the book cannot cover a simulated execution
func NewNotEnoughLiquidityError(assetID string, requested, available int64) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       CodeNotEnoughLiquidity,
		Message:    fmt.Sprintf("order book for asset %s has %d tokens available, %d requested", assetID, available, requested),
		Details: map[string]interface{}{
			"assetId":   assetID,
			"requested": requested,
			"available": available,
		},
	}
}

// NewExternalServiceError signals a settlement/payout/notification collaborator failure
func NewExternalServiceError(service string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryExternal,
		StatusCode: http.StatusBadGateway,
		Code:       CodeExternalUnavailable,
		Message:    fmt.Sprintf("external service unavailable: %s", service),
		Cause:      cause,
		Details: map[string]interface{}{
			"service": service,
		},
	}
}

// NewPartialFailureError reports a batch operation with mixed outcomes
func NewPartialFailureError(operation string, succeeded, failed int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryPartial,
		StatusCode: http.StatusMultiStatus,
		Code:       CodePartialFailure,
		Message:    fmt.Sprintf("%s finished with %d succeeded, %d failed", operation, succeeded, failed),
		Details: map[string]interface{}{
			"operation": operation,
			"succeeded": succeeded,
			"failed":    failed,
		},
	}
}

// NewUnauthorizedError creates an authorization error
func NewUnauthorizedError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuthorization,
		StatusCode: http.StatusForbidden,
		Code:       CodeUnauthorized,
		Message:    message,
	}
}

// NewConflictError creates a state conflict error
func NewConflictError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       CodeConflict,
		Message:    message,
	}
}

// NewDatabaseError creates a persistence error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeDatabase,
		Message:    fmt.Sprintf("database error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeInternal,
		Message:    message,
		Cause:      cause,
	}
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	if catErr, ok := err.(*CategorizedError); ok {
		return catErr
	}

	if svcErr, ok := err.(*types.ServiceError); ok {
		return &CategorizedError{
			Category:   CategorySystem,
			StatusCode: statusForCode(svcErr.Code),
			Code:       svcErr.Code,
			Message:    svcErr.Message,
			Details:    svcErr.Details,
		}
	}

	return NewInternalError("unexpected error", err)
}

func statusForCode(code string) int {
	switch code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInsufficientBalance, CodeSupplyExceeded, CodeNotEnoughLiquidity:
		return http.StatusUnprocessableEntity
	case CodeDuplicateVote, CodeConflict:
		return http.StatusConflict
	case CodeUnauthorized:
		return http.StatusForbidden
	case CodeExternalUnavailable:
		return http.StatusBadGateway
	case CodePartialFailure:
		return http.StatusMultiStatus
	default:
		return http.StatusInternalServerError
	}
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable determines if an error is worth retrying. Ledger invariant
// violations and validation failures are never retryable; collaborator and
// persistence failures are.
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryExternal, CategoryDatabase:
		return true
	case CategorySystem:
		return catErr.StatusCode == http.StatusServiceUnavailable ||
			catErr.StatusCode == http.StatusGatewayTimeout
	default:
		return false
	}
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code string) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.Code == code
}
