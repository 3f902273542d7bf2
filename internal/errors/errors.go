// Package errors provides standardized error handling for the registry core.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the registry core.
type ErrorCode string

const (
	// Input validation errors: rejected before any state change, retryable after correction
	REG_BAD_REQUEST        ErrorCode = "REG_BAD_REQUEST"        // Malformed input
	REG_EMPTY_CAPABILITIES ErrorCode = "REG_EMPTY_CAPABILITIES" // Capability set empty on registration/update
	REG_INVALID_AMOUNT     ErrorCode = "REG_INVALID_AMOUNT"     // Payment amount not positive
	REG_INVALID_PAYEE      ErrorCode = "REG_INVALID_PAYEE"      // Empty/zero payee address
	REG_INVALID_RATING     ErrorCode = "REG_INVALID_RATING"     // Rating outside 1-5
	REG_INVALID_TYPE       ErrorCode = "REG_INVALID_TYPE"       // Unknown validation type
	REG_EMPTY_RESULT_HASH  ErrorCode = "REG_EMPTY_RESULT_HASH"  // Validation without a result hash

	// Conflict/duplicate errors: not retryable with the same input
	REG_DUPLICATE_ENDPOINT ErrorCode = "REG_DUPLICATE_ENDPOINT" // Endpoint already registered
	REG_DUPLICATE_TX       ErrorCode = "REG_DUPLICATE_TX"       // Transaction hash already recorded
	REG_ID_COLLISION       ErrorCode = "REG_ID_COLLISION"       // Derived payment id already exists
	REG_PROOF_USED         ErrorCode = "REG_PROOF_USED"         // Payment proof already consumed
	REG_ALREADY_DISPUTED   ErrorCode = "REG_ALREADY_DISPUTED"   // Validation already under dispute

	// Authorization errors: never retried automatically
	REG_NOT_OWNER            ErrorCode = "REG_NOT_OWNER"            // Caller is not the identity owner
	REG_NOT_AUTHORIZED       ErrorCode = "REG_NOT_AUTHORIZED"       // Caller lacks the required role
	REG_REVIEWER_BLACKLISTED ErrorCode = "REG_REVIEWER_BLACKLISTED" // Reviewer is blocked

	// Not-found errors
	REG_NOT_FOUND          ErrorCode = "REG_NOT_FOUND"          // Unknown id
	REG_INDEX_OUT_OF_RANGE ErrorCode = "REG_INDEX_OUT_OF_RANGE" // Validation index past the log

	// State-conflict errors: a logical race the caller must resolve
	REG_ALREADY_VERIFIED    ErrorCode = "REG_ALREADY_VERIFIED"    // Payment verified before
	REG_ALREADY_REFUNDED    ErrorCode = "REG_ALREADY_REFUNDED"    // Payment in terminal refunded state
	REG_PAYMENT_MISMATCH    ErrorCode = "REG_PAYMENT_MISMATCH"    // Proof bound to a different agent
	REG_NOT_PAYER           ErrorCode = "REG_NOT_PAYER"           // Reviewer is not the payment's payer
	REG_PAYMENT_UNVERIFIED  ErrorCode = "REG_PAYMENT_UNVERIFIED"  // Proof payment not yet verified
	REG_PAYMENT_REFUNDED    ErrorCode = "REG_PAYMENT_REFUNDED"    // Proof payment was refunded
	REG_NO_ACTIVE_DISPUTE   ErrorCode = "REG_NO_ACTIVE_DISPUTE"   // Resolution without an open dispute

	// Server errors
	REG_INTERNAL ErrorCode = "REG_INTERNAL" // Internal failure
)

// Error represents a standardized error for registry operations.
type Error struct {
	Code       ErrorCode   `json:"code"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
	HTTPStatus int         `json:"-"`
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatusForCode(code),
	}
}

// Newf creates a new Error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// NewWithDetails creates a new Error carrying structured details.
func NewWithDetails(code ErrorCode, message string, details interface{}) *Error {
	e := New(code, message)
	e.Details = details
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%s: %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CodeOf extracts the ErrorCode from an error, returning REG_INTERNAL for
// anything that is not a registry *Error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return REG_INTERNAL
}

// httpStatusForCode maps error codes to HTTP status codes for the read mux.
func httpStatusForCode(code ErrorCode) int {
	switch code {
	case REG_BAD_REQUEST, REG_EMPTY_CAPABILITIES, REG_INVALID_AMOUNT,
		REG_INVALID_PAYEE, REG_INVALID_RATING, REG_INVALID_TYPE, REG_EMPTY_RESULT_HASH:
		return http.StatusBadRequest
	case REG_NOT_OWNER, REG_NOT_AUTHORIZED, REG_REVIEWER_BLACKLISTED:
		return http.StatusForbidden
	case REG_NOT_FOUND, REG_INDEX_OUT_OF_RANGE:
		return http.StatusNotFound
	case REG_DUPLICATE_ENDPOINT, REG_DUPLICATE_TX, REG_ID_COLLISION,
		REG_PROOF_USED, REG_ALREADY_DISPUTED, REG_ALREADY_VERIFIED,
		REG_ALREADY_REFUNDED, REG_PAYMENT_MISMATCH, REG_NOT_PAYER,
		REG_PAYMENT_UNVERIFIED, REG_PAYMENT_REFUNDED, REG_NO_ACTIVE_DISPUTE:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
