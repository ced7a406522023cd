// Package errs provides the settlement core's error taxonomy.
//
// Every user-visible failure maps to one Code. Messages are written for
// players and operators alike and must never carry server seeds or
// unrevealed nonces.
package errs

import (
	"errors"
	"net/http"
)

// Code is a machine-readable error code.
type Code string

const (
	CodeUnknown Code = "UNKNOWN"

	// Reservation stage, recoverable and leaving no ledger trace.
	CodeInsufficientFunds      Code = "INSUFFICIENT_FUNDS"
	CodeInvalidBetParameters   Code = "INVALID_BET_PARAMETERS"
	CodeFairnessGeneration     Code = "FAIRNESS_GENERATION_FAILURE"
	CodeConcurrentModification Code = "CONCURRENT_MODIFICATION"

	// Crash cash-out race lost.
	CodeTooLate Code = "TOO_LATE"

	// Settle or void against a reservation already closed the other way.
	CodeReservationClosed Code = "RESERVATION_CLOSED"

	// Storage and invariant failures.
	CodePersistenceFailure Code = "PERSISTENCE_FAILURE"
	CodeNonceReuse         Code = "NONCE_REUSE"
	CodeNotFound           Code = "NOT_FOUND"
	CodeDuplicate          Code = "DUPLICATE"
)

// HTTPStatus maps a code onto the status returned by the API layer.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInsufficientFunds:
		return http.StatusPaymentRequired
	case CodeInvalidBetParameters:
		return http.StatusBadRequest
	case CodeTooLate, CodeConcurrentModification, CodeDuplicate, CodeReservationClosed:
		return http.StatusConflict
	case CodeNotFound:
		return http.StatusNotFound
	case CodeFairnessGeneration, CodePersistenceFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is the domain error type.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates a domain error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates a domain error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Sentinels usable with errors.Is.
var (
	ErrInsufficientFunds      = New(CodeInsufficientFunds, "insufficient funds")
	ErrInvalidBetParameters   = New(CodeInvalidBetParameters, "invalid bet parameters")
	ErrFairnessGeneration     = New(CodeFairnessGeneration, "fairness generation failed")
	ErrTooLate                = New(CodeTooLate, "too late")
	ErrConcurrentModification = New(CodeConcurrentModification, "concurrent modification")
	ErrPersistenceFailure     = New(CodePersistenceFailure, "persistence failure")
	ErrNonceReuse             = New(CodeNonceReuse, "nonce reuse")
	ErrNotFound               = New(CodeNotFound, "not found")
	ErrDuplicate              = New(CodeDuplicate, "duplicate")
	ErrReservationClosed      = New(CodeReservationClosed, "reservation already closed")
)

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// Invalid is shorthand for an InvalidBetParameters error.
func Invalid(message string) *Error {
	return New(CodeInvalidBetParameters, message)
}

// Public returns the code and a message safe to show to a player.
// Causes are dropped because they may carry storage details.
func Public(err error) (Code, string) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, e.Message
	}
	return CodeUnknown, "internal error"
}
