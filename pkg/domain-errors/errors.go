// Package domainerrors defines coded errors for the audit trail domain.
//
// Services return these so transport layers can translate them into HTTP
// responses without string matching. Infrastructure layers should return
// pkg/platform/sentinel errors instead and let services wrap them.
package domainerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a class of domain error.
type Code string

const (
	// CodeSchema marks a malformed or out-of-enum ingestion request.
	// Surfaced to the caller; never retried.
	CodeSchema Code = "schema_error"

	// CodeChainUnavailable means the hash-chain tip could not be determined.
	// Ingestion fails closed rather than starting a disconnected chain.
	CodeChainUnavailable Code = "chain_state_unavailable"

	// CodeWriteFailed means the ledger append failed. No partial state: the
	// tip is not advanced and no receipt is issued.
	CodeWriteFailed Code = "write_error"

	// CodeQuery marks a malformed filter or a store read failure.
	CodeQuery Code = "query_error"

	// CodeNotFound means the requested record does not exist.
	CodeNotFound Code = "not_found"

	// CodeInternal is the catch-all for unexpected failures.
	CodeInternal Code = "internal_error"
)

// Error is a coded domain error with a human-readable description.
type Error struct {
	Code        Code
	Description string
	cause       error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a coded error.
func New(code Code, description string) *Error {
	return &Error{Code: code, Description: description}
}

// Newf creates a coded error with a formatted description.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Description: fmt.Sprintf(format, args...)}
}

// Wrap creates a coded error that preserves the underlying cause for
// errors.Is/errors.As inspection.
func Wrap(code Code, description string, cause error) *Error {
	return &Error{Code: code, Description: description, cause: cause}
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// CodeOf extracts the code from err, defaulting to CodeInternal.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// ToHTTPStatus maps a domain error code to an HTTP status.
func ToHTTPStatus(code Code) int {
	switch code {
	case CodeSchema, CodeQuery:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeChainUnavailable:
		return http.StatusServiceUnavailable
	case CodeWriteFailed, CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
