package apierrors

import (
	"errors"
	"fmt"
)

// Error is a concrete, typed error that service-layer code (ledger,
// quotestore, webhook, quota) returns so the HTTP layer can render it without
// re-deriving an error code from string matching.
type Error struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New constructs a typed Error.
func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithDetail attaches a single detail key/value and returns the same error for chaining.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// As reports whether err is (or wraps) an *Error, mirroring errors.As ergonomics
// without requiring callers to import the standard errors package everywhere.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
