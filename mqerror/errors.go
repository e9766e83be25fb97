// Package mqerror defines the error taxonomy shared by the outbox,
// idempotency, broker and coordinator packages.
package mqerror

import (
	"errors"
	"fmt"
)

// Code classifies an error by which part of the pipeline produced it.
type Code string

const (
	// CodeStore covers backend I/O and constraint errors from the outbox
	// or idempotency stores.
	CodeStore Code = "STORE_FAILURE"
	// CodeBroker covers send/consume/ack failures from a broker adapter.
	CodeBroker Code = "BROKER_FAILURE"
	// CodeHandler covers user handlers that returned false or panicked.
	CodeHandler Code = "HANDLER_FAILURE"
	// CodeInvariant covers misuse of the API: begin inside a transaction,
	// prepare outside one, and similar programmer errors.
	CodeInvariant Code = "INVARIANT_VIOLATION"
	// CodeMaxRetry marks a message whose delivery attempts are exhausted.
	CodeMaxRetry Code = "MAX_RETRY_EXCEEDED"
)

// Error carries a taxonomy code alongside the wrapped cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewStore creates a store failure error.
func NewStore(message string, err error) *Error {
	return &Error{Code: CodeStore, Message: message, Err: err}
}

// NewBroker creates a broker failure error.
func NewBroker(message string, err error) *Error {
	return &Error{Code: CodeBroker, Message: message, Err: err}
}

// NewHandler creates a handler failure error.
func NewHandler(message string, err error) *Error {
	return &Error{Code: CodeHandler, Message: message, Err: err}
}

// NewInvariant creates an invariant violation error.
func NewInvariant(message string) *Error {
	return &Error{Code: CodeInvariant, Message: message}
}

// NewMaxRetry creates a max retry exceeded error.
func NewMaxRetry(message string) *Error {
	return &Error{Code: CodeMaxRetry, Message: message}
}

// CodeOf extracts the taxonomy code from err, unwrapping as needed.
// It returns an empty Code when err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}
