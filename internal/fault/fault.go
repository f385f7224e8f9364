// Package fault is the domain error taxonomy shared by the broker consumers
// and the HTTP surface. Every failure that crosses a component boundary is
// classified into a Kind, which decides whether the message is retried,
// dead-lettered, or reported to the caller.
package fault

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a failure.
type Kind string

const (
	Validation     Kind = "VALIDATION"     // input payload malformed; never retried
	NotFound       Kind = "NOT_FOUND"      // requested entity absent
	Conflict       Kind = "CONFLICT"       // unique-key violation
	Database       Kind = "DATABASE"       // DB infra failure; usually retryable
	Broker         Kind = "BROKER"         // channel/connection failure
	OPCUA          Kind = "OPCUA"          // read/connection failure, localized
	Infrastructure Kind = "INFRASTRUCTURE" // config/secret/IO failure; fatal at boot
	Unknown        Kind = "UNKNOWN"        // uncategorized; dead-lettered
)

// Error is a classified failure. Operational errors are expected runtime
// conditions (bad input, broker hiccup); non-operational ones indicate bugs.
type Error struct {
	Kind        Kind
	Message     string
	Retryable   bool
	Operational bool
	Timestamp   time.Time
	Details     any
	cause       error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a classified error with the kind's default retry policy.
func New(kind Kind, msg string) *Error {
	return Wrap(kind, msg, nil)
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return Wrap(kind, fmt.Sprintf(format, args...), nil)
}

// Wrap classifies an underlying error. The default retry policy follows the
// error-kind table: DATABASE, BROKER and OPCUA failures are retryable,
// everything else is not.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{
		Kind:        kind,
		Message:     msg,
		Retryable:   kind == Database || kind == Broker || kind == OPCUA,
		Operational: kind != Unknown,
		Timestamp:   time.Now().UTC(),
		cause:       cause,
	}
}

// WithDetails attaches structured details (e.g. accumulated validation
// messages) and returns the same error for chaining.
func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

// KindOf extracts the Kind from err, or Unknown if it was never classified.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// IsRetryable reports whether err should go through the retry queue.
// Unclassified errors are not retryable: they nack straight to the DLQ.
func IsRetryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}

// HTTPStatus maps an error kind to the status code the read surface returns.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case Validation:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Database, Broker, Infrastructure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
