// Package pkgerr defines the tagged error kinds shared by every core
// component, and the sanitized mapping an HTTP adapter uses to turn one
// into a status code and a response body that never leaks internal
// detail (paths, parse errors, config internals).
package pkgerr

import (
	"errors"
	"fmt"
)

// Kind categorizes an error the way the HTTP adapter needs to see it.
type Kind int

const (
	KindNotFound Kind = iota
	KindInvalidPackage
	KindAlreadyExists
	KindPayloadTooLarge
	KindPermissionDenied
	KindIO
	KindUnauthorized
	KindForbidden
	KindConfig
)

// String returns the kind's name, used in log fields and Error().
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindInvalidPackage:
		return "InvalidPackage"
	case KindAlreadyExists:
		return "AlreadyExists"
	case KindPayloadTooLarge:
		return "PayloadTooLarge"
	case KindPermissionDenied:
		return "PermissionDenied"
	case KindIO:
		return "Io"
	case KindUnauthorized:
		return "Unauthorized"
	case KindForbidden:
		return "Forbidden"
	case KindConfig:
		return "Config"
	default:
		return "Unknown"
	}
}

// StatusCode returns the HTTP status an adapter should map this kind to,
// per spec.md section 6.
func (k Kind) StatusCode() int {
	switch k {
	case KindNotFound:
		return 404
	case KindInvalidPackage:
		return 400
	case KindAlreadyExists:
		return 409
	case KindPayloadTooLarge:
		return 413
	case KindUnauthorized:
		return 401
	case KindForbidden:
		return 403
	case KindPermissionDenied, KindIO, KindConfig:
		return 500
	default:
		return 500
	}
}

// Error is the tagged variant every core operation returns on failure.
// Op names the operation that failed (e.g. "storage.Store"); Err is the
// underlying cause, kept for logging but never rendered verbatim to a
// client.
type Error struct {
	Kind    Kind
	Op      string
	Subject string // e.g. a package filename or upload_id - safe to expose
	Err     error
}

func (e *Error) Error() string {
	if e.Subject != "" {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Kind, e.Op, e.Subject, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a tagged error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a tagged error from a formatted message.
func Newf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// WithSubject attaches a subject safe to surface to the caller (a
// filename, an upload_id) and returns the same error for chaining.
func (e *Error) WithSubject(subject string) *Error {
	e.Subject = subject
	return e
}

// Of reports the Kind of err if it is (or wraps) a *Error, and ok=false
// otherwise.
func Of(err error) (Kind, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return 0, false
}

// SanitizedMessage returns the message an HTTP adapter may safely return
// to the client: kind-specific text plus the subject when the subject is
// known to be safe (filenames, upload IDs, package names - never a raw
// filesystem path or parser detail).
func SanitizedMessage(err error) string {
	var pe *Error
	if !errors.As(err, &pe) {
		return "internal server error"
	}
	switch pe.Kind {
	case KindNotFound:
		if pe.Subject != "" {
			return fmt.Sprintf("package not found: %s", pe.Subject)
		}
		return "not found"
	case KindAlreadyExists:
		if pe.Subject != "" {
			return fmt.Sprintf("package already exists: %s", pe.Subject)
		}
		return "already exists"
	case KindInvalidPackage:
		if pe.Subject != "" {
			return fmt.Sprintf("invalid package: %s", pe.Subject)
		}
		return "invalid package"
	case KindPayloadTooLarge:
		return "payload too large"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	default:
		return "internal server error"
	}
}
