// Package errors provides structured, kind-tagged errors for ZDNS.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error so handlers can map it to a status code or
// fallback behavior without string matching. Names follow the error table
// in the design document's error handling section.
type Kind int

const (
	KindUnknown Kind = iota
	KindInternal
	KindInputInvalid
	KindAuthMissing
	KindNotFound
	KindExternalTimeout
	KindExternalMalformed
	KindModelUnavailable
	KindPatternInvalid
	KindStoreError
)

func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindInputInvalid:
		return "input_invalid"
	case KindAuthMissing:
		return "auth_missing"
	case KindNotFound:
		return "not_found"
	case KindExternalTimeout:
		return "external_timeout"
	case KindExternalMalformed:
		return "external_malformed"
	case KindModelUnavailable:
		return "model_unavailable"
	case KindPatternInvalid:
		return "pattern_invalid"
	case KindStoreError:
		return "store_error"
	default:
		return "unknown"
	}
}

// HTTPStatus maps a Kind to the status code an HTTP handler should return.
// Every Kind other than InputInvalid, AuthMissing and NotFound maps to 500;
// handlers return ExternalTimeout this way for failed feed and TAXII pulls.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInputInvalid:
		return http.StatusBadRequest
	case KindAuthMissing:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Error is a structured error carrying a Kind and optional attributes.
type Error struct {
	Kind       Kind
	Message    string
	Underlying error
	Attributes map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Underlying)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Underlying
}

// New creates a new Error of the specified kind.
func New(kind Kind, msg string) error {
	return &Error{
		Kind:    kind,
		Message: msg,
	}
}

// Errorf creates a new Error of the specified kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error as a new Error of the specified kind.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:       kind,
		Message:    msg,
		Underlying: err,
	}
}

// Wrapf wraps an existing error as a new Error of the specified kind with a formatted message.
func Wrapf(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:       kind,
		Message:    fmt.Sprintf(format, args...),
		Underlying: err,
	}
}

// Attr attaches an attribute to an error. If the error is not an *Error, it wraps it as KindInternal.
func Attr(err error, key string, val any) error {
	if err == nil {
		return nil
	}

	var e *Error
	if !errors.As(err, &e) {
		e = &Error{
			Kind:       KindInternal,
			Message:    err.Error(),
			Underlying: err,
		}
	}

	if e.Attributes == nil {
		e.Attributes = make(map[string]any)
	}
	e.Attributes[key] = val
	return e
}

// GetKind returns the Kind of the error, or KindUnknown if it's not a ZDNS error.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// GetAttributes returns all attributes associated with the error and its chain.
func GetAttributes(err error) map[string]any {
	attrs := make(map[string]any)
	var e *Error

	tempErr := err
	for tempErr != nil {
		if errors.As(tempErr, &e) {
			for k, v := range e.Attributes {
				if _, ok := attrs[k]; !ok {
					attrs[k] = v
				}
			}
			tempErr = e.Underlying
		} else {
			break
		}
	}

	return attrs
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target, and if so, sets target to that error value and returns true.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Unwrap returns the result of calling the Unwrap method on err, if err's type contains an Unwrap method returning error.
func Unwrap(err error) error {
	return errors.Unwrap(err)
}
