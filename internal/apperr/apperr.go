// Package apperr defines the error kinds surfaced by the service and the
// helpers used to construct and classify them.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindUnauthorized
	KindExtraction
	KindExternalService
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindUnauthorized:
		return "unauthorized"
	case KindExtraction:
		return "extraction"
	case KindExternalService:
		return "external_service"
	default:
		return "internal"
	}
}

// Error carries a Kind, an optional offending field, a user-facing message
// and the underlying cause.
type Error struct {
	Kind  Kind
	Field string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	msg := e.Msg
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(field, msg string) error {
	return &Error{Kind: KindValidation, Field: field, Msg: msg}
}

// NotFound never distinguishes an absent entity from one owned by another
// business.
func NotFound(entity string) error {
	return &Error{Kind: KindNotFound, Msg: entity + " not found"}
}

func Conflict(msg string) error {
	return &Error{Kind: KindConflict, Msg: msg}
}

func Unauthorized(msg string) error {
	return &Error{Kind: KindUnauthorized, Msg: msg}
}

func Extraction(err error, format string, args ...any) error {
	return &Error{Kind: KindExtraction, Msg: fmt.Sprintf(format, args...), Err: err}
}

func ExternalService(service string, err error) error {
	return &Error{Kind: KindExternalService, Msg: service + " call failed", Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or
// KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// FieldOf returns the offending field of a validation error, if any.
func FieldOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Field
	}
	return ""
}

func Is(err error, k Kind) bool {
	return KindOf(err) == k
}
