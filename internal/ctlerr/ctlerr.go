// Package ctlerr defines the structured error taxonomy surfaced by the
// dispatcher and store: NotFound, ScopeMismatch, Conflict, Precondition,
// Validation, Integrity, and External.
package ctlerr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindNotFound      Kind = "not-found"
	KindScopeMismatch Kind = "scope-mismatch"
	KindConflict      Kind = "conflict"
	KindPrecondition  Kind = "precondition"
	KindValidation    Kind = "validation"
	KindIntegrity     Kind = "integrity"
	KindExternal      Kind = "external"
)

// Error is a typed failure tagged with a Kind so callers can branch on
// category instead of matching message substrings.
type Error struct {
	Kind    Kind
	Message string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Wrapped)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Wrapped
}

func new_(kind Kind, msg string) error {
	return &Error{Kind: kind, Message: msg}
}

func newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func NotFound(what string) error           { return new_(KindNotFound, what+" not found") }
func NotFoundf(format string, a ...any) error { return newf(KindNotFound, format, a...) }

func ScopeMismatch(what string) error { return new_(KindScopeMismatch, what+" scope mismatch") }

func Conflict(msg string) error               { return new_(KindConflict, msg) }
func Conflictf(format string, a ...any) error { return newf(KindConflict, format, a...) }

func Precondition(msg string) error { return new_(KindPrecondition, msg) }

func Validation(msg string) error               { return new_(KindValidation, msg) }
func Validationf(format string, a ...any) error { return newf(KindValidation, format, a...) }

func Integrity(msg string) error               { return new_(KindIntegrity, msg) }
func Integrityf(format string, a ...any) error { return newf(KindIntegrity, format, a...) }

// MissingAfter constructs the canonical "missing after <op>" fatal
// required by spec §4.1's integrity-recovery rule.
func MissingAfter(op string) error {
	return Integrityf("%s missing after %s", "row", op)
}

func MissingAfterKind(kind, op string) error {
	return Integrityf("%s missing after %s", kind, op)
}

func External(msg string, wrapped error) error {
	return &Error{Kind: KindExternal, Message: msg, Wrapped: wrapped}
}
func Externalf(format string, a ...any) error {
	return &Error{Kind: KindExternal, Message: fmt.Sprintf(format, a...)}
}

// Wrap attaches context while preserving the kind of the underlying
// ctlerr.Error, if any; otherwise it behaves like fmt.Errorf("%s: %w").
func Wrap(msg string, err error) error {
	var ce *Error
	if errors.As(err, &ce) {
		return &Error{Kind: ce.Kind, Message: msg, Wrapped: err}
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func Of(kind Kind, err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

func IsNotFound(err error) bool      { return Of(KindNotFound, err) }
func IsScopeMismatch(err error) bool { return Of(KindScopeMismatch, err) }
func IsConflict(err error) bool      { return Of(KindConflict, err) }
func IsPrecondition(err error) bool  { return Of(KindPrecondition, err) }
func IsValidation(err error) bool    { return Of(KindValidation, err) }
func IsIntegrity(err error) bool     { return Of(KindIntegrity, err) }
func IsExternal(err error) bool      { return Of(KindExternal, err) }
