// Package apperr defines the error taxonomy shared by every service.
//
// Services return *Error values (or errors wrapping them); callers classify
// them with errors.Is against the sentinels or with the Is* helpers. The
// transport layer maps each Kind to a response status.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error for propagation purposes.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	default:
		return "internal"
	}
}

// Sentinels for errors.Is.
var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrInternal   = errors.New("internal error")
)

// FieldError represents a single field's validation error.
type FieldError struct {
	Field string `json:"field"`
	Msg   string `json:"message"`
}

func (e FieldError) Error() string { return fmt.Sprintf("%s: %s", e.Field, e.Msg) }

// Error is the concrete error type carried across service boundaries.
type Error struct {
	Kind   Kind
	Op     string
	Msg    string
	Fields []FieldError
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Msg != "" {
		b.WriteString(e.Msg)
	} else {
		b.WriteString(e.sentinel().Error())
	}
	if len(e.Fields) > 0 {
		parts := make([]string, 0, len(e.Fields))
		for _, fe := range e.Fields {
			parts = append(parts, fe.Error())
		}
		b.WriteString(" (")
		b.WriteString(strings.Join(parts, "; "))
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool { return target == e.sentinel() }

func (e *Error) sentinel() error {
	switch e.Kind {
	case KindValidation:
		return ErrValidation
	case KindNotFound:
		return ErrNotFound
	case KindConflict:
		return ErrConflict
	default:
		return ErrInternal
	}
}

// Validation creates a caller-fixable error with optional field detail.
func Validation(op, msg string, fields ...FieldError) error {
	return &Error{Kind: KindValidation, Op: op, Msg: msg, Fields: fields}
}

// NotFound creates a not-found error for the entity type and identifier.
func NotFound(op, entity, id string) error {
	return &Error{Kind: KindNotFound, Op: op, Msg: fmt.Sprintf("%s '%s' not found", entity, id)}
}

// Conflict wraps a store conflict that survived the store's own retries.
func Conflict(op string, err error) error {
	return &Error{Kind: KindConflict, Op: op, Msg: "concurrent modification, retry later", Err: err}
}

// Internal wraps an unexpected failure. The cause is kept for logging only.
func Internal(op string, err error) error {
	return &Error{Kind: KindInternal, Op: op, Err: err}
}

// KindOf reports the kind of err. Errors not produced by this package are
// treated as internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// FieldsOf returns the field errors attached to err, if any.
func FieldsOf(err error) []FieldError {
	var e *Error
	if errors.As(err, &e) {
		return e.Fields
	}
	return nil
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict returns true if err is a retriable conflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }
