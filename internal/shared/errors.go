package shared

import (
	"errors"
	"fmt"
)

// Kind classifies business failures surfaced to callers.
type Kind string

const (
	// KindNotFound indicates a referenced entity is absent.
	KindNotFound Kind = "NOT_FOUND"
	// KindConflict indicates a uniqueness violation.
	KindConflict Kind = "CONFLICT"
	// KindInsufficientStock indicates a movement would drive stock negative.
	KindInsufficientStock Kind = "INSUFFICIENT_STOCK"
	// KindInvalidInput indicates a malformed request.
	KindInvalidInput Kind = "INVALID_INPUT"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = &Error{Kind: KindNotFound, Reason: "not found"}
	// ErrConflict indicates a duplicate or already-consumed resource.
	ErrConflict = &Error{Kind: KindConflict, Reason: "conflict"}
	// ErrInsufficientStock indicates stock cannot cover the requested quantity.
	ErrInsufficientStock = &Error{Kind: KindInsufficientStock, Reason: "insufficient stock"}
	// ErrInvalidInput indicates request validation failure.
	ErrInvalidInput = &Error{Kind: KindInvalidInput, Reason: "invalid input"}
)

// Error carries a stable kind plus a human readable reason.
type Error struct {
	Kind   Kind
	Reason string
}

func (e *Error) Error() string {
	return e.Reason
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrConflict) works
// for every conflict regardless of its reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// NotFound builds a KindNotFound error.
func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Reason: fmt.Sprintf(format, args...)}
}

// Conflict builds a KindConflict error.
func Conflict(format string, args ...any) error {
	return &Error{Kind: KindConflict, Reason: fmt.Sprintf(format, args...)}
}

// InsufficientStock builds a KindInsufficientStock error.
func InsufficientStock(format string, args ...any) error {
	return &Error{Kind: KindInsufficientStock, Reason: fmt.Sprintf(format, args...)}
}

// InvalidInput builds a KindInvalidInput error.
func InvalidInput(format string, args ...any) error {
	return &Error{Kind: KindInvalidInput, Reason: fmt.Sprintf(format, args...)}
}

// KindOf extracts the business kind of err, or "" for infrastructure failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
