// Package apperr defines the error kinds shared by every component. Domain
// packages declare their own sentinels with New and the transport layer maps
// them to responses with KindOf.
package apperr

import "errors"

type Kind int

const (
	KindInternal Kind = iota
	KindUnauthenticated
	KindForbidden
	KindNotFound
	KindConflict
	KindInvalidInput
)

func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindInvalidInput:
		return "invalid_input"
	default:
		return "internal"
	}
}

// Error is a sentinel carrying a Kind. Compare instances with errors.Is.
type Error struct {
	kind Kind
	msg  string
}

func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

func (e *Error) Error() string { return e.msg }

func (e *Error) Kind() Kind { return e.kind }

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return KindInternal
}

var (
	ErrUnauthenticated = New(KindUnauthenticated, "unauthenticated")
	ErrNotAllowed      = New(KindForbidden, "not allowed")
)
