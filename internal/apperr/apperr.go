// Package apperr is the error taxonomy from spec.md §7: every engine
// failure is one of these kinds, and the HTTP boundary in internal/api
// translates Kind mechanically into a status code instead of matching
// on error strings.
package apperr

import "fmt"

type Kind string

const (
	NotFound          Kind = "NOT_FOUND"
	InvalidInput      Kind = "INVALID_INPUT"
	InsufficientFunds Kind = "INSUFFICIENT_FUNDS"
	IllegalState      Kind = "ILLEGAL_STATE"
	Unauthorized      Kind = "UNAUTHORIZED"
	Internal          Kind = "INTERNAL"
)

// Error wraps a Kind with a human-readable message and, optionally,
// the underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, msg string) *Error { return &Error{Kind: kind, Message: msg} }

func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

func NotFoundf(format string, args ...any) *Error {
	return New(NotFound, fmt.Sprintf(format, args...))
}

func InvalidInputf(format string, args ...any) *Error {
	return New(InvalidInput, fmt.Sprintf(format, args...))
}

func InsufficientFundsf(format string, args ...any) *Error {
	return New(InsufficientFunds, fmt.Sprintf(format, args...))
}

func IllegalStatef(format string, args ...any) *Error {
	return New(IllegalState, fmt.Sprintf(format, args...))
}

// KindOf extracts the Kind of an error, defaulting to Internal for
// errors that did not originate in this package.
func KindOf(err error) Kind {
	var ae *Error
	if as(err, &ae) {
		return ae.Kind
	}
	return Internal
}

// as is a tiny local errors.As to avoid importing errors just for this.
func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// HTTPStatus maps a Kind to the status recommended in spec.md §7.
func HTTPStatus(k Kind) int {
	switch k {
	case NotFound:
		return 404
	case InvalidInput:
		return 400
	case InsufficientFunds:
		return 402
	case IllegalState:
		return 409
	case Unauthorized:
		return 401
	default:
		return 500
	}
}
