// Package aoserrors implements the tagged error-kind sum type used
// across the service-manager core. Every error that crosses a
// component boundary carries one of a fixed set of kinds; wrapping
// attaches call-site file/line for logging but never changes the kind,
// so callers can reliably branch on it with errors.As.
package aoserrors

import (
	"fmt"
	"runtime"
)

// Kind enumerates the error kinds callers may branch on.
type Kind int

const (
	KindNone Kind = iota
	KindFailed
	KindRuntime
	KindNoMemory
	KindOutOfRange
	KindNotFound
	KindAlreadyExist
	KindInvalidArgument
	KindWrongState
	KindInvalidChecksum
	KindTimeout
	KindNotSupported
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindFailed:
		return "failed"
	case KindRuntime:
		return "runtime"
	case KindNoMemory:
		return "no memory"
	case KindOutOfRange:
		return "out of range"
	case KindNotFound:
		return "not found"
	case KindAlreadyExist:
		return "already exist"
	case KindInvalidArgument:
		return "invalid argument"
	case KindWrongState:
		return "wrong state"
	case KindInvalidChecksum:
		return "invalid checksum"
	case KindTimeout:
		return "timeout"
	case KindNotSupported:
		return "not supported"
	default:
		return "unknown"
	}
}

// Error is the concrete error type carrying a Kind, a message and the
// call site that created or wrapped it.
type Error struct {
	Kind    Kind
	Message string
	File    string
	Line    int
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s:%d: %s: %v", e.File, e.Line, e.Message, e.cause)
	}

	return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Message)
}

// Unwrap allows errors.Is/errors.As to see through to the cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether target is an *Error with the same Kind, so that
// errors.Is(err, aoserrors.New(KindNotFound, "")) works for sentinel-
// style checks.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}

	return e.Kind == other.Kind
}

func caller(skip int) (string, int) {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown", 0
	}

	return file, line
}

// New creates a new tagged error with the given kind and message.
func New(kind Kind, message string) error {
	file, line := caller(2)

	return &Error{Kind: kind, Message: message, File: file, Line: line}
}

// Errorf creates a new tagged error formatted like fmt.Errorf.
func Errorf(kind Kind, format string, args ...interface{}) error {
	file, line := caller(2)

	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), File: file, Line: line}
}

// Wrap attaches the current call site to err without altering its
// kind. If err is not already a tagged error, it is wrapped as Failed.
func Wrap(err error) error {
	if err == nil {
		return nil
	}

	file, line := caller(2)

	var tagged *Error
	if as(err, &tagged) {
		return &Error{Kind: tagged.Kind, Message: tagged.Message, File: file, Line: line, cause: err}
	}

	return &Error{Kind: KindFailed, Message: err.Error(), File: file, Line: line, cause: err}
}

// WrapWithKind wraps err, overriding its kind explicitly — used where a
// lower layer returns a generic error but the caller knows the
// semantic kind (e.g. os.IsNotExist -> KindNotFound).
func WrapWithKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}

	file, line := caller(2)

	return &Error{Kind: kind, Message: err.Error(), File: file, Line: line, cause: err}
}

// KindOf extracts the Kind of err, returning KindFailed if err is not
// a tagged error (and KindNone if err is nil).
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}

	var tagged *Error
	if as(err, &tagged) {
		return tagged.Kind
	}

	return KindFailed
}

// as is a tiny local shim over errors.As to avoid importing "errors"
// just for this one call at two sites above.
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
