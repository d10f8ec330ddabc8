package resp

import (
	"fmt"
	"runtime"

	"github.com/pkg/errors"
)

// ErrorCode closes the enum of error kinds surfaced to callers of this
// library, spanning both decode-time and connection-level failures so that
// a single Error type can represent anything the client reports.
type ErrorCode int

const (
	// ErrCommandError wraps a server-returned RESP3 error reply.
	ErrCommandError ErrorCode = iota
	// ErrUnsolicitedToken is raised when a response arrives with no
	// matching pending command, or a non-HELLO reply arrives during
	// handshake.
	ErrUnsolicitedToken
	// ErrTokenMismatch is raised by decoder traits when a Token's Kind
	// doesn't match what the destination type requires.
	ErrTokenMismatch
	// ErrCannotParseInteger is raised when a string token can't be parsed
	// as a signed decimal integer.
	ErrCannotParseInteger
	// ErrCannotParseDouble is raised when a string token can't be parsed
	// as an IEEE-754 double.
	ErrCannotParseDouble
	// ErrInvalidArraySize is raised by fixed-arity decoders (tuples,
	// ClosedRange) when the array's element count doesn't match.
	ErrInvalidArraySize
	// ErrTimeout is raised when a command's deadline elapses before a
	// response is matched.
	ErrTimeout
	// ErrCancelled is raised against the specific command that was
	// cancelled.
	ErrCancelled
	// ErrConnectionClosed is raised against every other pending command
	// when a connection is torn down.
	ErrConnectionClosed
	// ErrTooManyRedirects is raised when the router exceeds its
	// configured redirect hop budget.
	ErrTooManyRedirects
	// ErrNullValue is raised when decoding a non-optional destination
	// type from a null token.
	ErrNullValue
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCommandError:
		return "commandError"
	case ErrUnsolicitedToken:
		return "unsolicitedToken"
	case ErrTokenMismatch:
		return "tokenMismatch"
	case ErrCannotParseInteger:
		return "cannotParseInteger"
	case ErrCannotParseDouble:
		return "cannotParseDouble"
	case ErrInvalidArraySize:
		return "invalidArraySize"
	case ErrTimeout:
		return "timeout"
	case ErrCancelled:
		return "cancelled"
	case ErrConnectionClosed:
		return "connectionClosed"
	case ErrTooManyRedirects:
		return "tooManyRedirects"
	case ErrNullValue:
		return "nullValue"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned across the library. It carries
// a closed error_code, a human message, an optional underlying cause, and
// the call site (file/line) captured at construction, per the
// specification's error handling design.
type Error struct {
	Code       ErrorCode
	Message    string
	Underlying error
	File       string
	Line       int
}

// NewError constructs an Error, capturing the caller's file and line.
func NewError(code ErrorCode, message string) *Error {
	return newErrorSkip(code, message, nil, 2)
}

// NewErrorf constructs an Error with a formatted message.
func NewErrorf(code ErrorCode, format string, args ...interface{}) *Error {
	return newErrorSkip(code, fmt.Sprintf(format, args...), nil, 2)
}

// Wrap constructs an Error that carries underlying as its cause, wrapped
// with pkg/errors so the cause keeps its own stack context for logs.
func Wrap(code ErrorCode, message string, underlying error) *Error {
	if underlying != nil {
		underlying = errors.WithMessage(underlying, message)
	}
	return newErrorSkip(code, message, underlying, 2)
}

func newErrorSkip(code ErrorCode, message string, underlying error, skip int) *Error {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		file, line = "unknown", 0
	}
	return &Error{Code: code, Message: message, Underlying: underlying, File: file, Line: line}
}

// Error implements the error interface, rendering the canonical
// description format:
//
//	"<canonical text for code>. <message>. Underlying error: <…> at <file>:<line>"
func (e *Error) Error() string { return e.description() }

func (e *Error) description() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s. %s. Underlying error: %v at %s:%d",
			e.Code, e.Message, e.Underlying, e.File, e.Line)
	}
	return fmt.Sprintf("%s. %s at %s:%d", e.Code, e.Message, e.File, e.Line)
}

// Unwrap exposes the underlying cause for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Underlying }

// Is reports whether target is an *Error with the same Code, enabling
// errors.Is(err, resp.NewError(resp.ErrTimeout, "")) style checks against a
// sentinel built purely to carry a code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// CodeOf returns the ErrorCode of err if it is (or wraps) an *Error, and
// false otherwise.
func CodeOf(err error) (ErrorCode, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return 0, false
}
