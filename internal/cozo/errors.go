package cozo

import (
	"errors"
	"fmt"
)

// Kind is a stable error-kind tag. The taxonomy is closed and kinds are
// never mixed: a failure is classified exactly once at the stage boundary
// that surfaces it.
type Kind string

const (
	KindParse     Kind = "Parse"
	KindCompile   Kind = "Compile"
	KindRuntime   Kind = "Runtime"
	KindAssertion Kind = "Assertion"
	KindSchema    Kind = "Schema"
)

// Span marks a location in source text for Parse/Compile errors.
type Span struct {
	Line, Col int
	Offset    int
}

func (s Span) String() string {
	if s.Line == 0 && s.Col == 0 {
		return ""
	}
	return fmt.Sprintf("%d:%d", s.Line, s.Col)
}

// Error is the engine's uniform error type: every failure surfaced to a
// caller carries a Kind, an optional source Span, and an underlying cause.
type Error struct {
	Kind     Kind
	Span     Span
	Message  string
	Cause    error
	Tuples   []TupleRow // offending tuples, for Assertion errors
	Expected interface{}
}

func (e *Error) Error() string {
	loc := e.Span.String()
	if loc != "" {
		loc = " at " + loc
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s error%s: %s: %v", e.Kind, loc, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error%s: %s", e.Kind, loc, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newErr(kind Kind, span Span, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Span: span, Message: fmt.Sprintf(format, args...)}
}

func wrapErr(kind Kind, span Span, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Span: span, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Sentinel base errors used with errors.Is / fmt.Errorf("%w", ...) wrapping
// inside individual packages (schema.go, compiler.go, etc.) before being
// lifted into a full *Error by the engine at a stage boundary.
var (
	ErrParse     = errors.New("parse error")
	ErrCompile   = errors.New("compile error")
	ErrRuntime   = errors.New("runtime error")
	ErrAssertion = errors.New("assertion error")
	ErrSchema    = errors.New("schema error")

	ErrCancelled = errors.New("query cancelled")
	ErrTimeout   = errors.New("query timed out")
)

// KindOf extracts the stable Kind tag from err, if it is (or wraps) a
// *Error, falling back to KindRuntime for anything else so every surfaced
// error carries a kind tag.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrParse):
		return KindParse
	case errors.Is(err, ErrCompile):
		return KindCompile
	case errors.Is(err, ErrAssertion):
		return KindAssertion
	case errors.Is(err, ErrSchema):
		return KindSchema
	default:
		return KindRuntime
	}
}
