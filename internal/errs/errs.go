// Package errs defines the error taxonomy from the build orchestrator's
// error handling design: a small set of sentinel kinds callers can test
// with errors.Is/errors.As instead of matching on message text.
package errs

import "fmt"

type Kind string

const (
	KindValidation Kind = "validation"
	KindStorage    Kind = "storage"
	KindSubprocess Kind = "subprocess"
	KindCancelled  Kind = "cancelled"
	KindNotFound   Kind = "not_found"
	KindSkip       Kind = "skip"
)

// Error wraps an underlying cause with a taxonomy Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validation(op string, err error) *Error { return New(KindValidation, op, err) }
func Storage(op string, err error) *Error    { return New(KindStorage, op, err) }
func Subprocess(op string, err error) *Error { return New(KindSubprocess, op, err) }
func Cancelled(op string) *Error             { return New(KindCancelled, op, nil) }
func NotFound(op string, err error) *Error   { return New(KindNotFound, op, err) }
func Skip(op string) *Error                  { return New(KindSkip, op, nil) }

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if x, ok := err.(*Error); ok {
			e = x
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == kind
}
