package errs

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// ErrUnrecoverable marks a per-event condition that must not be retried
// (unknown tenant, malformed payload, missing row). Jobs failing with it are
// completed and written to the audit trail instead of being rescheduled.
var ErrUnrecoverable = errors.New("unrecoverable")

// Wrap adds context and preserves the error chain (errors.Is/As works).
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf adds formatted context and preserves the error chain.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}

	args = append(args, err)
	return fmt.Errorf(format+": %w", args...)
}

// Unrecoverable tags err so that errors.Is(err, ErrUnrecoverable) holds while
// the original cause stays reachable through errors.Is/As.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnrecoverable) {
		return err
	}
	return &unrecoverableError{err: err}
}

// IsUnrecoverable reports whether err carries the unrecoverable marker.
func IsUnrecoverable(err error) bool {
	return errors.Is(err, ErrUnrecoverable)
}

type unrecoverableError struct {
	err error
}

func (e *unrecoverableError) Error() string { return e.err.Error() }
func (e *unrecoverableError) Unwrap() []error {
	return []error{e.err, ErrUnrecoverable}
}

// WithStack captures a stack trace once, at the root cause boundary.
func WithStack(err error) error {
	if err == nil {
		return nil
	}

	var se *StackError
	if errors.As(err, &se) {
		return err
	}

	return &StackError{
		err:   err,
		stack: debug.Stack(),
	}
}

// StackError wraps an error and stores a stack trace.
type StackError struct {
	err   error
	stack []byte
}

func (e *StackError) Error() string { return e.err.Error() }
func (e *StackError) Unwrap() error { return e.err }
func (e *StackError) Stack() []byte { return e.stack }

// Loggable makes slog encode the error as structured fields.
// Usage: slog.Any("err", errs.Loggable(err))
type loggable struct{ err error }

func Loggable(err error) slog.LogValuer { return loggable{err: err} }

func (l loggable) LogValue() slog.Value {
	if l.err == nil {
		return slog.GroupValue()
	}

	attrs := []slog.Attr{
		slog.String("message", l.err.Error()),
		slog.Any("chain", ErrorChainStrings(l.err)),
	}
	if IsUnrecoverable(l.err) {
		attrs = append(attrs, slog.Bool("unrecoverable", true))
	}

	var se *StackError
	if errors.As(l.err, &se) {
		attrs = append(attrs, slog.String("stack", string(se.Stack())))
	}

	return slog.GroupValue(attrs...)
}

// ErrorChainStrings returns the unwrap chain as strings (outer -> inner).
// Multi-error nodes are followed through their first branch.
func ErrorChainStrings(err error) []string {
	if err == nil {
		return nil
	}

	out := make([]string, 0, 8)
	for e := err; e != nil; e = unwrapFirst(e) {
		out = append(out, e.Error())
	}
	return out
}

func unwrapFirst(err error) error {
	if next := errors.Unwrap(err); next != nil {
		return next
	}
	if multi, ok := err.(interface{ Unwrap() []error }); ok {
		if items := multi.Unwrap(); len(items) > 0 && items[0] != ErrUnrecoverable {
			return items[0]
		}
	}
	return nil
}
