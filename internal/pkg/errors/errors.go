// Package errors defines the error kinds from the coordination recipes'
// error-handling design and small helpers for wrapping and aggregating them,
// in the same prefix/nested style as the teacher's internal/pkg/utils/errors
// package, backed by go.uber.org/multierr instead of a hand-rolled list.
package errors

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

// Re-exported so callers of this package never need the stdlib errors
// package alongside it.
var (
	New    = errors.New
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
)

func Errorf(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}

// PrefixErrorf wraps err with a formatted prefix, preserving Is/As matching
// against err via %w.
func PrefixErrorf(err error, format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// AlreadyClosedError: operation attempted on a recipe/connector instance
// after Close() has completed.
type AlreadyClosedError struct{ Resource string }

func (e AlreadyClosedError) Error() string {
	if e.Resource == "" {
		return "already closed"
	}
	return fmt.Sprintf("%s is already closed", e.Resource)
}

// InvalidArgumentError: a constructor argument failed synchronous validation.
type InvalidArgumentError struct{ Message string }

func (e InvalidArgumentError) Error() string { return e.Message }

// StoreUnavailableError: a Store (etcd) RPC failed and the caller must
// decide whether to retry.
type StoreUnavailableError struct{ Cause error }

func (e StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable: %s", e.Cause)
}

func (e StoreUnavailableError) Unwrap() error { return e.Cause }

// InterruptedError: a blocking wait was aborted by Close/cancellation before
// it could complete normally.
type InterruptedError struct{ Message string }

func (e InterruptedError) Error() string { return e.Message }

// IllegalStateError: a recipe method was called while the instance was in a
// state that does not permit it (e.g. start() while a cycle is active).
type IllegalStateError struct{ Message string }

func (e IllegalStateError) Error() string { return e.Message }

// MultiError aggregates independent errors, e.g. from best-effort close of
// several sub-clients. Create one with NewMultiError; one with no appended
// errors behaves like a nil error.
type MultiError struct {
	err error
}

func NewMultiError() *MultiError {
	return &MultiError{}
}

func (m *MultiError) Append(err error) {
	if err == nil {
		return
	}
	m.err = multierr.Append(m.err, err)
}

func (m *MultiError) Len() int {
	return len(multierr.Errors(m.err))
}

func (m *MultiError) ErrorOrNil() error {
	return m.err
}
