// Package errs defines the error taxonomy of spec §7 and the propagation
// policy that goes with it: user-visible errors are sentinels a caller can
// match with errors.Is, while invariant-breaking errors are wrapped with a
// stack trace (github.com/pkg/errors) because they mark a volume failed and
// the stack is the only forensic trail an operator gets.
//
// This replaces the teacher's ad hoc fmt.Errorf("...: %w", err) calls with a
// single dedicated result taxonomy, per the design note on rc_t-style
// exceptions.
package errs

import (
	"github.com/pkg/errors"
)

// User-visible sentinels. A transaction observing one of these chooses to
// retry or abort; they are never fatal to the volume.
var (
	ErrRecordTooLarge     = errors.New("record too large for page budget")
	ErrDuplicate          = errors.New("duplicate key")
	ErrNotFound           = errors.New("key not found")
	ErrDeadlock           = errors.New("deadlock detected")
	ErrLockTimeout        = errors.New("lock acquisition timed out")
	ErrConcurrencyConflict = errors.New("concurrency conflict during restart")
	ErrShuttingDown       = errors.New("operation issued during teardown")
)

// Invariant-breaking sentinels. Encountering one of these is fatal for the
// affected volume: the caller must mark the volume failed and drive a
// restore (internal/restore).
var (
	ErrWriteOrderLoop = errors.New("cyclic write-order dependency")
	ErrCorrupt        = errors.New("checksum, length, or LSN invariant violated")
	ErrArchiveGap     = errors.New("archive has a gap in LSN coverage")
	ErrIoError        = errors.New("underlying device error")
)

// Wrap attaches additional context to err while preserving errors.Is/As
// matching against the sentinels above.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, msg)
}

// Wrapf is Wrap with a format string.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, format, args...)
}

// Fatal marks err as an invariant violation by attaching a stack trace if it
// doesn't already carry one. Call this at the point a Corrupt/WriteOrderLoop/
// ArchiveGap condition is first detected, not at every layer it's rewrapped
// through.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	type stackTracer interface{ StackTrace() errors.StackTrace }
	if _, ok := err.(stackTracer); ok {
		return err
	}
	return errors.WithStack(err)
}

// Is reports whether err (or any error it wraps) matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// Cause returns the innermost error in err's wrap chain.
func Cause(err error) error { return errors.Cause(err) }
