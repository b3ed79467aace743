package undo

import "errors"

// Sentinel errors, checked with errors.Is, matching the error kinds of
// spec.md §7.
var (
	// ErrResourceExhausted is returned when a new log cannot be created
	// because no free control slot remains. A filesystem failure while
	// creating or growing a segment, running out of space included, is
	// reported as ErrIOError instead. The caller's transaction must abort.
	ErrResourceExhausted = errors.New("undo: resource exhausted")

	// ErrCorruptRecord is returned by the codec when a record's type is
	// outside the enumerated set, and by the checkpoint and WAL decoders
	// for malformed input. The codec does not check a header's flags
	// against a record length: records carry no length of their own.
	// Fatal to the current operation; replay cannot proceed past it.
	ErrCorruptRecord = errors.New("undo: corrupt record")

	// ErrIOError wraps a segment creation, extension, fsync, or unlink
	// failure. Fatal to the operation; control-slot state is never advanced
	// on this path, so the operation is safe to retry.
	ErrIOError = errors.New("undo: io error")

	// ErrInvariantViolation marks a programmer error (e.g. Advance called
	// with a pointer whose offset does not match the log's current insert
	// position). Fatal to the process; never recovered from.
	ErrInvariantViolation = errors.New("undo: invariant violation")

	// ErrNoCheckpoint is returned by Startup when no checkpoint file exists
	// in the checkpoint directory yet.
	ErrNoCheckpoint = errors.New("undo: no checkpoint file found")

	// ErrLogExhausted marks a log whose insert position has reached
	// MaxLogSize. Callers never see it: Allocate detects exhaustion itself
	// and transparently attaches a successor log instead of returning it.
	// Kept as a sentinel for any future caller that needs to distinguish
	// exhaustion from other invariant violations.
	ErrLogExhausted = errors.New("undo: log exhausted")
)
