// Package undo implements the core of an undo log engine: durable,
// append-only per-transaction logs of pre-images and compensating records,
// the space allocator that backs them with segment files, the binary codec
// for undo records, and the checkpoint/recovery coordinator that keeps
// on-disk metadata consistent with a replayed write-ahead log.
package undo

import "fmt"

// UndoRecPtr is a packed (logno, offset) 64-bit address: the upper
// LogNumberBits bits select the log, the lower OffsetBits bits select the
// byte offset within it.
type UndoRecPtr uint64

const (
	// LogNumberBits is the width of the log-number field of an UndoRecPtr.
	LogNumberBits = 24
	// OffsetBits is the width of the offset field of an UndoRecPtr.
	OffsetBits = 64 - LogNumberBits

	// MaxLogNumber is one past the highest representable log number.
	MaxLogNumber = 1 << LogNumberBits
	// MaxLogSize is one past the highest representable offset within a log,
	// i.e. the capacity of a single undo log in bytes.
	MaxLogSize = int64(1) << OffsetBits
)

const (
	// InvalidUndoRecPtr is the sentinel for "no such record."
	InvalidUndoRecPtr UndoRecPtr = 0
	// SpecialUndoRecPtr is the sentinel used in transaction headers to mean
	// "the start of the next transaction is not yet known." Spec §9 (Open
	// Question 2) recommends reimplementations keep this only in the
	// serialized form and use an explicit optional wrapper in memory; see
	// OptionalUndoRecPtr below.
	SpecialUndoRecPtr UndoRecPtr = 1<<64 - 1
)

// LogNumber identifies one undo log.
type LogNumber uint32

// MakeUndoRecPtr packs a log number and byte offset into an UndoRecPtr.
func MakeUndoRecPtr(logno LogNumber, offset int64) UndoRecPtr {
	return UndoRecPtr(uint64(logno)<<OffsetBits | uint64(offset)&(uint64(MaxLogSize)-1))
}

// UndoRecPtrGetLogNo extracts the log number from an UndoRecPtr.
func UndoRecPtrGetLogNo(ptr UndoRecPtr) LogNumber {
	return LogNumber(uint64(ptr) >> OffsetBits)
}

// UndoRecPtrGetOffset extracts the byte offset from an UndoRecPtr.
func UndoRecPtrGetOffset(ptr UndoRecPtr) int64 {
	return int64(uint64(ptr) & (uint64(MaxLogSize) - 1))
}

// IsValid reports whether ptr is neither the Invalid nor the Special
// sentinel.
func (p UndoRecPtr) IsValid() bool {
	return p != InvalidUndoRecPtr && p != SpecialUndoRecPtr
}

func (p UndoRecPtr) String() string {
	if p == InvalidUndoRecPtr {
		return "<invalid>"
	}
	if p == SpecialUndoRecPtr {
		return "<special>"
	}
	return fmt.Sprintf("(log=%d,off=%d)", UndoRecPtrGetLogNo(p), UndoRecPtrGetOffset(p))
}

// OptionalUndoRecPtr is the in-memory replacement for the serialized
// SpecialUndoRecPtr sentinel (spec.md §9, Open Question 2): callers that need
// to represent "not yet known" use this instead of comparing against the
// all-ones bit pattern, and only the codec translates between the two at the
// serialization boundary.
type OptionalUndoRecPtr struct {
	Ptr   UndoRecPtr
	Known bool
}

// ToSerialized converts an in-memory optional pointer to its on-disk
// sentinel form.
func (o OptionalUndoRecPtr) ToSerialized() UndoRecPtr {
	if !o.Known {
		return SpecialUndoRecPtr
	}
	return o.Ptr
}

// OptionalFromSerialized converts an on-disk pointer value back to the
// in-memory optional form.
func OptionalFromSerialized(ptr UndoRecPtr) OptionalUndoRecPtr {
	if ptr == SpecialUndoRecPtr {
		return OptionalUndoRecPtr{Known: false}
	}
	return OptionalUndoRecPtr{Ptr: ptr, Known: true}
}

// Persistence classifies an undo log by durability requirement.
type Persistence uint8

const (
	PersistencePermanent Persistence = iota
	PersistenceUnlogged
	PersistenceTemporary
)

func (p Persistence) String() string {
	switch p {
	case PersistencePermanent:
		return "permanent"
	case PersistenceUnlogged:
		return "unlogged"
	case PersistenceTemporary:
		return "temporary"
	default:
		return "unknown"
	}
}
