package undo

import (
	"testing"

	"gotest.tools/v3/assert"
)

// TestAddressLaw checks spec.md §8's address law: packing and unpacking an
// UndoRecPtr round-trips for every log number and offset width the type can
// represent.
func TestAddressLaw(t *testing.T) {
	cases := []struct {
		logno  LogNumber
		offset int64
	}{
		{0, 0},
		{1, 1},
		{MaxLogNumber - 1, MaxLogSize - 1},
		{42, 1 << 20},
		{LogNumber(1) << 23, 1<<39 + 7},
	}

	for _, c := range cases {
		ptr := MakeUndoRecPtr(c.logno, c.offset)
		assert.Equal(t, UndoRecPtrGetLogNo(ptr), c.logno)
		assert.Equal(t, UndoRecPtrGetOffset(ptr), c.offset)
	}
}

func TestUndoRecPtrIsValid(t *testing.T) {
	assert.Equal(t, InvalidUndoRecPtr.IsValid(), false)
	assert.Equal(t, SpecialUndoRecPtr.IsValid(), false)
	assert.Equal(t, MakeUndoRecPtr(3, 100).IsValid(), true)
}

func TestOptionalUndoRecPtrRoundTrip(t *testing.T) {
	known := OptionalUndoRecPtr{Ptr: MakeUndoRecPtr(9, 4096), Known: true}
	assert.Equal(t, known.ToSerialized(), MakeUndoRecPtr(9, 4096))
	assert.DeepEqual(t, OptionalFromSerialized(known.ToSerialized()), known)

	unknown := OptionalUndoRecPtr{Known: false}
	assert.Equal(t, unknown.ToSerialized(), SpecialUndoRecPtr)
	assert.DeepEqual(t, OptionalFromSerialized(SpecialUndoRecPtr), OptionalUndoRecPtr{Known: false})
}
