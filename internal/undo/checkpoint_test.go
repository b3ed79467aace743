package undo

import (
	"errors"
	"testing"

	"gotest.tools/v3/assert"
)

// TestCheckpointStartupRoundTrip matches spec.md §8 scenario 5: write a
// checkpoint capturing a manager's control-slot state, then boot a fresh
// manager from that checkpoint and confirm it reproduces every field.
func TestCheckpointStartupRoundTrip(t *testing.T) {
	baseDir := t.TempDir()
	cfg := DefaultConfig(baseDir)

	mgr, err := NewManager(cfg, nil)
	assert.NilError(t, err)

	ptrA, err := mgr.Allocate(WriterID(1), 100, PersistencePermanent, 11, 0)
	assert.NilError(t, err)
	assert.NilError(t, mgr.Advance(ptrA, 100))

	ptrB, err := mgr.Allocate(WriterID(2), 50, PersistenceUnlogged, 22, 1)
	assert.NilError(t, err)
	assert.NilError(t, mgr.Advance(ptrB, 50))

	assert.NilError(t, mgr.Discard(MakeUndoRecPtr(UndoRecPtrGetLogNo(ptrA), 10), 11))

	var before []LogSnapshot
	mgr.ActiveLogs(func(s LogSnapshot) bool {
		before = append(before, s)
		return true
	})

	assert.NilError(t, mgr.Checkpoint(500, 0))

	mgr2, err := NewManager(cfg, nil)
	assert.NilError(t, err)
	redoLSN, err := mgr2.Startup()
	assert.NilError(t, err)
	assert.Equal(t, redoLSN, uint64(500))

	var after []LogSnapshot
	mgr2.ActiveLogs(func(s LogSnapshot) bool {
		after = append(after, s)
		return true
	})

	assert.DeepEqual(t, after, before)
}

func TestStartupNoCheckpointIsNotFatal(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	mgr, err := NewManager(cfg, nil)
	assert.NilError(t, err)

	_, err = mgr.Startup()
	assert.Assert(t, errors.Is(err, ErrNoCheckpoint))
}

// TestCheckpointRemovesPriorFile checks that a second checkpoint deletes the
// one named by its priorRedoLSN argument, per spec.md §4.3.
func TestCheckpointRemovesPriorFile(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	mgr, err := NewManager(cfg, nil)
	assert.NilError(t, err)

	_, err = mgr.Allocate(WriterID(1), 10, PersistencePermanent, 1, 0)
	assert.NilError(t, err)

	assert.NilError(t, mgr.Checkpoint(100, 0))
	firstPath := checkpointPath(mgr.checkpointDir(), 100)
	assertFileExists(t, firstPath)

	assert.NilError(t, mgr.Checkpoint(200, 100))
	assertFileAbsent(t, firstPath)
	secondPath := checkpointPath(mgr.checkpointDir(), 200)
	assertFileExists(t, secondPath)
}
