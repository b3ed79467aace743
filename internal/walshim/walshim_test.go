package walshim

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/leengari/undolog/internal/undo"
)

func TestAppendReadBackRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := NewWAL(path, "test-engine")
	assert.NilError(t, err)

	lsn1, err := w.Append(undo.WALCreateLog, []byte{1, 2, 3, 4, 5})
	assert.NilError(t, err)
	assert.Equal(t, lsn1, uint64(1))

	lsn2, err := w.Append(undo.WALAdvanceInsert, []byte{9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9})
	assert.NilError(t, err)
	assert.Equal(t, lsn2, uint64(2))

	assert.NilError(t, w.Sync())
	assert.Equal(t, w.FlushedLSN(), uint64(2))
	assert.NilError(t, w.Close())

	r, err := NewReader(path)
	assert.NilError(t, err)
	defer r.Close()

	header, err := r.ReadFileHeader()
	assert.NilError(t, err)
	assert.Equal(t, header.Version, WALVersion)

	rec1, err := r.ReadNext()
	assert.NilError(t, err)
	assert.Equal(t, rec1.Kind, undo.WALCreateLog)
	assert.Equal(t, rec1.LSN, uint64(1))
	assert.DeepEqual(t, rec1.Payload, []byte{1, 2, 3, 4, 5})

	rec2, err := r.ReadNext()
	assert.NilError(t, err)
	assert.Equal(t, rec2.Kind, undo.WALAdvanceInsert)
	assert.Equal(t, rec2.LSN, uint64(2))
	assert.DeepEqual(t, rec2.Payload, []byte{9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9})

	_, err = r.ReadNext()
	assert.Assert(t, err != nil)
}

func TestReplaySkipsUpToRedoLSNAndIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := NewWAL(path, "test-engine")
	assert.NilError(t, err)

	_, err = w.Append(undo.WALCreateLog, []byte{0, 0, 0, 0, 0})
	assert.NilError(t, err)
	_, err = w.Append(undo.WALAdvanceInsert, []byte{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1})
	assert.NilError(t, err)
	_, err = w.Append(undo.WALDiscard, []byte{2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2})
	assert.NilError(t, err)
	assert.NilError(t, w.Sync())
	assert.NilError(t, w.Close())

	var replayed []undo.WALRecordKind
	redo := func(kind undo.WALRecordKind, payload []byte) error {
		replayed = append(replayed, kind)
		return nil
	}

	lastLSN, err := Replay(path, 1, redo)
	assert.NilError(t, err)
	assert.Equal(t, lastLSN, uint64(3))
	assert.DeepEqual(t, replayed, []undo.WALRecordKind{undo.WALAdvanceInsert, undo.WALDiscard})

	replayed = nil
	lastLSN2, err := Replay(path, 0, redo)
	assert.NilError(t, err)
	assert.Equal(t, lastLSN2, uint64(3))
	assert.DeepEqual(t, replayed, []undo.WALRecordKind{undo.WALCreateLog, undo.WALAdvanceInsert, undo.WALDiscard})
}

func TestReadNextDetectsCorruptCRC(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := NewWAL(path, "test-engine")
	assert.NilError(t, err)
	_, err = w.Append(undo.WALCreateLog, []byte{1, 2, 3, 4, 5})
	assert.NilError(t, err)
	assert.NilError(t, w.Sync())
	assert.NilError(t, w.Close())

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	assert.NilError(t, err)
	// Corrupt one payload byte, just past the file header and record header.
	_, err = f.WriteAt([]byte{0xFF}, FileHeaderSize+RecordHeaderSize)
	assert.NilError(t, err)
	assert.NilError(t, f.Close())

	r, err := NewReader(path)
	assert.NilError(t, err)
	defer r.Close()
	_, err = r.ReadFileHeader()
	assert.NilError(t, err)

	_, err = r.ReadNext()
	assert.Assert(t, errors.Is(err, undo.ErrCorruptRecord))
}
