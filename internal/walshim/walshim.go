// Package walshim is a disk-backed, append-only WAL that frames
// internal/undo's WALRecordKind payloads with an LSN, checksum, and file
// offset. It implements undo.WALRecorder directly, and its Reader side
// drives crash recovery by handing each framed payload to undo.Manager.Redo
// in LSN order (spec.md §4.3, "Recovery").
package walshim

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// WAL is a single append-only log file plus the cursor state needed to
// frame new records and report durability progress to callers.
type WAL struct {
	file *os.File
	mu   sync.Mutex

	path       string
	engineName string

	nextLSN       uint64
	flushedLSN    uint64
	currentOffset uint64
}

// NewWAL opens or creates the WAL file at path. engineName is a free-form
// label (e.g. the engine's base directory) stamped into the file header for
// diagnostics; it carries no behavior.
func NewWAL(path, engineName string) (*WAL, error) {
	fileExists := false
	if _, err := os.Stat(path); err == nil {
		fileExists = true
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	w := &WAL{
		file:       file,
		path:       path,
		engineName: engineName,
		nextLSN:    1,
		flushedLSN: 0,
	}

	if fileExists {
		offset, err := file.Seek(0, os.SEEK_END)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to seek to end of WAL: %w", err)
		}
		w.currentOffset = uint64(offset)

		// Resume LSN numbering after the last record already in the file.
		hdr := make([]byte, RecordHeaderSize)
		for pos := uint64(FileHeaderSize); pos+RecordHeaderSize <= w.currentOffset; {
			if _, err := file.ReadAt(hdr, int64(pos)); err != nil {
				break
			}
			h := decodeHeader(hdr)
			if h.Length < MinRecordSize || h.FileOffset != pos {
				break
			}
			w.nextLSN = h.LSN + 1
			pos += uint64(h.Length)
		}
	} else {
		if err := w.writeFileHeader(); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to write WAL header: %w", err)
		}
	}

	return w, nil
}

func (w *WAL) writeFileHeader() error {
	header := WALFileHeader{
		Magic:      WALMagic,
		Version:    WALVersion,
		InitialLSN: w.nextLSN,
		CreatedAt:  time.Now().Unix(),
	}
	copy(header.EngineName[:], w.engineName)

	buf := make([]byte, FileHeaderSize)
	copy(buf[0:8], header.Magic[:])
	ByteOrder.PutUint16(buf[8:10], header.Version)
	copy(buf[10:42], header.EngineName[:])
	ByteOrder.PutUint64(buf[42:50], header.InitialLSN)
	ByteOrder.PutUint64(buf[50:58], uint64(header.CreatedAt))

	n, err := w.file.Write(buf)
	if err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	if n != FileHeaderSize {
		return fmt.Errorf("incomplete header write: wrote %d of %d bytes", n, FileHeaderSize)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync header: %w", err)
	}

	w.currentOffset = FileHeaderSize
	return nil
}

// Close syncs and closes the WAL file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// Sync forces an fsync on the WAL file and advances flushedLSN to the last
// LSN assigned so far, satisfying the write-ahead rule a Manager relies on
// after every call to Append (spec.md §5).
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	if w.nextLSN > 1 {
		w.flushedLSN = w.nextLSN - 1
	}
	return nil
}

// Path returns the WAL file path.
func (w *WAL) Path() string { return w.path }

// NextLSN returns the next LSN that will be assigned.
func (w *WAL) NextLSN() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextLSN
}

// FlushedLSN returns the last LSN guaranteed to be fsynced.
func (w *WAL) FlushedLSN() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushedLSN
}

// CurrentOffset returns the current write position in the WAL file.
func (w *WAL) CurrentOffset() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentOffset
}

// allocateLSN allocates and returns the next LSN. Must be called with mu
// held.
func (w *WAL) allocateLSN() uint64 {
	lsn := w.nextLSN
	w.nextLSN++
	return lsn
}
