package undo

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// SegmentPath returns the deterministic on-disk path for one (logno, segno,
// tablespace) triple (spec.md §6). Segments for the default tablespace
// (empty string) live directly under baseDir/undo; a named tablespace gets
// its own subdirectory, mirroring how the teacher's storage layer resolves
// database-relative paths with filepath.Join.
func SegmentPath(baseDir, tablespace string, logno LogNumber, segno int64) string {
	dir := filepath.Join(baseDir, "undo")
	if tablespace != "" {
		dir = filepath.Join(baseDir, "pg_tblspc", tablespace, "undo")
	}
	return filepath.Join(dir, fmt.Sprintf("%06X.%010d", uint32(logno), segno))
}

// createSegment creates and zero-fills one SEGMENT_SIZE-byte backing file,
// fsync'ing it before returning so the segment is durable before the log's
// `end` is advanced to cover it (spec.md §4.1 step 3). Creation is
// idempotent: if the file already exists (e.g. a crash happened between
// creation and metadata publication on a prior attempt) it is reused as-is
// rather than re-truncated, so a retried extend never loses data a
// previous, partially-observed attempt already wrote.
func createSegment(path string, size int64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: mkdir %s: %v", ErrIOError, filepath.Dir(path), err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			// Idempotent fallback: a previous attempt may have created this
			// segment and crashed before the log's `end` was published.
			existing, openErr := os.OpenFile(path, os.O_RDWR, 0o644)
			if openErr != nil {
				return fmt.Errorf("%w: reopen existing segment %s: %v", ErrIOError, path, openErr)
			}
			defer existing.Close()
			return ensureSegmentSize(existing, size)
		}
		return fmt.Errorf("%w: create segment %s: %v", ErrIOError, path, err)
	}
	defer f.Close()

	return ensureSegmentSize(f, size)
}

// ensureSegmentSize grows f to size with zero bytes if it is shorter, then
// fsyncs both the file and its containing directory so the extension
// survives a crash (spec.md §4.1 step 3: "the file is created and fsync'd
// before end is published").
func ensureSegmentSize(f *os.File, size int64) error {
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat segment: %v", ErrIOError, err)
	}
	if info.Size() < size {
		if err := f.Truncate(size); err != nil {
			return fmt.Errorf("%w: truncate segment to %d: %v", ErrIOError, size, err)
		}
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: fsync segment: %v", ErrIOError, err)
	}
	dir, err := os.Open(filepath.Dir(f.Name()))
	if err != nil {
		return fmt.Errorf("%w: open segment directory: %v", ErrIOError, err)
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		return fmt.Errorf("%w: fsync segment directory: %v", ErrIOError, err)
	}
	return nil
}

// unlinkSegment removes one backing segment file. Missing files are not an
// error: discard's unlink is logged to WAL for idempotent replay (spec.md
// §4.1 "Discard"), so redo may attempt to unlink a segment a previous,
// interrupted replay already removed.
func unlinkSegment(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: unlink segment %s: %v", ErrIOError, path, err)
	}
	slog.Debug("undo: segment unlinked", "path", path)
	return nil
}
