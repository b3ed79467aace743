package walshim

import (
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/leengari/undolog/internal/undo"
)

// ===========================================================================
// WAL READER
// ===========================================================================
//
// The reader scans a WAL file from the beginning, validates each record
// header (length bounds, CRC), and hands the (kind, payload, lsn) triple to
// a caller-supplied replay function in file order. Safety checks performed
// before allocation:
//   - Length <= MaxRecordSize
//   - Length >= MinRecordSize
//   - FileOffset matches the current read position
//
// ===========================================================================

// Reader reads and decodes WAL records from a file.
type Reader struct {
	file       *os.File
	path       string
	currentPos uint64
}

// NewReader opens path for sequential WAL scanning.
func NewReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}
	return &Reader{file: file, path: path}, nil
}

// Close closes the reader's file handle.
func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// ReadFileHeader reads and validates the WAL file header, positioning the
// reader right after it.
func (r *Reader) ReadFileHeader() (*WALFileHeader, error) {
	if _, err := r.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek to start: %w", err)
	}

	buf := make([]byte, FileHeaderSize)
	n, err := io.ReadFull(r.file, buf)
	if err != nil {
		return nil, fmt.Errorf("failed to read file header: %w", err)
	}
	if n != FileHeaderSize {
		return nil, fmt.Errorf("incomplete file header: read %d of %d bytes", n, FileHeaderSize)
	}

	var magic [8]byte
	copy(magic[:], buf[0:8])
	if magic != WALMagic {
		return nil, fmt.Errorf("invalid WAL magic: expected %v, got %v", WALMagic, magic)
	}

	header := &WALFileHeader{Magic: magic, Version: ByteOrder.Uint16(buf[8:10])}
	copy(header.EngineName[:], buf[10:42])
	header.InitialLSN = ByteOrder.Uint64(buf[42:50])
	header.CreatedAt = int64(ByteOrder.Uint64(buf[50:58]))

	if header.Version != WALVersion {
		return nil, fmt.Errorf("unsupported WAL version: expected %d, got %d", WALVersion, header.Version)
	}

	r.currentPos = FileHeaderSize
	return header, nil
}

// Record is one decoded, checksum-verified WAL entry ready for replay.
type Record struct {
	Kind    undo.WALRecordKind
	Payload []byte
	LSN     uint64
}

// ReadNext reads the next WAL record from the current position, returning
// io.EOF when the file is exhausted.
func (r *Reader) ReadNext() (Record, error) {
	headerBuf := make([]byte, RecordHeaderSize)
	n, err := io.ReadFull(r.file, headerBuf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		if n == 0 {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("incomplete header at offset %d: read %d bytes", r.currentPos, n)
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to read header at offset %d: %w", r.currentPos, err)
	}

	header := decodeHeader(headerBuf)
	if err := r.validateHeader(header); err != nil {
		return Record{}, err
	}

	payloadLen := int(header.Length) - RecordHeaderSize
	if payloadLen < 0 {
		return Record{}, fmt.Errorf("invalid payload size %d at offset %d", payloadLen, r.currentPos)
	}

	raw := make([]byte, payloadLen)
	if payloadLen > 0 {
		if n, err := io.ReadFull(r.file, raw); err != nil || n != payloadLen {
			return Record{}, fmt.Errorf("failed to read payload at offset %d: %w", r.currentPos, err)
		}
	}

	unalignedSize := RecordHeaderSize + payloadLen
	paddingSize := int(header.Length) - unalignedSize
	actualLen := payloadLen - paddingSize
	payload := raw[:actualLen]

	if len(payload) > 0 || header.CRC32 != 0 {
		if got := crc32.ChecksumIEEE(payload); got != header.CRC32 {
			return Record{}, fmt.Errorf("%w: WAL record CRC mismatch at offset %d", undo.ErrCorruptRecord, r.currentPos)
		}
	}

	r.currentPos += uint64(header.Length)
	return Record{Kind: undo.WALRecordKind(header.Kind), Payload: payload, LSN: header.LSN}, nil
}

func (r *Reader) validateHeader(h RecordHeader) error {
	if h.Length > MaxRecordSize {
		return fmt.Errorf("%w: record length %d exceeds max %d at offset %d", undo.ErrCorruptRecord, h.Length, MaxRecordSize, r.currentPos)
	}
	if h.Length < MinRecordSize {
		return fmt.Errorf("%w: record length %d below min %d at offset %d", undo.ErrCorruptRecord, h.Length, MinRecordSize, r.currentPos)
	}
	if h.FileOffset != r.currentPos {
		return fmt.Errorf("%w: file offset mismatch: header says %d, actual position %d", undo.ErrCorruptRecord, h.FileOffset, r.currentPos)
	}
	return nil
}

// Replay scans path from the beginning and calls redo for every record in
// file (LSN) order, skipping any record with LSN <= afterLSN so recovery
// can resume from the checkpoint's redo LSN rather than the start of WAL
// (spec.md §4.3, "Recovery"). It returns the highest LSN it observed, which
// the caller can hand to the next checkpoint.
func Replay(path string, afterLSN uint64, redo func(kind undo.WALRecordKind, payload []byte) error) (lastLSN uint64, err error) {
	r, err := NewReader(path)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	if _, err := r.ReadFileHeader(); err != nil {
		return 0, err
	}

	for {
		rec, err := r.ReadNext()
		if err == io.EOF {
			return lastLSN, nil
		}
		if err != nil {
			return lastLSN, err
		}
		if rec.LSN > lastLSN {
			lastLSN = rec.LSN
		}
		if rec.LSN <= afterLSN {
			continue
		}
		if err := redo(rec.Kind, rec.Payload); err != nil {
			return lastLSN, fmt.Errorf("replay record lsn=%d kind=%s: %w", rec.LSN, rec.Kind, err)
		}
	}
}
