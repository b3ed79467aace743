package walshim

import "encoding/binary"

// ===========================================================================
// WAL FILE FORMAT
// ===========================================================================
//
// WAL File Structure:
// ┌─────────────────────────────────────────────────────────────────────────┐
// │ WAL File Header (fixed 64 bytes, padded)                                │
// ├─────────────────────────────────────────────────────────────────────────┤
// │ Record 1: [Header (32 bytes)] [Payload (variable)] [Padding to 8-byte]  │
// ├─────────────────────────────────────────────────────────────────────────┤
// │ Record 2: [Header (32 bytes)] [Payload (variable)] [Padding to 8-byte]  │
// ├─────────────────────────────────────────────────────────────────────────┤
// │ ...                                                                     │
// └─────────────────────────────────────────────────────────────────────────┘
//
// Every record's payload is one of the undo.WALRecordKind encodings from
// internal/undo/walredo.go: this package only frames those bytes with an
// LSN, a checksum, and an offset so they can be scanned and replayed after a
// crash. All multi-byte integers are little-endian and every record is
// aligned to an 8-byte boundary.
//
// ===========================================================================

// ByteOrder is the byte order used for encoding WAL data.
var ByteOrder = binary.LittleEndian

// RecordAlignment is the byte alignment for all WAL records.
const RecordAlignment = 8

// MaxRecordSize bounds a single WAL record's framed length (4MB), guarding
// recovery against an OOM triggered by a corrupted Length field.
const MaxRecordSize = 4 * 1024 * 1024

// MinRecordSize is the minimum valid record size (header only, no payload).
const MinRecordSize = RecordHeaderSize

// ===========================================================================
// WAL FILE HEADER
// ===========================================================================

// WALMagic identifies a valid WAL file (ASCII: "UNDOLOG\x00").
var WALMagic = [8]byte{'U', 'N', 'D', 'O', 'L', 'O', 'G', 0}

// WALVersion is the current WAL format version.
const WALVersion uint16 = 1

// WALFileHeader is written at the beginning of every WAL file. Fixed size:
// 64 bytes (padded for alignment).
type WALFileHeader struct {
	Magic      [8]byte
	Version    uint16
	EngineName [32]byte // free-form label for the engine instance, null-padded
	InitialLSN uint64
	CreatedAt  int64
	_          [6]byte // reserved padding to reach 64 bytes
}

// FileHeaderSize is the fixed size of the WAL file header.
const FileHeaderSize = 64

// ===========================================================================
// WAL RECORD HEADER
// ===========================================================================

// RecordHeader is the common header prefixing every framed undo WAL record.
// Fixed size: 32 bytes (aligned to an 8-byte boundary).
//
// Binary layout:
// ┌─────────┬─────────┬──────────┬─────────┬──────────┬────────────┬─────────┐
// │ Kind(1) │ Pad(1)  │ Length(4)│ LSN(8)  │ CRC32(4) │ FileOff(8) │ Pad(6)  │
// └─────────┴─────────┴──────────┴─────────┴──────────┴────────────┴─────────┘
// Offsets:   0          2          6          14         18           26
type RecordHeader struct {
	Kind       uint8  // the undo.WALRecordKind this record carries
	Length     uint32 // total framed length including header and padding
	LSN        uint64 // monotonically increasing log sequence number
	CRC32      uint32 // checksum of the payload, before padding
	FileOffset uint64 // byte offset in the WAL file where this record starts
}

// RecordHeaderSize is the fixed size of the WAL record header in bytes.
const RecordHeaderSize = 32

// AlignTo8 rounds up a size to the next 8-byte boundary.
func AlignTo8(size int) int {
	return (size + 7) &^ 7
}

func encodeHeader(h RecordHeader) []byte {
	buf := make([]byte, RecordHeaderSize)
	buf[0] = h.Kind
	ByteOrder.PutUint32(buf[2:6], h.Length)
	ByteOrder.PutUint64(buf[6:14], h.LSN)
	ByteOrder.PutUint32(buf[14:18], h.CRC32)
	ByteOrder.PutUint64(buf[18:26], h.FileOffset)
	return buf
}

func decodeHeader(buf []byte) RecordHeader {
	return RecordHeader{
		Kind:       buf[0],
		Length:     ByteOrder.Uint32(buf[2:6]),
		LSN:        ByteOrder.Uint64(buf[6:14]),
		CRC32:      ByteOrder.Uint32(buf[14:18]),
		FileOffset: ByteOrder.Uint64(buf[18:26]),
	}
}
