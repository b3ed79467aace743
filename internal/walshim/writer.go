package walshim

import (
	"fmt"
	"hash/crc32"

	"github.com/leengari/undolog/internal/undo"
)

// ===========================================================================
// WAL WRITER
// ===========================================================================
//
// Append follows the same pattern the teacher's writer used for its own
// record kinds:
//  1. Acquire mutex
//  2. Allocate LSN
//  3. Calculate CRC32 of the payload
//  4. Build header with length and offset
//  5. Write header + payload + padding
//  6. Update currentOffset
//  7. Release mutex
//
// fsync is NOT called on every Append; the Manager calls Sync explicitly
// right after, matching its own write-ahead rule (spec.md §5).
//
// ===========================================================================

// Append writes one framed undo WAL record and returns its LSN, satisfying
// undo.WALRecorder.
func (w *WAL) Append(kind undo.WALRecordKind, payload []byte) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	lsn := w.allocateLSN()

	crc := crc32.ChecksumIEEE(payload)
	payloadLen := len(payload)
	totalLen := RecordHeaderSize + payloadLen
	alignedLen := AlignTo8(totalLen)
	paddingLen := alignedLen - totalLen

	header := RecordHeader{
		Kind:       byte(kind),
		Length:     uint32(alignedLen),
		LSN:        lsn,
		CRC32:      crc,
		FileOffset: w.currentOffset,
	}

	if _, err := w.file.Write(encodeHeader(header)); err != nil {
		return 0, fmt.Errorf("failed to write WAL header: %w", err)
	}
	if _, err := w.file.Write(payload); err != nil {
		return 0, fmt.Errorf("failed to write WAL payload: %w", err)
	}
	if paddingLen > 0 {
		if _, err := w.file.Write(make([]byte, paddingLen)); err != nil {
			return 0, fmt.Errorf("failed to write WAL padding: %w", err)
		}
	}

	w.currentOffset += uint64(alignedLen)
	return lsn, nil
}
