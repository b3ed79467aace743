package undo

import (
	"testing"

	"gotest.tools/v3/assert"
)

// TestCodecRoundTripSinglePage exercises every optional section at once and
// checks that InsertRecord followed by UnpackRecord reproduces the original
// fields when the whole record fits in one page.
func TestCodecRoundTripSinglePage(t *testing.T) {
	original := &UnpackedRecord{
		Header: Header{
			Type:    RecordUpdate,
			RelNode: 1234,
			PrevXid: 7,
			Xid:     8,
			Cid:     3,
		},
		RelationDetails: RelationDetails{Tablespace: 55, Fork: 1},
		Block:           Block{BlockNo: 99, BlkprevOffset: 1 << 35},
		Transaction:     Transaction{PrevXid: 7, UrecPtrStart: MakeUndoRecPtr(2, 4096)},
		Payload:         []byte("hello undo payload"),
		Tuple:           []byte("old tuple bytes"),
	}

	size := ExpectedSize(original)
	assert.Equal(t, original.Header.Flags, FlagRelationDetails|FlagBlock|FlagTransaction|FlagPayload)

	page := make([]byte, 512)
	written := 0
	done := InsertRecord(original, page, 0, &written)
	assert.Assert(t, done)
	assert.Equal(t, written, size)

	decoded := &UnpackedRecord{}
	readCount := 0
	fullyDecoded, err := UnpackRecord(decoded, page, 0, &readCount)
	assert.NilError(t, err)
	assert.Assert(t, fullyDecoded)
	assert.Equal(t, readCount, size)

	assert.Equal(t, decoded.Header, original.Header)
	assert.Equal(t, decoded.RelationDetails, original.RelationDetails)
	assert.Equal(t, decoded.Block, original.Block)
	assert.Equal(t, decoded.Transaction, original.Transaction)
	assert.DeepEqual(t, decoded.Payload, original.Payload)
	assert.DeepEqual(t, decoded.Tuple, original.Tuple)
}

// TestCodecPageStraddle matches spec.md §8 scenario 2 exactly: a 9000-byte
// record starting at page offset 100 in an 8192-byte block. The first
// InsertRecord call should emit 8092 bytes and report not-done; the second,
// starting at the page-header boundary, should emit the remaining 908 bytes
// and report done.
func TestCodecPageStraddle(t *testing.T) {
	const blockSize = 8192
	const pageHeaderSize = 24
	const startByte = 100

	u := &UnpackedRecord{Payload: make([]byte, 8976)}
	for i := range u.Payload {
		u.Payload[i] = byte(i)
	}

	size := ExpectedSize(u)
	assert.Equal(t, size, 9000)

	page1 := make([]byte, blockSize)
	written := 0
	done := InsertRecord(u, page1, startByte, &written)
	assert.Equal(t, done, false)
	assert.Equal(t, written, 8092)

	page2 := make([]byte, blockSize)
	done = InsertRecord(u, page2, pageHeaderSize, &written)
	assert.Equal(t, done, true)
	assert.Equal(t, written, 9000)

	// UnpackRecord's alreadyDecoded cursor counts bytes consumed from each
	// call's locally reassembled buffer, not a running total of the full
	// record like InsertRecord's alreadyWritten; it only reaches the
	// record's full size once decoding completes.
	decoded := &UnpackedRecord{}
	decodedCount := 0
	fullyDecoded, err := UnpackRecord(decoded, page1, startByte, &decodedCount)
	assert.NilError(t, err)
	assert.Equal(t, fullyDecoded, false)

	fullyDecoded, err = UnpackRecord(decoded, page2, pageHeaderSize, &decodedCount)
	assert.NilError(t, err)
	assert.Equal(t, fullyDecoded, true)
	assert.Equal(t, decodedCount, 9000)
	assert.DeepEqual(t, decoded.Payload, u.Payload)
}

func TestOptionalSectionsOmittedByDefault(t *testing.T) {
	u := &UnpackedRecord{Header: Header{Type: RecordDelete, RelNode: 1}}
	size := ExpectedSize(u)
	assert.Equal(t, u.Header.Flags, RecordFlag(0))
	assert.Equal(t, size, headerSize)
}
