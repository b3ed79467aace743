package undo

import (
	"encoding/binary"
	"fmt"
)

// byteOrder is the canonical on-disk integer encoding. spec.md §9 flags the
// original host-byte-order layout as a latent cross-architecture bug and
// recommends fixing little-endian as the reimplementation's wire format;
// this codec does exactly that (mirrors the teacher's own
// `var ByteOrder = binary.LittleEndian` in internal/wal/types.go).
var byteOrder = binary.LittleEndian

// serialize renders u's full logical byte stream: header, then whichever
// optional sections Flags selects, in the fixed order of spec.md §3, with
// no padding between sections.
func serialize(u *UnpackedRecord) []byte {
	size := ExpectedSize(u)
	buf := make([]byte, size)
	off := 0

	buf[off] = byte(u.Header.Type)
	off++
	buf[off] = byte(u.Header.Flags)
	off++
	byteOrder.PutUint16(buf[off:], u.Header.Prevlen)
	off += 2
	byteOrder.PutUint32(buf[off:], u.Header.RelNode)
	off += 4
	byteOrder.PutUint32(buf[off:], u.Header.PrevXid)
	off += 4
	byteOrder.PutUint32(buf[off:], u.Header.Xid)
	off += 4
	byteOrder.PutUint32(buf[off:], u.Header.Cid)
	off += 4

	if u.Header.Flags&FlagRelationDetails != 0 {
		byteOrder.PutUint32(buf[off:], u.RelationDetails.Tablespace)
		off += 4
		buf[off] = u.RelationDetails.Fork
		off++
	}

	if u.Header.Flags&FlagBlock != 0 {
		byteOrder.PutUint64(buf[off:], u.Block.BlockNo)
		off += 8
		putBlkprevOffset(buf[off:], u.Block.BlkprevOffset)
		off += 6
	}

	if u.Header.Flags&FlagTransaction != 0 {
		byteOrder.PutUint32(buf[off:], u.Transaction.PrevXid)
		off += 4
		byteOrder.PutUint64(buf[off:], uint64(u.Transaction.UrecPtrStart))
		off += 8
	}

	if u.Header.Flags&FlagPayload != 0 {
		if len(u.Payload) > 1<<16-1 || len(u.Tuple) > 1<<16-1 {
			panic("undo: payload or tuple too large to address with a uint16 length")
		}
		byteOrder.PutUint16(buf[off:], uint16(len(u.Payload)))
		off += 2
		byteOrder.PutUint16(buf[off:], uint16(len(u.Tuple)))
		off += 2
		off += copy(buf[off:], u.Payload)
		off += copy(buf[off:], u.Tuple)
	}

	if off != size {
		panic(fmt.Sprintf("undo: codec size mismatch: wrote %d, expected %d", off, size))
	}
	return buf
}

// putBlkprevOffset packs a 40-bit within-log byte offset into a 6-byte
// little-endian field (a uint32 low word followed by a uint16 high word),
// matching spec.md §3's 4+2 byte budget for the Block section's backward
// link.
func putBlkprevOffset(dst []byte, offset int64) {
	byteOrder.PutUint32(dst[0:4], uint32(offset))
	byteOrder.PutUint16(dst[4:6], uint16(offset>>32))
}

func getBlkprevOffset(src []byte) int64 {
	low := byteOrder.Uint32(src[0:4])
	high := byteOrder.Uint16(src[4:6])
	return int64(low) | int64(high)<<32
}

// InsertRecord writes as many bytes of u's serialized form as fit into page
// starting at startByte, picking up at alreadyWritten (an in/out cursor
// over u's full logical byte stream). It reports whether the record is now
// fully written. Callers loop across successive pages, passing
// PageHeaderSize as startByte on every call after the first (spec.md
// §4.2).
func InsertRecord(u *UnpackedRecord, page []byte, startByte int, alreadyWritten *int) (fullyWritten bool) {
	full := serialize(u)
	remaining := len(full) - *alreadyWritten
	if remaining <= 0 {
		return true
	}
	space := len(page) - startByte
	n := remaining
	if n > space {
		n = space
	}
	copy(page[startByte:startByte+n], full[*alreadyWritten:*alreadyWritten+n])
	*alreadyWritten += n
	return *alreadyWritten == len(full)
}

// decodePhase tracks which section UnpackRecord is currently assembling
// across possibly several calls (and page boundaries).
type decodePhase int

const (
	phaseHeader decodePhase = iota
	phaseRelationDetails
	phaseBlock
	phaseTransaction
	phasePayloadSizes
	phasePayload
	phaseTuple
	phaseDone
)

// fieldWidth returns the number of bytes phase needs, given u's so-far
// decoded Header/PayloadSizes. Only meaningful once the phases it depends
// on (Flags for gating, PayloadSizes for payload/tuple lengths) have
// already been decoded.
func fieldWidth(u *UnpackedRecord, phase decodePhase) int {
	switch phase {
	case phaseHeader:
		return headerSize
	case phaseRelationDetails:
		return relationDetailsSize
	case phaseBlock:
		return blockSize
	case phaseTransaction:
		return transactionSize
	case phasePayloadSizes:
		return payloadSizesSize
	case phasePayload:
		return int(u.payloadLen)
	case phaseTuple:
		return int(u.tupleLen)
	default:
		return 0
	}
}

// nextPhase advances past any section not selected by u.Header.Flags.
func nextPhase(u *UnpackedRecord, phase decodePhase) decodePhase {
	switch phase {
	case phaseHeader:
		phase = phaseRelationDetails
	case phaseRelationDetails:
		phase = phaseBlock
	case phaseBlock:
		phase = phaseTransaction
	case phaseTransaction:
		phase = phasePayloadSizes
	case phasePayloadSizes:
		phase = phasePayload
	case phasePayload:
		phase = phaseTuple
	case phaseTuple:
		return phaseDone
	default:
		return phaseDone
	}
	switch phase {
	case phaseRelationDetails:
		if u.Header.Flags&FlagRelationDetails == 0 {
			return nextPhase(u, phase)
		}
	case phaseBlock:
		if u.Header.Flags&FlagBlock == 0 {
			return nextPhase(u, phase)
		}
	case phaseTransaction:
		if u.Header.Flags&FlagTransaction == 0 {
			return nextPhase(u, phase)
		}
	case phasePayloadSizes, phasePayload, phaseTuple:
		if u.Header.Flags&FlagPayload == 0 {
			return phaseDone
		}
	}
	return phase
}

func decodeField(u *UnpackedRecord, phase decodePhase, b []byte) error {
	switch phase {
	case phaseHeader:
		t := RecordType(b[0])
		if !t.valid() {
			return fmt.Errorf("%w: unknown record type %d", ErrCorruptRecord, b[0])
		}
		u.Header.Type = t
		u.Header.Flags = RecordFlag(b[1])
		u.Header.Prevlen = byteOrder.Uint16(b[2:4])
		u.Header.RelNode = byteOrder.Uint32(b[4:8])
		u.Header.PrevXid = byteOrder.Uint32(b[8:12])
		u.Header.Xid = byteOrder.Uint32(b[12:16])
		u.Header.Cid = byteOrder.Uint32(b[16:20])
	case phaseRelationDetails:
		u.RelationDetails.Tablespace = byteOrder.Uint32(b[0:4])
		u.RelationDetails.Fork = b[4]
	case phaseBlock:
		u.Block.BlockNo = byteOrder.Uint64(b[0:8])
		u.Block.BlkprevOffset = getBlkprevOffset(b[8:14])
	case phaseTransaction:
		u.Transaction.PrevXid = byteOrder.Uint32(b[0:4])
		u.Transaction.UrecPtrStart = UndoRecPtr(byteOrder.Uint64(b[4:12]))
	case phasePayloadSizes:
		u.payloadLen = byteOrder.Uint16(b[0:2])
		u.tupleLen = byteOrder.Uint16(b[2:4])
		u.Payload = make([]byte, u.payloadLen)
		u.Tuple = make([]byte, u.tupleLen)
	case phasePayload:
		copy(u.Payload, b)
	case phaseTuple:
		copy(u.Tuple, b)
	}
	return nil
}

// UnpackRecord is the symmetric decoder to InsertRecord. It reads bytes out
// of page starting at startByte, resuming at alreadyDecoded, and
// incrementally fills in u's Header and then whichever optional sections
// Flags selects, in their fixed order (spec.md §4.2). It reports whether u
// is now fully decoded.
//
// u must be the same *UnpackedRecord across a continuation chain: it
// carries the decode cursor (phase, a small byte carry, and the
// payload/tuple lengths once known) between calls.
func UnpackRecord(u *UnpackedRecord, page []byte, startByte int, alreadyDecoded *int) (fullyDecoded bool, err error) {
	if startByte > len(page) {
		startByte = len(page)
	}
	buf := append(u.carry, page[startByte:]...)
	u.carry = nil
	pos := 0

	for {
		if u.phase == phaseDone {
			*alreadyDecoded += pos
			return true, nil
		}
		need := fieldWidth(u, u.phase)
		if need == 0 {
			u.phase = nextPhase(u, u.phase)
			continue
		}
		if len(buf)-pos < need {
			u.carry = append([]byte(nil), buf[pos:]...)
			*alreadyDecoded += pos
			return false, nil
		}
		if err := decodeField(u, u.phase, buf[pos:pos+need]); err != nil {
			return false, err
		}
		pos += need
		u.phase = nextPhase(u, u.phase)
	}
}
