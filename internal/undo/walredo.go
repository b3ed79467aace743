package undo

import "fmt"

// WALRecordKind enumerates the undo-log state changes that must round-trip
// through WAL so replay can re-derive them deterministically (spec.md §4.3,
// "WAL record kinds"). Each payload below is little-endian with a fixed
// length per kind; the decoders reject any other length.
type WALRecordKind uint8

const (
	WALCreateLog WALRecordKind = iota + 1
	WALExtendSegments
	WALAdvanceInsert
	WALSetPrevlen
	WALDiscard
	WALMarkXactStart
)

func (k WALRecordKind) String() string {
	switch k {
	case WALCreateLog:
		return "create-log"
	case WALExtendSegments:
		return "extend-segments"
	case WALAdvanceInsert:
		return "advance-insert"
	case WALSetPrevlen:
		return "set-prevlen"
	case WALDiscard:
		return "discard"
	case WALMarkXactStart:
		return "mark-xact-start"
	default:
		return "unknown"
	}
}

func encodeCreateLog(logno LogNumber, persistence Persistence) []byte {
	b := make([]byte, 5)
	byteOrder.PutUint32(b[0:4], uint32(logno))
	b[4] = byte(persistence)
	return b
}

func decodeCreateLog(payload []byte) (LogNumber, Persistence, error) {
	if len(payload) != 5 {
		return 0, 0, fmt.Errorf("%w: create-log payload length %d", ErrCorruptRecord, len(payload))
	}
	return LogNumber(byteOrder.Uint32(payload[0:4])), Persistence(payload[4]), nil
}

func encodeExtendSegments(logno LogNumber, newEnd int64) []byte {
	b := make([]byte, 12)
	byteOrder.PutUint32(b[0:4], uint32(logno))
	byteOrder.PutUint64(b[4:12], uint64(newEnd))
	return b
}

func decodeExtendSegments(payload []byte) (LogNumber, int64, error) {
	if len(payload) != 12 {
		return 0, 0, fmt.Errorf("%w: extend-segments payload length %d", ErrCorruptRecord, len(payload))
	}
	return LogNumber(byteOrder.Uint32(payload[0:4])), int64(byteOrder.Uint64(payload[4:12])), nil
}

func encodeAdvanceInsert(logno LogNumber, newInsert int64) []byte {
	b := make([]byte, 12)
	byteOrder.PutUint32(b[0:4], uint32(logno))
	byteOrder.PutUint64(b[4:12], uint64(newInsert))
	return b
}

func decodeAdvanceInsert(payload []byte) (LogNumber, int64, error) {
	if len(payload) != 12 {
		return 0, 0, fmt.Errorf("%w: advance-insert payload length %d", ErrCorruptRecord, len(payload))
	}
	return LogNumber(byteOrder.Uint32(payload[0:4])), int64(byteOrder.Uint64(payload[4:12])), nil
}

func encodeSetPrevlen(logno LogNumber, prevlen uint16) []byte {
	b := make([]byte, 6)
	byteOrder.PutUint32(b[0:4], uint32(logno))
	byteOrder.PutUint16(b[4:6], prevlen)
	return b
}

func decodeSetPrevlen(payload []byte) (LogNumber, uint16, error) {
	if len(payload) != 6 {
		return 0, 0, fmt.Errorf("%w: set-prevlen payload length %d", ErrCorruptRecord, len(payload))
	}
	return LogNumber(byteOrder.Uint32(payload[0:4])), byteOrder.Uint16(payload[4:6]), nil
}

func encodeDiscard(logno LogNumber, newDiscard int64) []byte {
	b := make([]byte, 12)
	byteOrder.PutUint32(b[0:4], uint32(logno))
	byteOrder.PutUint64(b[4:12], uint64(newDiscard))
	return b
}

func decodeDiscard(payload []byte) (LogNumber, int64, error) {
	if len(payload) != 12 {
		return 0, 0, fmt.Errorf("%w: discard payload length %d", ErrCorruptRecord, len(payload))
	}
	return LogNumber(byteOrder.Uint32(payload[0:4])), int64(byteOrder.Uint64(payload[4:12])), nil
}

func encodeMarkXactStart(logno LogNumber, xid uint32, lastXactStart int64) []byte {
	b := make([]byte, 16)
	byteOrder.PutUint32(b[0:4], uint32(logno))
	byteOrder.PutUint32(b[4:8], xid)
	byteOrder.PutUint64(b[8:16], uint64(lastXactStart))
	return b
}

func decodeMarkXactStart(payload []byte) (logno LogNumber, xid uint32, lastXactStart int64, err error) {
	if len(payload) != 16 {
		return 0, 0, 0, fmt.Errorf("%w: mark-xact-start payload length %d", ErrCorruptRecord, len(payload))
	}
	return LogNumber(byteOrder.Uint32(payload[0:4])), byteOrder.Uint32(payload[4:8]), int64(byteOrder.Uint64(payload[8:16])), nil
}

// Redo applies one WAL-replayed undo record to the Manager's in-memory
// state. Every case is idempotent, so replaying the same prefix of WAL
// twice from identical initial state yields identical control-slot state
// (spec.md §8, "Checkpoint idempotence"): the monotonic fields (End,
// Insert, Discard) only ever move forward to the replayed value, never
// backward; set-prevlen and mark-xact-start overwrite their fields with the
// replayed values; and creating an already-existing log or segment is a
// no-op.
func (m *Manager) Redo(kind WALRecordKind, payload []byte) error {
	switch kind {
	case WALCreateLog:
		logno, persistence, err := decodeCreateLog(payload)
		if err != nil {
			return err
		}
		return m.redoCreateLog(logno, persistence)

	case WALExtendSegments:
		logno, newEnd, err := decodeExtendSegments(payload)
		if err != nil {
			return err
		}
		return m.redoExtendSegments(logno, newEnd)

	case WALAdvanceInsert:
		logno, newInsert, err := decodeAdvanceInsert(payload)
		if err != nil {
			return err
		}
		return m.redoAdvanceInsert(logno, newInsert)

	case WALSetPrevlen:
		logno, prevlen, err := decodeSetPrevlen(payload)
		if err != nil {
			return err
		}
		return m.SetPrevlen(logno, prevlen)

	case WALDiscard:
		logno, newDiscard, err := decodeDiscard(payload)
		if err != nil {
			return err
		}
		return m.redoDiscard(logno, newDiscard)

	case WALMarkXactStart:
		logno, xid, lastXactStart, err := decodeMarkXactStart(payload)
		if err != nil {
			return err
		}
		return m.redoMarkXactStart(logno, xid, lastXactStart)

	default:
		return fmt.Errorf("%w: unknown WAL record kind %d", ErrCorruptRecord, kind)
	}
}

func (m *Manager) redoCreateLog(logno LogNumber, persistence Persistence) error {
	m.mu.Lock()
	if _, ok := m.slots[logno]; ok {
		m.mu.Unlock()
		return nil
	}
	_, err := m.createLogLocked(persistence, &logno)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if logno+1 > m.nextLogNo {
		m.mu.Lock()
		m.nextLogNo = logno + 1
		m.mu.Unlock()
	}
	return nil
}

func (m *Manager) redoExtendSegments(logno LogNumber, newEnd int64) error {
	log, err := m.logByNo(logno)
	if err != nil {
		return err
	}
	log.Mu.Lock()
	defer log.Mu.Unlock()
	if newEnd <= log.End {
		return nil
	}
	segSize := m.cfg.SegmentSize()
	for log.End < newEnd {
		segno := log.End / segSize
		path := SegmentPath(m.cfg.BaseDir, log.Tablespace, log.LogNo, segno)
		if err := createSegment(path, segSize); err != nil {
			return err
		}
		log.End += segSize
	}
	return nil
}

func (m *Manager) redoAdvanceInsert(logno LogNumber, newInsert int64) error {
	log, err := m.logByNo(logno)
	if err != nil {
		return err
	}
	log.Mu.Lock()
	defer log.Mu.Unlock()
	if newInsert > log.Insert {
		log.Insert = newInsert
	}
	return nil
}

func (m *Manager) redoDiscard(logno LogNumber, newDiscard int64) error {
	log, err := m.logByNo(logno)
	if err != nil {
		return err
	}
	log.Mu.Lock()
	if newDiscard <= log.Discard {
		log.Mu.Unlock()
		return nil
	}
	segSize := m.cfg.SegmentSize()
	firstLive := newDiscard / segSize
	oldFirst := log.Discard / segSize
	log.Discard = newDiscard
	if log.fullyConsumed() {
		log.state = logFullyDiscarded
	}
	tablespace, base := log.Tablespace, m.cfg.BaseDir
	log.Mu.Unlock()

	for segno := oldFirst; segno < firstLive; segno++ {
		if err := unlinkSegment(SegmentPath(base, tablespace, logno, segno)); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) redoMarkXactStart(logno LogNumber, xid uint32, lastXactStart int64) error {
	log, err := m.logByNo(logno)
	if err != nil {
		return err
	}
	log.Mu.Lock()
	defer log.Mu.Unlock()
	log.Xid = xid
	log.LastXactStart = lastXactStart
	log.IsFirstRec = true
	return nil
}
