package undo

import (
	"fmt"
	"log/slog"
	"sync"
)

// WriterID identifies a writer transaction to the Manager. The original
// engine keys per-writer attachment off thread-local storage; Go has no
// equivalent, so callers pass this token explicitly on every call instead
// (spec.md §9, "Global mutable state": pass the engine handle and now the
// writer identity into every entry point).
type WriterID uint64

// WALRecorder is the out-of-scope WAL collaborator spec.md §1 and §4.3
// describe: an opaque, durable, LSN-producing record sink. The Manager
// writes a WAL record before making the corresponding undo-log state change
// durable (write-ahead rule, spec.md §5), then a crash-recovery replay of
// those same records (via Redo) re-derives the state. internal/walshim
// supplies a concrete, disk-backed implementation for tests and the
// cmd/undoctl demo.
type WALRecorder interface {
	Append(kind WALRecordKind, payload []byte) (lsn uint64, err error)
	Sync() error
}

type writerKey struct {
	writer      WriterID
	persistence Persistence
}

// Manager is the Log Manager of spec.md §4.1: it owns the control slots
// (at most EngineConfig.MaxLogs of them), assigns logs to writers, grows and recycles backing
// segment files, and coordinates allocation with discard.
type Manager struct {
	cfg EngineConfig
	wal WALRecorder // nil is legal: WAL logging is then skipped entirely

	// mu is the coarse, second lock of spec.md §9 ("Locking granularity"):
	// it covers slot allocation (creating a new log, attaching/detaching a
	// writer) but is never held during segment I/O. When both locks are
	// held, the per-log lock comes first: Discard takes mu while holding a
	// log's Mu, and nothing takes a log's Mu while holding mu.
	mu sync.Mutex

	slots     map[LogNumber]*UndoLog
	nextLogNo LogNumber

	writerLogs map[writerKey]LogNumber
	// xidToLog is allocated by NewManager; no code in this package writes
	// to it or reads from it (AllocateInRecovery takes the log number from
	// its caller instead).
	xidToLog map[uint32]LogNumber

	checkpointInProgress bool
	// pendingUnlinks holds segments discard wanted to remove while
	// checkpointInProgress was set; they're unlinked once it clears
	// (spec.md §4.3, "Checkpoint-in-progress flag").
	pendingUnlinks []pendingUnlink
}

type pendingUnlink struct {
	path string
}

// NewManager constructs an empty Manager. wal may be nil to skip WAL
// logging entirely, e.g. in codec/allocator unit tests that don't exercise
// recovery.
func NewManager(cfg EngineConfig, wal WALRecorder) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{
		cfg:        cfg,
		wal:        wal,
		slots:      make(map[LogNumber]*UndoLog),
		writerLogs: make(map[writerKey]LogNumber),
		xidToLog:   make(map[uint32]LogNumber),
	}, nil
}

// logAppend writes a WAL record if a recorder is configured, fsyncing it
// before returning so the write-ahead rule holds for the caller's
// subsequent on-disk effect.
func (m *Manager) logAppend(kind WALRecordKind, payload []byte) error {
	if m.wal == nil {
		return nil
	}
	if _, err := m.wal.Append(kind, payload); err != nil {
		return fmt.Errorf("%w: wal append: %v", ErrIOError, err)
	}
	return m.wal.Sync()
}

// Allocate reserves size bytes for a new record at the given persistence
// level on behalf of writer, extending backing segments as needed, and
// returns the insertion address. The caller must write exactly size bytes
// there and call Advance (spec.md §4.1).
func (m *Manager) Allocate(writer WriterID, size int64, persistence Persistence, xid, xidEpoch uint32) (UndoRecPtr, error) {
	if size <= 0 || size > m.cfg.MaxRecordSize() {
		return InvalidUndoRecPtr, fmt.Errorf("%w: allocate size %d out of range (max %d)", ErrInvariantViolation, size, m.cfg.MaxRecordSize())
	}

	log, err := m.attach(writer, persistence)
	if err != nil {
		return InvalidUndoRecPtr, err
	}

	if exhausted := func() bool {
		log.Mu.Lock()
		defer log.Mu.Unlock()
		if log.Insert+size > MaxLogSize {
			// This log is exhausted; it stays around, readable, until
			// discarded. Detach so the next attach finds or creates a
			// fresh one.
			log.state = logExhausted
			log.owner = 0
			return true
		}
		return false
	}(); exhausted {
		m.detach(writer, persistence)
		log, err = m.attach(writer, persistence)
		if err != nil {
			return InvalidUndoRecPtr, err
		}
	}

	log.Mu.Lock()
	defer log.Mu.Unlock()

	if log.Insert+size > log.End {
		if err := m.extend(log, log.Insert+size); err != nil {
			return InvalidUndoRecPtr, err
		}
	}

	if log.owner != uint64(writer) || log.Xid != xid {
		log.IsFirstRec = true
		log.Xid = xid
		log.XidEpoch = xidEpoch
		log.LastXactStart = log.Insert
		log.owner = uint64(writer)
		if err := m.logAppend(WALMarkXactStart, encodeMarkXactStart(log.LogNo, xid, log.LastXactStart)); err != nil {
			return InvalidUndoRecPtr, err
		}
	}

	return MakeUndoRecPtr(log.LogNo, log.Insert), nil
}

// AllocateInRecovery reserves size bytes in the log the caller names
// (the log number carried in the replayed record's undo pointer), rather
// than searching for an idle slot, so recovery reproduces the exact log
// number observed pre-crash (spec.md §4.1, "Allocation during recovery").
// It does not look xid up in any xid -> log mapping; xid only appears in
// the error for an unknown log.
func (m *Manager) AllocateInRecovery(xid uint32, size int64, logno LogNumber) (UndoRecPtr, error) {
	m.mu.Lock()
	log, ok := m.slots[logno]
	m.mu.Unlock()
	if !ok {
		return InvalidUndoRecPtr, fmt.Errorf("%w: allocate_in_recovery: unknown log %d for xid %d", ErrInvariantViolation, logno, xid)
	}

	log.Mu.Lock()
	defer log.Mu.Unlock()

	if log.Insert+size > log.End {
		if err := m.extend(log, log.Insert+size); err != nil {
			return InvalidUndoRecPtr, err
		}
	}
	return MakeUndoRecPtr(log.LogNo, log.Insert), nil
}

// attach finds or creates the log a writer is currently using at
// persistence, per spec.md §4.1 step 1.
func (m *Manager) attach(writer WriterID, persistence Persistence) (*UndoLog, error) {
	key := writerKey{writer, persistence}

	m.mu.Lock()
	if logno, ok := m.writerLogs[key]; ok {
		if log, ok := m.slots[logno]; ok && !log.exhausted() {
			m.mu.Unlock()
			return log, nil
		}
	}

	for _, log := range m.slots {
		if log.Persistence == persistence && log.owner == 0 && log.state == logIdle {
			log.state = logAttached
			m.writerLogs[key] = log.LogNo
			m.mu.Unlock()
			return log, nil
		}
	}

	log, err := m.createLogLocked(persistence, nil)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	log.state = logAttached
	m.writerLogs[key] = log.LogNo
	m.mu.Unlock()
	return log, nil
}

func (m *Manager) detach(writer WriterID, persistence Persistence) {
	m.mu.Lock()
	delete(m.writerLogs, writerKey{writer, persistence})
	m.mu.Unlock()
}

// createLogLocked allocates a new control slot. Called with m.mu held. If
// forceLogNo is non-nil, the new log is created with exactly that number
// (used by WAL redo of create-log records); otherwise the next sequential
// number is assigned.
func (m *Manager) createLogLocked(persistence Persistence, forceLogNo *LogNumber) (*UndoLog, error) {
	var logno LogNumber
	if forceLogNo != nil {
		logno = *forceLogNo
	} else {
		if len(m.slots) >= m.cfg.MaxLogs {
			return nil, fmt.Errorf("%w: no free control slot (max %d logs)", ErrResourceExhausted, m.cfg.MaxLogs)
		}
		logno = m.nextLogNo
		m.nextLogNo++
	}

	log := &UndoLog{
		LogNo:       logno,
		Persistence: persistence,
		state:       logIdle,
	}
	m.slots[logno] = log

	if err := m.logAppend(WALCreateLog, encodeCreateLog(logno, persistence)); err != nil {
		delete(m.slots, logno)
		return nil, err
	}
	slog.Info("undo: log created", "logno", logno, "persistence", persistence)
	return log, nil
}

// extend grows log's backing segments until End >= target. Must be called
// with log.Mu held; releases it is NOT done here (I/O happens while still
// holding the per-log lock, but never the coarse m.mu, matching spec.md
// §5's "must be released before acquiring a page lock" discipline at the
// boundary this package owns).
func (m *Manager) extend(log *UndoLog, target int64) error {
	segSize := m.cfg.SegmentSize()
	for log.End < target {
		segno := log.End / segSize
		path := SegmentPath(m.cfg.BaseDir, log.Tablespace, log.LogNo, segno)
		if err := createSegment(path, segSize); err != nil {
			return err
		}
		newEnd := log.End + segSize
		if err := m.logAppend(WALExtendSegments, encodeExtendSegments(log.LogNo, newEnd)); err != nil {
			return err
		}
		log.End = newEnd
		slog.Debug("undo: segment extended", "logno", log.LogNo, "segno", segno, "end", log.End)
	}
	return nil
}

// Advance publishes the result of a completed write: the caller has written
// exactly size bytes at ptr and now moves the log's head forward (spec.md
// §4.1, "Advance").
func (m *Manager) Advance(ptr UndoRecPtr, size int64) error {
	log, err := m.logFor(ptr)
	if err != nil {
		return err
	}
	log.Mu.Lock()
	defer log.Mu.Unlock()

	offset := UndoRecPtrGetOffset(ptr)
	if offset != log.Insert {
		return fmt.Errorf("%w: advance: ptr offset %d does not match log %d insert %d", ErrInvariantViolation, offset, log.LogNo, log.Insert)
	}

	if err := m.logAppend(WALAdvanceInsert, encodeAdvanceInsert(log.LogNo, offset+size)); err != nil {
		return err
	}
	log.Insert = offset + size
	log.Prevlen = uint16(size)
	log.IsFirstRec = false
	return nil
}

// Rewind truncates a log's logical insert position back to ptr, restoring
// prevlen, to undo a partial write during abort-before-commit. Physical
// segments are not shrunk; only Discard shrinks them (spec.md §5,
// "Cancellation").
func (m *Manager) Rewind(ptr UndoRecPtr, prevlen uint16) error {
	log, err := m.logFor(ptr)
	if err != nil {
		return err
	}
	log.Mu.Lock()
	defer log.Mu.Unlock()

	log.Insert = UndoRecPtrGetOffset(ptr)
	log.Prevlen = prevlen
	return nil
}

// Discard advances a log's tail to point.Offset, unlinking any segment
// whose upper byte is now strictly below the new discard position. A call
// with point before the current discard is a no-op (monotonicity, spec.md
// §4.1 "Discard").
func (m *Manager) Discard(point UndoRecPtr, xid uint32) error {
	log, err := m.logFor(point)
	if err != nil {
		return err
	}
	log.Mu.Lock()
	defer log.Mu.Unlock()

	newDiscard := UndoRecPtrGetOffset(point)
	if newDiscard <= log.Discard {
		return nil
	}

	segSize := m.cfg.SegmentSize()
	firstLiveSegment := newDiscard / segSize
	oldFirstSegment := log.Discard / segSize

	if err := m.logAppend(WALDiscard, encodeDiscard(log.LogNo, newDiscard)); err != nil {
		return err
	}
	log.Discard = newDiscard

	for segno := oldFirstSegment; segno < firstLiveSegment; segno++ {
		path := SegmentPath(m.cfg.BaseDir, log.Tablespace, log.LogNo, segno)
		if m.checkpointInProgressFlag() {
			m.mu.Lock()
			m.pendingUnlinks = append(m.pendingUnlinks, pendingUnlink{path})
			m.mu.Unlock()
			continue
		}
		if err := unlinkSegment(path); err != nil {
			return err
		}
	}

	if log.fullyConsumed() {
		log.state = logFullyDiscarded
	}
	return nil
}

func (m *Manager) checkpointInProgressFlag() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpointInProgress
}

// CheckpointInProgress sets or clears the flag that defers discard's
// segment unlinks so a crash mid-checkpoint never loses a segment the
// checkpoint snapshot still references (spec.md §4.3). Clearing it flushes
// any unlinks that were deferred while it was set.
func (m *Manager) CheckpointInProgress(flag bool) error {
	m.mu.Lock()
	m.checkpointInProgress = flag
	var pending []pendingUnlink
	if !flag {
		pending = m.pendingUnlinks
		m.pendingUnlinks = nil
	}
	m.mu.Unlock()

	for _, p := range pending {
		if err := unlinkSegment(p.path); err != nil {
			return err
		}
	}
	return nil
}

// IsDiscarded reports whether ptr has already been discarded in its log
// (spec.md §4.1, "Query").
func (m *Manager) IsDiscarded(ptr UndoRecPtr) bool {
	log, err := m.logFor(ptr)
	if err != nil {
		return true // an unknown log has nothing left to read
	}
	log.Mu.Lock()
	defer log.Mu.Unlock()
	return UndoRecPtrGetOffset(ptr) < log.Discard
}

func (m *Manager) logFor(ptr UndoRecPtr) (*UndoLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log, ok := m.slots[UndoRecPtrGetLogNo(ptr)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown log %d", ErrInvariantViolation, UndoRecPtrGetLogNo(ptr))
	}
	return log, nil
}

// NextInsertPtr, FirstValidRecord, LastXactStartPoint, GetPrevlen, and
// SetPrevlen are the cheap metadata queries of spec.md §4.1, all reading
// (or, for SetPrevlen, writing) a control slot under its lock.

// NextInsertPtr returns the address the next allocation in logno will
// start at.
func (m *Manager) NextInsertPtr(logno LogNumber) (UndoRecPtr, error) {
	log, err := m.logByNo(logno)
	if err != nil {
		return InvalidUndoRecPtr, err
	}
	log.Mu.Lock()
	defer log.Mu.Unlock()
	return MakeUndoRecPtr(logno, log.Insert), nil
}

// FirstValidRecord returns the oldest offset in logno that has not yet been
// discarded, or InvalidUndoRecPtr if the log has no live records.
func (m *Manager) FirstValidRecord(logno LogNumber) (UndoRecPtr, error) {
	log, err := m.logByNo(logno)
	if err != nil {
		return InvalidUndoRecPtr, err
	}
	log.Mu.Lock()
	defer log.Mu.Unlock()
	if log.Discard >= log.Insert {
		return InvalidUndoRecPtr, nil
	}
	return MakeUndoRecPtr(logno, log.Discard), nil
}

// LastXactStartPoint returns the insertion offset of the current or last
// transaction's first record in logno.
func (m *Manager) LastXactStartPoint(logno LogNumber) (UndoRecPtr, error) {
	log, err := m.logByNo(logno)
	if err != nil {
		return InvalidUndoRecPtr, err
	}
	log.Mu.Lock()
	defer log.Mu.Unlock()
	return MakeUndoRecPtr(logno, log.LastXactStart), nil
}

// GetPrevlen returns the length of the most recently appended record in
// logno.
func (m *Manager) GetPrevlen(logno LogNumber) (uint16, error) {
	log, err := m.logByNo(logno)
	if err != nil {
		return 0, err
	}
	log.Mu.Lock()
	defer log.Mu.Unlock()
	return log.Prevlen, nil
}

// SetPrevlen overwrites the recorded length of the most recently appended
// record in logno, used by WAL redo of set-prevlen records.
func (m *Manager) SetPrevlen(logno LogNumber, prevlen uint16) error {
	log, err := m.logByNo(logno)
	if err != nil {
		return err
	}
	log.Mu.Lock()
	defer log.Mu.Unlock()
	log.Prevlen = prevlen
	return nil
}

func (m *Manager) logByNo(logno LogNumber) (*UndoLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log, ok := m.slots[logno]
	if !ok {
		return nil, fmt.Errorf("%w: unknown log %d", ErrInvariantViolation, logno)
	}
	return log, nil
}

// ActiveLogs calls fn with a snapshot of every control slot that is not
// unused, in ascending log-number order, stopping early if fn returns
// false. Used by checkpointing (spec.md §4.3 step 2) and by diagnostics.
func (m *Manager) ActiveLogs(fn func(LogSnapshot) bool) {
	m.mu.Lock()
	logs := make([]*UndoLog, 0, len(m.slots))
	for _, l := range m.slots {
		logs = append(logs, l)
	}
	m.mu.Unlock()

	sortLogsByNumber(logs)

	for _, l := range logs {
		l.Mu.Lock()
		snap := l.snapshot()
		l.Mu.Unlock()
		if !fn(snap) {
			return
		}
	}
}

func sortLogsByNumber(logs []*UndoLog) {
	for i := 1; i < len(logs); i++ {
		for j := i; j > 0 && logs[j-1].LogNo > logs[j].LogNo; j-- {
			logs[j-1], logs[j] = logs[j], logs[j-1]
		}
	}
}

// DirtySegmentRange reports the inclusive [low, high] segment index range
// for logno that has been written since the last checkpoint flushed it, so
// an incremental checkpoint does not re-flush clean segments (spec.md §4.3
// step 5). Flushing the underlying bytes is the buffer cache's job; this
// only tracks the boundary.
func (m *Manager) DirtySegmentRange(logno LogNumber) (low, high int64, err error) {
	log, err := m.logByNo(logno)
	if err != nil {
		return 0, 0, err
	}
	log.Mu.Lock()
	defer log.Mu.Unlock()
	segSize := m.cfg.SegmentSize()
	low = log.highestSyncedSegment
	high = (log.Insert - 1) / segSize
	if log.Insert == 0 {
		high = low - 1 // empty range
	}
	return low, high, nil
}

// MarkSegmentsSynced records that every segment up through `through` has
// been flushed, advancing the low end DirtySegmentRange reports next time.
func (m *Manager) MarkSegmentsSynced(logno LogNumber, through int64) error {
	log, err := m.logByNo(logno)
	if err != nil {
		return err
	}
	log.Mu.Lock()
	defer log.Mu.Unlock()
	if through+1 > log.highestSyncedSegment {
		log.highestSyncedSegment = through + 1
	}
	return nil
}
