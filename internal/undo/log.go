package undo

import "sync"

// logState is the per-slot state machine of spec.md §4.1: {unused ->
// attached(xid) -> idle -> exhausted -> fully-discarded -> unused}.
type logState uint8

const (
	logUnused logState = iota
	logAttached
	logIdle
	logExhausted
	logFullyDiscarded
)

func (s logState) String() string {
	switch s {
	case logUnused:
		return "unused"
	case logAttached:
		return "attached"
	case logIdle:
		return "idle"
	case logExhausted:
		return "exhausted"
	case logFullyDiscarded:
		return "fully-discarded"
	default:
		return "invalid"
	}
}

// UndoLog is a logical byte-addressed stream backed by a sequence of
// fixed-size segment files (spec.md §3). Every field here is protected by
// Mu; callers outside this package never touch an UndoLog directly, they
// observe snapshots returned by Manager.
type UndoLog struct {
	Mu sync.Mutex

	LogNo       LogNumber
	Tablespace  string
	Persistence Persistence

	Insert  int64 // head: next free byte offset
	End     int64 // one past the last byte of the highest allocated segment
	Discard int64 // tail: oldest byte still needed

	LastXactStart int64
	Xid           uint32
	XidEpoch      uint32
	IsFirstRec    bool
	Prevlen       uint16

	state logState
	// owner is the writer currently attached to this log, 0 if none.
	owner uint64

	// highestSyncedSegment is the boundary dirty_segment_range reports
	// below, remembered so incremental checkpoints don't re-flush clean
	// segments (spec.md §4.3 step 5).
	highestSyncedSegment int64
}

// LogSnapshot is the immutable metadata Manager hands out for checkpointing
// and for read-only queries; it is a copy, never a live pointer into the
// log's locked state.
type LogSnapshot struct {
	LogNo         LogNumber
	Tablespace    string
	Persistence   Persistence
	Insert        int64
	End           int64
	Discard       int64
	LastXactStart int64
	Xid           uint32
	XidEpoch      uint32
	IsFirstRec    bool
	Prevlen       uint16
}

// snapshot must be called with l.Mu held.
func (l *UndoLog) snapshot() LogSnapshot {
	return LogSnapshot{
		LogNo:         l.LogNo,
		Tablespace:    l.Tablespace,
		Persistence:   l.Persistence,
		Insert:        l.Insert,
		End:           l.End,
		Discard:       l.Discard,
		LastXactStart: l.LastXactStart,
		Xid:           l.Xid,
		XidEpoch:      l.XidEpoch,
		IsFirstRec:    l.IsFirstRec,
		Prevlen:       l.Prevlen,
	}
}

// exhausted reports whether l.Insert has reached MaxLogSize; an exhausted
// log is never reopened for writes but remains readable until discarded
// (spec.md §3, §4.1 step 2).
func (l *UndoLog) exhausted() bool {
	return l.Insert == MaxLogSize
}

// fullyConsumed reports whether l is eligible for destruction: exhausted
// and fully discarded (spec.md §3, "Lifecycles").
func (l *UndoLog) fullyConsumed() bool {
	return l.exhausted() && l.Discard == l.Insert
}
