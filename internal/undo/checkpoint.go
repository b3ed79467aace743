package undo

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/google/uuid"
)

var checkpointMagic = [8]byte{'U', 'N', 'D', 'O', 'C', 'K', 'P', 'T'}

const checkpointVersion uint16 = 1

// checkpointNamePattern matches the fixed 16-hex-character checkpoint
// filename format of spec.md §6; anything else in the checkpoint directory
// is ignored by Startup.
var checkpointNamePattern = regexp.MustCompile(`^[0-9A-F]{16}$`)

// checkpointDir is where checkpoint files for this engine instance live.
func (m *Manager) checkpointDir() string {
	return filepath.Join(m.cfg.BaseDir, "undo_checkpoints")
}

// checkpointPath derives a checkpoint file's name from its redo LSN: a
// fixed 16 hex-character encoding, chosen so lexicographic order matches
// LSN order (spec.md §4.3 step 3, §6).
func checkpointPath(dir string, redoLSN uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%016X", redoLSN))
}

// Checkpoint snapshots every control slot's metadata to a checkpoint file
// keyed by redoLSN, then deletes the previous checkpoint file (named by
// priorRedoLSN) once the new one is durable (spec.md §4.3). It also
// quiesces discard's segment unlinks for its duration via
// CheckpointInProgress, so a crash mid-checkpoint never loses a segment the
// snapshot still references.
func (m *Manager) Checkpoint(redoLSN, priorRedoLSN uint64) (err error) {
	if err := m.CheckpointInProgress(true); err != nil {
		return err
	}
	defer func() {
		if clearErr := m.CheckpointInProgress(false); clearErr != nil && err == nil {
			err = clearErr
		}
	}()

	var snaps []LogSnapshot
	m.ActiveLogs(func(s LogSnapshot) bool {
		snaps = append(snaps, s)
		return true
	})

	body := encodeCheckpointBody(redoLSN, priorRedoLSN, snaps)

	dir := m.checkpointDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: mkdir checkpoint dir: %v", ErrIOError, err)
	}

	// A UUID-suffixed temp name, per SPEC_FULL.md's domain-stack note,
	// keeps a checkpoint attempt from colliding with any other
	// in-progress write to this directory before the atomic rename.
	tmpPath := filepath.Join(dir, fmt.Sprintf("ckpt.%016X.tmp-%s", redoLSN, uuid.NewString()))
	if err := writeFileFsync(tmpPath, body); err != nil {
		return err
	}

	finalPath := checkpointPath(dir, redoLSN)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("%w: rename checkpoint into place: %v", ErrIOError, err)
	}
	if err := fsyncDir(dir); err != nil {
		return err
	}

	if priorRedoLSN != redoLSN {
		prior := checkpointPath(dir, priorRedoLSN)
		if err := os.Remove(prior); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: remove prior checkpoint: %v", ErrIOError, err)
		}
	}

	slog.Info("undo: checkpoint written", "redo_lsn", redoLSN, "logs", len(snaps))
	return nil
}

func writeFileFsync(path string, body []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrIOError, path, err)
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		return fmt.Errorf("%w: write %s: %v", ErrIOError, path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: fsync %s: %v", ErrIOError, path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrIOError, path, err)
	}
	return fsyncDir(filepath.Dir(path))
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("%w: open dir %s: %v", ErrIOError, dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("%w: fsync dir %s: %v", ErrIOError, dir, err)
	}
	return nil
}

// Startup locates the lexicographically greatest checkpoint filename in the
// engine's checkpoint directory, loads its per-log metadata into fresh
// control slots, and returns the redo LSN replay must resume from (spec.md
// §4.3, "Startup"). It returns ErrNoCheckpoint if the directory holds no
// valid checkpoint file yet, which is not itself fatal: a caller starting
// an empty engine should treat it as "replay from the beginning of WAL."
func (m *Manager) Startup() (redoLSN uint64, err error) {
	dir := m.checkpointDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNoCheckpoint
		}
		return 0, fmt.Errorf("%w: read checkpoint dir: %v", ErrIOError, err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && checkpointNamePattern.MatchString(e.Name()) {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return 0, ErrNoCheckpoint
	}
	sort.Strings(names)
	newest := names[len(names)-1]

	data, err := os.ReadFile(filepath.Join(dir, newest))
	if err != nil {
		return 0, fmt.Errorf("%w: read checkpoint file %s: %v", ErrIOError, newest, err)
	}

	gotRedoLSN, snaps, err := decodeCheckpointBody(data)
	if err != nil {
		return 0, err
	}

	wantLSN, err := strconv.ParseUint(newest, 16, 64)
	if err != nil || wantLSN != gotRedoLSN {
		return 0, fmt.Errorf("%w: checkpoint filename %s does not match embedded redo LSN %016X", ErrCorruptRecord, newest, gotRedoLSN)
	}

	m.mu.Lock()
	m.slots = make(map[LogNumber]*UndoLog, len(snaps))
	m.nextLogNo = 0
	for _, s := range snaps {
		log := &UndoLog{
			LogNo:         s.LogNo,
			Tablespace:    s.Tablespace,
			Persistence:   s.Persistence,
			Insert:        s.Insert,
			End:           s.End,
			Discard:       s.Discard,
			LastXactStart: s.LastXactStart,
			Xid:           s.Xid,
			XidEpoch:      s.XidEpoch,
			IsFirstRec:    s.IsFirstRec,
			Prevlen:       s.Prevlen,
		}
		switch {
		case log.fullyConsumed():
			log.state = logFullyDiscarded
		case log.exhausted():
			log.state = logExhausted
		default:
			log.state = logIdle
		}
		m.slots[s.LogNo] = log
		if s.LogNo+1 > m.nextLogNo {
			m.nextLogNo = s.LogNo + 1
		}
	}
	m.mu.Unlock()

	slog.Info("undo: startup loaded checkpoint", "file", newest, "redo_lsn", gotRedoLSN, "logs", len(snaps))
	return gotRedoLSN, nil
}

func encodeCheckpointBody(redoLSN, priorRedoLSN uint64, snaps []LogSnapshot) []byte {
	var buf bytes.Buffer
	buf.Write(checkpointMagic[:])
	writeU16(&buf, checkpointVersion)
	writeU64(&buf, redoLSN)
	writeU64(&buf, priorRedoLSN)
	writeU32(&buf, uint32(len(snaps)))

	for _, s := range snaps {
		writeU32(&buf, uint32(s.LogNo))
		writeU16(&buf, uint16(len(s.Tablespace)))
		buf.WriteString(s.Tablespace)
		buf.WriteByte(byte(s.Persistence))
		writeU64(&buf, uint64(s.Insert))
		writeU64(&buf, uint64(s.End))
		writeU64(&buf, uint64(s.Discard))
		writeU64(&buf, uint64(s.LastXactStart))
		if s.IsFirstRec {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		writeU32(&buf, s.Xid)
		writeU32(&buf, s.XidEpoch)
		writeU16(&buf, s.Prevlen)
	}

	sum := crc32.ChecksumIEEE(buf.Bytes())
	writeU32(&buf, sum)
	return buf.Bytes()
}

func decodeCheckpointBody(data []byte) (redoLSN uint64, snaps []LogSnapshot, err error) {
	if len(data) < 4 {
		return 0, nil, fmt.Errorf("%w: checkpoint file too short", ErrCorruptRecord)
	}
	body, sumBytes := data[:len(data)-4], data[len(data)-4:]
	want := byteOrder.Uint32(sumBytes)
	got := crc32.ChecksumIEEE(body)
	if want != got {
		return 0, nil, fmt.Errorf("%w: checkpoint CRC mismatch", ErrCorruptRecord)
	}

	r := bytes.NewReader(body)
	var magic [8]byte
	if _, err := r.Read(magic[:]); err != nil || magic != checkpointMagic {
		return 0, nil, fmt.Errorf("%w: bad checkpoint magic", ErrCorruptRecord)
	}
	version, err := readU16(r)
	if err != nil || version != checkpointVersion {
		return 0, nil, fmt.Errorf("%w: unsupported checkpoint version", ErrCorruptRecord)
	}
	redoLSN, err = readU64(r)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: truncated checkpoint header", ErrCorruptRecord)
	}
	if _, err := readU64(r); err != nil { // priorRedoLSN, unused on load
		return 0, nil, fmt.Errorf("%w: truncated checkpoint header", ErrCorruptRecord)
	}
	count, err := readU32(r)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: truncated checkpoint header", ErrCorruptRecord)
	}

	snaps = make([]LogSnapshot, 0, count)
	for i := uint32(0); i < count; i++ {
		var s LogSnapshot
		logno, err := readU32(r)
		if err != nil {
			return 0, nil, fmt.Errorf("%w: truncated checkpoint record %d", ErrCorruptRecord, i)
		}
		s.LogNo = LogNumber(logno)

		nameLen, err := readU16(r)
		if err != nil {
			return 0, nil, fmt.Errorf("%w: truncated checkpoint record %d", ErrCorruptRecord, i)
		}
		nameBuf := make([]byte, nameLen)
		if _, err := readFull(r, nameBuf); err != nil {
			return 0, nil, fmt.Errorf("%w: truncated checkpoint record %d", ErrCorruptRecord, i)
		}
		s.Tablespace = string(nameBuf)

		persistence, err := readByte(r)
		if err != nil {
			return 0, nil, fmt.Errorf("%w: truncated checkpoint record %d", ErrCorruptRecord, i)
		}
		s.Persistence = Persistence(persistence)

		if s.Insert, err = readI64(r); err != nil {
			return 0, nil, err
		}
		if s.End, err = readI64(r); err != nil {
			return 0, nil, err
		}
		if s.Discard, err = readI64(r); err != nil {
			return 0, nil, err
		}
		if s.LastXactStart, err = readI64(r); err != nil {
			return 0, nil, err
		}
		isFirst, err := readByte(r)
		if err != nil {
			return 0, nil, err
		}
		s.IsFirstRec = isFirst != 0
		if s.Xid, err = readU32(r); err != nil {
			return 0, nil, err
		}
		if s.XidEpoch, err = readU32(r); err != nil {
			return 0, nil, err
		}
		if s.Prevlen, err = readU16(r); err != nil {
			return 0, nil, err
		}

		snaps = append(snaps, s)
	}

	return redoLSN, snaps, nil
}
