// Command undoctl is a small operator CLI and smoke-test harness for the
// undo log engine in internal/undo: it starts the engine against a base
// directory (replaying WAL since the last checkpoint), runs one demo
// transaction through allocate/write/advance/fetch/checkpoint, and
// reports the resulting engine state.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/leengari/undolog/internal/logging"
	"github.com/leengari/undolog/internal/undo"
	"github.com/leengari/undolog/internal/walshim"
)

func main() {
	baseDir := flag.String("base", "./undodata", "engine base directory")
	flag.Parse()

	logger, closeFn := logging.SetupLogger()
	defer closeFn()
	slog.SetDefault(logger)

	if err := run(*baseDir); err != nil {
		slog.Error("undoctl: fatal", "error", err)
		os.Exit(1)
	}
}

func run(baseDir string) error {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return fmt.Errorf("create base dir: %w", err)
	}

	cfg := undo.DefaultConfig(baseDir)
	walPath := filepath.Join(baseDir, "undo.wal")

	wal, err := walshim.NewWAL(walPath, baseDir)
	if err != nil {
		return fmt.Errorf("open WAL: %w", err)
	}
	defer wal.Close()

	mgr, err := undo.NewManager(cfg, wal)
	if err != nil {
		return fmt.Errorf("construct manager: %w", err)
	}

	redoLSN, err := mgr.Startup()
	if err != nil {
		if !errors.Is(err, undo.ErrNoCheckpoint) {
			return fmt.Errorf("startup: %w", err)
		}
		slog.Info("undoctl: no checkpoint found, replaying from the start of WAL")
		redoLSN = 0
	}

	lastLSN, err := walshim.Replay(walPath, redoLSN, mgr.Redo)
	if err != nil {
		return fmt.Errorf("replay WAL: %w", err)
	}
	slog.Info("undoctl: recovery complete", "redo_lsn", redoLSN, "last_lsn", lastLSN)

	pager := &filePager{cfg: cfg}

	const writer = undo.WriterID(1)
	const xid = uint32(42)

	rec := &undo.UnpackedRecord{
		Header: undo.Header{
			Type:    undo.RecordInsert,
			RelNode: 7,
			Xid:     xid,
		},
		Payload: []byte("undoctl demo payload"),
	}
	size := int64(undo.ExpectedSize(rec))

	ptr, err := mgr.Allocate(writer, size, undo.PersistencePermanent, xid, 0)
	if err != nil {
		return fmt.Errorf("allocate: %w", err)
	}
	rec.Header.Prevlen, err = mgr.GetPrevlen(undo.UndoRecPtrGetLogNo(ptr))
	if err != nil {
		return fmt.Errorf("get prevlen: %w", err)
	}

	if err := writeRecordAt(cfg, pager, ptr, rec); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	if err := mgr.Advance(ptr, size); err != nil {
		return fmt.Errorf("advance: %w", err)
	}
	slog.Info("undoctl: record written", "ptr", ptr.String(), "size", size)

	got, decoded, err := undo.FetchRecord(cfg, pager, ptr, 0, false, func(*undo.UnpackedRecord, uint64, int64, uint32) bool {
		return true
	})
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	if !got.IsValid() {
		return fmt.Errorf("fetch: record at %s not found", ptr)
	}
	slog.Info("undoctl: record fetched back", "ptr", got.String(), "payload", string(decoded.Payload))

	if err := mgr.Checkpoint(lastLSN+1, redoLSN); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	slog.Info("undoctl: checkpoint written", "redo_lsn", lastLSN+1)

	next, err := mgr.NextInsertPtr(undo.UndoRecPtrGetLogNo(ptr))
	if err != nil {
		return fmt.Errorf("next insert ptr: %w", err)
	}
	fmt.Printf("log=%d insert=%s discarded=%v\n", undo.UndoRecPtrGetLogNo(ptr), next, mgr.IsDiscarded(ptr))
	return nil
}

// writeRecordAt serializes rec into ptr's block(s), playing the role of the
// external buffer cache spec.md §1 scopes out of this engine: it reads a
// block, lets undo.InsertRecord fill however much fits, writes the block
// back, and repeats for however many blocks the record straddles.
func writeRecordAt(cfg undo.EngineConfig, pager *filePager, ptr undo.UndoRecPtr, rec *undo.UnpackedRecord) error {
	logno := undo.UndoRecPtrGetLogNo(ptr)
	offset := undo.UndoRecPtrGetOffset(ptr)

	blockIndex := offset / int64(cfg.BlockSize)
	startByte := int(offset % int64(cfg.BlockSize))
	written := 0

	for {
		block, err := pager.ReadBlock(logno, blockIndex)
		if err != nil {
			return err
		}
		done := undo.InsertRecord(rec, block, startByte, &written)
		if err := pager.WriteBlock(logno, blockIndex, block); err != nil {
			return err
		}
		if done {
			return nil
		}
		blockIndex++
		startByte = cfg.PageHeaderSize
	}
}

// filePager is a minimal PageReader that reads and writes blocks directly
// against the on-disk segment files internal/undo's Manager already
// created, standing in for the buffer cache the engine leaves external
// (spec.md §1).
type filePager struct {
	cfg undo.EngineConfig
}

func (p *filePager) blockLocation(logno undo.LogNumber, blockIndex int64) (path string, byteOffset int64) {
	segno := blockIndex / undo.SegmentBlocks
	blockInSeg := blockIndex % undo.SegmentBlocks
	path = undo.SegmentPath(p.cfg.BaseDir, "", logno, segno)
	byteOffset = blockInSeg * int64(p.cfg.BlockSize)
	return path, byteOffset
}

func (p *filePager) ReadBlock(logno undo.LogNumber, blockIndex int64) ([]byte, error) {
	path, byteOffset := p.blockLocation(logno, blockIndex)
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open segment %s: %w", path, err)
	}
	defer f.Close()

	block := make([]byte, p.cfg.BlockSize)
	if _, err := f.ReadAt(block, byteOffset); err != nil {
		return nil, fmt.Errorf("read block at %s:%d: %w", path, byteOffset, err)
	}
	return block, nil
}

func (p *filePager) WriteBlock(logno undo.LogNumber, blockIndex int64, block []byte) error {
	path, byteOffset := p.blockLocation(logno, blockIndex)
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open segment %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.WriteAt(block, byteOffset); err != nil {
		return fmt.Errorf("write block at %s:%d: %w", path, byteOffset, err)
	}
	return f.Sync()
}
