package undo

import (
	"os"
	"testing"

	"gotest.tools/v3/assert"
)

func assertFileExists(t *testing.T, path string) {
	t.Helper()
	_, err := os.Stat(path)
	assert.NilError(t, err)
}

func assertFileAbsent(t *testing.T, path string) {
	t.Helper()
	_, err := os.Stat(path)
	assert.Assert(t, os.IsNotExist(err))
}

// memPager is an in-memory PageReader for tests that need to read back
// records without standing up real segment files: it keeps one growable byte
// arena per log, and since ReadBlock hands back a slice into that arena,
// writing through the returned slice (e.g. via InsertRecord) mutates the
// pager's backing storage directly.
type memPager struct {
	cfg  EngineConfig
	logs map[LogNumber][]byte
}

func newMemPager(cfg EngineConfig) *memPager {
	return &memPager{cfg: cfg, logs: make(map[LogNumber][]byte)}
}

func (p *memPager) ReadBlock(logno LogNumber, blockIndex int64) ([]byte, error) {
	start := blockIndex * int64(p.cfg.BlockSize)
	end := start + int64(p.cfg.BlockSize)
	data := p.logs[logno]
	if int64(len(data)) < end {
		grown := make([]byte, end)
		copy(grown, data)
		data = grown
		p.logs[logno] = data
	}
	return data[start:end], nil
}

// writeRecord serializes rec starting at ptr into the pager's arena,
// following the same straddling-block loop cmd/undoctl uses against real
// segment files.
func writeRecord(cfg EngineConfig, pager *memPager, ptr UndoRecPtr, rec *UnpackedRecord) {
	logno := UndoRecPtrGetLogNo(ptr)
	offset := UndoRecPtrGetOffset(ptr)
	blockIndex := offset / int64(cfg.BlockSize)
	startByte := int(offset % int64(cfg.BlockSize))
	written := 0

	for {
		block, _ := pager.ReadBlock(logno, blockIndex)
		done := InsertRecord(rec, block, startByte, &written)
		if done {
			return
		}
		blockIndex++
		startByte = cfg.PageHeaderSize
	}
}
