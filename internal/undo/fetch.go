package undo

// PageReader is the read-only face of the external buffer cache (spec.md
// §1 scopes the buffer cache itself out: page pinning, eviction, and dirty
// tracking are its concern, not this package's). Given a log number and the
// index of a block within that log's flat byte address space, it returns
// that block's BlockSize bytes, including the opaque page header the
// buffer cache owns.
type PageReader interface {
	ReadBlock(logno LogNumber, blockIndex int64) ([]byte, error)
}

// FetchPredicate inspects a decoded record during a backward walk and
// reports whether the walk should stop here (spec.md §4.2,
// "Fetch-with-predicate").
type FetchPredicate func(rec *UnpackedRecord, blockNo uint64, offset int64, xid uint32) bool

// FetchRecord walks backward from start, decoding each record it visits and
// invoking predicate, stopping at the first record satisfying it. With
// byBlock false it walks the transaction chain via Header.Prevlen; with
// byBlock true it follows the per-block chain via Block.BlkprevOffset. The
// walk never crosses discardBefore (the log's current discard horizon): a
// record at an offset below it is unreachable, and reaching one without a
// predicate match returns InvalidUndoRecPtr, matching is_discarded
// semantics (spec.md §4.2, §7 "Discarded-before-read").
func FetchRecord(cfg EngineConfig, reader PageReader, start UndoRecPtr, discardBefore int64, byBlock bool, predicate FetchPredicate) (UndoRecPtr, *UnpackedRecord, error) {
	ptr := start
	for ptr.IsValid() {
		offset := UndoRecPtrGetOffset(ptr)
		if offset < discardBefore {
			return InvalidUndoRecPtr, nil, nil
		}
		logno := UndoRecPtrGetLogNo(ptr)

		rec, err := readRecordAt(cfg, reader, logno, offset)
		if err != nil {
			return InvalidUndoRecPtr, nil, err
		}

		if predicate(rec, rec.Block.BlockNo, offset, rec.Header.Xid) {
			return ptr, rec, nil
		}

		var prevOffset int64
		if byBlock {
			prevOffset = rec.Block.BlkprevOffset
			if prevOffset == 0 {
				return InvalidUndoRecPtr, nil, nil
			}
		} else {
			if rec.Header.Prevlen == 0 {
				return InvalidUndoRecPtr, nil, nil
			}
			prevOffset = offset - int64(rec.Header.Prevlen)
			if prevOffset < 0 {
				return InvalidUndoRecPtr, nil, nil
			}
		}
		ptr = MakeUndoRecPtr(logno, prevOffset)
	}
	return InvalidUndoRecPtr, nil, nil
}

// readRecordAt decodes the single record starting at offset in logno,
// pulling as many successive blocks as the record straddles.
func readRecordAt(cfg EngineConfig, reader PageReader, logno LogNumber, offset int64) (*UnpackedRecord, error) {
	u := &UnpackedRecord{}
	decoded := 0
	blockIndex := offset / int64(cfg.BlockSize)
	startByte := int(offset % int64(cfg.BlockSize))

	for {
		block, err := reader.ReadBlock(logno, blockIndex)
		if err != nil {
			return nil, err
		}
		done, err := UnpackRecord(u, block, startByte, &decoded)
		if err != nil {
			return nil, err
		}
		if done {
			return u, nil
		}
		blockIndex++
		startByte = cfg.PageHeaderSize
	}
}
