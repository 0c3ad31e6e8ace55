package genwal

import (
	"fmt"
	"os"

	"indexstore/pkg/primitives"
	"indexstore/pkg/storage/buffer"
)

// Replay applies every record in the log file at path to the pool's
// relations. A full image always overwrites the target page; a delta is
// applied if and only if the page's LSN is older than the record's LSN,
// which makes replay idempotent. Records either replay fully or, when the
// file ends in a torn record, not at all.
func Replay(path string, pool *buffer.Pool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read WAL file: %v", err)
	}

	pos := 0
	for pos < len(data) {
		rec, consumed, err := decodeRecord(data[pos:], primitives.LSN(pos))
		if err != nil {
			return fmt.Errorf("failed to decode WAL record at %d: %v", pos, err)
		}
		if rec == nil {
			// Torn tail: the record never finished, so nothing after
			// this point was acknowledged.
			break
		}
		if err := applyRecord(rec, pool); err != nil {
			return err
		}
		pos += consumed
	}
	return nil
}

func applyRecord(rec *Record, pool *buffer.Pool) error {
	for _, entry := range rec.Entries {
		if err := applyEntry(rec.LSN, entry, pool); err != nil {
			return err
		}
	}
	return nil
}

func applyEntry(lsn primitives.LSN, entry Entry, pool *buffer.Pool) error {
	ref := entry.Ref

	// The crash may have happened before an extension reached disk; make
	// sure the block exists before reading it.
	for {
		n, err := pool.NumBlocks(ref.Rel, ref.Fork)
		if err != nil {
			return err
		}
		if ref.Block < n {
			break
		}
		unlock := pool.RelationExtendLock(ref.Rel)
		buf, err := pool.ExtendRelation(ref.Rel, ref.Fork)
		unlock()
		if err != nil {
			return err
		}
		pool.UnlockReleaseBuffer(buf)
	}

	buf, err := pool.ReadBuffer(ref.Rel, ref.Fork, ref.Block, buffer.ReadNormal)
	if err != nil {
		return err
	}
	pool.LockBuffer(buf, buffer.Exclusive)
	defer pool.UnlockReleaseBuffer(buf)

	p := buf.Page()
	switch {
	case entry.FullImage != nil:
		copy(p, entry.FullImage)
		p.SetLSN(lsn)
	case p.LSN() < lsn:
		for _, frag := range entry.Fragments {
			copy(p[frag.Offset:int(frag.Offset)+len(frag.Data)], frag.Data)
		}
		p.SetLSN(lsn)
	default:
		// Page already carries this change.
		return nil
	}
	pool.MarkDirty(buf)
	return nil
}
