package gin

import (
	"indexstore/pkg/index"
	"indexstore/pkg/primitives"
	"indexstore/pkg/storage/buffer"
	"indexstore/pkg/storage/readstream"
)

type vacState struct {
	info  *index.VacuumInfo
	stats *index.BulkDeleteStats
	dead  index.DeadCallback
}

// bulkDelete first folds the staging list into the entry list, so dead
// rows cannot hide there, then strips dead TIDs out of every posting
// list in one physical pass.
func bulkDelete(info *index.VacuumInfo, stats *index.BulkDeleteStats, dead index.DeadCallback) (*index.BulkDeleteStats, error) {
	if stats == nil {
		stats = &index.BulkDeleteStats{}
	}
	if err := mergePending(info.Rel, info.CurrentXID); err != nil {
		return nil, err
	}
	v := &vacState{info: info, stats: stats, dead: dead}
	if err := v.scan(); err != nil {
		return nil, err
	}
	return stats, nil
}

// vacuumCleanup merges any staging left behind and, when no bulk-delete
// pass ran, performs a counting scan that also recycles retired pages.
func vacuumCleanup(info *index.VacuumInfo, stats *index.BulkDeleteStats) (*index.BulkDeleteStats, error) {
	if err := mergePending(info.Rel, info.CurrentXID); err != nil {
		return nil, err
	}
	if stats != nil {
		return stats, nil
	}
	stats = &index.BulkDeleteStats{}
	v := &vacState{info: info, stats: stats}
	if err := v.scan(); err != nil {
		return nil, err
	}
	return stats, nil
}

// scan walks every block past the meta page in physical order through a
// read stream.
func (v *vacState) scan() error {
	rel := v.info.Rel
	nblocks, err := rel.Pool.NumBlocks(rel.ID, primitives.MainFork)
	if err != nil {
		return err
	}
	v.stats.NumPages = nblocks
	if nblocks <= 1 {
		return nil
	}

	next := EntryHeadBlock
	cfg := readstream.DefaultConfig()
	cfg.FullScan = true
	stream := readstream.New(rel.Pool, rel.ID, primitives.MainFork, cfg, func() primitives.BlockNumber {
		if next >= nblocks {
			return primitives.InvalidBlockNumber
		}
		b := next
		next++
		return b
	})
	defer stream.End()

	for block := EntryHeadBlock; block < nblocks; block++ {
		if err := rel.CheckForInterrupts(); err != nil {
			return err
		}
		buf, err := stream.NextBuffer()
		if err != nil {
			return err
		}
		if err := v.vacuumPage(buf); err != nil {
			return err
		}
	}
	return nil
}

// vacuumPage processes one pinned, unlocked page and consumes the pin.
// Entry pages keep their place in the sorted chain even when emptied;
// only retired staging pages are ever returned to the free map.
func (v *vacState) vacuumPage(buf *buffer.Buffer) error {
	rel := v.info.Rel
	rel.Pool.LockBuffer(buf, buffer.Cleanup)
	g, err := asGINPage(buf.Page())
	if err != nil {
		rel.Pool.UnlockReleaseBuffer(buf)
		return err
	}

	if g.isDeleted() {
		v.stats.NumDelPages++
		if g.deleteXID() < v.info.OldestXID {
			v.stats.PagesFree++
			block := buf.Block()
			rel.Pool.UnlockReleaseBuffer(buf)
			return rel.FSM.RecordFreePage(block)
		}
		rel.Pool.UnlockReleaseBuffer(buf)
		return nil
	}

	if g.isPending() {
		return v.vacuumPendingPage(buf, g)
	}
	return v.vacuumEntryPage(buf, g)
}

// vacuumPendingPage drops staged rows whose heap TID is dead. Rows that
// survive stay staged until the next merge.
func (v *vacState) vacuumPendingPage(buf *buffer.Buffer, g gn) error {
	rel := v.info.Rel
	var doomed []primitives.OffsetNumber
	for off := primitives.FirstOffsetNumber; off <= g.p.MaxOffset(); off++ {
		raw, err := g.p.GetItem(off)
		if err != nil {
			rel.Pool.UnlockReleaseBuffer(buf)
			return err
		}
		t, err := decodePending(raw)
		if err != nil {
			rel.Pool.UnlockReleaseBuffer(buf)
			return err
		}
		if v.dead != nil && v.dead(t.tid) {
			doomed = append(doomed, off)
		}
	}
	if len(doomed) > 0 {
		st := rel.Log.Begin(rel.Pool)
		st.Register(buf, false)
		g.p.DeleteItems(doomed)
		if _, err := st.Finish(); err != nil {
			st.Abort()
			rel.Pool.UnlockReleaseBuffer(buf)
			return err
		}
		v.stats.TuplesRemoved += int64(len(doomed))
	}
	rel.Pool.UnlockReleaseBuffer(buf)
	return nil
}

// vacuumEntryPage rewrites posting lists without their dead TIDs and
// drops entries whose posting list empties. All edits to one page go
// into a single record.
func (v *vacState) vacuumEntryPage(buf *buffer.Buffer, g gn) error {
	rel := v.info.Rel
	var (
		doomed    []primitives.OffsetNumber
		rewrites  = make(map[primitives.OffsetNumber][]byte)
		remaining int64
	)
	for off := primitives.FirstOffsetNumber; off <= g.p.MaxOffset(); off++ {
		t, err := entryAt(g, off)
		if err != nil {
			rel.Pool.UnlockReleaseBuffer(buf)
			return err
		}
		kept := t.tids[:0:0]
		for _, tid := range t.tids {
			if v.dead != nil && v.dead(tid) {
				continue
			}
			kept = append(kept, tid)
		}
		v.stats.TuplesRemoved += int64(len(t.tids) - len(kept))
		remaining += int64(len(kept))
		if len(kept) == len(t.tids) {
			continue
		}
		if len(kept) == 0 {
			doomed = append(doomed, off)
			continue
		}
		shrunk := &entryTuple{col: t.col, key: t.key, tids: kept}
		rewrites[off] = shrunk.encode()
	}

	if len(doomed) > 0 || len(rewrites) > 0 {
		st := rel.Log.Begin(rel.Pool)
		st.Register(buf, false)
		fail := func(err error) error {
			st.Abort()
			rel.Pool.UnlockReleaseBuffer(buf)
			return err
		}
		for off, enc := range rewrites {
			if err := g.p.OverwriteItem(off, enc); err != nil {
				return fail(err)
			}
		}
		if len(doomed) > 0 {
			g.p.DeleteItems(doomed)
		}
		if _, err := st.Finish(); err != nil {
			return fail(err)
		}
	}
	v.stats.NumIndexTuples += remaining
	rel.Pool.UnlockReleaseBuffer(buf)
	return nil
}
