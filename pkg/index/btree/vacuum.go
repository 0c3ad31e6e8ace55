package btree

import (
	"fmt"

	"indexstore/pkg/index"
	"indexstore/pkg/primitives"
	"indexstore/pkg/storage/buffer"
	"indexstore/pkg/storage/readstream"
)

// vacState carries one vacuum pass over one index.
type vacState struct {
	info  *index.VacuumInfo
	stats *index.BulkDeleteStats
	dead  index.DeadCallback
	cycle primitives.CycleID
}

// bulkDelete scans the whole index in physical block order, removing
// every entry the callback reports dead. Leaf pages emptied by the pass
// are deleted from the tree and handed to the free space map.
func bulkDelete(info *index.VacuumInfo, stats *index.BulkDeleteStats, dead index.DeadCallback) (*index.BulkDeleteStats, error) {
	if stats == nil {
		stats = &index.BulkDeleteStats{}
	}
	v := &vacState{info: info, stats: stats, dead: dead, cycle: startCycle(info.Rel)}
	defer stopCycle(info.Rel)
	if err := v.scan(); err != nil {
		return nil, err
	}
	return stats, nil
}

// vacuumCleanup runs after bulk deletion (or alone when nothing was
// deleted), refreshes the meta page's deleted-page count, and reports
// final statistics. With a nil stats a counting scan is performed so
// the caller still learns the index size.
func vacuumCleanup(info *index.VacuumInfo, stats *index.BulkDeleteStats) (*index.BulkDeleteStats, error) {
	if stats == nil {
		stats = &index.BulkDeleteStats{}
		v := &vacState{info: info, stats: stats, cycle: startCycle(info.Rel)}
		err := v.scan()
		stopCycle(info.Rel)
		if err != nil {
			return nil, err
		}
	}
	if err := setCleanupInfo(info.Rel, uint32(stats.NumDelPages)); err != nil {
		return nil, err
	}
	return stats, nil
}

// scan walks every block in physical order. The block count is re-read
// after each pass: concurrent splits may extend the relation while the
// scan runs, and tuples moved onto those new pages must be visited too.
func (v *vacState) scan() error {
	rel := v.info.Rel
	scanned := primitives.BlockNumber(1)
	for {
		nblocks, err := rel.Pool.NumBlocks(rel.ID, primitives.MainFork)
		if err != nil {
			return err
		}
		v.stats.NumPages = nblocks
		if scanned >= nblocks {
			return nil
		}
		if err := v.scanRange(scanned, nblocks); err != nil {
			return err
		}
		scanned = nblocks
	}
}

// scanRange vacuums blocks [from, to) through a read stream, revisiting
// right siblings that concurrent splits moved behind the scan position.
func (v *vacState) scanRange(from, to primitives.BlockNumber) error {
	rel := v.info.Rel
	next := from
	cfg := readstream.DefaultConfig()
	cfg.FullScan = true
	stream := readstream.New(rel.Pool, rel.ID, primitives.MainFork, cfg, func() primitives.BlockNumber {
		if next >= to {
			return primitives.InvalidBlockNumber
		}
		b := next
		next++
		return b
	})
	defer stream.End()

	for scanBlock := from; scanBlock < to; scanBlock++ {
		if err := rel.CheckForInterrupts(); err != nil {
			return err
		}
		buf, err := stream.NextBuffer()
		if err != nil {
			return err
		}
		backtrack, err := v.vacuumPage(buf, scanBlock)
		if err != nil {
			return err
		}
		// A page split while vacuum was running may have moved tuples
		// onto a recycled block the scan already passed. The cycle id
		// stamped at split time betrays them.
		for backtrack.IsValid() && backtrack < scanBlock {
			bbuf, err := rel.Pool.ReadBuffer(rel.ID, primitives.MainFork, backtrack, buffer.ReadNormal)
			if err != nil {
				return err
			}
			if backtrack, err = v.vacuumPage(bbuf, scanBlock); err != nil {
				return err
			}
		}
	}
	return nil
}

// vacuumPage processes one pinned, unlocked page and consumes the pin.
// It returns the right sibling block when the backtrack rule fires.
func (v *vacState) vacuumPage(buf *buffer.Buffer, scanBlock primitives.BlockNumber) (primitives.BlockNumber, error) {
	rel := v.info.Rel
	rel.Pool.LockBuffer(buf, buffer.Cleanup)
	b, err := asBTPage(buf.Page())
	if err != nil {
		rel.Pool.UnlockReleaseBuffer(buf)
		return primitives.InvalidBlockNumber, err
	}

	switch {
	case b.isDeleted():
		if b.deleteXID() < v.info.OldestXID {
			v.stats.PagesFree++
			block := buf.Block()
			rel.Pool.UnlockReleaseBuffer(buf)
			return primitives.InvalidBlockNumber, rel.FSM.RecordFreePage(block)
		}
		// Still waiting out a snapshot; counts toward the leftover
		// deleted pages the meta page remembers.
		v.stats.NumDelPages++
		rel.Pool.UnlockReleaseBuffer(buf)
		return primitives.InvalidBlockNumber, nil

	case b.isHalfDead():
		// A previous pass (or crash) left the deletion unfinished.
		return primitives.InvalidBlockNumber, v.unlinkHalfDead(buf)

	case !b.isLeaf():
		rel.Pool.UnlockReleaseBuffer(buf)
		return primitives.InvalidBlockNumber, nil
	}

	backtrack := primitives.InvalidBlockNumber
	if b.cycleID() == v.cycle && v.cycle != 0 && !b.isSplitEnd() && b.rightSib().IsValid() && b.rightSib() < scanBlock {
		backtrack = b.rightSib()
	}

	if err := v.vacuumLeafItems(buf, b); err != nil {
		return primitives.InvalidBlockNumber, err
	}
	// vacuumLeafItems consumed buf.
	return backtrack, nil
}

// vacuumLeafItems removes the dead entries of a cleanup-locked leaf and
// deletes the page when nothing remains. Consumes buf.
func (v *vacState) vacuumLeafItems(buf *buffer.Buffer, b bt) error {
	rel := v.info.Rel

	var delOffsets []primitives.OffsetNumber
	type shrink struct {
		off  primitives.OffsetNumber
		data []byte
	}
	var shrunk []shrink
	var remaining int64

	for off := b.firstDataOffset(); off <= b.p.MaxOffset(); off++ {
		t, err := tupleAt(b, off)
		if err != nil {
			rel.Pool.UnlockReleaseBuffer(buf)
			return err
		}
		if v.dead == nil {
			remaining += int64(len(t.tids))
			continue
		}
		kept, removed := t.removePostingTIDs(v.dead)
		if removed == 0 {
			remaining += int64(len(t.tids))
			continue
		}
		v.stats.TuplesRemoved += removed
		if kept == nil {
			delOffsets = append(delOffsets, off)
			continue
		}
		remaining += int64(len(kept.tids))
		shrunk = append(shrunk, shrink{off: off, data: kept.encode()})
	}
	v.stats.NumIndexTuples += remaining

	if len(delOffsets) > 0 || len(shrunk) > 0 {
		st := rel.Log.Begin(rel.Pool)
		st.Register(buf, false)
		for _, s := range shrunk {
			if err := b.p.OverwriteItem(s.off, s.data); err != nil {
				st.Abort()
				rel.Pool.UnlockReleaseBuffer(buf)
				return err
			}
		}
		b.p.DeleteItems(delOffsets)
		if _, err := st.Finish(); err != nil {
			st.Abort()
			rel.Pool.UnlockReleaseBuffer(buf)
			return err
		}
	}

	if remaining == 0 && b.p.MaxOffset() < b.firstDataOffset() {
		return v.deletePage(buf)
	}
	rel.Pool.UnlockReleaseBuffer(buf)
	return nil
}

// deletePage removes an empty leaf from the tree in two logged steps:
// first the page goes half-dead and loses its parent downlink, then its
// siblings are relinked around it and the page is stamped deleted with
// the XID horizon that gates its reuse. Consumes buf.
func (v *vacState) deletePage(buf *buffer.Buffer) error {
	rel := v.info.Rel
	b, err := asBTPage(buf.Page())
	if err != nil {
		rel.Pool.UnlockReleaseBuffer(buf)
		return err
	}
	// The rightmost page of a level is never deleted, nor a page whose
	// split is still missing its downlink, nor the root.
	if b.isRightmost() || b.followRight() || b.isRoot() {
		rel.Pool.UnlockReleaseBuffer(buf)
		return nil
	}
	pbuf, poff, _, err := findParent(rel, buf.Block(), b.level(), nil)
	if err != nil {
		rel.Pool.UnlockReleaseBuffer(buf)
		return err
	}
	pb, err := asBTPage(pbuf.Page())
	if err != nil {
		rel.Pool.UnlockReleaseBuffer(pbuf)
		rel.Pool.UnlockReleaseBuffer(buf)
		return err
	}
	// Deleting the leftmost downlink would orphan the level's minus
	// infinity boundary, and deleting the only downlink would empty the
	// parent. Both pages are simply left in place.
	if poff == pb.firstDataOffset() || pb.p.MaxOffset() == pb.firstDataOffset() {
		rel.Pool.UnlockReleaseBuffer(pbuf)
		rel.Pool.UnlockReleaseBuffer(buf)
		return nil
	}

	st := rel.Log.Begin(rel.Pool)
	st.Register(pbuf, false)
	st.Register(buf, false)
	pb.p.DeleteItems([]primitives.OffsetNumber{poff})
	b.addFlag(flagHalfDead)
	if _, err := st.Finish(); err != nil {
		st.Abort()
		rel.Pool.UnlockReleaseBuffer(pbuf)
		rel.Pool.UnlockReleaseBuffer(buf)
		return err
	}
	rel.Pool.UnlockReleaseBuffer(pbuf)

	return v.unlinkHalfDead(buf)
}

// unlinkHalfDead performs the second half of page deletion: siblings
// are stitched together around the target and the page becomes deleted.
// The target arrives locked (cleanup or exclusive) and is consumed. Its
// own right link survives so in-flight scans can still walk off it.
func (v *vacState) unlinkHalfDead(buf *buffer.Buffer) error {
	rel := v.info.Rel
	b, err := asBTPage(buf.Page())
	if err != nil {
		rel.Pool.UnlockReleaseBuffer(buf)
		return err
	}
	leftBlock := b.leftSib()
	rightBlock := b.rightSib()
	if !rightBlock.IsValid() {
		rel.Pool.UnlockReleaseBuffer(buf)
		return fmt.Errorf("half-dead page %d has no right sibling: %w", buf.Block(), index.ErrIndexCorrupted)
	}

	// Sibling locks are taken left to right; the target's own lock is
	// given up first so the left neighbour never waits behind us.
	rel.Pool.UnlockBuffer(buf)

	var lbuf *buffer.Buffer
	if leftBlock.IsValid() {
		for {
			if lbuf, err = rel.Pool.ReadBuffer(rel.ID, primitives.MainFork, leftBlock, buffer.ReadNormal); err != nil {
				rel.Pool.ReleaseBuffer(buf)
				return err
			}
			rel.Pool.LockBuffer(lbuf, buffer.Exclusive)
			lb, err := asBTPage(lbuf.Page())
			if err != nil {
				rel.Pool.UnlockReleaseBuffer(lbuf)
				rel.Pool.ReleaseBuffer(buf)
				return err
			}
			if lb.rightSib() == buf.Block() {
				break
			}
			// The neighbour split while we were unlocked; chase right.
			leftBlock = lb.rightSib()
			rel.Pool.UnlockReleaseBuffer(lbuf)
			if !leftBlock.IsValid() || leftBlock == buf.Block() {
				lbuf = nil
				break
			}
		}
	}

	rel.Pool.LockBuffer(buf, buffer.Exclusive)
	b, err = asBTPage(buf.Page())
	if err != nil {
		if lbuf != nil {
			rel.Pool.UnlockReleaseBuffer(lbuf)
		}
		rel.Pool.UnlockReleaseBuffer(buf)
		return err
	}
	rightBlock = b.rightSib()

	rbuf, err := rel.Pool.ReadBuffer(rel.ID, primitives.MainFork, rightBlock, buffer.ReadNormal)
	if err != nil {
		if lbuf != nil {
			rel.Pool.UnlockReleaseBuffer(lbuf)
		}
		rel.Pool.UnlockReleaseBuffer(buf)
		return err
	}
	rel.Pool.LockBuffer(rbuf, buffer.Exclusive)

	st := rel.Log.Begin(rel.Pool)
	if lbuf != nil {
		st.Register(lbuf, false)
	}
	st.Register(buf, false)
	st.Register(rbuf, false)

	fail := func(err error) error {
		st.Abort()
		if lbuf != nil {
			rel.Pool.UnlockReleaseBuffer(lbuf)
		}
		rel.Pool.UnlockReleaseBuffer(rbuf)
		rel.Pool.UnlockReleaseBuffer(buf)
		return err
	}

	if lbuf != nil {
		lb, err := asBTPage(lbuf.Page())
		if err != nil {
			return fail(err)
		}
		lb.setRightSib(rightBlock)
	}
	rb, err := asBTPage(rbuf.Page())
	if err != nil {
		return fail(err)
	}
	rb.setLeftSib(b.leftSib())

	b.clearFlag(flagHalfDead)
	b.addFlag(flagDeleted)
	b.setDeleteXID(v.info.CurrentXID)

	if _, err := st.Finish(); err != nil {
		return fail(err)
	}
	if lbuf != nil {
		rel.Pool.UnlockReleaseBuffer(lbuf)
	}
	rel.Pool.UnlockReleaseBuffer(rbuf)
	rel.Pool.UnlockReleaseBuffer(buf)

	v.stats.NumDelPages++
	return nil
}

// setCleanupInfo persists the deleted-page count on the meta page so
// the next vacuum can decide whether a cleanup scan is worthwhile.
func setCleanupInfo(rel *index.Rel, numDelPages uint32) error {
	mbuf, err := rel.Pool.ReadBuffer(rel.ID, primitives.MainFork, MetaBlock, buffer.ReadNormal)
	if err != nil {
		return err
	}
	rel.Pool.LockBuffer(mbuf, buffer.Exclusive)
	m, err := asMetaPage(mbuf.Page())
	if err != nil {
		rel.Pool.UnlockReleaseBuffer(mbuf)
		return err
	}
	if m.numDelPages() == numDelPages {
		rel.Pool.UnlockReleaseBuffer(mbuf)
		return nil
	}
	st := rel.Log.Begin(rel.Pool)
	st.Register(mbuf, false)
	m.setNumDelPages(numDelPages)
	if _, err := st.Finish(); err != nil {
		st.Abort()
		rel.Pool.UnlockReleaseBuffer(mbuf)
		return err
	}
	rel.Pool.UnlockReleaseBuffer(mbuf)
	return nil
}
