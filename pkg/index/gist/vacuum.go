package gist

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

	// emptyLeafs and internals are gathered during the physical scan;
	// a second pass deletes empty leaves through their parents.
	emptyLeafs map[primitives.BlockNumber]bool
	internals  []primitives.BlockNumber
}

func bulkDelete(info *index.VacuumInfo, stats *index.BulkDeleteStats, dead index.DeadCallback) (*index.BulkDeleteStats, error) {
	if stats == nil {
		stats = &index.BulkDeleteStats{}
	}
	v := &vacState{info: info, stats: stats, dead: dead, emptyLeafs: make(map[primitives.BlockNumber]bool)}
	if err := v.scan(); err != nil {
		return nil, err
	}
	if len(v.emptyLeafs) > 0 {
		if err := v.deleteEmptyLeafs(); err != nil {
			return nil, err
		}
	}
	return stats, nil
}

// vacuumCleanup reports final statistics; with a nil stats a counting
// scan is performed, which also recycles pages past their horizon.
func vacuumCleanup(info *index.VacuumInfo, stats *index.BulkDeleteStats) (*index.BulkDeleteStats, error) {
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

// scan walks every block once in physical order through a read stream,
// removing dead leaf entries and noting empty leaves and internal pages
// for the deletion pass.
func (v *vacState) scan() error {
	rel := v.info.Rel
	nblocks, err := rel.Pool.NumBlocks(rel.ID, primitives.MainFork)
	if err != nil {
		return err
	}
	v.stats.NumPages = nblocks
	if nblocks == 0 {
		return nil
	}

	next := primitives.BlockNumber(0)
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

	for block := primitives.BlockNumber(0); block < nblocks; block++ {
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
func (v *vacState) vacuumPage(buf *buffer.Buffer) error {
	rel := v.info.Rel
	rel.Pool.LockBuffer(buf, buffer.Cleanup)
	g, err := asGiSTPage(buf.Page())
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

	if !g.isLeaf() {
		v.internals = append(v.internals, buf.Block())
		rel.Pool.UnlockReleaseBuffer(buf)
		return nil
	}

	var doomed []primitives.OffsetNumber
	remaining := int64(0)
	for off := primitives.FirstOffsetNumber; off <= g.p.MaxOffset(); off++ {
		t, err := tupleAt(g, off)
		if err != nil {
			rel.Pool.UnlockReleaseBuffer(buf)
			return err
		}
		if v.dead != nil && v.dead(t.tid) {
			doomed = append(doomed, off)
			continue
		}
		remaining++
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
	v.stats.NumIndexTuples += remaining

	if remaining == 0 && buf.Block() != RootBlock && !g.followRight() {
		v.emptyLeafs[buf.Block()] = true
	}
	rel.Pool.UnlockReleaseBuffer(buf)
	return nil
}

// deleteEmptyLeafs revisits the internal pages seen during the scan and
// unlinks any downlink that still points at an empty leaf. The leaf is
// stamped deleted with the current XID; it becomes recyclable once the
// oldest running horizon passes that value. A parent is never left
// without downlinks.
func (v *vacState) deleteEmptyLeafs() error {
	rel := v.info.Rel
	for _, pblock := range v.internals {
		if err := rel.CheckForInterrupts(); err != nil {
			return err
		}
		pbuf, err := rel.Pool.ReadBuffer(rel.ID, primitives.MainFork, pblock, buffer.ReadNormal)
		if err != nil {
			return err
		}
		rel.Pool.LockBuffer(pbuf, buffer.Exclusive)
		g, err := asGiSTPage(pbuf.Page())
		if err != nil {
			rel.Pool.UnlockReleaseBuffer(pbuf)
			return err
		}
		if g.isDeleted() || g.isLeaf() {
			rel.Pool.UnlockReleaseBuffer(pbuf)
			continue
		}
		for g.p.MaxOffset() > 1 {
			off, child, err := v.findEmptyChild(g)
			if err != nil {
				rel.Pool.UnlockReleaseBuffer(pbuf)
				return err
			}
			if !off.IsValid() {
				break
			}
			ok, err := v.deleteLeaf(pbuf, g, off, child)
			if err != nil {
				rel.Pool.UnlockReleaseBuffer(pbuf)
				return err
			}
			if !ok {
				break
			}
		}
		rel.Pool.UnlockReleaseBuffer(pbuf)
	}
	return nil
}

func (v *vacState) findEmptyChild(g gp) (primitives.OffsetNumber, primitives.BlockNumber, error) {
	for off := primitives.FirstOffsetNumber; off <= g.p.MaxOffset(); off++ {
		t, err := tupleAt(g, off)
		if err != nil {
			return 0, 0, err
		}
		if t.isInternal() && v.emptyLeafs[t.downlink] {
			return off, t.downlink, nil
		}
	}
	return primitives.InvalidOffsetNumber, 0, nil
}

// deleteLeaf unlinks one empty leaf: the parent loses the downlink and
// the child is stamped deleted, in a single record. The child keeps its
// right link so stale sibling chains still terminate. Returns false
// when the child turned out to be unsafe to delete after all.
func (v *vacState) deleteLeaf(pbuf *buffer.Buffer, g gp, off primitives.OffsetNumber, child primitives.BlockNumber) (bool, error) {
	rel := v.info.Rel
	delete(v.emptyLeafs, child)

	cbuf, err := rel.Pool.ReadBuffer(rel.ID, primitives.MainFork, child, buffer.ReadNormal)
	if err != nil {
		return false, err
	}
	if !rel.Pool.ConditionalLockBuffer(cbuf) {
		// Someone is inserting into it; leave it for the next vacuum.
		rel.Pool.ReleaseBuffer(cbuf)
		return false, nil
	}
	cg, err := asGiSTPage(cbuf.Page())
	if err != nil {
		rel.Pool.UnlockReleaseBuffer(cbuf)
		return false, err
	}
	if !cg.isLeaf() || cg.isDeleted() || cg.followRight() || cg.p.MaxOffset() > 0 {
		rel.Pool.UnlockReleaseBuffer(cbuf)
		return false, nil
	}

	st := rel.Log.Begin(rel.Pool)
	st.Register(pbuf, false)
	st.Register(cbuf, false)
	g.p.DeleteItems([]primitives.OffsetNumber{off})
	cg.addFlag(flagDeleted)
	cg.setDeleteXID(v.info.CurrentXID)
	if _, err := st.Finish(); err != nil {
		st.Abort()
		rel.Pool.UnlockReleaseBuffer(cbuf)
		return false, err
	}
	v.stats.NumDelPages++
	rel.Pool.UnlockReleaseBuffer(cbuf)
	return true, nil
}
