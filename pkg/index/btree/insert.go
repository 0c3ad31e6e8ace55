package btree

import (
	"fmt"

	"indexstore/pkg/index"
	"indexstore/pkg/primitives"
	"indexstore/pkg/storage/buffer"
	"indexstore/pkg/storage/fsm"
	"indexstore/pkg/storage/page"
)

// insertTuple adds one (key vector, heap TID) entry to the tree. With
// checkUnique set, equal keys belonging to live heap tuples make the
// insert fail with ErrUniqueViolation. Returns true if the entry was
// stored (always, today; the return mirrors the access-method contract).
func insertTuple(rel *index.Rel, keys [][]byte, tid primitives.ItemPointer, checkUnique index.UniqueCheck, live index.LiveCallback) (bool, error) {
	tup := newLeafTuple(keys, tid)
	if tup.encodedSize() > maxTupleSize {
		return false, fmt.Errorf("index tuple of %d bytes exceeds the per-page maximum %d: %w",
			tup.encodedSize(), maxTupleSize, index.ErrProgramLimit)
	}

	probe := &searchKey{keys: keys, tid: tid}
	if checkUnique != index.CheckNo {
		// Land on the first page that could hold an equal key, so the
		// liveness walk sees every duplicate.
		probe = &searchKey{keys: keys}
	}

	buf, stack, err := search(rel, probe, true)
	if err != nil {
		return false, err
	}
	if buf == nil {
		if err := bootstrapRoot(rel); err != nil {
			return false, err
		}
		if buf, stack, err = search(rel, probe, true); err != nil {
			return false, err
		}
		if buf == nil {
			return false, fmt.Errorf("index %d still empty after creating its root: %w", rel.ID, index.ErrIndexCorrupted)
		}
	}

	if checkUnique != index.CheckNo {
		if err := checkUnique1(rel, buf, keys, tid, live); err != nil {
			rel.Pool.UnlockReleaseBuffer(buf)
			return false, err
		}
		// The walk may have left us on the first-equal page; re-seek to
		// the TID-ordered position, moving right as needed.
		if buf, err = moveRight(rel, buf, &searchKey{keys: keys, tid: tid}, true); err != nil {
			return false, err
		}
	}

	b, err := asBTPage(buf.Page())
	if err != nil {
		rel.Pool.UnlockReleaseBuffer(buf)
		return false, err
	}
	off, err := binSearch(rel, b, &searchKey{keys: keys, tid: tid})
	if err != nil {
		rel.Pool.UnlockReleaseBuffer(buf)
		return false, err
	}
	if err := insertOnPage(rel, buf, stack, tup, off, nil); err != nil {
		return false, err
	}
	return true, nil
}

// checkUnique1 walks the chain of equal-key tuples starting on buf
// (exclusive-locked, retained) and fails if any still belongs to a live
// heap tuple. The inserter's own TID is exempt. Walk pages beyond buf
// are lock-coupled left to right and released.
func checkUnique1(rel *index.Rel, buf *buffer.Buffer, keys [][]byte, tid primitives.ItemPointer, live index.LiveCallback) error {
	cur := buf
	defer func() {
		if cur != buf {
			rel.Pool.UnlockReleaseBuffer(cur)
		}
	}()
	b, err := asBTPage(cur.Page())
	if err != nil {
		return err
	}
	off, err := binSearch(rel, b, &searchKey{keys: keys})
	if err != nil {
		return err
	}
	for {
		for ; off <= b.p.MaxOffset(); off++ {
			t, err := tupleAt(b, off)
			if err != nil {
				return err
			}
			if compareKeys(rel, t.keys, keys) != 0 {
				return nil
			}
			if b.p.ItemIsDead(off) || live == nil {
				continue
			}
			for _, dup := range t.tids {
				if dup.Equals(tid) {
					continue
				}
				if live(dup) {
					return fmt.Errorf("duplicate key in unique index %d: %w", rel.ID, index.ErrUniqueViolation)
				}
			}
		}
		// Equal keys may continue onto the right sibling only when the
		// high key itself equals the probe.
		hk, err := b.highKey()
		if err != nil {
			return err
		}
		if hk == nil {
			return nil
		}
		ht, err := decodeTuple(hk)
		if err != nil {
			return err
		}
		if compareKeys(rel, ht.keys, keys) != 0 {
			return nil
		}
		next := b.rightSib()
		nbuf, err := rel.Pool.ReadBuffer(rel.ID, primitives.MainFork, next, buffer.ReadNormal)
		if err != nil {
			return err
		}
		rel.Pool.LockBuffer(nbuf, buffer.Exclusive)
		if cur != buf {
			rel.Pool.UnlockReleaseBuffer(cur)
		}
		cur = nbuf
		if b, err = asBTPage(cur.Page()); err != nil {
			return err
		}
		off = b.firstDataOffset()
	}
}

// insertOnPage places tup at off on buf, splitting if it does not fit.
// buf comes in exclusive-locked and is always unlocked and released.
// child, when non-nil, is the left half of a just-finished split whose
// FollowRight flag must be cleared under the same WAL record; it too is
// consumed.
func insertOnPage(rel *index.Rel, buf *buffer.Buffer, stack *stackEntry, tup *indexTuple, off primitives.OffsetNumber, child *buffer.Buffer) error {
	encoded := tup.encode()
	b, err := asBTPage(buf.Page())
	if err != nil {
		releasePair(rel, buf, child)
		return err
	}

	// Equal-key leaf entries merge into the neighbour's posting list
	// when the result stays within bounds.
	if b.isLeaf() && !tup.isPivot() && off > b.firstDataOffset() {
		prev, err := tupleAt(b, off-1)
		if err != nil {
			releasePair(rel, buf, child)
			return err
		}
		if !prev.isPivot() && compareKeys(rel, prev.keys, tup.keys) == 0 && !b.p.ItemIsDead(off-1) {
			if merged := prev.addPostingTID(tup.firstTID()); merged != nil {
				mdata := merged.encode()
				if len(mdata)-len(prev.encode()) <= b.p.FreeSpace() {
					st := rel.Log.Begin(rel.Pool)
					st.Register(buf, false)
					if err := b.p.OverwriteItem(off-1, mdata); err != nil {
						st.Abort()
						releasePair(rel, buf, child)
						return err
					}
					if _, err := st.Finish(); err != nil {
						st.Abort()
						releasePair(rel, buf, child)
						return err
					}
					releasePair(rel, buf, child)
					return nil
				}
			}
		}
	}

	if b.p.FreeSpace() >= len(encoded)+page.LinePointerSize {
		st := rel.Log.Begin(rel.Pool)
		st.Register(buf, false)
		if child != nil {
			st.Register(child, false)
		}
		if _, err := b.p.AddItem(encoded, off); err != nil {
			st.Abort()
			releasePair(rel, buf, child)
			return err
		}
		if child != nil {
			cb, err := asBTPage(child.Page())
			if err != nil {
				st.Abort()
				releasePair(rel, buf, child)
				return err
			}
			cb.clearFlag(flagFollowRight)
		}
		if _, err := st.Finish(); err != nil {
			st.Abort()
			releasePair(rel, buf, child)
			return err
		}
		releasePair(rel, buf, child)
		return nil
	}

	return splitPage(rel, buf, stack, tup, off, child)
}

func releasePair(rel *index.Rel, buf, child *buffer.Buffer) {
	rel.Pool.UnlockReleaseBuffer(buf)
	if child != nil {
		rel.Pool.UnlockReleaseBuffer(child)
	}
}

// splitPage divides buf's items (with tup logically present at off)
// between buf and a freshly allocated right sibling, then inserts the
// new separator into the parent. buf arrives exclusive-locked and is
// consumed, as is child (see insertOnPage).
func splitPage(rel *index.Rel, buf *buffer.Buffer, stack *stackEntry, tup *indexTuple, off primitives.OffsetNumber, child *buffer.Buffer) error {
	b, err := asBTPage(buf.Page())
	if err != nil {
		releasePair(rel, buf, child)
		return err
	}

	// Materialize the combined item sequence, new tuple included. Items
	// are copied out because the left page is rewritten in place below.
	var items [][]byte
	total := 0
	first := b.firstDataOffset()
	for o := first; o <= b.p.MaxOffset(); o++ {
		if o == off {
			items = append(items, tup.encode())
		}
		item, err := b.p.GetItem(o)
		if err != nil {
			releasePair(rel, buf, child)
			return err
		}
		items = append(items, append([]byte(nil), item...))
	}
	if off > b.p.MaxOffset() {
		items = append(items, tup.encode())
	}
	for _, it := range items {
		total += len(it) + page.LinePointerSize
	}

	splitIdx := chooseSplitPoint(rel, b, items, total, off > b.p.MaxOffset())

	oldHighKey, err := b.highKey()
	if err != nil {
		releasePair(rel, buf, child)
		return err
	}
	oldHighKey = append([]byte(nil), oldHighKey...)
	if len(oldHighKey) == 0 {
		oldHighKey = nil
	}
	firstRight, err := decodeTuple(items[splitIdx])
	if err != nil {
		releasePair(rel, buf, child)
		return err
	}

	rbuf, err := allocPage(rel)
	if err != nil {
		releasePair(rel, buf, child)
		return err
	}

	st := rel.Log.Begin(rel.Pool)
	lp := st.Register(buf, true)
	rp := st.Register(rbuf, true)

	oldRight := b.rightSib()
	var sbuf *buffer.Buffer
	if oldRight.IsValid() {
		if sbuf, err = rel.Pool.ReadBuffer(rel.ID, primitives.MainFork, oldRight, buffer.ReadNormal); err != nil {
			st.Abort()
			releasePair(rel, buf, child)
			rel.Pool.UnlockReleaseBuffer(rbuf)
			return err
		}
		rel.Pool.LockBuffer(sbuf, buffer.Exclusive)
		st.Register(sbuf, false)
	}

	fail := func(err error) error {
		st.Abort()
		if sbuf != nil {
			rel.Pool.UnlockReleaseBuffer(sbuf)
		}
		rel.Pool.UnlockReleaseBuffer(rbuf)
		releasePair(rel, buf, child)
		return err
	}

	level := b.level()
	leaf := b.isLeaf()
	wasRoot := b.isRoot()
	cycle := primitives.CycleID(0)
	if leaf {
		cycle = activeCycle(rel)
	}
	splitEnd := cycle != 0 && b.cycleID() != cycle

	// Build the new left half in scratch space, then overwrite in place.
	scratch := page.New()
	nl := initPage(scratch, level, leaf)
	nl.setLeftSib(b.leftSib())
	nl.setRightSib(rbuf.Block())
	if cycle != 0 {
		nl.setCycleID(cycle)
	}
	hk := firstRight.toPivot(primitives.InvalidBlockNumber).encode()
	if _, err := scratch.AddItem(hk, primitives.InvalidOffsetNumber); err != nil {
		return fail(err)
	}
	for _, it := range items[:splitIdx] {
		if _, err := scratch.AddItem(it, primitives.InvalidOffsetNumber); err != nil {
			return fail(err)
		}
	}

	nr := initPage(rp, level, leaf)
	nr.setLeftSib(buf.Block())
	nr.setRightSib(oldRight)
	if cycle != 0 {
		nr.setCycleID(cycle)
	}
	if splitEnd {
		nr.addFlag(flagSplitEnd)
	}
	if oldHighKey != nil {
		if _, err := rp.AddItem(oldHighKey, primitives.InvalidOffsetNumber); err != nil {
			return fail(err)
		}
	}
	for _, it := range items[splitIdx:] {
		if _, err := rp.AddItem(it, primitives.InvalidOffsetNumber); err != nil {
			return fail(err)
		}
	}

	copy(lp, scratch)
	lb := bt{lp}
	// The new right half is invisible to the parent until the downlink
	// lands; the sequence number tells concurrent descents to follow
	// the right link instead of giving up.
	lb.setNSN(st.Position())
	lb.addFlag(flagFollowRight)

	if sbuf != nil {
		sb, err := asBTPage(sbuf.Page())
		if err != nil {
			return fail(err)
		}
		sb.setLeftSib(rbuf.Block())
	}

	if child != nil {
		cb, err := asBTPage(child.Page())
		if err != nil {
			return fail(err)
		}
		st.Register(child, false)
		cb.clearFlag(flagFollowRight)
	}

	if _, err := st.Finish(); err != nil {
		return fail(err)
	}
	if sbuf != nil {
		rel.Pool.UnlockReleaseBuffer(sbuf)
	}
	if child != nil {
		rel.Pool.UnlockReleaseBuffer(child)
	}

	// Both halves stay locked until the parent has the downlink.
	return insertParent(rel, buf, rbuf, firstRight.keys, stack, wasRoot)
}

// chooseSplitPoint picks the index of the first right-half item. Splits
// of the rightmost page lean right so ascending inserts fill pages to
// the fillfactor; interior splits aim for an even byte division.
func chooseSplitPoint(rel *index.Rel, b bt, items [][]byte, total int, newItemLast bool) int {
	if len(items) < 2 {
		return 1
	}
	targetLeft := total / 2
	if b.isRightmost() && newItemLast {
		targetLeft = total * fillfactor(rel) / 100
	}
	acc := 0
	for i, it := range items {
		acc += len(it) + page.LinePointerSize
		if acc >= targetLeft {
			if i+1 >= len(items) {
				return len(items) - 1
			}
			return i + 1
		}
	}
	return len(items) - 1
}

// insertParent adds the separator for a finished split to the parent
// level, creating a new root when the split page was the root. lbuf and
// rbuf arrive exclusive-locked; both are consumed.
func insertParent(rel *index.Rel, lbuf, rbuf *buffer.Buffer, sepKeys [][]byte, stack *stackEntry, wasRoot bool) error {
	if wasRoot {
		return newRoot(rel, lbuf, rbuf)
	}
	rightBlock := rbuf.Block()
	rel.Pool.UnlockReleaseBuffer(rbuf)

	lb, err := asBTPage(lbuf.Page())
	if err != nil {
		rel.Pool.UnlockReleaseBuffer(lbuf)
		return err
	}
	pbuf, poff, pstack, err := findParent(rel, lbuf.Block(), lb.level(), stack)
	if err != nil {
		rel.Pool.UnlockReleaseBuffer(lbuf)
		return err
	}
	pivot := newPivotTuple(sepKeys, rightBlock)
	return insertOnPage(rel, pbuf, pstack, pivot, poff+1, lbuf)
}

// findParent locates the downlink for child on its parent level and
// returns the parent exclusive-locked with the downlink's offset. The
// descent stack is used when still valid; otherwise the parent level is
// walked from its leftmost page, since the downlink's separator key
// alone cannot say which parent page holds it.
func findParent(rel *index.Rel, child primitives.BlockNumber, childLevel uint32, stack *stackEntry) (*buffer.Buffer, primitives.OffsetNumber, *stackEntry, error) {
	if stack != nil {
		pbuf, err := rel.Pool.ReadBuffer(rel.ID, primitives.MainFork, stack.block, buffer.ReadNormal)
		if err != nil {
			return nil, 0, nil, err
		}
		rel.Pool.LockBuffer(pbuf, buffer.Exclusive)
		if found, off, err := locateDownlink(rel, pbuf, child, stack.offset); err != nil {
			return nil, 0, nil, err
		} else if found != nil {
			return found, off, stack.parent, nil
		}
		// Stale stack entry; fall through to a fresh descent.
	}

	buf, root, err := descendToLevel(rel, nil, childLevel+1)
	if err != nil {
		return nil, 0, nil, err
	}
	if buf == nil {
		return nil, 0, nil, fmt.Errorf("no parent level %d for block %d: %w", childLevel+1, child, index.ErrIndexCorrupted)
	}
	if found, off, err := locateDownlink(rel, buf, child, primitives.FirstOffsetNumber); err != nil {
		return nil, 0, nil, err
	} else if found != nil {
		return found, off, root, nil
	}
	return nil, 0, nil, fmt.Errorf("downlink for block %d missing at level %d: %w", child, childLevel+1, index.ErrIndexCorrupted)
}

// locateDownlink scans pbuf and its right siblings for the pivot
// pointing at child, lock-coupling exclusively. It consumes pbuf and
// returns the holding page exclusive-locked, or nil when the downlink
// is nowhere on the level.
func locateDownlink(rel *index.Rel, pbuf *buffer.Buffer, child primitives.BlockNumber, startOff primitives.OffsetNumber) (*buffer.Buffer, primitives.OffsetNumber, error) {
	cur := pbuf
	for {
		pb, err := asBTPage(cur.Page())
		if err != nil {
			rel.Pool.UnlockReleaseBuffer(cur)
			return nil, 0, err
		}
		off := startOff
		if off < pb.firstDataOffset() {
			off = pb.firstDataOffset()
		}
		for ; off <= pb.p.MaxOffset(); off++ {
			t, err := tupleAt(pb, off)
			if err != nil {
				rel.Pool.UnlockReleaseBuffer(cur)
				return nil, 0, err
			}
			if t.isPivot() && t.downlink == child {
				return cur, off, nil
			}
		}
		next := pb.rightSib()
		if !next.IsValid() {
			rel.Pool.UnlockReleaseBuffer(cur)
			return nil, 0, nil
		}
		nbuf, err := rel.Pool.ReadBuffer(rel.ID, primitives.MainFork, next, buffer.ReadNormal)
		if err != nil {
			rel.Pool.UnlockReleaseBuffer(cur)
			return nil, 0, err
		}
		rel.Pool.LockBuffer(nbuf, buffer.Exclusive)
		rel.Pool.UnlockReleaseBuffer(cur)
		cur = nbuf
		startOff = primitives.FirstOffsetNumber
	}
}

// descendToLevel walks from the true root down to the given level,
// share-locking on the way and exclusive-locking the target page.
func descendToLevel(rel *index.Rel, keys [][]byte, level uint32) (*buffer.Buffer, *stackEntry, error) {
	mbuf, err := rel.Pool.ReadBuffer(rel.ID, primitives.MainFork, MetaBlock, buffer.ReadNormal)
	if err != nil {
		return nil, nil, err
	}
	rel.Pool.LockBuffer(mbuf, buffer.Share)
	m, err := asMetaPage(mbuf.Page())
	if err != nil {
		rel.Pool.UnlockReleaseBuffer(mbuf)
		return nil, nil, err
	}
	root, rootLevel := m.root()
	rel.Pool.UnlockReleaseBuffer(mbuf)
	if !root.IsValid() || rootLevel < level {
		return nil, nil, nil
	}

	key := &searchKey{keys: keys}
	buf, err := rel.Pool.ReadBuffer(rel.ID, primitives.MainFork, root, buffer.ReadNormal)
	if err != nil {
		return nil, nil, err
	}
	mode := buffer.Share
	if rootLevel == level {
		mode = buffer.Exclusive
	}
	rel.Pool.LockBuffer(buf, mode)
	var stack *stackEntry
	for {
		buf, err = moveRight(rel, buf, key, mode == buffer.Exclusive)
		if err != nil {
			return nil, nil, err
		}
		b, err := asBTPage(buf.Page())
		if err != nil {
			rel.Pool.UnlockReleaseBuffer(buf)
			return nil, nil, err
		}
		if b.level() == level {
			return buf, stack, nil
		}
		off, err := binSearch(rel, b, key)
		if err != nil {
			rel.Pool.UnlockReleaseBuffer(buf)
			return nil, nil, err
		}
		if off > b.firstDataOffset() {
			off--
		} else {
			off = b.firstDataOffset()
		}
		t, err := tupleAt(b, off)
		if err != nil {
			rel.Pool.UnlockReleaseBuffer(buf)
			return nil, nil, err
		}
		stack = &stackEntry{block: buf.Block(), offset: off, lsn: buf.Page().LSN(), parent: stack}
		child := t.downlink
		childLevel := b.level() - 1
		rel.Pool.UnlockReleaseBuffer(buf)
		buf, err = rel.Pool.ReadBuffer(rel.ID, primitives.MainFork, child, buffer.ReadNormal)
		if err != nil {
			return nil, nil, err
		}
		mode = buffer.Share
		if childLevel == level {
			mode = buffer.Exclusive
		}
		rel.Pool.LockBuffer(buf, mode)
	}
}

// newRoot replaces a split root with a fresh one holding two downlinks.
// lbuf and rbuf arrive exclusive-locked and are consumed.
func newRoot(rel *index.Rel, lbuf, rbuf *buffer.Buffer) error {
	rootBuf, err := allocPage(rel)
	if err != nil {
		releasePair(rel, lbuf, rbuf)
		return err
	}
	mbuf, err := rel.Pool.ReadBuffer(rel.ID, primitives.MainFork, MetaBlock, buffer.ReadNormal)
	if err != nil {
		rel.Pool.UnlockReleaseBuffer(rootBuf)
		releasePair(rel, lbuf, rbuf)
		return err
	}
	rel.Pool.LockBuffer(mbuf, buffer.Exclusive)

	lb, err := asBTPage(lbuf.Page())
	if err != nil {
		rel.Pool.UnlockReleaseBuffer(mbuf)
		rel.Pool.UnlockReleaseBuffer(rootBuf)
		releasePair(rel, lbuf, rbuf)
		return err
	}
	level := lb.level() + 1

	st := rel.Log.Begin(rel.Pool)
	rp := st.Register(rootBuf, true)
	st.Register(lbuf, false)
	st.Register(mbuf, false)

	fail := func(err error) error {
		st.Abort()
		rel.Pool.UnlockReleaseBuffer(mbuf)
		rel.Pool.UnlockReleaseBuffer(rootBuf)
		releasePair(rel, lbuf, rbuf)
		return err
	}

	nb := initPage(rp, level, false)
	nb.addFlag(flagRoot)
	hk, err := lb.highKey()
	if err != nil {
		return fail(err)
	}
	ht, err := decodeTuple(hk)
	if err != nil {
		return fail(err)
	}
	// Leftmost downlinks carry no key: everything sorts after them.
	leftLink := newPivotTuple(nil, lbuf.Block())
	rightLink := newPivotTuple(ht.keys, rbuf.Block())
	if _, err := rp.AddItem(leftLink.encode(), primitives.InvalidOffsetNumber); err != nil {
		return fail(err)
	}
	if _, err := rp.AddItem(rightLink.encode(), primitives.InvalidOffsetNumber); err != nil {
		return fail(err)
	}

	lb.clearFlag(flagRoot | flagFollowRight)

	m, err := asMetaPage(mbuf.Page())
	if err != nil {
		return fail(err)
	}
	m.setRoot(rootBuf.Block(), level)
	m.setFastRoot(rootBuf.Block(), level)

	if _, err := st.Finish(); err != nil {
		return fail(err)
	}
	rel.Pool.UnlockReleaseBuffer(mbuf)
	rel.Pool.UnlockReleaseBuffer(rootBuf)
	releasePair(rel, lbuf, rbuf)
	return nil
}

// bootstrapRoot creates the first leaf root of an empty tree.
func bootstrapRoot(rel *index.Rel) error {
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
	if root, _ := m.root(); root.IsValid() {
		// Another inserter won the race.
		rel.Pool.UnlockReleaseBuffer(mbuf)
		return nil
	}
	rootBuf, err := allocPage(rel)
	if err != nil {
		rel.Pool.UnlockReleaseBuffer(mbuf)
		return err
	}

	st := rel.Log.Begin(rel.Pool)
	rp := st.Register(rootBuf, true)
	st.Register(mbuf, false)
	b := initPage(rp, 0, true)
	b.addFlag(flagRoot)
	m.setRoot(rootBuf.Block(), 0)
	m.setFastRoot(rootBuf.Block(), 0)
	if _, err := st.Finish(); err != nil {
		st.Abort()
		rel.Pool.UnlockReleaseBuffer(rootBuf)
		rel.Pool.UnlockReleaseBuffer(mbuf)
		return err
	}
	rel.Pool.UnlockReleaseBuffer(rootBuf)
	rel.Pool.UnlockReleaseBuffer(mbuf)
	return nil
}

// finishIncompleteSplit inserts the missing downlink for buf, which
// arrives exclusive-locked with FollowRight set. buf is consumed; the
// caller must re-read the page if it still cares about it.
func finishIncompleteSplit(rel *index.Rel, buf *buffer.Buffer) error {
	b, err := asBTPage(buf.Page())
	if err != nil {
		rel.Pool.UnlockReleaseBuffer(buf)
		return err
	}
	right := b.rightSib()
	if !right.IsValid() {
		rel.Pool.UnlockReleaseBuffer(buf)
		return fmt.Errorf("page %d mid-split without a right sibling: %w", buf.Block(), index.ErrIndexCorrupted)
	}
	hk, err := b.highKey()
	if err != nil {
		rel.Pool.UnlockReleaseBuffer(buf)
		return err
	}
	ht, err := decodeTuple(hk)
	if err != nil {
		rel.Pool.UnlockReleaseBuffer(buf)
		return err
	}

	if b.isRoot() {
		rbuf, err := rel.Pool.ReadBuffer(rel.ID, primitives.MainFork, right, buffer.ReadNormal)
		if err != nil {
			rel.Pool.UnlockReleaseBuffer(buf)
			return err
		}
		rel.Pool.LockBuffer(rbuf, buffer.Exclusive)
		return newRoot(rel, buf, rbuf)
	}

	pbuf, poff, pstack, err := findParent(rel, buf.Block(), b.level(), nil)
	if err != nil {
		rel.Pool.UnlockReleaseBuffer(buf)
		return err
	}
	pivot := newPivotTuple(ht.keys, right)
	return insertOnPage(rel, pbuf, pstack, pivot, poff+1, buf)
}

// allocPage hands back an exclusive-locked buffer for a fresh or
// recycled page. Deleted pages whose contents no scan can still need
// are fair game for reuse.
func allocPage(rel *index.Rel) (*buffer.Buffer, error) {
	return fsm.AllocPage(rel.Pool, rel.FSM, rel.ID, func(p page.Page) bool {
		b, err := asBTPage(p)
		return err == nil && b.isDeleted()
	})
}

func fillfactor(rel *index.Rel) int {
	if o, ok := rel.Options.(*Options); ok && o != nil && o.Fillfactor >= 10 && o.Fillfactor <= 100 {
		return o.Fillfactor
	}
	return defaultFillfactor
}
