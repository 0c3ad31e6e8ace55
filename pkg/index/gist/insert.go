package gist

import (
	"errors"
	"fmt"

	"indexstore/pkg/index"
	"indexstore/pkg/log/genwal"
	"indexstore/pkg/primitives"
	"indexstore/pkg/storage/buffer"
	"indexstore/pkg/storage/fsm"
	"indexstore/pkg/storage/page"
)

// errRestart aborts a descent whose view of the tree went stale: a
// concurrent split moved tuples, a page vanished, or a split had to be
// finished first. The insert retries from the root.
var errRestart = errors.New("gist tree shape changed during descent")

// stackEntry records one page of the descent path together with the LSN
// its parent had when the downlink was read. A page whose NSN exceeds
// that LSN was split after the parent was examined, so the parent's view
// of this subtree is stale.
type stackEntry struct {
	block     primitives.BlockNumber
	parentLSN primitives.LSN
	parent    *stackEntry
}

func insertTuple(rel *index.Rel, keys [][]byte, tid primitives.ItemPointer, check index.UniqueCheck, _ index.LiveCallback) (bool, error) {
	if check != index.CheckNo {
		return false, fmt.Errorf("gist does not enforce uniqueness")
	}
	if len(keys) != len(rel.Opclasses) {
		return false, fmt.Errorf("got %d key columns, index has %d", len(keys), len(rel.Opclasses))
	}
	tup := newLeafTuple(keys, tid)
	if len(tup.encode()) > maxTupleSize {
		return false, fmt.Errorf("gist tuple of %d bytes: %w", len(tup.encode()), index.ErrProgramLimit)
	}
	for {
		err := doInsert(rel, tup)
		if errors.Is(err, errRestart) {
			continue
		}
		return err == nil, err
	}
}

// doInsert performs one descent attempt. It widens downlink keys on the
// way down so every ancestor covers the new tuple, finishes any
// interrupted split it runs into, and places the tuple on the chosen
// leaf, splitting when the leaf is full.
func doInsert(rel *index.Rel, tup *indexTuple) error {
	stack := &stackEntry{block: RootBlock}
	for {
		if err := rel.CheckForInterrupts(); err != nil {
			return err
		}
		buf, err := rel.Pool.ReadBuffer(rel.ID, primitives.MainFork, stack.block, buffer.ReadNormal)
		if err != nil {
			return err
		}
		rel.Pool.LockBuffer(buf, buffer.Share)
		g, err := asGiSTPage(buf.Page())
		if err != nil {
			rel.Pool.UnlockReleaseBuffer(buf)
			return err
		}
		if g.isDeleted() {
			rel.Pool.UnlockReleaseBuffer(buf)
			return errRestart
		}
		if g.followRight() {
			// A crash or concurrent inserter left this split without its
			// parent downlink. Finish it, then retry the whole descent.
			rel.Pool.UnlockBuffer(buf)
			rel.Pool.LockBuffer(buf, buffer.Exclusive)
			g, err = asGiSTPage(buf.Page())
			if err != nil {
				rel.Pool.UnlockReleaseBuffer(buf)
				return err
			}
			if g.followRight() {
				if err := finishSplit(rel, buf, stack); err != nil {
					return err
				}
				return errRestart
			}
			rel.Pool.UnlockReleaseBuffer(buf)
			return errRestart
		}
		if stack.parent != nil && g.nsn() > stack.parentLSN {
			// Split after the parent was read: the parent may or may not
			// hold the right half's downlink yet. Start over.
			rel.Pool.UnlockReleaseBuffer(buf)
			return errRestart
		}

		if g.isLeaf() {
			return insertOnLeaf(rel, buf, stack, tup)
		}

		_, entry, err := chooseSubtree(rel, g, tup.keys)
		if err != nil {
			rel.Pool.UnlockReleaseBuffer(buf)
			return err
		}
		child := entry.downlink
		lsn := buf.Page().LSN()
		if _, changed := adjustKeys(rel, entry.keys, tup.keys); changed {
			lsn, err = widenDownlink(rel, buf, stack, child, tup.keys)
			if err != nil {
				return err
			}
		} else {
			rel.Pool.UnlockReleaseBuffer(buf)
		}
		stack = &stackEntry{block: child, parentLSN: lsn, parent: stack}
	}
}

// chooseSubtree picks the downlink whose key is cheapest to widen over
// the new keys. Ties go to the first candidate.
func chooseSubtree(rel *index.Rel, g gp, keys [][]byte) (primitives.OffsetNumber, *indexTuple, error) {
	var (
		bestOff primitives.OffsetNumber
		best    *indexTuple
		bestPen float64
	)
	for off := primitives.FirstOffsetNumber; off <= g.p.MaxOffset(); off++ {
		t, err := tupleAt(g, off)
		if err != nil {
			return 0, nil, err
		}
		pen := penalty(rel, t.keys, keys)
		if best == nil || pen < bestPen {
			bestOff, best, bestPen = off, t, pen
		}
	}
	if best == nil {
		return 0, nil, fmt.Errorf("internal gist page has no downlinks")
	}
	return bestOff, best, nil
}

// widenDownlink upgrades to an exclusive lock and replaces child's
// downlink key so it covers keys. The share lock on buf is dropped
// first, so the entry is located again; a page that no longer holds the
// downlink forces a restart. Consumes buf and returns the page LSN
// after the update.
func widenDownlink(rel *index.Rel, buf *buffer.Buffer, stack *stackEntry, child primitives.BlockNumber, keys [][]byte) (primitives.LSN, error) {
	rel.Pool.UnlockBuffer(buf)
	rel.Pool.LockBuffer(buf, buffer.Exclusive)
	g, err := asGiSTPage(buf.Page())
	if err != nil {
		rel.Pool.UnlockReleaseBuffer(buf)
		return 0, err
	}
	if g.isDeleted() || g.isLeaf() {
		rel.Pool.UnlockReleaseBuffer(buf)
		return 0, errRestart
	}
	off, cur, err := findDownlink(g, child)
	if err != nil {
		rel.Pool.UnlockReleaseBuffer(buf)
		return 0, err
	}
	if !off.IsValid() {
		rel.Pool.UnlockReleaseBuffer(buf)
		return 0, errRestart
	}
	adjusted, changed := adjustKeys(rel, cur.keys, keys)
	if !changed {
		lsn := buf.Page().LSN()
		rel.Pool.UnlockReleaseBuffer(buf)
		return lsn, nil
	}
	repl := newDownlinkTuple(adjusted, child)
	enc := repl.encode()
	old, err := g.p.GetItem(off)
	if err != nil {
		rel.Pool.UnlockReleaseBuffer(buf)
		return 0, err
	}
	if grow := len(enc) - len(old); grow > g.p.FreeSpace() {
		// The widened key does not fit; split this internal page with
		// the replacement applied, then restart the descent.
		items, err := pageTuples(g, off, repl, nil)
		if err != nil {
			rel.Pool.UnlockReleaseBuffer(buf)
			return 0, err
		}
		if err := splitPage(rel, buf, stack, items, nil); err != nil {
			return 0, err
		}
		return 0, errRestart
	}
	st := rel.Log.Begin(rel.Pool)
	st.Register(buf, false)
	if err := g.p.OverwriteItem(off, enc); err != nil {
		st.Abort()
		rel.Pool.UnlockReleaseBuffer(buf)
		return 0, err
	}
	if _, err := st.Finish(); err != nil {
		st.Abort()
		rel.Pool.UnlockReleaseBuffer(buf)
		return 0, err
	}
	lsn := buf.Page().LSN()
	rel.Pool.UnlockReleaseBuffer(buf)
	return lsn, nil
}

// findDownlink locates the internal entry pointing at child. Returns an
// invalid offset when the page does not hold it.
func findDownlink(g gp, child primitives.BlockNumber) (primitives.OffsetNumber, *indexTuple, error) {
	for off := primitives.FirstOffsetNumber; off <= g.p.MaxOffset(); off++ {
		t, err := tupleAt(g, off)
		if err != nil {
			return 0, nil, err
		}
		if t.isInternal() && t.downlink == child {
			return off, t, nil
		}
	}
	return primitives.InvalidOffsetNumber, nil, nil
}

// insertOnLeaf places tup on the share-locked leaf buf, upgrading to
// exclusive and splitting when full. Consumes buf.
func insertOnLeaf(rel *index.Rel, buf *buffer.Buffer, stack *stackEntry, tup *indexTuple) error {
	rel.Pool.UnlockBuffer(buf)
	rel.Pool.LockBuffer(buf, buffer.Exclusive)
	g, err := asGiSTPage(buf.Page())
	if err != nil {
		rel.Pool.UnlockReleaseBuffer(buf)
		return err
	}
	// The lock was dropped for the upgrade; anything may have happened.
	if g.isDeleted() || !g.isLeaf() {
		rel.Pool.UnlockReleaseBuffer(buf)
		return errRestart
	}
	if g.followRight() {
		if err := finishSplit(rel, buf, stack); err != nil {
			return err
		}
		return errRestart
	}
	if stack.parent != nil && g.nsn() > stack.parentLSN {
		rel.Pool.UnlockReleaseBuffer(buf)
		return errRestart
	}

	enc := tup.encode()
	if pageHasRoom(rel, g, len(enc)) {
		st := rel.Log.Begin(rel.Pool)
		st.Register(buf, false)
		if _, err := g.p.AddItem(enc, primitives.InvalidOffsetNumber); err != nil {
			st.Abort()
			rel.Pool.UnlockReleaseBuffer(buf)
			return err
		}
		if _, err := st.Finish(); err != nil {
			st.Abort()
			rel.Pool.UnlockReleaseBuffer(buf)
			return err
		}
		rel.Pool.UnlockReleaseBuffer(buf)
		return nil
	}

	items, err := pageTuples(g, primitives.InvalidOffsetNumber, nil, []*indexTuple{tup})
	if err != nil {
		rel.Pool.UnlockReleaseBuffer(buf)
		return err
	}
	return splitPage(rel, buf, stack, items, nil)
}

// pageHasRoom applies the fillfactor headroom on top of raw free space,
// but never forces a split that would leave fewer than two items.
func pageHasRoom(rel *index.Rel, g gp, need int) bool {
	free := g.p.FreeSpace()
	if free < need+page.LinePointerSize {
		return false
	}
	capacity := page.Size - page.HeaderSize - specialSize
	used := capacity - free
	if used+need+page.LinePointerSize > capacity*fillfactor(rel)/100 && g.p.ItemCount() >= 2 {
		return false
	}
	return true
}

// pageTuples decodes every item of the page into detached tuples, with
// the entry at replaceOff (when valid) swapped for repl and adds
// appended. The results share no memory with the page.
func pageTuples(g gp, replaceOff primitives.OffsetNumber, repl *indexTuple, adds []*indexTuple) ([]*indexTuple, error) {
	var out []*indexTuple
	for off := primitives.FirstOffsetNumber; off <= g.p.MaxOffset(); off++ {
		if off == replaceOff {
			out = append(out, repl)
			continue
		}
		raw, err := g.p.GetItem(off)
		if err != nil {
			return nil, err
		}
		t, err := decodeTuple(append([]byte(nil), raw...))
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return append(out, adds...), nil
}

// splitPage distributes tuples over the page and a new right sibling
// (or, for the root, two new children) according to the opclass
// picksplit, logs the split, and installs the downlinks in the parent.
// Consumes buf and childBuf.
func splitPage(rel *index.Rel, buf *buffer.Buffer, stack *stackEntry, tuples []*indexTuple, childBuf *buffer.Buffer) error {
	g, err := asGiSTPage(buf.Page())
	if err != nil {
		releaseSplitPair(rel, buf, childBuf)
		return err
	}
	leaf := g.isLeaf()

	col0 := make([][]byte, len(tuples))
	for i, t := range tuples {
		col0[i] = t.keys[0]
	}
	leftIdx := rel.Opclasses[0].PickSplit(col0)
	if len(leftIdx) == 0 || len(leftIdx) >= len(tuples) {
		// Degenerate picksplit; fall back to an even division.
		leftIdx = leftIdx[:0]
		for i := 0; i < len(tuples)/2; i++ {
			leftIdx = append(leftIdx, i)
		}
	}
	inLeft := make(map[int]bool, len(leftIdx))
	for _, i := range leftIdx {
		inLeft[i] = true
	}
	var left, right []*indexTuple
	for i, t := range tuples {
		if inLeft[i] {
			left = append(left, t)
		} else {
			right = append(right, t)
		}
	}

	if buf.Block() == RootBlock {
		return splitRoot(rel, buf, left, right, leaf, childBuf)
	}

	rbuf, err := allocPage(rel)
	if err != nil {
		releaseSplitPair(rel, buf, childBuf)
		return err
	}

	st := rel.Log.Begin(rel.Pool)
	lp := st.Register(buf, true)
	rp := st.Register(rbuf, true)
	if childBuf != nil {
		st.Register(childBuf, false)
		if err := clearChildFollowRight(st, childBuf); err != nil {
			st.Abort()
			rel.Pool.UnlockReleaseBuffer(rbuf)
			releaseSplitPair(rel, buf, childBuf)
			return err
		}
	}

	oldNSN := g.nsn()
	oldRight := g.rightLink()

	scratch := page.New()
	nl := initPage(scratch, leaf)
	nl.setRightLink(rbuf.Block())
	// The old NSN is kept so chains from earlier splits stay detectable;
	// the follow-right flag marks this split as unfinished until the
	// parent learns of the right half.
	nl.setNSN(oldNSN)
	nl.addFlag(flagFollowRight)
	for _, t := range left {
		if _, err := scratch.AddItem(t.encode(), primitives.InvalidOffsetNumber); err != nil {
			st.Abort()
			rel.Pool.UnlockReleaseBuffer(rbuf)
			releaseSplitPair(rel, buf, childBuf)
			return err
		}
	}

	nr := initPage(rp, leaf)
	nr.setRightLink(oldRight)
	nr.setNSN(oldNSN)
	for _, t := range right {
		if _, err := rp.AddItem(t.encode(), primitives.InvalidOffsetNumber); err != nil {
			st.Abort()
			rel.Pool.UnlockReleaseBuffer(rbuf)
			releaseSplitPair(rel, buf, childBuf)
			return err
		}
	}

	copy(lp, scratch)

	if _, err := st.Finish(); err != nil {
		st.Abort()
		rel.Pool.UnlockReleaseBuffer(rbuf)
		releaseSplitPair(rel, buf, childBuf)
		return err
	}
	if childBuf != nil {
		rel.Pool.UnlockReleaseBuffer(childBuf)
	}

	lTup := newDownlinkTuple(unionKeys(rel, left), buf.Block())
	rTup := newDownlinkTuple(unionKeys(rel, right), rbuf.Block())
	rel.Pool.UnlockReleaseBuffer(rbuf)

	// The left half stays locked until its parent entry is updated and
	// the right half's downlink lands.
	return insertDownlinks(rel, stack.parent, buf, lTup, rTup)
}

// splitRoot rewrites block 0 in place as an internal page over two new
// children. The root split is atomic: one record covers all three pages,
// so no follow-right interlock is needed. Consumes buf and childBuf.
func splitRoot(rel *index.Rel, buf *buffer.Buffer, left, right []*indexTuple, leaf bool, childBuf *buffer.Buffer) error {
	lbuf, err := allocPage(rel)
	if err != nil {
		releaseSplitPair(rel, buf, childBuf)
		return err
	}
	rbuf, err := allocPage(rel)
	if err != nil {
		rel.Pool.UnlockReleaseBuffer(lbuf)
		releaseSplitPair(rel, buf, childBuf)
		return err
	}

	st := rel.Log.Begin(rel.Pool)
	rootP := st.Register(buf, true)
	lp := st.Register(lbuf, true)
	rp := st.Register(rbuf, true)

	fail := func(err error) error {
		st.Abort()
		rel.Pool.UnlockReleaseBuffer(lbuf)
		rel.Pool.UnlockReleaseBuffer(rbuf)
		releaseSplitPair(rel, buf, childBuf)
		return err
	}

	if childBuf != nil {
		st.Register(childBuf, false)
		if err := clearChildFollowRight(st, childBuf); err != nil {
			return fail(err)
		}
	}

	nl := initPage(lp, leaf)
	nl.setRightLink(rbuf.Block())
	for _, t := range left {
		if _, err := lp.AddItem(t.encode(), primitives.InvalidOffsetNumber); err != nil {
			return fail(err)
		}
	}
	initPage(rp, leaf)
	for _, t := range right {
		if _, err := rp.AddItem(t.encode(), primitives.InvalidOffsetNumber); err != nil {
			return fail(err)
		}
	}

	initPage(rootP, false)
	lTup := newDownlinkTuple(unionKeys(rel, left), lbuf.Block())
	rTup := newDownlinkTuple(unionKeys(rel, right), rbuf.Block())
	if _, err := rootP.AddItem(lTup.encode(), primitives.InvalidOffsetNumber); err != nil {
		return fail(err)
	}
	if _, err := rootP.AddItem(rTup.encode(), primitives.InvalidOffsetNumber); err != nil {
		return fail(err)
	}

	if _, err := st.Finish(); err != nil {
		return fail(err)
	}
	rel.Pool.UnlockReleaseBuffer(lbuf)
	rel.Pool.UnlockReleaseBuffer(rbuf)
	releaseSplitPair(rel, buf, childBuf)
	return nil
}

// insertDownlinks walks the parent level from the remembered parent
// rightward until it finds child's downlink, replaces it with leftTup,
// and adds rightTup alongside. The child's follow-right flag is cleared
// in the same record. Consumes childBuf.
func insertDownlinks(rel *index.Rel, parent *stackEntry, childBuf *buffer.Buffer, leftTup, rightTup *indexTuple) error {
	if parent == nil {
		rel.Pool.UnlockReleaseBuffer(childBuf)
		return fmt.Errorf("gist page %d split with no parent on the descent path", childBuf.Block())
	}
	pblock := parent.block
	for pblock.IsValid() {
		pbuf, err := rel.Pool.ReadBuffer(rel.ID, primitives.MainFork, pblock, buffer.ReadNormal)
		if err != nil {
			rel.Pool.UnlockReleaseBuffer(childBuf)
			return err
		}
		rel.Pool.LockBuffer(pbuf, buffer.Exclusive)
		g, err := asGiSTPage(pbuf.Page())
		if err != nil {
			rel.Pool.UnlockReleaseBuffer(pbuf)
			rel.Pool.UnlockReleaseBuffer(childBuf)
			return err
		}
		off, _, err := findDownlink(g, childBuf.Block())
		if err != nil {
			rel.Pool.UnlockReleaseBuffer(pbuf)
			rel.Pool.UnlockReleaseBuffer(childBuf)
			return err
		}
		if off.IsValid() {
			return placeTuples(rel, pbuf, parent, off, leftTup, []*indexTuple{rightTup}, childBuf)
		}
		pblock = g.rightLink()
		rel.Pool.UnlockReleaseBuffer(pbuf)
	}
	// The downlink moved somewhere the right walk cannot see; the child
	// keeps its follow-right flag, so a later descent finishes the split.
	rel.Pool.UnlockReleaseBuffer(childBuf)
	return errRestart
}

// placeTuples replaces the entry at replaceOff (when valid) and appends
// adds on the exclusive-locked internal page buf, splitting it when the
// change does not fit. childBuf, when non-nil, has its follow-right
// cleared in the same record. Consumes buf and childBuf.
func placeTuples(rel *index.Rel, buf *buffer.Buffer, stack *stackEntry, replaceOff primitives.OffsetNumber, replace *indexTuple, adds []*indexTuple, childBuf *buffer.Buffer) error {
	g, err := asGiSTPage(buf.Page())
	if err != nil {
		releaseSplitPair(rel, buf, childBuf)
		return err
	}

	need := 0
	if replace != nil {
		old, err := g.p.GetItem(replaceOff)
		if err != nil {
			releaseSplitPair(rel, buf, childBuf)
			return err
		}
		need += len(replace.encode()) - len(old)
	}
	for _, t := range adds {
		need += len(t.encode()) + page.LinePointerSize
	}

	if need <= g.p.FreeSpace() {
		st := rel.Log.Begin(rel.Pool)
		st.Register(buf, false)
		if childBuf != nil {
			st.Register(childBuf, false)
			if err := clearChildFollowRight(st, childBuf); err != nil {
				st.Abort()
				releaseSplitPair(rel, buf, childBuf)
				return err
			}
		}
		if replace != nil {
			if err := g.p.OverwriteItem(replaceOff, replace.encode()); err != nil {
				st.Abort()
				releaseSplitPair(rel, buf, childBuf)
				return err
			}
		}
		for _, t := range adds {
			if _, err := g.p.AddItem(t.encode(), primitives.InvalidOffsetNumber); err != nil {
				st.Abort()
				releaseSplitPair(rel, buf, childBuf)
				return err
			}
		}
		if _, err := st.Finish(); err != nil {
			st.Abort()
			releaseSplitPair(rel, buf, childBuf)
			return err
		}
		releaseSplitPair(rel, buf, childBuf)
		return nil
	}

	items, err := pageTuples(g, replaceOff, replace, adds)
	if err != nil {
		releaseSplitPair(rel, buf, childBuf)
		return err
	}
	return splitPage(rel, buf, stack, items, childBuf)
}

// finishSplit completes an interrupted split: the exclusive-locked buf
// carries follow-right, so its right sibling has no parent downlink.
// Union keys for both halves are rebuilt from the live pages and pushed
// into the parent. Consumes buf.
func finishSplit(rel *index.Rel, buf *buffer.Buffer, stack *stackEntry) error {
	g, err := asGiSTPage(buf.Page())
	if err != nil {
		rel.Pool.UnlockReleaseBuffer(buf)
		return err
	}
	if stack.parent == nil {
		rel.Pool.UnlockReleaseBuffer(buf)
		return fmt.Errorf("root page carries follow-right")
	}
	right := g.rightLink()
	if !right.IsValid() {
		rel.Pool.UnlockReleaseBuffer(buf)
		return fmt.Errorf("page %d carries follow-right with no right sibling", buf.Block())
	}

	rbuf, err := rel.Pool.ReadBuffer(rel.ID, primitives.MainFork, right, buffer.ReadNormal)
	if err != nil {
		rel.Pool.UnlockReleaseBuffer(buf)
		return err
	}
	rel.Pool.LockBuffer(rbuf, buffer.Share)
	rg, err := asGiSTPage(rbuf.Page())
	if err != nil {
		rel.Pool.UnlockReleaseBuffer(rbuf)
		rel.Pool.UnlockReleaseBuffer(buf)
		return err
	}
	rTuples, err := pageTuples(rg, primitives.InvalidOffsetNumber, nil, nil)
	if err != nil {
		rel.Pool.UnlockReleaseBuffer(rbuf)
		rel.Pool.UnlockReleaseBuffer(buf)
		return err
	}
	rel.Pool.UnlockReleaseBuffer(rbuf)

	lTuples, err := pageTuples(g, primitives.InvalidOffsetNumber, nil, nil)
	if err != nil {
		rel.Pool.UnlockReleaseBuffer(buf)
		return err
	}

	lTup := newDownlinkTuple(unionKeys(rel, lTuples), buf.Block())
	rTup := newDownlinkTuple(unionKeys(rel, rTuples), right)
	return insertDownlinks(rel, stack.parent, buf, lTup, rTup)
}

// clearChildFollowRight stamps the child's NSN with a position above
// everything already written and no greater than the record being
// built, then clears the flag: any parent view older than this record
// sees an NSN in its future and follows the right link instead.
func clearChildFollowRight(st *genwal.State, childBuf *buffer.Buffer) error {
	cg, err := asGiSTPage(childBuf.Page())
	if err != nil {
		return err
	}
	cg.setNSN(st.Position())
	cg.clearFlag(flagFollowRight)
	return nil
}

func releaseSplitPair(rel *index.Rel, buf, childBuf *buffer.Buffer) {
	if childBuf != nil {
		rel.Pool.UnlockReleaseBuffer(childBuf)
	}
	rel.Pool.UnlockReleaseBuffer(buf)
}

// allocPage hands back an exclusive-locked buffer for a fresh or
// recycled page. Deleted pages past their reuse horizon reenter here.
func allocPage(rel *index.Rel) (*buffer.Buffer, error) {
	return fsm.AllocPage(rel.Pool, rel.FSM, rel.ID, func(p page.Page) bool {
		g, err := asGiSTPage(p)
		return err == nil && g.isDeleted()
	})
}
