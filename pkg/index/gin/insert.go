package gin

import (
	"fmt"
	"sort"

	"indexstore/pkg/index"
	"indexstore/pkg/primitives"
	"indexstore/pkg/storage/buffer"
	"indexstore/pkg/storage/fsm"
	"indexstore/pkg/storage/page"
)

func insertTuple(rel *index.Rel, keys [][]byte, tid primitives.ItemPointer, check index.UniqueCheck, _ index.LiveCallback) (bool, error) {
	if check != index.CheckNo {
		return false, fmt.Errorf("gin does not enforce uniqueness")
	}
	if len(keys) != len(rel.Opclasses) {
		return false, fmt.Errorf("got %d key columns, index has %d", len(keys), len(rel.Opclasses))
	}
	opts := options(rel)
	if !opts.FastUpdate {
		for col := range keys {
			if err := insertEntry(rel, uint16(col), keys[col], tid); err != nil {
				return false, err
			}
		}
		return true, nil
	}

	overLimit, err := appendPending(rel, keys, tid)
	if err != nil {
		return false, err
	}
	if overLimit {
		// The staging list outgrew its limit; fold it into the entry
		// list now rather than penalizing scans until the next vacuum.
		if err := mergePending(rel, 0); err != nil {
			return false, err
		}
	}
	return true, nil
}

// appendPending adds one staging row per key column to the tail of the
// pending list, growing it by a page when the tail is full. Reports
// whether the list now exceeds its configured limit.
func appendPending(rel *index.Rel, keys [][]byte, tid primitives.ItemPointer) (bool, error) {
	mbuf, m, err := lockMeta(rel, buffer.Exclusive)
	if err != nil {
		return false, err
	}

	tuples := make([]*pendingTuple, len(keys))
	for col := range keys {
		tuples[col] = &pendingTuple{col: uint16(col), key: keys[col], tid: tid}
		if len(tuples[col].encode()) > maxTupleSize {
			rel.Pool.UnlockReleaseBuffer(mbuf)
			return false, fmt.Errorf("gin key of %d bytes: %w", len(keys[col]), index.ErrProgramLimit)
		}
	}

	var tbuf *buffer.Buffer
	tail := m.pendingTail()
	if tail.IsValid() {
		if tbuf, err = rel.Pool.ReadBuffer(rel.ID, primitives.MainFork, tail, buffer.ReadNormal); err != nil {
			rel.Pool.UnlockReleaseBuffer(mbuf)
			return false, err
		}
		rel.Pool.LockBuffer(tbuf, buffer.Exclusive)
		need := 0
		for _, t := range tuples {
			need += len(t.encode()) + page.LinePointerSize
		}
		if g, err := asGINPage(tbuf.Page()); err != nil || g.p.FreeSpace() < need {
			rel.Pool.UnlockReleaseBuffer(tbuf)
			tbuf = nil
		}
	}

	st := rel.Log.Begin(rel.Pool)
	st.Register(mbuf, false)
	newPage := tbuf == nil
	var prevTail *buffer.Buffer
	if newPage {
		if tbuf, err = allocPage(rel); err != nil {
			st.Abort()
			rel.Pool.UnlockReleaseBuffer(mbuf)
			return false, err
		}
		tp := st.Register(tbuf, true)
		initPage(tp, flagPending)
		if tail.IsValid() {
			if prevTail, err = rel.Pool.ReadBuffer(rel.ID, primitives.MainFork, tail, buffer.ReadNormal); err != nil {
				st.Abort()
				rel.Pool.UnlockReleaseBuffer(tbuf)
				rel.Pool.UnlockReleaseBuffer(mbuf)
				return false, err
			}
			rel.Pool.LockBuffer(prevTail, buffer.Exclusive)
			st.Register(prevTail, false)
			pg, err := asGINPage(prevTail.Page())
			if err == nil {
				pg.setRightLink(tbuf.Block())
			}
		} else {
			m.setPendingHead(tbuf.Block())
		}
		m.setPendingTail(tbuf.Block())
		m.setPendingPages(m.pendingPages() + 1)
	} else {
		st.Register(tbuf, false)
	}

	g, err := asGINPage(tbuf.Page())
	if err == nil {
		for _, t := range tuples {
			if _, err = g.p.AddItem(t.encode(), primitives.InvalidOffsetNumber); err != nil {
				break
			}
		}
	}
	if err != nil {
		st.Abort()
		if prevTail != nil {
			rel.Pool.UnlockReleaseBuffer(prevTail)
		}
		rel.Pool.UnlockReleaseBuffer(tbuf)
		rel.Pool.UnlockReleaseBuffer(mbuf)
		return false, err
	}
	m.setPendingCount(m.pendingCount() + uint64(len(tuples)))

	if _, err := st.Finish(); err != nil {
		st.Abort()
		if prevTail != nil {
			rel.Pool.UnlockReleaseBuffer(prevTail)
		}
		rel.Pool.UnlockReleaseBuffer(tbuf)
		rel.Pool.UnlockReleaseBuffer(mbuf)
		return false, err
	}
	over := int(m.pendingPages()) > options(rel).PendingListLimit
	if prevTail != nil {
		rel.Pool.UnlockReleaseBuffer(prevTail)
	}
	rel.Pool.UnlockReleaseBuffer(tbuf)
	rel.Pool.UnlockReleaseBuffer(mbuf)
	return over, nil
}

// mergePending folds every staged row into the entry list and empties
// the staging chain. The meta page stays exclusive-locked throughout, so
// scans see either the old staging list or the merged entries, never
// neither. Emptied staging pages are stamped deleted with deleteXID; a
// zero value makes them immediately recyclable.
func mergePending(rel *index.Rel, deleteXID primitives.XID) error {
	mbuf, m, err := lockMeta(rel, buffer.Exclusive)
	if err != nil {
		return err
	}
	head := m.pendingHead()
	if !head.IsValid() {
		rel.Pool.UnlockReleaseBuffer(mbuf)
		return nil
	}

	var (
		staged []*pendingTuple
		chain  []primitives.BlockNumber
	)
	for block := head; block.IsValid(); {
		buf, err := rel.Pool.ReadBuffer(rel.ID, primitives.MainFork, block, buffer.ReadNormal)
		if err != nil {
			rel.Pool.UnlockReleaseBuffer(mbuf)
			return err
		}
		rel.Pool.LockBuffer(buf, buffer.Share)
		g, err := asGINPage(buf.Page())
		if err != nil {
			rel.Pool.UnlockReleaseBuffer(buf)
			rel.Pool.UnlockReleaseBuffer(mbuf)
			return err
		}
		for off := primitives.FirstOffsetNumber; off <= g.p.MaxOffset(); off++ {
			raw, err := g.p.GetItem(off)
			if err != nil {
				rel.Pool.UnlockReleaseBuffer(buf)
				rel.Pool.UnlockReleaseBuffer(mbuf)
				return err
			}
			t, err := decodePending(append([]byte(nil), raw...))
			if err != nil {
				rel.Pool.UnlockReleaseBuffer(buf)
				rel.Pool.UnlockReleaseBuffer(mbuf)
				return err
			}
			staged = append(staged, t)
		}
		chain = append(chain, block)
		block = g.rightLink()
		rel.Pool.UnlockReleaseBuffer(buf)
	}

	// Group by key so each entry is rewritten once.
	sort.SliceStable(staged, func(i, j int) bool {
		c := compareEntryKey(rel, staged[i].col, staged[i].key, staged[j].col, staged[j].key)
		if c != 0 {
			return c < 0
		}
		return staged[i].tid.Compare(staged[j].tid) < 0
	})
	for i := 0; i < len(staged); {
		j := i + 1
		for j < len(staged) && compareEntryKey(rel, staged[i].col, staged[i].key, staged[j].col, staged[j].key) == 0 {
			j++
		}
		for _, t := range staged[i:j] {
			if err := insertEntry(rel, t.col, t.key, t.tid); err != nil {
				rel.Pool.UnlockReleaseBuffer(mbuf)
				return err
			}
		}
		i = j
	}

	// Detach and retire the staging chain in one record.
	st := rel.Log.Begin(rel.Pool)
	st.Register(mbuf, false)
	bufs := make([]*buffer.Buffer, 0, len(chain))
	fail := func(err error) error {
		st.Abort()
		for _, b := range bufs {
			rel.Pool.UnlockReleaseBuffer(b)
		}
		rel.Pool.UnlockReleaseBuffer(mbuf)
		return err
	}
	for _, block := range chain {
		buf, err := rel.Pool.ReadBuffer(rel.ID, primitives.MainFork, block, buffer.ReadNormal)
		if err != nil {
			return fail(err)
		}
		rel.Pool.LockBuffer(buf, buffer.Exclusive)
		bufs = append(bufs, buf)
		st.Register(buf, false)
		g, err := asGINPage(buf.Page())
		if err != nil {
			return fail(err)
		}
		g.addFlag(flagDeleted)
		g.setDeleteXID(deleteXID)
	}
	m.setPendingHead(primitives.InvalidBlockNumber)
	m.setPendingTail(primitives.InvalidBlockNumber)
	m.setPendingPages(0)
	m.setPendingCount(0)
	if _, err := st.Finish(); err != nil {
		return fail(err)
	}
	for _, b := range bufs {
		rel.Pool.UnlockReleaseBuffer(b)
	}
	rel.Pool.UnlockReleaseBuffer(mbuf)
	return nil
}

// insertEntry merges one TID into the entry list, creating or growing
// the (column, key) posting list. Pages are walked left to right with
// lock coupling released early; the sorted chain means a key belongs on
// the first page whose entries do not all sort below it.
func insertEntry(rel *index.Rel, col uint16, key []byte, tid primitives.ItemPointer) error {
	block := EntryHeadBlock
	for {
		buf, err := rel.Pool.ReadBuffer(rel.ID, primitives.MainFork, block, buffer.ReadNormal)
		if err != nil {
			return err
		}
		rel.Pool.LockBuffer(buf, buffer.Exclusive)
		g, err := asGINPage(buf.Page())
		if err != nil {
			rel.Pool.UnlockReleaseBuffer(buf)
			return err
		}

		off, equal, err := searchEntries(rel, g, col, key)
		if err != nil {
			rel.Pool.UnlockReleaseBuffer(buf)
			return err
		}

		if !equal && off > g.p.MaxOffset() && g.rightLink().IsValid() {
			block = g.rightLink()
			rel.Pool.UnlockReleaseBuffer(buf)
			continue
		}

		if equal {
			t, err := entryAt(g, off)
			if err != nil {
				rel.Pool.UnlockReleaseBuffer(buf)
				return err
			}
			t = &entryTuple{col: t.col, key: append([]byte(nil), t.key...), tids: append([]primitives.ItemPointer(nil), t.tids...)}
			if !t.addTID(tid) {
				rel.Pool.UnlockReleaseBuffer(buf)
				return nil
			}
			enc := t.encode()
			if len(enc) > maxTupleSize {
				rel.Pool.UnlockReleaseBuffer(buf)
				return fmt.Errorf("gin posting list for key grew to %d bytes: %w", len(enc), index.ErrProgramLimit)
			}
			old, err := g.p.GetItem(off)
			if err != nil {
				rel.Pool.UnlockReleaseBuffer(buf)
				return err
			}
			if len(enc)-len(old) <= g.p.FreeSpace() {
				st := rel.Log.Begin(rel.Pool)
				st.Register(buf, false)
				if err := g.p.OverwriteItem(off, enc); err != nil {
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
			return splitEntryPage(rel, buf, off, t)
		}

		tup := &entryTuple{col: col, key: key, tids: []primitives.ItemPointer{tid}}
		enc := tup.encode()
		if len(enc) > maxTupleSize {
			rel.Pool.UnlockReleaseBuffer(buf)
			return fmt.Errorf("gin key of %d bytes: %w", len(key), index.ErrProgramLimit)
		}
		if g.p.FreeSpace() >= len(enc)+page.LinePointerSize {
			st := rel.Log.Begin(rel.Pool)
			st.Register(buf, false)
			insertAt := off
			if insertAt > g.p.MaxOffset() {
				insertAt = primitives.InvalidOffsetNumber
			}
			if _, err := g.p.AddItem(enc, insertAt); err != nil {
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
		return splitEntryPageWithNew(rel, buf, off, tup)
	}
}

// searchEntries finds the first offset whose entry sorts at or above
// (col, key); equal reports an exact hit. An offset past MaxOffset means
// every entry sorts below the probe.
func searchEntries(rel *index.Rel, g gn, col uint16, key []byte) (primitives.OffsetNumber, bool, error) {
	lo, hi := primitives.FirstOffsetNumber, g.p.MaxOffset()+1
	for lo < hi {
		mid := (lo + hi) / 2
		t, err := entryAt(g, mid)
		if err != nil {
			return 0, false, err
		}
		if compareEntryKey(rel, t.col, t.key, col, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo <= g.p.MaxOffset() {
		t, err := entryAt(g, lo)
		if err != nil {
			return 0, false, err
		}
		if compareEntryKey(rel, t.col, t.key, col, key) == 0 {
			return lo, true, nil
		}
	}
	return lo, false, nil
}

// splitEntryPage rewrites the exclusive-locked page with repl at off and
// moves the upper half onto a new right sibling. Consumes buf.
func splitEntryPage(rel *index.Rel, buf *buffer.Buffer, off primitives.OffsetNumber, repl *entryTuple) error {
	return doSplit(rel, buf, func(g gn) ([][]byte, error) {
		return collectEntries(g, off, repl.encode(), primitives.InvalidOffsetNumber, nil)
	})
}

// splitEntryPageWithNew splits the page with the new entry inserted at
// off. Consumes buf.
func splitEntryPageWithNew(rel *index.Rel, buf *buffer.Buffer, off primitives.OffsetNumber, tup *entryTuple) error {
	return doSplit(rel, buf, func(g gn) ([][]byte, error) {
		return collectEntries(g, primitives.InvalidOffsetNumber, nil, off, tup.encode())
	})
}

// collectEntries copies the page's items, substituting replaceOff and
// splicing insert in front of insertOff (or at the end when past the
// last item).
func collectEntries(g gn, replaceOff primitives.OffsetNumber, replace []byte, insertOff primitives.OffsetNumber, insert []byte) ([][]byte, error) {
	var out [][]byte
	for off := primitives.FirstOffsetNumber; off <= g.p.MaxOffset(); off++ {
		if off == insertOff {
			out = append(out, insert)
		}
		if off == replaceOff {
			out = append(out, append([]byte(nil), replace...))
			continue
		}
		raw, err := g.p.GetItem(off)
		if err != nil {
			return nil, err
		}
		out = append(out, append([]byte(nil), raw...))
	}
	if insertOff.IsValid() && insertOff > g.p.MaxOffset() {
		out = append(out, insert)
	}
	return out, nil
}

// doSplit distributes the items produced by collect over the page and a
// new right sibling, lower half left, in one record. Consumes buf.
func doSplit(rel *index.Rel, buf *buffer.Buffer, collect func(g gn) ([][]byte, error)) error {
	g, err := asGINPage(buf.Page())
	if err != nil {
		rel.Pool.UnlockReleaseBuffer(buf)
		return err
	}
	items, err := collect(g)
	if err != nil {
		rel.Pool.UnlockReleaseBuffer(buf)
		return err
	}

	total := 0
	for _, it := range items {
		total += len(it) + page.LinePointerSize
	}
	splitIdx, acc := len(items)/2, 0
	for i, it := range items {
		acc += len(it) + page.LinePointerSize
		if acc > total/2 {
			splitIdx = i + 1
			break
		}
	}
	if splitIdx >= len(items) {
		splitIdx = len(items) - 1
	}
	if splitIdx < 1 {
		splitIdx = 1
	}

	rbuf, err := allocPage(rel)
	if err != nil {
		rel.Pool.UnlockReleaseBuffer(buf)
		return err
	}

	st := rel.Log.Begin(rel.Pool)
	lp := st.Register(buf, true)
	rp := st.Register(rbuf, true)

	fail := func(err error) error {
		st.Abort()
		rel.Pool.UnlockReleaseBuffer(rbuf)
		rel.Pool.UnlockReleaseBuffer(buf)
		return err
	}

	oldRight := g.rightLink()
	scratch := page.New()
	nl := initPage(scratch, 0)
	nl.setRightLink(rbuf.Block())
	for _, it := range items[:splitIdx] {
		if _, err := scratch.AddItem(it, primitives.InvalidOffsetNumber); err != nil {
			return fail(err)
		}
	}
	nr := initPage(rp, 0)
	nr.setRightLink(oldRight)
	for _, it := range items[splitIdx:] {
		if _, err := rp.AddItem(it, primitives.InvalidOffsetNumber); err != nil {
			return fail(err)
		}
	}
	copy(lp, scratch)

	if _, err := st.Finish(); err != nil {
		return fail(err)
	}
	rel.Pool.UnlockReleaseBuffer(rbuf)
	rel.Pool.UnlockReleaseBuffer(buf)
	return nil
}

func lockMeta(rel *index.Rel, mode buffer.LockMode) (*buffer.Buffer, meta, error) {
	mbuf, err := rel.Pool.ReadBuffer(rel.ID, primitives.MainFork, MetaBlock, buffer.ReadNormal)
	if err != nil {
		return nil, meta{}, err
	}
	rel.Pool.LockBuffer(mbuf, mode)
	m, err := asMetaPage(mbuf.Page())
	if err != nil {
		rel.Pool.UnlockReleaseBuffer(mbuf)
		return nil, meta{}, err
	}
	return mbuf, m, nil
}

// allocPage hands back an exclusive-locked buffer for a fresh or
// recycled page. Retired staging pages past their horizon reenter here.
func allocPage(rel *index.Rel) (*buffer.Buffer, error) {
	return fsm.AllocPage(rel.Pool, rel.FSM, rel.ID, func(p page.Page) bool {
		g, err := asGINPage(p)
		return err == nil && g.isDeleted()
	})
}
