package btree

import (
	"fmt"

	"indexstore/pkg/index"
	"indexstore/pkg/primitives"
	"indexstore/pkg/storage/buffer"
)

// stackEntry remembers one internal page visited during descent, so an
// insert can find where to put the downlink after a split. The LSN lets
// the inserter detect that the parent changed underneath it.
type stackEntry struct {
	block  primitives.BlockNumber
	offset primitives.OffsetNumber
	lsn    primitives.LSN
	parent *stackEntry
}

// getRoot returns the tree's fast root, pinned and share-locked, along
// with its level. Returns a nil buffer on an empty tree.
func getRoot(rel *index.Rel) (*buffer.Buffer, uint32, error) {
	mbuf, err := rel.Pool.ReadBuffer(rel.ID, primitives.MainFork, MetaBlock, buffer.ReadNormal)
	if err != nil {
		return nil, 0, err
	}
	rel.Pool.LockBuffer(mbuf, buffer.Share)
	m, err := asMetaPage(mbuf.Page())
	if err != nil {
		rel.Pool.UnlockReleaseBuffer(mbuf)
		return nil, 0, err
	}
	root, level := m.fastRoot()
	rel.Pool.UnlockReleaseBuffer(mbuf)
	if !root.IsValid() {
		return nil, 0, nil
	}
	buf, err := rel.Pool.ReadBuffer(rel.ID, primitives.MainFork, root, buffer.ReadNormal)
	if err != nil {
		return nil, 0, err
	}
	rel.Pool.LockBuffer(buf, buffer.Share)
	b, err := asBTPage(buf.Page())
	if err != nil {
		rel.Pool.UnlockReleaseBuffer(buf)
		return nil, 0, err
	}
	// The fast root may have been split or deleted since the meta page
	// was last updated; move right until a usable page of the recorded
	// level appears.
	for b.isDeleted() || b.isHalfDead() {
		next := b.rightSib()
		if !next.IsValid() {
			rel.Pool.UnlockReleaseBuffer(buf)
			return nil, 0, fmt.Errorf("fast root %d has no live right sibling: %w", root, index.ErrIndexCorrupted)
		}
		rel.Pool.UnlockReleaseBuffer(buf)
		buf, err = rel.Pool.ReadBuffer(rel.ID, primitives.MainFork, next, buffer.ReadNormal)
		if err != nil {
			return nil, 0, err
		}
		rel.Pool.LockBuffer(buf, buffer.Share)
		if b, err = asBTPage(buf.Page()); err != nil {
			rel.Pool.UnlockReleaseBuffer(buf)
			return nil, 0, err
		}
	}
	return buf, level, nil
}

// searchKey captures a descent probe: the key columns to compare and
// whether ties resolve to the first or last matching position.
type searchKey struct {
	keys [][]byte
	// nextKey makes the search find the position after all equal
	// tuples rather than before them. Backward scans use it.
	nextKey bool
	// tid, when valid, breaks ties among equal keys. Inserts use it so
	// duplicates land in heap order.
	tid primitives.ItemPointer
}

// search descends from the root to the leaf that should contain scankey,
// moving right at each level as needed. The returned leaf buffer is
// share-locked (or exclusive-locked when forWrite is set). The stack
// describes the internal pages traversed, innermost first.
func search(rel *index.Rel, key *searchKey, forWrite bool) (*buffer.Buffer, *stackEntry, error) {
	buf, level, err := getRoot(rel)
	if err != nil || buf == nil {
		return nil, nil, err
	}
	var stack *stackEntry
	for {
		if err := rel.CheckForInterrupts(); err != nil {
			rel.Pool.UnlockReleaseBuffer(buf)
			return nil, nil, err
		}
		buf, err = moveRight(rel, buf, key, forWrite && level == 0)
		if err != nil {
			return nil, nil, err
		}
		b, err := asBTPage(buf.Page())
		if err != nil {
			rel.Pool.UnlockReleaseBuffer(buf)
			return nil, nil, err
		}
		if b.isLeaf() {
			return buf, stack, nil
		}
		off, err := binSearch(rel, b, key)
		if err != nil {
			rel.Pool.UnlockReleaseBuffer(buf)
			return nil, nil, err
		}
		// On internal pages the matching downlink is the one *before*
		// the first separator greater than the key.
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
		level = b.level() - 1
		rel.Pool.UnlockReleaseBuffer(buf)
		buf, err = rel.Pool.ReadBuffer(rel.ID, primitives.MainFork, child, buffer.ReadNormal)
		if err != nil {
			return nil, nil, err
		}
		mode := buffer.Share
		if forWrite && level == 0 {
			mode = buffer.Exclusive
		}
		rel.Pool.LockBuffer(buf, mode)
	}
}

// moveRight steps right from buf while the probe key lies beyond the
// page's high key, or while the page is mid-split with an unfinished
// downlink that a writer must complete first. buf comes in locked and
// the result goes out locked in the same mode.
func moveRight(rel *index.Rel, buf *buffer.Buffer, key *searchKey, exclusive bool) (*buffer.Buffer, error) {
	mode := buffer.Share
	if exclusive {
		mode = buffer.Exclusive
	}
	for {
		b, err := asBTPage(buf.Page())
		if err != nil {
			rel.Pool.UnlockReleaseBuffer(buf)
			return nil, err
		}
		if b.followRight() && exclusive {
			// Finish this page's split before inserting near it, so a
			// chain of unfinished splits never grows unboundedly.
			// finishIncompleteSplit consumes buf; take the page again.
			block := buf.Block()
			if err := finishIncompleteSplit(rel, buf); err != nil {
				return nil, err
			}
			buf, err = rel.Pool.ReadBuffer(rel.ID, primitives.MainFork, block, buffer.ReadNormal)
			if err != nil {
				return nil, err
			}
			rel.Pool.LockBuffer(buf, mode)
			continue
		}
		if b.isDeleted() || b.isHalfDead() {
			// Fall through to the right sibling; deleted pages keep
			// their right links until reclaimed.
		} else {
			hk, err := b.highKey()
			if err != nil {
				rel.Pool.UnlockReleaseBuffer(buf)
				return nil, err
			}
			if hk == nil {
				return buf, nil
			}
			ht, err := decodeTuple(hk)
			if err != nil {
				rel.Pool.UnlockReleaseBuffer(buf)
				return nil, err
			}
			c := compareKeys(rel, ht.keys, key.keys)
			if c > 0 || (c == 0 && !key.nextKey) {
				return buf, nil
			}
		}
		next := b.rightSib()
		if !next.IsValid() {
			rel.Pool.UnlockReleaseBuffer(buf)
			return nil, fmt.Errorf("fell off the end of index %d: %w", rel.ID, index.ErrIndexCorrupted)
		}
		rel.Pool.UnlockReleaseBuffer(buf)
		nbuf, err := rel.Pool.ReadBuffer(rel.ID, primitives.MainFork, next, buffer.ReadNormal)
		if err != nil {
			return nil, err
		}
		rel.Pool.LockBuffer(nbuf, mode)
		buf = nbuf
	}
}

// binSearch locates the first offset whose tuple sorts >= the probe key
// (or strictly > for nextKey probes). Returns MaxOffset+1 when every
// tuple sorts before the key.
func binSearch(rel *index.Rel, b bt, key *searchKey) (primitives.OffsetNumber, error) {
	lo := b.firstDataOffset()
	hi := b.p.MaxOffset() + 1
	for lo < hi {
		mid := lo + (hi-lo)/2
		t, err := tupleAt(b, mid)
		if err != nil {
			return 0, err
		}
		c := compareKeys(rel, t.keys, key.keys)
		if c == 0 && key.tid.IsValid() && !t.isPivot() {
			c = t.firstTID().Compare(key.tid)
		}
		if c < 0 || (c == 0 && key.nextKey) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, nil
}
