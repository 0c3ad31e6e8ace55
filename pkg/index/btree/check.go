package btree

import (
	"fmt"

	"indexstore/pkg/index"
	"indexstore/pkg/primitives"
	"indexstore/pkg/storage/buffer"
)

// CheckSummary reports what a structural check saw.
type CheckSummary struct {
	// Levels is the tree height including the leaf level.
	Levels uint32
	// Pages counts live pages visited, meta excluded.
	Pages int
	// Tuples counts leaf entries, posting TIDs expanded.
	Tuples int64
}

// Check walks every level of the tree left to right and verifies the
// ordering and linkage invariants: items sorted within each page, items
// bounded by the high key, sibling links consistent, levels uniform,
// and every downlink naming a child one level below. It takes no locks
// beyond per-page share locks, so run it without concurrent writers for
// exact results.
func Check(rel *index.Rel) (*CheckSummary, error) {
	sum := &CheckSummary{}
	mbuf, err := rel.Pool.ReadBuffer(rel.ID, primitives.MainFork, MetaBlock, buffer.ReadNormal)
	if err != nil {
		return nil, err
	}
	rel.Pool.LockBuffer(mbuf, buffer.Share)
	m, err := asMetaPage(mbuf.Page())
	if err != nil {
		rel.Pool.UnlockReleaseBuffer(mbuf)
		return nil, err
	}
	root, rootLevel := m.root()
	rel.Pool.UnlockReleaseBuffer(mbuf)
	if !root.IsValid() {
		return sum, nil
	}
	sum.Levels = rootLevel + 1

	// Find the leftmost page of each level by following first downlinks.
	leftmost := make([]primitives.BlockNumber, rootLevel+1)
	block := root
	for lvl := rootLevel; ; lvl-- {
		leftmost[lvl] = block
		if lvl == 0 {
			break
		}
		buf, err := rel.Pool.ReadBuffer(rel.ID, primitives.MainFork, block, buffer.ReadNormal)
		if err != nil {
			return nil, err
		}
		rel.Pool.LockBuffer(buf, buffer.Share)
		b, err := asBTPage(buf.Page())
		if err != nil {
			rel.Pool.UnlockReleaseBuffer(buf)
			return nil, err
		}
		if b.level() != lvl {
			rel.Pool.UnlockReleaseBuffer(buf)
			return nil, fmt.Errorf("block %d has level %d, expected %d: %w", block, b.level(), lvl, index.ErrIndexCorrupted)
		}
		t, err := tupleAt(b, b.firstDataOffset())
		if err != nil {
			rel.Pool.UnlockReleaseBuffer(buf)
			return nil, err
		}
		if !t.isPivot() {
			rel.Pool.UnlockReleaseBuffer(buf)
			return nil, fmt.Errorf("internal block %d holds a non-pivot tuple: %w", block, index.ErrIndexCorrupted)
		}
		block = t.downlink
		rel.Pool.UnlockReleaseBuffer(buf)
	}

	for lvl := int(rootLevel); lvl >= 0; lvl-- {
		if err := checkLevel(rel, leftmost[lvl], uint32(lvl), sum); err != nil {
			return nil, err
		}
	}
	return sum, nil
}

func checkLevel(rel *index.Rel, start primitives.BlockNumber, level uint32, sum *CheckSummary) error {
	prev := primitives.InvalidBlockNumber
	block := start
	for block.IsValid() {
		if err := rel.CheckForInterrupts(); err != nil {
			return err
		}
		buf, err := rel.Pool.ReadBuffer(rel.ID, primitives.MainFork, block, buffer.ReadNormal)
		if err != nil {
			return err
		}
		rel.Pool.LockBuffer(buf, buffer.Share)
		b, err := asBTPage(buf.Page())
		if err != nil {
			rel.Pool.UnlockReleaseBuffer(buf)
			return err
		}
		if b.isDeleted() || b.isHalfDead() {
			next := b.rightSib()
			rel.Pool.UnlockReleaseBuffer(buf)
			block = next
			continue
		}
		if err := checkPage(rel, b, block, level, prev, sum); err != nil {
			rel.Pool.UnlockReleaseBuffer(buf)
			return err
		}
		prev = block
		next := b.rightSib()
		rel.Pool.UnlockReleaseBuffer(buf)
		block = next
	}
	return nil
}

func checkPage(rel *index.Rel, b bt, block primitives.BlockNumber, level uint32, prevLive primitives.BlockNumber, sum *CheckSummary) error {
	if b.level() != level {
		return fmt.Errorf("block %d has level %d on a level-%d walk: %w", block, b.level(), level, index.ErrIndexCorrupted)
	}
	if b.isLeaf() != (level == 0) {
		return fmt.Errorf("block %d leaf flag disagrees with level %d: %w", block, level, index.ErrIndexCorrupted)
	}
	// The left link may lag behind deletions of intervening pages but
	// must never point forward past a live left neighbour.
	if prevLive.IsValid() && b.leftSib().IsValid() && b.leftSib() != prevLive {
		lb, err := rel.Pool.ReadBuffer(rel.ID, primitives.MainFork, b.leftSib(), buffer.ReadNormal)
		if err != nil {
			return err
		}
		rel.Pool.LockBuffer(lb, buffer.Share)
		lp, err := asBTPage(lb.Page())
		if err != nil {
			rel.Pool.UnlockReleaseBuffer(lb)
			return err
		}
		stale := lp.isDeleted() || lp.isHalfDead()
		rel.Pool.UnlockReleaseBuffer(lb)
		if !stale {
			return fmt.Errorf("block %d left link %d skips live neighbour %d: %w", block, b.leftSib(), prevLive, index.ErrIndexCorrupted)
		}
	}

	sum.Pages++
	var hkeys [][]byte
	if hk, err := b.highKey(); err != nil {
		return err
	} else if hk != nil {
		ht, err := decodeTuple(hk)
		if err != nil {
			return err
		}
		hkeys = ht.keys
	}

	var prevT *indexTuple
	for off := b.firstDataOffset(); off <= b.p.MaxOffset(); off++ {
		t, err := tupleAt(b, off)
		if err != nil {
			return err
		}
		if prevT != nil {
			c := compareKeys(rel, prevT.keys, t.keys)
			if c == 0 && level == 0 && !t.isPivot() && !prevT.isPivot() {
				if prevT.firstTID().Compare(t.firstTID()) > 0 {
					c = 1
				}
			}
			if c > 0 {
				return fmt.Errorf("block %d items out of order at offset %d: %w", block, off, index.ErrIndexCorrupted)
			}
		}
		if hkeys != nil && compareKeys(rel, t.keys, hkeys) > 0 {
			return fmt.Errorf("block %d item at offset %d exceeds the high key: %w", block, off, index.ErrIndexCorrupted)
		}
		if level == 0 {
			sum.Tuples += int64(len(t.tids))
			for i := 1; i < len(t.tids); i++ {
				if t.tids[i-1].Compare(t.tids[i]) >= 0 {
					return fmt.Errorf("block %d posting list disorder at offset %d: %w", block, off, index.ErrIndexCorrupted)
				}
			}
		} else {
			if !t.isPivot() {
				return fmt.Errorf("internal block %d holds a non-pivot at offset %d: %w", block, off, index.ErrIndexCorrupted)
			}
			cbuf, err := rel.Pool.ReadBuffer(rel.ID, primitives.MainFork, t.downlink, buffer.ReadNormal)
			if err != nil {
				return err
			}
			rel.Pool.LockBuffer(cbuf, buffer.Share)
			cb, err := asBTPage(cbuf.Page())
			if err != nil {
				rel.Pool.UnlockReleaseBuffer(cbuf)
				return err
			}
			childLevel := cb.level()
			rel.Pool.UnlockReleaseBuffer(cbuf)
			if childLevel != level-1 {
				return fmt.Errorf("block %d downlink %d reaches level %d, expected %d: %w",
					block, t.downlink, childLevel, level-1, index.ErrIndexCorrupted)
			}
		}
		prevT = t
	}
	return nil
}
