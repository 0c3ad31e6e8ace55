package bloom

import (
	"fmt"

	"indexstore/pkg/index"
	"indexstore/pkg/primitives"
	"indexstore/pkg/storage/buffer"
	"indexstore/pkg/storage/fsm"
	"indexstore/pkg/storage/page"
)

func insertTuple(rel *index.Rel, keys [][]byte, tid primitives.ItemPointer, check index.UniqueCheck, _ index.LiveCallback) (bool, error) {
	if check != index.CheckNo {
		return false, fmt.Errorf("bloom does not enforce uniqueness")
	}
	mbuf, m, err := lockMeta(rel, buffer.Share)
	if err != nil {
		return false, err
	}
	sig, err := rowSignature(rel, m, keys)
	rel.Pool.UnlockReleaseBuffer(mbuf)
	if err != nil {
		return false, err
	}
	tup := encodeTuple(tid, sig)
	need := len(tup) + page.LinePointerSize

	// The ring is a hint; a listed page may have filled since it was
	// remembered. Pop stale entries and fall through to allocation.
	for {
		block := ringCandidate(rel)
		if !block.IsValid() {
			break
		}
		buf, err := rel.Pool.ReadBuffer(rel.ID, primitives.MainFork, block, buffer.ReadNormal)
		if err != nil {
			return false, err
		}
		rel.Pool.LockBuffer(buf, buffer.Exclusive)
		if p, err := asBloomPage(buf.Page()); err == nil && block != MetaBlock && p.FreeSpace() >= need {
			if err := addToPage(rel, buf, tup); err != nil {
				return false, err
			}
			return true, nil
		}
		rel.Pool.UnlockReleaseBuffer(buf)
		if err := ringDrop(rel, block); err != nil {
			return false, err
		}
	}

	buf, err := fsm.AllocPage(rel.Pool, rel.FSM, rel.ID, func(p page.Page) bool {
		bp, err := asBloomPage(p)
		return err == nil && bp.MaxOffset() == 0
	})
	if err != nil {
		return false, err
	}
	block := buf.Block()
	st := rel.Log.Begin(rel.Pool)
	np := st.Register(buf, true)
	initDataPage(np)
	if _, err := np.AddItem(tup, primitives.InvalidOffsetNumber); err != nil {
		st.Abort()
		rel.Pool.UnlockReleaseBuffer(buf)
		return false, err
	}
	if _, err := st.Finish(); err != nil {
		st.Abort()
		rel.Pool.UnlockReleaseBuffer(buf)
		return false, err
	}
	rel.Pool.UnlockReleaseBuffer(buf)

	// Remember the page for later inserts. Crash or eviction between the
	// two records only loses the hint; scans walk every block anyway.
	return true, ringRemember(rel, block)
}

// addToPage appends one tuple to an exclusive-locked page and consumes
// the lock and pin.
func addToPage(rel *index.Rel, buf *buffer.Buffer, tup []byte) error {
	st := rel.Log.Begin(rel.Pool)
	st.Register(buf, false)
	if _, err := buf.Page().AddItem(tup, primitives.InvalidOffsetNumber); err != nil {
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

// ringCandidate copies the oldest remembered page out of the meta ring.
func ringCandidate(rel *index.Rel) primitives.BlockNumber {
	mbuf, m, err := lockMeta(rel, buffer.Share)
	if err != nil {
		return primitives.InvalidBlockNumber
	}
	block := m.ringFirst()
	rel.Pool.UnlockReleaseBuffer(mbuf)
	return block
}

// ringDrop removes block from the front of the ring if it is still
// there; a concurrent insert may already have dropped it.
func ringDrop(rel *index.Rel, block primitives.BlockNumber) error {
	mbuf, m, err := lockMeta(rel, buffer.Exclusive)
	if err != nil {
		return err
	}
	if m.ringFirst() != block {
		rel.Pool.UnlockReleaseBuffer(mbuf)
		return nil
	}
	st := rel.Log.Begin(rel.Pool)
	st.Register(mbuf, false)
	m.ringPopFirst()
	if _, err := st.Finish(); err != nil {
		st.Abort()
		rel.Pool.UnlockReleaseBuffer(mbuf)
		return err
	}
	rel.Pool.UnlockReleaseBuffer(mbuf)
	return nil
}

func ringRemember(rel *index.Rel, block primitives.BlockNumber) error {
	mbuf, m, err := lockMeta(rel, buffer.Exclusive)
	if err != nil {
		return err
	}
	st := rel.Log.Begin(rel.Pool)
	st.Register(mbuf, false)
	m.ringPush(block)
	if _, err := st.Finish(); err != nil {
		st.Abort()
		rel.Pool.UnlockReleaseBuffer(mbuf)
		return err
	}
	rel.Pool.UnlockReleaseBuffer(mbuf)
	return nil
}
