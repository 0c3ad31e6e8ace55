package fsm

import (
	"fmt"
	"sync"

	"indexstore/pkg/primitives"
	"indexstore/pkg/storage/buffer"
	"indexstore/pkg/storage/page"
)

// The free-space map tracks a single bit per page of the main fork:
// "fully free" (the access method marked it deleted or never used it) or
// "used". It lives in the FSM fork as pages each holding a binary tree of
// one-byte nodes: the leaves carry the per-block bits, the inner nodes OR
// their children so a lookup descends from the root in O(log n) instead of
// scanning the leaf bits.
//
// The map is a hint, not truth: by the time a caller locks a page returned
// from here, a concurrent backend may already be reusing it. The allocator
// protocol in alloc.go re-checks under a conditional lock.
const (
	// nodeNum is the number of one-byte tree nodes per FSM page.
	nodeNum = page.Size - page.HeaderSize - page.SentinelSize

	// The in-page tree is not perfect; split the node array the same way
	// on every page so positions are stable.
	nonLeafNodeNum = nodeNum/2 - 1

	// LeavesPerPage is how many main-fork blocks one FSM page covers.
	LeavesPerPage = nodeNum - nonLeafNodeNum
)

// FSM is the free-space map of one relation. All state lives in the FSM
// fork; this handle only carries the pool and a latch serializing writers.
type FSM struct {
	pool *buffer.Pool
	rel  primitives.RelID

	// latch keeps GetFreePage's clear-on-return atomic against concurrent
	// writers. Reads of single bytes need no latch.
	latch sync.Mutex
}

// New returns the free-space map handle for a relation.
func New(pool *buffer.Pool, rel primitives.RelID) *FSM {
	return &FSM{pool: pool, rel: rel}
}

func slotOf(block primitives.BlockNumber) (fsmPage primitives.BlockNumber, leaf int) {
	return primitives.BlockNumber(int(block) / LeavesPerPage), int(block) % LeavesPerPage
}

func nodeBody(p page.Page) []byte {
	return p[page.HeaderSize : page.HeaderSize+nodeNum]
}

// fsmPageBuffer pins the FSM page covering the slot, extending the FSM
// fork as needed when mayExtend is set.
func (f *FSM) fsmPageBuffer(fsmPage primitives.BlockNumber, mayExtend bool) (*buffer.Buffer, error) {
	n, err := f.pool.NumBlocks(f.rel, primitives.FSMFork)
	if err != nil {
		return nil, err
	}
	if fsmPage >= n {
		if !mayExtend {
			return nil, nil
		}
		unlock := f.pool.RelationExtendLock(f.rel)
		defer unlock()
		for {
			n, err = f.pool.NumBlocks(f.rel, primitives.FSMFork)
			if err != nil {
				return nil, err
			}
			if fsmPage < n {
				break
			}
			buf, err := f.pool.ExtendRelation(f.rel, primitives.FSMFork)
			if err != nil {
				return nil, err
			}
			buf.Page().Init(page.SentinelSize, 0)
			f.pool.MarkDirty(buf)
			f.pool.UnlockReleaseBuffer(buf)
		}
	}
	return f.pool.ReadBuffer(f.rel, primitives.FSMFork, fsmPage, buffer.ReadNormal)
}

// RecordFreePage marks a main-fork block as fully free.
func (f *FSM) RecordFreePage(block primitives.BlockNumber) error {
	return f.setBit(block, 1)
}

// RecordUsedPage marks a main-fork block as in use.
func (f *FSM) RecordUsedPage(block primitives.BlockNumber) error {
	return f.setBit(block, 0)
}

func (f *FSM) setBit(block primitives.BlockNumber, val byte) error {
	fsmPage, leaf := slotOf(block)
	buf, err := f.fsmPageBuffer(fsmPage, true)
	if err != nil {
		return err
	}
	f.pool.LockBuffer(buf, buffer.Exclusive)
	defer f.pool.UnlockReleaseBuffer(buf)

	f.latch.Lock()
	defer f.latch.Unlock()

	body := nodeBody(buf.Page())
	node := nonLeafNodeNum + leaf
	if body[node] == val {
		return nil
	}
	body[node] = val
	propagateUp(body, node)
	f.pool.MarkDirty(buf)
	return nil
}

// propagateUp re-derives the OR summaries on the path from node to root.
func propagateUp(body []byte, node int) {
	for node > 0 {
		node = (node - 1) / 2
		var v byte
		if l := 2*node + 1; l < nodeNum && body[l] != 0 {
			v = 1
		}
		if r := 2*node + 2; r < nodeNum && body[r] != 0 {
			v = 1
		}
		if body[node] == v {
			return
		}
		body[node] = v
	}
}

// GetFreePage returns any free block, marking it used as a side effect,
// or InvalidBlockNumber if the map has none. The caller must still verify
// the page under a conditional lock before reusing it.
func (f *FSM) GetFreePage() (primitives.BlockNumber, error) {
	n, err := f.pool.NumBlocks(f.rel, primitives.FSMFork)
	if err != nil {
		return primitives.InvalidBlockNumber, err
	}

	for fsmPage := primitives.BlockNumber(0); fsmPage < n; fsmPage++ {
		buf, err := f.pool.ReadBuffer(f.rel, primitives.FSMFork, fsmPage, buffer.ReadNormal)
		if err != nil {
			return primitives.InvalidBlockNumber, err
		}
		f.pool.LockBuffer(buf, buffer.Exclusive)
		f.latch.Lock()

		body := nodeBody(buf.Page())
		if body[0] == 0 {
			f.latch.Unlock()
			f.pool.UnlockReleaseBuffer(buf)
			continue
		}

		// Descend set bits from the root to a free leaf.
		node := 0
		for node < nonLeafNodeNum {
			l, r := 2*node+1, 2*node+2
			switch {
			case l < nodeNum && body[l] != 0:
				node = l
			case r < nodeNum && body[r] != 0:
				node = r
			default:
				f.latch.Unlock()
				f.pool.UnlockReleaseBuffer(buf)
				return primitives.InvalidBlockNumber, fmt.Errorf("free-space map corrupted: summary set but no free leaf under node %d", node)
			}
		}

		body[node] = 0
		propagateUp(body, node)
		f.pool.MarkDirty(buf)
		f.latch.Unlock()
		f.pool.UnlockReleaseBuffer(buf)

		block := primitives.BlockNumber(int(fsmPage)*LeavesPerPage + (node - nonLeafNodeNum))
		return block, nil
	}
	return primitives.InvalidBlockNumber, nil
}

// Vacuum rebuilds the inner summary nodes of every FSM page from its
// leaves, repairing any torn updates.
func (f *FSM) Vacuum() error {
	n, err := f.pool.NumBlocks(f.rel, primitives.FSMFork)
	if err != nil {
		return err
	}
	for fsmPage := primitives.BlockNumber(0); fsmPage < n; fsmPage++ {
		buf, err := f.pool.ReadBuffer(f.rel, primitives.FSMFork, fsmPage, buffer.ReadNormal)
		if err != nil {
			return err
		}
		f.pool.LockBuffer(buf, buffer.Exclusive)
		f.latch.Lock()

		body := nodeBody(buf.Page())
		for node := nonLeafNodeNum - 1; node >= 0; node-- {
			var v byte
			if l := 2*node + 1; l < nodeNum && body[l] != 0 {
				v = 1
			}
			if r := 2*node + 2; r < nodeNum && body[r] != 0 {
				v = 1
			}
			body[node] = v
		}
		f.pool.MarkDirty(buf)
		f.latch.Unlock()
		f.pool.UnlockReleaseBuffer(buf)
	}
	return nil
}
