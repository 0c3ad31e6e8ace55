package btree

import (
	"fmt"
	"sync"

	"indexstore/pkg/index"
	"indexstore/pkg/primitives"
	"indexstore/pkg/storage/buffer"
)

// Parallel scans hand out leaf pages to workers one at a time. A worker
// seizes the scan, learns which block to read (or that a fresh descent
// is owed), reads it, then releases the scan with the successor block.
// Between seize and release the scan is "advancing" and other workers
// wait, so no page is processed twice and none is skipped.
type parallelStatus int

const (
	// psNotInitialized: no worker has descended yet.
	psNotInitialized parallelStatus = iota
	// psNeedPrimScan: the next seizer must run a fresh descent with the
	// stored array-key combination.
	psNeedPrimScan
	// psAdvancing: a worker holds the scan between seize and release.
	psAdvancing
	// psIdle: nextBlock names the next leaf to hand out.
	psIdle
	// psDone: the scan is over for everyone.
	psDone
)

// ParallelScan is the state shared by every worker of one parallel
// btree scan. Create it once with InitParallelScan and attach it to
// each worker's ScanDesc.
type ParallelScan struct {
	mu         sync.Mutex
	notAdvance sync.Cond
	status     parallelStatus
	nextBlock  primitives.BlockNumber
	arrayElems []int
}

// NewParallelScan returns shared state positioned before the first leaf.
func NewParallelScan() *ParallelScan {
	p := &ParallelScan{}
	p.notAdvance.L = &p.mu
	return p
}

type seizeResult int

const (
	seizeRead seizeResult = iota
	seizePrim
	seizeDone
)

// seize blocks until the scan is available and claims it. With
// seizeRead the caller must read block and then release; with seizePrim
// the caller owes a descent using elems and then a release, schedule,
// or done; with seizeDone the scan is over.
func (p *ParallelScan) seize() (block primitives.BlockNumber, elems []int, res seizeResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.status == psAdvancing {
		p.notAdvance.Wait()
	}
	switch p.status {
	case psDone:
		return primitives.InvalidBlockNumber, nil, seizeDone
	case psNotInitialized:
		p.status = psAdvancing
		return primitives.InvalidBlockNumber, nil, seizePrim
	case psNeedPrimScan:
		p.status = psAdvancing
		return primitives.InvalidBlockNumber, append([]int(nil), p.arrayElems...), seizePrim
	default: // psIdle
		if !p.nextBlock.IsValid() {
			p.status = psDone
			p.notAdvance.Broadcast()
			return primitives.InvalidBlockNumber, nil, seizeDone
		}
		p.status = psAdvancing
		return p.nextBlock, nil, seizeRead
	}
}

// release hands the scan to the next worker, naming the block after the
// one the caller just read.
func (p *ParallelScan) release(next primitives.BlockNumber) {
	p.mu.Lock()
	p.status = psIdle
	p.nextBlock = next
	p.notAdvance.Broadcast()
	p.mu.Unlock()
}

// primSchedule records that the current primitive scan is exhausted and
// the stored array combination needs a fresh descent. The caller must
// hold the scan (post-seize, pre-release).
func (p *ParallelScan) primSchedule(elems []int) {
	p.mu.Lock()
	if p.status != psDone {
		p.status = psNeedPrimScan
		p.arrayElems = append(p.arrayElems[:0], elems...)
	}
	p.notAdvance.Broadcast()
	p.mu.Unlock()
}

// done ends the scan for every worker.
func (p *ParallelScan) done() {
	p.mu.Lock()
	p.status = psDone
	p.notAdvance.Broadcast()
	p.mu.Unlock()
}

// reset rearms the shared state for a rescan. No worker may be mid-scan.
func (p *ParallelScan) reset() {
	p.mu.Lock()
	p.status = psNotInitialized
	p.nextBlock = primitives.InvalidBlockNumber
	p.arrayElems = nil
	p.mu.Unlock()
}

func estimateParallelScan(nkeys int) int {
	// Shared state plus one odometer slot per possible array key.
	return 64 + 8*nkeys
}

func initParallelScan(scan *index.ScanDesc) error {
	if scan.Parallel != nil {
		return fmt.Errorf("parallel scan state already initialized")
	}
	p := NewParallelScan()
	scan.Parallel = p
	if s, ok := scan.Opaque.(*scanState); ok {
		s.parallel = p
	}
	return nil
}

func parallelRescan(scan *index.ScanDesc) error {
	p, ok := scan.Parallel.(*ParallelScan)
	if !ok || p == nil {
		return fmt.Errorf("no parallel scan state to rescan")
	}
	p.reset()
	return nil
}

func arrayOffsets(s *scanState) []int {
	out := make([]int, len(s.arrays))
	for i := range s.arrays {
		out[i] = s.arrays[i].cur
	}
	return out
}

func installArrayElems(s *scanState, elems []int) {
	for i := range s.arrays {
		a := &s.arrays[i]
		a.cur = 0
		if i < len(elems) {
			a.cur = elems[i]
		}
		s.quals[a.qualIdx].value = a.elems[a.cur]
	}
}

// parallelPageDone releases the scan after this worker captured a page.
// End-of-scan conditions advance the shared array odometer or finish
// the scan outright; either way the items already captured in s.pos
// remain this worker's to return.
func parallelPageDone(s *scanState) {
	if s.pos.stopRight || !s.pos.nextBlock.IsValid() {
		if advanceArrayKeys(s, index.Forward) {
			s.parallel.primSchedule(arrayOffsets(s))
		} else {
			s.parallel.done()
		}
		return
	}
	s.parallel.release(s.pos.nextBlock)
}

// parallelNextPage acquires work until a page yields items or the scan
// ends. It leaves the captured page in s.pos.
func parallelNextPage(scan *index.ScanDesc, s *scanState) (bool, error) {
	if s.matchNothing {
		s.parallel.done()
		return false, nil
	}
	pool := scan.Rel.Pool
	for {
		if err := scan.Rel.CheckForInterrupts(); err != nil {
			return false, err
		}
		block, elems, res := s.parallel.seize()
		switch res {
		case seizeDone:
			return false, nil
		case seizePrim:
			installArrayElems(s, elems)
			ok, err := parallelDescend(scan, s)
			if err != nil {
				s.parallel.done()
				return false, err
			}
			if !ok {
				// Empty tree: nothing for anyone.
				s.parallel.done()
				return false, nil
			}
			parallelPageDone(s)
			if len(s.pos.items) > 0 {
				return true, nil
			}
			leavePos(scan, &s.pos)
		case seizeRead:
			buf, err := pool.ReadBuffer(scan.Rel.ID, primitives.MainFork, block, buffer.ReadNormal)
			if err != nil {
				s.parallel.done()
				return false, err
			}
			pool.LockBuffer(buf, buffer.Share)
			b, err := asBTPage(buf.Page())
			if err != nil {
				pool.UnlockReleaseBuffer(buf)
				s.parallel.done()
				return false, err
			}
			if b.isDeleted() || b.isHalfDead() {
				next := b.rightSib()
				pool.UnlockReleaseBuffer(buf)
				s.parallel.release(next)
				continue
			}
			start := b.firstDataOffset()
			if err := readPage(scan, s, buf, index.Forward, start); err != nil {
				s.parallel.done()
				return false, err
			}
			parallelPageDone(s)
			if len(s.pos.items) > 0 {
				return true, nil
			}
			leavePos(scan, &s.pos)
		}
	}
}

// parallelDescend runs the descent a seizePrim result owes and captures
// the first leaf page. Returns false on an empty tree.
func parallelDescend(scan *index.ScanDesc, s *scanState) (bool, error) {
	probe := buildProbe(s, len(scan.Rel.Opclasses), index.Forward)
	buf, _, err := search(scan.Rel, probe, false)
	if err != nil {
		return false, err
	}
	if buf == nil {
		return false, nil
	}
	b, err := asBTPage(buf.Page())
	if err != nil {
		scan.Rel.Pool.UnlockReleaseBuffer(buf)
		return false, err
	}
	off, err := binSearch(scan.Rel, b, probe)
	if err != nil {
		scan.Rel.Pool.UnlockReleaseBuffer(buf)
		return false, err
	}
	if err := readPage(scan, s, buf, index.Forward, off); err != nil {
		return false, err
	}
	return true, nil
}
