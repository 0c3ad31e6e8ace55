package buffer

import (
	"fmt"
	"sync"

	"indexstore/pkg/primitives"
	"indexstore/pkg/storage/disk"
	"indexstore/pkg/storage/page"
)

// ReadMode controls how ReadBuffer materializes the requested block.
type ReadMode int

const (
	// ReadNormal fetches the block from cache or disk.
	ReadNormal ReadMode = iota
	// ReadZeroAndLock skips the disk read, returns a zeroed page, and
	// hands it back already exclusive-locked. Used when the caller is
	// about to overwrite the whole page anyway.
	ReadZeroAndLock
)

// PoolConfig sizes the buffer pool.
type PoolConfig struct {
	// MaxBuffers is the number of page slots shared by all backends.
	MaxBuffers int
}

// DefaultPoolConfig mirrors a small shared_buffers setting: enough for
// the tests and tools in this repository.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{MaxBuffers: 512}
}

type bufferTag struct {
	rel   primitives.RelID
	fork  primitives.ForkNumber
	block primitives.BlockNumber
}

// Pool is the shared buffer pool: it caches page images, tracks pins and
// dirt, and enforces WAL-before-data on eviction. It is initialized once
// and passed as a handle to every operation; there are no globals.
type Pool struct {
	dm     *disk.Manager
	config PoolConfig

	mutex   sync.Mutex
	buffers map[bufferTag]*Buffer
	// clock is a FIFO of tags for eviction scans; pinned or locked
	// entries are skipped and re-appended.
	clock []bufferTag

	// flushWAL, when set, is called with a page LSN before a dirty page
	// may reach disk. The generic WAL layer installs it.
	flushWAL func(primitives.LSN) error

	extLocks map[primitives.RelID]*sync.Mutex
}

// NewPool builds a pool over the given disk manager.
func NewPool(dm *disk.Manager, config PoolConfig) *Pool {
	if config.MaxBuffers <= 0 {
		config = DefaultPoolConfig()
	}
	return &Pool{
		dm:       dm,
		config:   config,
		buffers:  make(map[bufferTag]*Buffer),
		extLocks: make(map[primitives.RelID]*sync.Mutex),
	}
}

// SetWALFlusher installs the WAL-before-data hook. A dirty page is written
// back only after the hook confirms the log is durable past the page LSN.
func (p *Pool) SetWALFlusher(flush func(primitives.LSN) error) {
	p.mutex.Lock()
	p.flushWAL = flush
	p.mutex.Unlock()
}

// ReadBuffer returns a pinned buffer for the requested block. The caller
// must eventually ReleaseBuffer it. With ReadZeroAndLock the buffer comes
// back exclusive-locked over a zeroed image.
func (p *Pool) ReadBuffer(rel primitives.RelID, fork primitives.ForkNumber, block primitives.BlockNumber, mode ReadMode) (*Buffer, error) {
	buf, isNew, err := p.pinSlot(rel, fork, block)
	if err != nil {
		return nil, err
	}

	if mode == ReadZeroAndLock {
		if !isNew {
			// A failed fill may be handed to us here; zeroing supersedes it.
			buf.waitIO()
		}
		buf.lockExclusive()
		for i := range buf.page {
			buf.page[i] = 0
		}
		buf.completeIO(nil)
		return buf, nil
	}

	needIO := isNew
	if !isNew {
		needIO = buf.waitIO()
	}
	if needIO {
		err := p.dm.ReadPage(rel, fork, block, buf.page)
		buf.completeIO(err)
		if err != nil {
			p.ReleaseBuffer(buf)
			return nil, err
		}
	}
	return buf, nil
}

// pinSlot finds or creates the slot for the tag and pins it. The second
// return value reports whether the slot is freshly created (needs I/O).
func (p *Pool) pinSlot(rel primitives.RelID, fork primitives.ForkNumber, block primitives.BlockNumber) (*Buffer, bool, error) {
	tag := bufferTag{rel: rel, fork: fork, block: block}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if buf, ok := p.buffers[tag]; ok {
		buf.pin()
		return buf, false, nil
	}

	if len(p.buffers) >= p.config.MaxBuffers {
		if err := p.evictLocked(); err != nil {
			return nil, false, err
		}
	}

	buf := newBuffer(rel, fork, block)
	buf.startIO()
	buf.pin()
	p.buffers[tag] = buf
	p.clock = append(p.clock, tag)
	return buf, true, nil
}

// evictLocked drops one unpinned buffer, writing it back first when dirty.
// Caller holds p.mutex.
func (p *Pool) evictLocked() error {
	for scanned := 0; scanned < len(p.clock); scanned++ {
		tag := p.clock[0]
		p.clock = p.clock[1:]
		buf, ok := p.buffers[tag]
		if !ok {
			continue
		}

		buf.mu.Lock()
		busy := buf.pins > 0 || buf.writer || buf.readers > 0
		dirty := buf.dirty
		buf.mu.Unlock()
		if busy {
			p.clock = append(p.clock, tag)
			continue
		}

		if dirty {
			if p.flushWAL != nil {
				if err := p.flushWAL(buf.page.LSN()); err != nil {
					return fmt.Errorf("failed to flush WAL before eviction: %v", err)
				}
			}
			if err := p.dm.WritePage(tag.rel, tag.fork, tag.block, buf.page); err != nil {
				return fmt.Errorf("failed to write back evicted page: %v", err)
			}
		}
		delete(p.buffers, tag)
		return nil
	}
	return fmt.Errorf("buffer pool full: all %d buffers pinned", p.config.MaxBuffers)
}

// LockBuffer takes the content lock. Cleanup requires the caller to hold
// exactly one pin on the buffer.
func (p *Pool) LockBuffer(buf *Buffer, mode LockMode) {
	switch mode {
	case Share:
		buf.lockShared()
	case Exclusive:
		buf.lockExclusive()
	case Cleanup:
		buf.lockCleanup()
	}
}

// ConditionalLockBuffer tries to take the exclusive lock without blocking.
// Used when scanning the FSM for recyclable pages, where waiting could
// deadlock against a concurrent reader of the same page.
func (p *Pool) ConditionalLockBuffer(buf *Buffer) bool {
	return buf.tryLockExclusive()
}

// UnlockBuffer drops the content lock (either strength).
func (p *Pool) UnlockBuffer(buf *Buffer) {
	buf.unlock()
}

// ReleaseBuffer drops one pin.
func (p *Pool) ReleaseBuffer(buf *Buffer) {
	buf.unpin()
}

// UnlockReleaseBuffer drops the content lock and then the pin.
func (p *Pool) UnlockReleaseBuffer(buf *Buffer) {
	buf.unlock()
	buf.unpin()
}

// MarkDirty records that the page image has changes not yet on disk.
// The caller must hold the exclusive content lock.
func (p *Pool) MarkDirty(buf *Buffer) {
	buf.mu.Lock()
	buf.dirty = true
	buf.mu.Unlock()
}

// NumBlocks reports the fork's current length in pages.
func (p *Pool) NumBlocks(rel primitives.RelID, fork primitives.ForkNumber) (primitives.BlockNumber, error) {
	return p.dm.NumBlocks(rel, fork)
}

// RelationExtendLock serializes relation extension so two backends do not
// both create block N. Returns the unlock function.
func (p *Pool) RelationExtendLock(rel primitives.RelID) func() {
	p.mutex.Lock()
	lk, ok := p.extLocks[rel]
	if !ok {
		lk = &sync.Mutex{}
		p.extLocks[rel] = lk
	}
	p.mutex.Unlock()

	lk.Lock()
	return lk.Unlock
}

// ExtendRelation appends one zeroed block to the fork and returns a pinned,
// exclusive-locked buffer over it. The caller must hold the relation
// extension lock unless the relation is private to it.
func (p *Pool) ExtendRelation(rel primitives.RelID, fork primitives.ForkNumber) (*Buffer, error) {
	block, err := p.dm.ExtendBlock(rel, fork)
	if err != nil {
		return nil, err
	}
	return p.ReadBuffer(rel, fork, block, ReadZeroAndLock)
}

// StartReadBuffers pins and reads up to len(blocksWanted) consecutive
// blocks starting at start in one vectored call. It may read fewer than
// requested; it returns the pinned buffers for the blocks actually read
// and whether any disk I/O happened (false means every block was cached).
func (p *Pool) StartReadBuffers(rel primitives.RelID, fork primitives.ForkNumber, start primitives.BlockNumber, nblocks int) ([]*Buffer, bool, error) {
	bufs := make([]*Buffer, 0, nblocks)
	missing := make([]page.Page, 0, nblocks)
	missingIdx := make([]int, 0, nblocks)

	for i := 0; i < nblocks; i++ {
		buf, isNew, err := p.pinSlot(rel, fork, start+primitives.BlockNumber(i))
		if err != nil {
			for _, k := range missingIdx {
				bufs[k].completeIO(err)
			}
			for _, b := range bufs {
				p.ReleaseBuffer(b)
			}
			return nil, false, err
		}
		bufs = append(bufs, buf)
		needIO := isNew
		if !isNew {
			needIO = buf.waitIO()
		}
		if needIO {
			missing = append(missing, buf.page)
			missingIdx = append(missingIdx, i)
		}
	}
	if len(missing) == 0 {
		return bufs, false, nil
	}

	// One vectored read covering the full range is issued even when only
	// part of it missed; cached copies are simply not overwritten. Read
	// each contiguous missing run in a single call.
	didIO := false
	for i := 0; i < len(missing); {
		j := i
		for j+1 < len(missing) && missingIdx[j+1] == missingIdx[j]+1 {
			j++
		}
		run := missing[i : j+1]
		first := start + primitives.BlockNumber(missingIdx[i])
		n, err := p.dm.ReadPages(rel, fork, first, run)
		for k := i; k < i+n; k++ {
			bufs[missingIdx[k]].completeIO(nil)
		}
		if err != nil || n < len(run) {
			// Short read: hand undelivered fills to the next reader and
			// release the buffers we cannot deliver.
			fillErr := err
			if fillErr == nil {
				fillErr = fmt.Errorf("short read at block %d", first+primitives.BlockNumber(n))
			}
			for k := i + n; k < len(missing); k++ {
				bufs[missingIdx[k]].completeIO(fillErr)
			}
			keep := missingIdx[i] + n
			for _, b := range bufs[keep:] {
				p.dropSlot(b)
			}
			bufs = bufs[:keep]
			if err != nil && n == 0 {
				for _, b := range bufs {
					p.ReleaseBuffer(b)
				}
				return nil, true, err
			}
			return bufs, true, nil
		}
		didIO = true
		i = j + 1
	}
	return bufs, didIO, nil
}

// dropSlot unpins a freshly created slot and removes it if nobody else
// grabbed it meanwhile.
func (p *Pool) dropSlot(buf *Buffer) {
	buf.unpin()
	p.mutex.Lock()
	tag := bufferTag{rel: buf.rel, fork: buf.fork, block: buf.block}
	if cur, ok := p.buffers[tag]; ok && cur == buf {
		buf.mu.Lock()
		unused := cur.pins == 0 && !cur.dirty
		buf.mu.Unlock()
		if unused {
			delete(p.buffers, tag)
		}
	}
	p.mutex.Unlock()
}

// PinBudget reports how many more buffers one operation may pin before it
// risks starving the pool. The read stream clamps its look-ahead to this.
func (p *Pool) PinBudget() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	pinned := 0
	for _, buf := range p.buffers {
		buf.mu.Lock()
		if buf.pins > 0 {
			pinned++
		}
		buf.mu.Unlock()
	}
	budget := p.config.MaxBuffers/4 - pinned
	if budget < 1 {
		return 1
	}
	return budget
}

// FlushAll writes every dirty page back to disk, honoring WAL-before-data.
// Used at shutdown and by crash-recovery tests.
func (p *Pool) FlushAll() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	for tag, buf := range p.buffers {
		buf.mu.Lock()
		dirty := buf.dirty
		buf.mu.Unlock()
		if !dirty {
			continue
		}
		if p.flushWAL != nil {
			if err := p.flushWAL(buf.page.LSN()); err != nil {
				return fmt.Errorf("failed to flush WAL: %v", err)
			}
		}
		if err := p.dm.WritePage(tag.rel, tag.fork, tag.block, buf.page); err != nil {
			return fmt.Errorf("failed to write back page: %v", err)
		}
		buf.mu.Lock()
		buf.dirty = false
		buf.mu.Unlock()
	}
	return nil
}

// InvalidateAll discards every cached page without writing anything back.
// Crash-recovery tests use it to simulate losing volatile state.
func (p *Pool) InvalidateAll() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.buffers = make(map[bufferTag]*Buffer)
	p.clock = nil
}
