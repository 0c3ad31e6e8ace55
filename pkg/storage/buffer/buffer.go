package buffer

import (
	"sync"

	"indexstore/pkg/primitives"
	"indexstore/pkg/storage/page"
)

// Buffer is a handle to a cache slot currently holding one
// (relation, fork, block). Two orthogonal attributes: the pin count
// (while >= 1 the slot cannot be evicted) and the content lock
// (shared / exclusive / cleanup). A cleanup lock is an exclusive content
// lock that additionally requires no other backend holds a pin.
type Buffer struct {
	rel   primitives.RelID
	fork  primitives.ForkNumber
	block primitives.BlockNumber
	page  page.Page

	mu      sync.Mutex
	cond    *sync.Cond
	pins    int
	readers int
	writer  bool
	dirty   bool
	// ioBusy marks a fill from disk in progress; the page image is not
	// valid until it clears. ioErr holds the outcome of the last fill.
	ioBusy bool
	ioErr  error
}

func newBuffer(rel primitives.RelID, fork primitives.ForkNumber, block primitives.BlockNumber) *Buffer {
	b := &Buffer{
		rel:   rel,
		fork:  fork,
		block: block,
		page:  page.New(),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Rel returns the owning relation.
func (b *Buffer) Rel() primitives.RelID { return b.rel }

// Fork returns the owning fork.
func (b *Buffer) Fork() primitives.ForkNumber { return b.fork }

// Block returns the block number this buffer holds.
func (b *Buffer) Block() primitives.BlockNumber { return b.block }

// Page returns the page image. Callers must hold the content lock:
// at least shared for reads, exclusive for any mutation.
func (b *Buffer) Page() page.Page { return b.page }

// IsDirty reports whether the page has unwritten changes.
func (b *Buffer) IsDirty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dirty
}

// startIO marks the slot as being filled from disk. Called before the
// slot becomes visible to other backends, so no lock is needed.
func (b *Buffer) startIO() {
	b.ioBusy = true
}

// completeIO publishes the outcome of a fill and wakes waiters.
func (b *Buffer) completeIO(err error) {
	b.mu.Lock()
	b.ioBusy = false
	b.ioErr = err
	b.cond.Broadcast()
	b.mu.Unlock()
}

// waitIO blocks until no fill is in progress. When the previous fill
// failed, the caller takes the fill over and true is returned: it must
// perform the read itself and completeIO with the result.
func (b *Buffer) waitIO() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.ioBusy {
		b.cond.Wait()
	}
	if b.ioErr != nil {
		b.ioErr = nil
		b.ioBusy = true
		return true
	}
	return false
}

func (b *Buffer) pin() {
	b.mu.Lock()
	b.pins++
	b.mu.Unlock()
}

func (b *Buffer) unpin() {
	b.mu.Lock()
	if b.pins <= 0 {
		b.mu.Unlock()
		panic("buffer unpinned more times than pinned")
	}
	b.pins--
	b.cond.Broadcast()
	b.mu.Unlock()
}

func (b *Buffer) lockShared() {
	b.mu.Lock()
	for b.writer {
		b.cond.Wait()
	}
	b.readers++
	b.mu.Unlock()
}

func (b *Buffer) lockExclusive() {
	b.mu.Lock()
	for b.writer || b.readers > 0 {
		b.cond.Wait()
	}
	b.writer = true
	b.mu.Unlock()
}

// lockCleanup waits until the caller's pin is the only one, then takes
// the exclusive lock. The caller must already hold exactly one pin.
func (b *Buffer) lockCleanup() {
	b.mu.Lock()
	for b.writer || b.readers > 0 || b.pins > 1 {
		b.cond.Wait()
	}
	b.writer = true
	b.mu.Unlock()
}

// tryLockExclusive acquires the exclusive lock without blocking.
func (b *Buffer) tryLockExclusive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.writer || b.readers > 0 {
		return false
	}
	b.writer = true
	return true
}

func (b *Buffer) unlock() {
	b.mu.Lock()
	switch {
	case b.writer:
		b.writer = false
	case b.readers > 0:
		b.readers--
	default:
		b.mu.Unlock()
		panic("buffer unlocked while not locked")
	}
	b.cond.Broadcast()
	b.mu.Unlock()
}

// LockMode selects the strength of a content lock.
type LockMode int

const (
	// Share permits concurrent readers.
	Share LockMode = iota
	// Exclusive permits page mutation.
	Exclusive
	// Cleanup is Exclusive plus "no other backend holds a pin"; needed
	// before removing tuples a concurrent scan might be positioned on.
	Cleanup
)
