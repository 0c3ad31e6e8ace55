package disk

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"indexstore/pkg/primitives"
	"indexstore/pkg/storage/page"
)

// Manager maps (relation, fork) pairs to files on disk and moves whole
// pages between them and memory. One file per fork, named
// "<relid>" for the main fork and "<relid>_<fork>" for the others.
type Manager struct {
	dir   string
	mutex sync.Mutex
	files map[forkKey]*os.File

	readCalls  atomic.Int64
	blocksRead atomic.Int64
	writeCalls atomic.Int64
}

// Stats is a snapshot of I/O counters since the manager was opened.
type Stats struct {
	ReadCalls  int64
	BlocksRead int64
	WriteCalls int64
}

// Stats returns the current I/O counters. The read stream's tests use
// ReadCalls to verify that sequential scans coalesce into vectored reads.
func (m *Manager) Stats() Stats {
	return Stats{
		ReadCalls:  m.readCalls.Load(),
		BlocksRead: m.blocksRead.Load(),
		WriteCalls: m.writeCalls.Load(),
	}
}

type forkKey struct {
	rel  primitives.RelID
	fork primitives.ForkNumber
}

// NewManager opens (creating if needed) a directory that holds all
// relation files.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %v", err)
	}
	return &Manager{
		dir:   dir,
		files: make(map[forkKey]*os.File),
	}, nil
}

func (m *Manager) forkPath(rel primitives.RelID, fork primitives.ForkNumber) string {
	if fork == primitives.MainFork {
		return filepath.Join(m.dir, fmt.Sprintf("%d", rel))
	}
	return filepath.Join(m.dir, fmt.Sprintf("%d_%s", rel, fork))
}

func (m *Manager) file(rel primitives.RelID, fork primitives.ForkNumber) (*os.File, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	key := forkKey{rel: rel, fork: fork}
	if f, ok := m.files[key]; ok {
		return f, nil
	}
	f, err := os.OpenFile(m.forkPath(rel, fork), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open relation %d fork %s: %v", rel, fork, err)
	}
	m.files[key] = f
	return f, nil
}

// NumBlocks returns the current length of a fork in pages.
func (m *Manager) NumBlocks(rel primitives.RelID, fork primitives.ForkNumber) (primitives.BlockNumber, error) {
	f, err := m.file(rel, fork)
	if err != nil {
		return 0, err
	}
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat relation %d: %v", rel, err)
	}
	return primitives.BlockNumber(info.Size() / page.Size), nil
}

// ReadPage reads one page into dst, which must be page.Size bytes.
func (m *Manager) ReadPage(rel primitives.RelID, fork primitives.ForkNumber, block primitives.BlockNumber, dst page.Page) error {
	f, err := m.file(rel, fork)
	if err != nil {
		return err
	}
	m.readCalls.Add(1)
	m.blocksRead.Add(1)
	if _, err := f.ReadAt(dst, int64(block)*page.Size); err != nil {
		return fmt.Errorf("failed to read block %d of relation %d: %v", block, rel, err)
	}
	return nil
}

// ReadPages reads up to nblocks consecutive pages starting at block into
// dsts in one vectored call. It may return fewer pages than requested
// (a short read at end of segment); it returns how many pages landed.
func (m *Manager) ReadPages(rel primitives.RelID, fork primitives.ForkNumber, block primitives.BlockNumber, dsts []page.Page) (int, error) {
	if len(dsts) == 0 {
		return 0, nil
	}
	f, err := m.file(rel, fork)
	if err != nil {
		return 0, err
	}
	m.readCalls.Add(1)
	buf := make([]byte, len(dsts)*page.Size)
	n, err := f.ReadAt(buf, int64(block)*page.Size)
	m.blocksRead.Add(int64(n / page.Size))
	full := n / page.Size
	if err != nil && full == 0 {
		return 0, fmt.Errorf("failed to read %d blocks at %d of relation %d: %v", len(dsts), block, rel, err)
	}
	for i := 0; i < full; i++ {
		copy(dsts[i], buf[i*page.Size:(i+1)*page.Size])
	}
	return full, nil
}

// WritePage writes one page image back to disk.
func (m *Manager) WritePage(rel primitives.RelID, fork primitives.ForkNumber, block primitives.BlockNumber, src page.Page) error {
	f, err := m.file(rel, fork)
	if err != nil {
		return err
	}
	m.writeCalls.Add(1)
	if _, err := f.WriteAt(src, int64(block)*page.Size); err != nil {
		return fmt.Errorf("failed to write block %d of relation %d: %v", block, rel, err)
	}
	return nil
}

// ExtendBlock appends one zeroed page to the fork and returns its number.
// Callers serialize extension through the pool's relation-extension lock.
func (m *Manager) ExtendBlock(rel primitives.RelID, fork primitives.ForkNumber) (primitives.BlockNumber, error) {
	f, err := m.file(rel, fork)
	if err != nil {
		return primitives.InvalidBlockNumber, err
	}
	info, err := f.Stat()
	if err != nil {
		return primitives.InvalidBlockNumber, fmt.Errorf("failed to stat relation %d: %v", rel, err)
	}
	block := primitives.BlockNumber(info.Size() / page.Size)
	zero := make([]byte, page.Size)
	if _, err := f.WriteAt(zero, info.Size()); err != nil {
		return primitives.InvalidBlockNumber, fmt.Errorf("failed to extend relation %d: %v", rel, err)
	}
	return block, nil
}

// Sync flushes a fork's file to stable storage.
func (m *Manager) Sync(rel primitives.RelID, fork primitives.ForkNumber) error {
	f, err := m.file(rel, fork)
	if err != nil {
		return err
	}
	return f.Sync()
}

// Close closes every open file.
func (m *Manager) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var firstErr error
	for key, f := range m.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close relation %d: %v", key.rel, err)
		}
		delete(m.files, key)
	}
	return firstErr
}
