package genwal

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"

	"indexstore/pkg/primitives"
	"indexstore/pkg/storage/buffer"
	"indexstore/pkg/storage/page"
)

// Log is the generic page-delta WAL. A modifier opens a State, registers
// the buffers it is about to touch, mutates their pages freely, and then
// either finishes the state (one record covering all registered buffers is
// written durably, each page gets the record's LSN, the buffers stay
// dirty) or aborts it (every registered page is restored byte-for-byte
// and no record is written).
//
// LSNs are byte offsets in the log file; a record's LSN is the offset just
// past its last byte, so a page stamped with it can never be "older" than
// the record during replay.
type Log struct {
	file   *os.File
	writer *bufio.Writer

	mutex    sync.Mutex
	writePos primitives.LSN
	flushed  primitives.LSN

	// insertMutex serializes states: between Begin and Finish/Abort no
	// other record may be emitted through this handle.
	insertMutex sync.Mutex
}

// Open opens (creating if necessary) a generic WAL file. Existing content
// is preserved; new records append.
func Open(path string) (*Log, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %v", err)
	}
	pos, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to seek to end of WAL: %v", err)
	}
	return &Log{
		file:     file,
		writer:   bufio.NewWriterSize(file, 1<<16),
		writePos: primitives.LSN(pos),
		flushed:  primitives.LSN(pos),
	}, nil
}

// Close flushes buffered records and closes the file.
func (l *Log) Close() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL buffer: %v", err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close WAL file: %v", err)
	}
	return nil
}

// Force makes every record up to lsn durable. The buffer pool installs
// this as its WAL-before-data hook.
func (l *Log) Force(lsn primitives.LSN) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if lsn <= l.flushed {
		return nil
	}
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL buffer: %v", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL file: %v", err)
	}
	l.flushed = l.writePos
	return nil
}

// append writes raw record bytes and returns the LSN just past them.
// Durability is the caller's problem (Finish forces, Force on eviction).
func (l *Log) append(data []byte) (primitives.LSN, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if _, err := l.writer.Write(data); err != nil {
		return primitives.InvalidLSN, fmt.Errorf("failed to append WAL record: %v", err)
	}
	l.writePos += primitives.LSN(len(data))
	return l.writePos, nil
}

type registration struct {
	buf       *buffer.Buffer
	fullImage bool
	before    page.Page
}

// State is one in-flight generic WAL operation. It holds the log's insert
// lock from Begin until Finish or Abort.
type State struct {
	log  *Log
	pool *buffer.Pool
	regs []registration
	done bool
}

// Begin opens a WAL state. The pool is used to mark registered buffers
// dirty when the state finishes.
func (l *Log) Begin(pool *buffer.Pool) *State {
	l.insertMutex.Lock()
	return &State{log: l, pool: pool}
}

// Register adds a buffer to the state and returns its page for mutation.
// The caller must hold the buffer's exclusive lock. Full-image
// registration is mandatory for newly initialized pages; Register promotes
// a new page to full-image on its own, since a delta against an empty
// image is a full image anyway.
func (s *State) Register(buf *buffer.Buffer, fullImage bool) page.Page {
	if s.done {
		panic("register on a finished WAL state")
	}
	if buf.Page().IsNew() {
		fullImage = true
	}
	s.regs = append(s.regs, registration{
		buf:       buf,
		fullImage: fullImage,
		before:    buf.Page().Clone(),
	})
	return buf.Page()
}

// Position returns an LSN greater than every record already on disk and
// no greater than the LSN this state's record will receive. Split
// interlocks stamp it as the sequence number of a page's new half.
func (s *State) Position() primitives.LSN {
	return s.log.writePos + 1
}

// Unregister drops a buffer registered in error. Its page is restored to
// the registration-time image; no record will be written for it.
func (s *State) Unregister(buf *buffer.Buffer) {
	for i, reg := range s.regs {
		if reg.buf == buf {
			copy(reg.buf.Page(), reg.before)
			s.regs = append(s.regs[:i], s.regs[i+1:]...)
			return
		}
	}
}

// Finish emits one record covering all registered buffers, forces it to
// disk, stamps every registered page with the record's LSN and marks the
// buffers dirty. On failure nothing is stamped and the caller should
// Abort.
func (s *State) Finish() (primitives.LSN, error) {
	if s.done {
		panic("finish on a finished WAL state")
	}
	if len(s.regs) == 0 {
		s.done = true
		s.log.insertMutex.Unlock()
		return primitives.InvalidLSN, fmt.Errorf("WAL state finished with no registered buffers")
	}

	data := encodeRecord(s.regs)
	lsn, err := s.log.append(data)
	if err != nil {
		return primitives.InvalidLSN, err
	}
	if err := s.log.Force(lsn); err != nil {
		return primitives.InvalidLSN, err
	}

	for _, reg := range s.regs {
		reg.buf.Page().SetLSN(lsn)
		s.pool.MarkDirty(reg.buf)
	}
	s.done = true
	s.regs = nil
	s.log.insertMutex.Unlock()
	return lsn, nil
}

// Abort discards all registered changes: every page is restored to its
// registration-time image and no record is emitted.
func (s *State) Abort() {
	if s.done {
		return
	}
	for _, reg := range s.regs {
		copy(reg.buf.Page(), reg.before)
	}
	s.regs = nil
	s.done = true
	s.log.insertMutex.Unlock()
}
