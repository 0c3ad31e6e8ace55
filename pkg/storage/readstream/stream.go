package readstream

import (
	"indexstore/pkg/primitives"
	"indexstore/pkg/storage/buffer"
)

// Callback yields the next block number a scan wants, or
// InvalidBlockNumber when the scan is exhausted. The stream preserves the
// callback's order: NextBuffer returns buffers for exactly the blocks the
// callback produced, in that order, however the reads were batched.
type Callback func() primitives.BlockNumber

// Config tunes one stream.
type Config struct {
	// MaxIOs is the advertised I/O concurrency: how many reads may sit
	// between submission and consumption at once.
	MaxIOs int
	// IOCombineLimit caps how many consecutive blocks merge into one
	// vectored read.
	IOCombineLimit int
	// FullScan starts the look-ahead distance at the combine limit
	// instead of ramping up from one block.
	FullScan bool
}

// DefaultConfig matches the engine's usual settings.
func DefaultConfig() Config {
	return Config{MaxIOs: 16, IOCombineLimit: 16}
}

// slot is one entry in the ring of pinned buffers awaiting consumption.
type slot struct {
	buf *buffer.Buffer
	// io points into the ios ring, or -1 when the buffer was already
	// cached and no read was needed.
	io int
}

// inflight describes one submitted read.
type inflight struct {
	advice bool // read was issued with prefetch advice (random access)
	err    error
}

// Stream converts a block-number callback into pinned buffers, issuing
// reads in vectored batches of up to IOCombineLimit consecutive blocks and
// adapting its look-ahead distance to the access pattern: cache hits decay
// it toward one, sequential misses grow it toward the combine limit, and
// random misses grow it toward the pin limit.
type Stream struct {
	pool *buffer.Pool
	rel  primitives.RelID
	fork primitives.ForkNumber
	next Callback

	maxPinned      int
	ioCombineLimit int
	maxIOs         int
	startDistance  int

	distance int

	// ring holds pinned buffers in request order; oldest is consumed
	// first. queueSize = maxPinned + 1.
	ring   []slot
	oldest int
	nextIn int
	count  int

	ios     []inflight
	iosUsed int

	// pending is the contiguous read being accumulated.
	pendingBlock   primitives.BlockNumber
	pendingNblocks int

	// unget holds one block number the stream consumed from the callback
	// but had to postpone when a read was split by the storage layer.
	unget primitives.BlockNumber

	lastSubmittedEnd primitives.BlockNumber
	endOfStream      bool
}

// New builds a stream over one relation fork. The pin budget is clamped
// to what the pool can spare so a single scan cannot starve it.
func New(pool *buffer.Pool, rel primitives.RelID, fork primitives.ForkNumber, cfg Config, next Callback) *Stream {
	if cfg.MaxIOs <= 0 {
		cfg.MaxIOs = 1
	}
	if cfg.IOCombineLimit <= 0 {
		cfg.IOCombineLimit = 1
	}

	maxPinned := cfg.MaxIOs * cfg.IOCombineLimit
	if budget := pool.PinBudget(); maxPinned > budget {
		maxPinned = budget
	}
	if maxPinned < 1 {
		maxPinned = 1
	}

	s := &Stream{
		pool:             pool,
		rel:              rel,
		fork:             fork,
		next:             next,
		maxPinned:        maxPinned,
		ioCombineLimit:   cfg.IOCombineLimit,
		maxIOs:           cfg.MaxIOs,
		ring:             make([]slot, maxPinned+1),
		ios:              make([]inflight, maxPinned+1),
		unget:            primitives.InvalidBlockNumber,
		lastSubmittedEnd: primitives.InvalidBlockNumber,
	}
	s.startDistance = 1
	if cfg.FullScan {
		s.startDistance = min(maxPinned, cfg.IOCombineLimit)
	}
	s.distance = s.startDistance
	return s
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// nextBlock consumes the postponed block first, then the callback.
func (s *Stream) nextBlock() primitives.BlockNumber {
	if s.unget.IsValid() {
		b := s.unget
		s.unget = primitives.InvalidBlockNumber
		return b
	}
	if s.endOfStream {
		return primitives.InvalidBlockNumber
	}
	b := s.next()
	if !b.IsValid() {
		s.endOfStream = true
	}
	return b
}

// lookAhead pulls block numbers until the ring holds `distance` buffers
// (or the callback runs dry), submitting the pending range whenever it
// breaks contiguity or reaches the combine limit.
func (s *Stream) lookAhead() error {
	for s.count+s.pendingNblocks < s.distance && !(s.endOfStream && !s.unget.IsValid()) {
		block := s.nextBlock()
		if !block.IsValid() {
			break
		}

		switch {
		case s.pendingNblocks == 0:
			s.pendingBlock = block
			s.pendingNblocks = 1
		case block == s.pendingBlock+primitives.BlockNumber(s.pendingNblocks) && s.pendingNblocks < s.ioCombineLimit:
			s.pendingNblocks++
		default:
			// Non-contiguous, or the range is at the combine limit:
			// submit what we have, then start over with this block.
			if err := s.submitPending(); err != nil {
				return err
			}
			if s.pendingNblocks > 0 {
				// A short read re-accumulated the unread suffix as the
				// pending range; the block we already consumed from the
				// callback waits in the unget slot until it drains.
				s.unget = block
				return nil
			}
			s.pendingBlock = block
			s.pendingNblocks = 1
		}
	}
	if s.pendingNblocks > 0 && (s.count+s.pendingNblocks <= s.distance || s.endOfStream) {
		return s.submitPending()
	}
	return nil
}

// submitPending issues the accumulated contiguous range as one vectored
// read. The storage layer may return fewer blocks than requested; the
// leftover suffix is re-accumulated as the next pending read.
func (s *Stream) submitPending() error {
	if s.pendingNblocks == 0 {
		return nil
	}
	start := s.pendingBlock
	n := s.pendingNblocks
	s.pendingBlock = primitives.InvalidBlockNumber
	s.pendingNblocks = 0

	// Sequential submissions (picking up exactly where the previous one
	// ended) go without prefetch advice; jumps are advised as random.
	advice := s.lastSubmittedEnd.IsValid() && start != s.lastSubmittedEnd

	bufs, didIO, err := s.pool.StartReadBuffers(s.rel, s.fork, start, n)
	if err != nil {
		// The error surfaces at the NextBuffer call that would have
		// returned the first failing buffer.
		io := s.claimIO(inflight{advice: advice, err: err})
		s.push(slot{buf: nil, io: io})
		return nil
	}

	ioIdx := -1
	if didIO {
		ioIdx = s.claimIO(inflight{advice: advice})
	}
	for _, b := range bufs {
		s.push(slot{buf: b, io: ioIdx})
	}
	s.lastSubmittedEnd = start + primitives.BlockNumber(len(bufs))

	if len(bufs) < n {
		// Short read: the tail of the range was not delivered.
		s.pendingBlock = start + primitives.BlockNumber(len(bufs))
		s.pendingNblocks = n - len(bufs)
	}
	return nil
}

func (s *Stream) claimIO(io inflight) int {
	idx := s.iosUsed % len(s.ios)
	s.ios[idx] = io
	s.iosUsed++
	return idx
}

func (s *Stream) push(sl slot) {
	s.ring[s.nextIn] = sl
	s.nextIn = (s.nextIn + 1) % len(s.ring)
	s.count++
}

// NextBuffer returns the pinned buffer for the next block the callback
// produced, or nil at end of stream. The caller must ReleaseBuffer it.
// Look-ahead I/O errors surface here, at the call that would have
// returned the failing buffer.
func (s *Stream) NextBuffer() (*buffer.Buffer, error) {
	if s.count == 0 {
		// Fast path: one block wanted, nothing outstanding. Skip ring
		// bookkeeping entirely when the distance has collapsed to one.
		if s.distance == 1 && s.pendingNblocks == 0 {
			block := s.nextBlock()
			if !block.IsValid() {
				return nil, nil
			}
			bufs, didIO, err := s.pool.StartReadBuffers(s.rel, s.fork, block, 1)
			if err != nil {
				return nil, err
			}
			if didIO {
				s.bumpDistance(false)
			}
			return bufs[0], nil
		}
		if err := s.lookAhead(); err != nil {
			return nil, err
		}
		if s.count == 0 {
			return nil, nil
		}
	}

	sl := s.ring[s.oldest]
	s.ring[s.oldest] = slot{}
	s.oldest = (s.oldest + 1) % len(s.ring)
	s.count--

	if sl.io >= 0 {
		io := s.ios[sl.io]
		if io.err != nil {
			return nil, io.err
		}
		s.bumpDistance(io.advice)
	} else if s.distance > 1 {
		// Cached hit: decay toward a single block of look-ahead.
		s.distance--
	}

	if err := s.lookAhead(); err != nil {
		if sl.buf != nil {
			s.pool.ReleaseBuffer(sl.buf)
		}
		return nil, err
	}
	return sl.buf, nil
}

// bumpDistance doubles the look-ahead after an I/O wait: toward the
// combine limit for sequential reads, toward the pin limit for random
// (advised) reads.
func (s *Stream) bumpDistance(advice bool) {
	limit := s.ioCombineLimit
	if advice {
		limit = s.maxPinned
	}
	s.distance *= 2
	if s.distance > limit {
		s.distance = limit
	}
	if s.distance < 1 {
		s.distance = 1
	}
}

// Distance exposes the current look-ahead in blocks.
func (s *Stream) Distance() int {
	return s.distance
}

// Reset releases every pinned buffer and returns the stream to its
// initial state, ready to consume the callback from scratch.
func (s *Stream) Reset() {
	for s.count > 0 {
		sl := s.ring[s.oldest]
		s.ring[s.oldest] = slot{}
		s.oldest = (s.oldest + 1) % len(s.ring)
		s.count--
		if sl.buf != nil {
			s.pool.ReleaseBuffer(sl.buf)
		}
	}
	s.oldest = 0
	s.nextIn = 0
	s.pendingNblocks = 0
	s.pendingBlock = primitives.InvalidBlockNumber
	s.unget = primitives.InvalidBlockNumber
	s.lastSubmittedEnd = primitives.InvalidBlockNumber
	s.endOfStream = false
	s.distance = s.startDistance
}

// End resets the stream and frees its rings.
func (s *Stream) End() {
	s.Reset()
	s.ring = nil
	s.ios = nil
}
