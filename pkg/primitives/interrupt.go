package primitives

import (
	"errors"
	"sync/atomic"
)

// ErrInterrupted is returned when the caller has requested cancellation.
// Long-running operations poll for it once per page.
var ErrInterrupted = errors.New("operation interrupted")

// InterruptFlag is a caller-driven cancellation flag. There are no hard
// cancellation points at this layer; every per-page loop and every I/O in
// the vacuum path calls CheckForInterrupts.
type InterruptFlag struct {
	requested atomic.Bool
}

// Request asks the owning operation to stop at its next poll.
func (f *InterruptFlag) Request() {
	f.requested.Store(true)
}

// Reset clears a previously requested interrupt.
func (f *InterruptFlag) Reset() {
	f.requested.Store(false)
}

// CheckForInterrupts returns ErrInterrupted if cancellation was requested.
// A nil flag never interrupts, so callers without a cancellation source
// can pass nil.
func (f *InterruptFlag) CheckForInterrupts() error {
	if f != nil && f.requested.Load() {
		return ErrInterrupted
	}
	return nil
}
