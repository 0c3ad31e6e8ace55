package index

import (
	"errors"

	"indexstore/pkg/primitives"
)

// Error kinds surfaced to callers. All of them abort the current
// operation; none are retried at this layer. Any generic WAL state open
// at the time is aborted (no record emitted) before unwinding, and buffer
// pins and locks are released on every exit path.
var (
	// ErrUniqueViolation reports that an insert would create a duplicate
	// key in a unique index.
	ErrUniqueViolation = errors.New("duplicate key value violates unique constraint")

	// ErrIndexCorrupted reports a structural invariant violation: wrong
	// page sentinel, unexpected half-dead page, a downlink mismatch not
	// resolvable by following right-links. Never recovered locally.
	ErrIndexCorrupted = errors.New("index is corrupted")

	// ErrProgramLimit reports a single tuple larger than a page.
	ErrProgramLimit = errors.New("index row size exceeds maximum for index page")

	// ErrConflict reports a predicate-lock or serializable-transaction
	// conflict raised by a collaborator; it is propagated untouched.
	ErrConflict = errors.New("could not serialize access due to read/write dependencies")

	// ErrInterrupted is the caller-driven cancellation, re-exported so
	// index callers match one package's sentinels.
	ErrInterrupted = primitives.ErrInterrupted
)
