package primitives

import "math"

// LSN (Log Sequence Number) uniquely identifies each generic WAL record.
// It's monotonically increasing and represents the byte offset in the log file.
type LSN uint64

// XID is a transaction identifier, used here only as a horizon: a deleted
// index page stamped with XID h may be recycled once every snapshot that
// could still reach it has an XID greater than h.
type XID uint64

// BlockNumber identifies a fixed-size page within a relation fork.
type BlockNumber uint32

// OffsetNumber is a 1-based position in a page's item-pointer array.
// Zero is invalid.
type OffsetNumber uint16

// RelID identifies a relation (an index or a heap) in the catalog.
type RelID uint32

// CycleID is stamped on B-tree pages by vacuum so that splits that happen
// mid-pass can be detected and the moved tuples revisited.
type CycleID uint16

// ForkNumber selects one of the physical files that make up a relation.
type ForkNumber uint8

const (
	MainFork ForkNumber = iota
	FSMFork
	VisibilityFork
	InitFork
)

// Sentinel values for invalid/unset identifiers
const (
	// InvalidBlockNumber marks "no such block": end of a right-link chain,
	// an empty FSM, a stream that is exhausted.
	InvalidBlockNumber BlockNumber = math.MaxUint32

	// InvalidOffsetNumber represents an unset item position.
	InvalidOffsetNumber OffsetNumber = 0

	// FirstOffsetNumber is the first usable item position on a page.
	FirstOffsetNumber OffsetNumber = 1

	// InvalidLSN is the zero log position; a page carrying it has never
	// been touched by a WAL-logged change.
	InvalidLSN LSN = 0

	// InvalidXID is an unset transaction horizon.
	InvalidXID XID = 0
)

// IsValid reports whether the block number refers to a real block.
func (b BlockNumber) IsValid() bool {
	return b != InvalidBlockNumber
}

// IsValid reports whether the offset number refers to a real item.
func (o OffsetNumber) IsValid() bool {
	return o != InvalidOffsetNumber
}

// String renders a fork number for diagnostics.
func (f ForkNumber) String() string {
	switch f {
	case MainFork:
		return "main"
	case FSMFork:
		return "fsm"
	case VisibilityFork:
		return "vm"
	case InitFork:
		return "init"
	default:
		return "unknown"
	}
}

// RelFileLocator names the physical file family of a relation.
type RelFileLocator struct {
	RelID RelID
}
