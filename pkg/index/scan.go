package index

import (
	"indexstore/pkg/primitives"
)

// Strategy numbers for ordered scans, shared by every ordered access
// method. Access methods with private strategy numbering translate via
// their TranslateStrategy callback.
type Strategy uint16

const (
	InvalidStrategy Strategy = 0
	Less            Strategy = 1
	LessEqual       Strategy = 2
	Equal           Strategy = 3
	GreaterEqual    Strategy = 4
	Greater         Strategy = 5
)

// ScanDirection selects where GetTuple moves next.
type ScanDirection int

const (
	Forward  ScanDirection = 1
	Backward ScanDirection = -1
)

// ScanKey flag bits.
const (
	// SearchNull matches IS NULL rows instead of comparing values.
	SearchNull = 1 << iota
	// SearchNotNull matches IS NOT NULL rows.
	SearchNotNull
	// SearchArray means Value is unused and Array carries a sorted list
	// of alternatives (scalar-array-expression keys).
	SearchArray
)

// ScanKey constrains one indexed column.
type ScanKey struct {
	// Column is the 0-based indexed column this key applies to.
	Column int
	// Strategy is the comparison operator.
	Strategy Strategy
	// Value is the probe value, encoded per the column's opclass.
	Value []byte
	// Flags carries the Search* bits.
	Flags uint32
	// Array holds the sorted alternatives for SearchArray keys.
	Array [][]byte
}

// TupleHit is one scan result: the heap row and, for index-only scans,
// the stored key columns.
type TupleHit struct {
	TID  primitives.ItemPointer
	Keys [][]byte
}

// Bitmap collects every matching TID of a bitmap scan. Order is not
// meaningful; the executor sorts by heap location before fetching.
type Bitmap struct {
	tids map[primitives.ItemPointer]struct{}
}

// NewBitmap returns an empty TID set.
func NewBitmap() *Bitmap {
	return &Bitmap{tids: make(map[primitives.ItemPointer]struct{})}
}

// Add inserts one TID.
func (b *Bitmap) Add(tid primitives.ItemPointer) {
	b.tids[tid] = struct{}{}
}

// Contains reports membership.
func (b *Bitmap) Contains(tid primitives.ItemPointer) bool {
	_, ok := b.tids[tid]
	return ok
}

// Len returns the number of distinct TIDs collected.
func (b *Bitmap) Len() int {
	return len(b.tids)
}

// ScanDesc is the per-scan state every access method shares. The AM hangs
// its private state off Opaque.
type ScanDesc struct {
	Rel  *Rel
	Keys []ScanKey

	// NumOrderBys is carried for can_order_by_operator methods; the
	// methods in this repository do not implement ordered-by-operator
	// scans and reject a nonzero value.
	NumOrderBys int

	// WantIndexTuple requests that full index tuples be returned with
	// each hit (index-only scans); requires the AM's canReturn support.
	WantIndexTuple bool

	// KillPriorTuple is set by the caller between GetTuple calls when
	// the previously returned row turned out to be dead; the AM batches
	// these into LP_DEAD hints before leaving the leaf page.
	KillPriorTuple bool

	// Parallel is non-nil for parallel scans; its concrete type belongs
	// to the access method.
	Parallel any

	// Interrupt, when non-nil, is polled once per page.
	Interrupt *primitives.InterruptFlag

	// Opaque is the access method's private scan state.
	Opaque any
}
