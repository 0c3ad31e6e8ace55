package vacuum

import (
	"sync"

	"github.com/google/btree"

	"indexstore/pkg/primitives"
)

// DeadTIDs is the sorted store of heap row ids the heap-scan phase
// found dead. Index bulk-delete passes probe it through Contains, which
// doubles as the access methods' dead callback. Writes happen during
// collection; the vacuum phases only read, possibly from several
// workers at once.
type DeadTIDs struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[primitives.ItemPointer]
}

func NewDeadTIDs() *DeadTIDs {
	return &DeadTIDs{
		tree: btree.NewG(32, func(a, b primitives.ItemPointer) bool {
			return a.Compare(b) < 0
		}),
	}
}

// Add records one dead row. Duplicates collapse.
func (d *DeadTIDs) Add(tid primitives.ItemPointer) {
	d.mu.Lock()
	d.tree.ReplaceOrInsert(tid)
	d.mu.Unlock()
}

// Contains reports whether tid was collected. Safe for concurrent use.
func (d *DeadTIDs) Contains(tid primitives.ItemPointer) bool {
	d.mu.RLock()
	ok := d.tree.Has(tid)
	d.mu.RUnlock()
	return ok
}

// Len returns the number of collected rows.
func (d *DeadTIDs) Len() int {
	d.mu.RLock()
	n := d.tree.Len()
	d.mu.RUnlock()
	return n
}

// ApproxBytes estimates the store's memory footprint for comparison
// against the maintenance budget.
func (d *DeadTIDs) ApproxBytes() int64 {
	// Tree overhead dominates the 6 payload bytes.
	return int64(d.Len()) * 24
}
