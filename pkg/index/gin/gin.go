// Package gin implements an inverted index: every (column, key) pair
// maps to a posting list of the heap rows containing it. Inserts stage
// new pairs into a pending list chained off the meta page, so a single
// heap row touches one page instead of one page per key; the pending
// list is merged into the sorted entry list in bulk, either when it
// outgrows its limit or during vacuum cleanup. Scans must consult both.
package gin

import (
	"fmt"
	"strconv"

	"indexstore/pkg/index"
	"indexstore/pkg/primitives"
)

const defaultPendingListLimit = 16

// Options are the per-index settings accepted at creation time.
type Options struct {
	// FastUpdate routes inserts through the pending list. Disabling it
	// trades insert latency for scans that never touch staging pages.
	FastUpdate bool
	// PendingListLimit caps the staging list, in pages; exceeding it
	// triggers an inline merge.
	PendingListLimit int
}

func parseOptions(raw map[string]string) (any, error) {
	o := &Options{FastUpdate: true, PendingListLimit: defaultPendingListLimit}
	for k, v := range raw {
		switch k {
		case "fastupdate":
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("failed to parse fastupdate %q: %v", v, err)
			}
			o.FastUpdate = b
		case "pending_list_limit":
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("failed to parse pending_list_limit %q: %v", v, err)
			}
			if n < 1 || n > 4096 {
				return nil, fmt.Errorf("pending_list_limit %d out of range 1..4096", n)
			}
			o.PendingListLimit = n
		default:
			return nil, fmt.Errorf("unknown gin option %q", k)
		}
	}
	return o, nil
}

// Routine returns the gin capability record. GIN produces bitmaps only;
// it has no ordered tuple-at-a-time scan.
func Routine() *index.Routine {
	return &index.Routine{
		Name: "gin",

		Strategies:   1,
		SupportProcs: 2,
		CanMulticol:  true,
		ParallelVacuumOpts: index.ParallelBulkDelete |
			index.ParallelCleanup,

		Build:         build,
		BuildEmpty:    buildEmpty,
		Insert:        insertTuple,
		BulkDelete:    bulkDelete,
		VacuumCleanup: vacuumCleanup,
		BeginScan:     beginScan,
		Rescan:        rescan,
		GetBitmap:     getBitmap,
		EndScan:       endScan,
		CostEstimate:  costEstimate,
		Options:       parseOptions,
	}
}

// buildEmpty writes the meta page and an empty entry list head.
func buildEmpty(rel *index.Rel) error {
	unlock := rel.Pool.RelationExtendLock(rel.ID)
	defer unlock()
	n, err := rel.Pool.NumBlocks(rel.ID, primitives.MainFork)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("index %d is not empty: %d blocks", rel.ID, n)
	}
	mbuf, err := rel.Pool.ExtendRelation(rel.ID, primitives.MainFork)
	if err != nil {
		return err
	}
	ebuf, err := rel.Pool.ExtendRelation(rel.ID, primitives.MainFork)
	if err != nil {
		rel.Pool.UnlockReleaseBuffer(mbuf)
		return err
	}
	st := rel.Log.Begin(rel.Pool)
	mp := st.Register(mbuf, true)
	ep := st.Register(ebuf, true)
	initMetaPage(mp)
	initPage(ep, 0)
	if _, err := st.Finish(); err != nil {
		st.Abort()
		rel.Pool.UnlockReleaseBuffer(ebuf)
		rel.Pool.UnlockReleaseBuffer(mbuf)
		return err
	}
	rel.Pool.UnlockReleaseBuffer(ebuf)
	rel.Pool.UnlockReleaseBuffer(mbuf)
	return nil
}

// build creates the index with fast update disabled for the load, so
// the bulk of the rows lands directly in the entry list.
func build(rel *index.Rel, rows func() (keys [][]byte, tid primitives.ItemPointer, ok bool)) error {
	if err := buildEmpty(rel); err != nil {
		return err
	}
	for {
		keys, tid, ok := rows()
		if !ok {
			return nil
		}
		if err := rel.CheckForInterrupts(); err != nil {
			return err
		}
		for col := range keys {
			if err := insertEntry(rel, uint16(col), keys[col], tid); err != nil {
				return err
			}
		}
	}
}

// costEstimate is a coarse planner hook: an entry probe per qual plus
// the pending list.
func costEstimate(rel *index.Rel, nkeys int) float64 {
	if nkeys == 0 {
		return 1e6
	}
	return 2.0 + 4.0*float64(nkeys)
}

func options(rel *index.Rel) Options {
	if o, ok := rel.Options.(*Options); ok && o != nil {
		return *o
	}
	return Options{FastUpdate: true, PendingListLimit: defaultPendingListLimit}
}
