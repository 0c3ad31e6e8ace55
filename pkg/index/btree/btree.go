// Package btree implements an ordered index over arbitrary opclass-typed
// keys. Pages link left to right at every level, and a page's high key
// bounds its key space, so readers descend without lock coupling:
// whenever a key lies beyond the high key, the reader follows the right
// link instead of retrying from the root.
package btree

import (
	"fmt"
	"strconv"

	"indexstore/pkg/index"
	"indexstore/pkg/primitives"
)

const defaultFillfactor = 90

// Options are the per-index settings accepted at creation time.
type Options struct {
	// Fillfactor caps how full a leaf split of the rightmost page leaves
	// the left half, in percent. Range 10 to 100.
	Fillfactor int
}

func parseOptions(raw map[string]string) (any, error) {
	o := &Options{Fillfactor: defaultFillfactor}
	for k, v := range raw {
		switch k {
		case "fillfactor":
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("failed to parse fillfactor %q: %v", v, err)
			}
			if n < 10 || n > 100 {
				return nil, fmt.Errorf("fillfactor %d out of range 10..100", n)
			}
			o.Fillfactor = n
		default:
			return nil, fmt.Errorf("unknown btree option %q", k)
		}
	}
	return o, nil
}

// Routine returns the btree capability record.
func Routine() *index.Routine {
	return &index.Routine{
		Name: "btree",

		Strategies:       5,
		SupportProcs:     1,
		CanOrder:         true,
		CanBackward:      true,
		CanUnique:        true,
		CanMulticol:      true,
		OptionalFirstKey: true,
		SearchArray:      true,
		Clusterable:      true,
		PredLocks:        true,
		CanParallel:      true,
		CanReturn:        true,
		ParallelVacuumOpts: index.ParallelBulkDelete |
			index.ParallelCondCleanup,

		Build:                build,
		BuildEmpty:           buildEmpty,
		Insert:               insertTuple,
		BulkDelete:           bulkDelete,
		VacuumCleanup:        vacuumCleanup,
		BeginScan:            beginScan,
		Rescan:               rescan,
		GetTuple:             getTuple,
		GetBitmap:            getBitmap,
		EndScan:              endScan,
		MarkPos:              markPos,
		RestorePos:           restorePos,
		EstimateParallelScan: estimateParallelScan,
		InitParallelScan:     initParallelScan,
		ParallelRescan:       parallelRescan,
		CostEstimate:         costEstimate,
		Options:              parseOptions,
		TranslateStrategy:    translateStrategy,
		TranslateCmpType:     translateCmpType,
	}
}

// buildEmpty writes just the meta page; the root leaf appears with the
// first insert.
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
	st := rel.Log.Begin(rel.Pool)
	mp := st.Register(mbuf, true)
	initMetaPage(mp)
	if _, err := st.Finish(); err != nil {
		st.Abort()
		rel.Pool.UnlockReleaseBuffer(mbuf)
		return err
	}
	rel.Pool.UnlockReleaseBuffer(mbuf)
	return nil
}

// build creates the index and loads every row the source yields. Rows
// arrive in heap order, so this is plain insertion; a sorted bulk load
// is a possible improvement for large builds.
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
		if _, err := insertTuple(rel, keys, tid, index.CheckNo, nil); err != nil {
			return err
		}
	}
}

func translateStrategy(s index.Strategy) (uint16, error) {
	if s < index.Less || s > index.Greater {
		return 0, fmt.Errorf("btree has no strategy %d", s)
	}
	return uint16(s), nil
}

func translateCmpType(cmp int) (index.Strategy, error) {
	switch {
	case cmp < 0:
		return index.Less, nil
	case cmp > 0:
		return index.Greater, nil
	default:
		return index.Equal, nil
	}
}

// costEstimate is a coarse planner hook: a descent plus a fraction of
// the leaf level proportional to the unconstrained key columns.
func costEstimate(rel *index.Rel, nkeys int) float64 {
	cols := len(rel.Opclasses)
	if cols == 0 {
		cols = 1
	}
	if nkeys > cols {
		nkeys = cols
	}
	return 1.0 + float64(cols-nkeys)/float64(cols)*100.0
}
