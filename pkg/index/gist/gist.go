// Package gist implements a generalized search tree: an index whose key
// semantics live entirely in opclass callbacks. Internal entries carry a
// union key covering their subtree; insertion descends toward the child
// whose key is cheapest to widen, and splits are partitioned by the
// opclass picksplit. Concurrent splits are detected through the page
// NSN: a child whose NSN exceeds the LSN remembered for its parent was
// split after the parent was read, so its right links must be followed.
package gist

import (
	"fmt"
	"strconv"

	"indexstore/pkg/index"
	"indexstore/pkg/primitives"
)

const defaultFillfactor = 90

// Options are the per-index settings accepted at creation time.
type Options struct {
	// Fillfactor caps how full an insertion leaves a page before
	// splitting, in percent. Range 10 to 100.
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
			return nil, fmt.Errorf("unknown gist option %q", k)
		}
	}
	return o, nil
}

// Routine returns the gist capability record.
func Routine() *index.Routine {
	return &index.Routine{
		Name: "gist",

		Strategies:   5,
		SupportProcs: 4,
		CanMulticol:  true,
		CanReturn:    true,
		ParallelVacuumOpts: index.ParallelBulkDelete |
			index.ParallelCondCleanup,

		Build:             build,
		BuildEmpty:        buildEmpty,
		Insert:            insertTuple,
		BulkDelete:        bulkDelete,
		VacuumCleanup:     vacuumCleanup,
		BeginScan:         beginScan,
		Rescan:            rescan,
		GetTuple:          getTuple,
		GetBitmap:         getBitmap,
		EndScan:           endScan,
		CostEstimate:      costEstimate,
		Options:           parseOptions,
		TranslateStrategy: translateStrategy,
	}
}

// buildEmpty writes the root as an empty leaf at block 0. The root never
// moves; a root split rewrites it in place as an internal page.
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
	rbuf, err := rel.Pool.ExtendRelation(rel.ID, primitives.MainFork)
	if err != nil {
		return err
	}
	st := rel.Log.Begin(rel.Pool)
	rp := st.Register(rbuf, true)
	initPage(rp, true)
	if _, err := st.Finish(); err != nil {
		st.Abort()
		rel.Pool.UnlockReleaseBuffer(rbuf)
		return err
	}
	rel.Pool.UnlockReleaseBuffer(rbuf)
	return nil
}

// build creates the index and inserts every row the source yields.
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
		return 0, fmt.Errorf("gist has no strategy %d", s)
	}
	return uint16(s), nil
}

// costEstimate is a coarse planner hook: gist scans prune by consistency
// rather than order, so a constrained scan still visits a key-dependent
// subtree fraction.
func costEstimate(rel *index.Rel, nkeys int) float64 {
	if nkeys == 0 {
		return 200.0
	}
	return 4.0 + 50.0/float64(nkeys)
}

func fillfactor(rel *index.Rel) int {
	if o, ok := rel.Options.(*Options); ok && o != nil && o.Fillfactor >= 10 && o.Fillfactor <= 100 {
		return o.Fillfactor
	}
	return defaultFillfactor
}
