package btree

import (
	"testing"

	"indexstore/pkg/index"
	"indexstore/pkg/primitives"
)

func runBulkDelete(t *testing.T, rel *index.Rel, oldest, current primitives.XID, dead index.DeadCallback) *index.BulkDeleteStats {
	t.Helper()
	info := &index.VacuumInfo{Rel: rel, OldestXID: oldest, CurrentXID: current}
	stats, err := bulkDelete(info, nil, dead)
	if err != nil {
		t.Fatalf("bulk delete failed: %v", err)
	}
	return stats
}

func TestBulkDeleteRemovesTuples(t *testing.T) {
	rel := newBuiltRel(t)
	const n = 1000
	for i := int64(0); i < n; i++ {
		mustInsert(t, rel, i)
	}

	// Kill every third key.
	stats := runBulkDelete(t, rel, 10, 11, func(tid primitives.ItemPointer) bool {
		v := int64(tid.Block)*100 + int64(tid.Offset) - 1
		return v%3 == 0
	})

	wantRemoved := int64(0)
	for i := int64(0); i < n; i++ {
		if i%3 == 0 {
			wantRemoved++
		}
	}
	if stats.TuplesRemoved != wantRemoved {
		t.Fatalf("removed %d tuples, want %d", stats.TuplesRemoved, wantRemoved)
	}
	if stats.NumIndexTuples != n-wantRemoved {
		t.Fatalf("%d tuples remain per stats, want %d", stats.NumIndexTuples, n-wantRemoved)
	}

	got := fetchAll(t, rel, nil, index.Forward)
	if int64(len(got)) != n-wantRemoved {
		t.Fatalf("scan found %d tuples after vacuum, want %d", len(got), n-wantRemoved)
	}
	for _, v := range got {
		if v%3 == 0 {
			t.Fatalf("key %d survived vacuum", v)
		}
	}
	if _, err := Check(rel); err != nil {
		t.Fatalf("structure check failed: %v", err)
	}
}

func TestVacuumCycleStateIsPerHandle(t *testing.T) {
	// Both handles carry the same relation id; their cycle counters must
	// still be independent because the state lives on the handle.
	a := newBuiltRel(t)
	b := newBuiltRel(t)

	ca := startCycle(a)
	cb := startCycle(b)
	if ca == 0 || cb == 0 {
		t.Fatal("cycle id zero is reserved for no vacuum")
	}
	if activeCycle(a) != ca || activeCycle(b) != cb {
		t.Fatal("active cycle mixed across handles")
	}
	stopCycle(a)
	if activeCycle(a) != 0 {
		t.Fatal("stopped cycle still reported active")
	}
	if activeCycle(b) != cb {
		t.Fatal("stopping one handle cleared the other")
	}
	if next := startCycle(a); next != ca+1 {
		t.Fatalf("cycle id went from %d to %d", ca, next)
	}
}

func TestBulkDeleteVisitsPagesAddedDuringScan(t *testing.T) {
	rel := newBuiltRel(t)
	const n = 2000
	const late = 1500
	for i := int64(0); i < n; i++ {
		mustInsert(t, rel, i)
	}
	before, err := rel.Pool.NumBlocks(rel.ID, primitives.MainFork)
	if err != nil {
		t.Fatalf("NumBlocks: %v", err)
	}

	// The first callback invocation grows the index past the block count
	// the scan started from. Every late key is dead, so none may escape.
	grown := false
	stats := runBulkDelete(t, rel, 10, 11, func(tid primitives.ItemPointer) bool {
		if !grown {
			grown = true
			for i := int64(n); i < n+late; i++ {
				mustInsert(t, rel, i)
			}
		}
		v := int64(tid.Block)*100 + int64(tid.Offset) - 1
		return v >= n
	})

	after, err := rel.Pool.NumBlocks(rel.ID, primitives.MainFork)
	if err != nil {
		t.Fatalf("NumBlocks: %v", err)
	}
	if after <= before {
		t.Fatalf("index did not grow during vacuum (%d -> %d blocks)", before, after)
	}
	if stats.TuplesRemoved != late {
		t.Fatalf("removed %d tuples, want %d", stats.TuplesRemoved, late)
	}

	got := fetchAll(t, rel, nil, index.Forward)
	if len(got) != n {
		t.Fatalf("scan found %d tuples after vacuum, want %d", len(got), n)
	}
	for _, v := range got {
		if v >= n {
			t.Fatalf("key %d inserted mid-vacuum survived", v)
		}
	}
	if _, err := Check(rel); err != nil {
		t.Fatalf("structure check failed: %v", err)
	}
}

func TestBulkDeleteShrinksPostingLists(t *testing.T) {
	rel := newBuiltRel(t)
	const dups = 40
	for i := int64(0); i < dups; i++ {
		if _, err := insertTuple(rel, [][]byte{int64Key(5)}, tidFor(i), index.CheckNo, nil); err != nil {
			t.Fatalf("failed to insert duplicate %d: %v", i, err)
		}
	}

	stats := runBulkDelete(t, rel, 10, 11, func(tid primitives.ItemPointer) bool {
		return int64(tid.Offset)%2 == 0
	})
	if stats.TuplesRemoved != dups/2 {
		t.Fatalf("removed %d posting entries, want %d", stats.TuplesRemoved, dups/2)
	}
	got := fetchAll(t, rel, []index.ScanKey{{Column: 0, Strategy: index.Equal, Value: int64Key(5)}}, index.Forward)
	if len(got) != dups/2 {
		t.Fatalf("scan found %d duplicates, want %d", len(got), dups/2)
	}
}

func TestPageDeletionAndRecycling(t *testing.T) {
	rel := newBuiltRel(t)
	const n = 2000
	for i := int64(0); i < n; i++ {
		mustInsert(t, rel, i)
	}
	before, err := Check(rel)
	if err != nil {
		t.Fatalf("structure check failed: %v", err)
	}
	if before.Levels < 2 {
		t.Skipf("tree stayed single-level with %d tuples", n)
	}

	// Kill an interior key range so whole leaf pages empty out. The
	// tails stay so the emptied pages are neither leftmost nor
	// rightmost children.
	stats := runBulkDelete(t, rel, 10, 20, func(tid primitives.ItemPointer) bool {
		v := int64(tid.Block)*100 + int64(tid.Offset) - 1
		return v >= 200 && v < 1800
	})
	if stats.NumDelPages == 0 {
		t.Fatalf("no pages deleted after emptying %d keys", 1600)
	}
	// Pages deleted by this pass carry CurrentXID 20, which is not
	// below OldestXID 10, so nothing is recyclable yet.
	if stats.PagesFree != 0 {
		t.Fatalf("%d pages recycled in the deleting pass", stats.PagesFree)
	}

	got := fetchAll(t, rel, nil, index.Forward)
	if len(got) != 400 {
		t.Fatalf("scan found %d survivors, want 400", len(got))
	}
	if _, err := Check(rel); err != nil {
		t.Fatalf("structure check failed after deletion: %v", err)
	}

	// A later pass with the horizon past the deleting XID frees them.
	info := &index.VacuumInfo{Rel: rel, OldestXID: 30, CurrentXID: 31}
	cleanStats, err := vacuumCleanup(info, nil)
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if cleanStats.PagesFree == 0 {
		t.Fatal("no deleted pages became recyclable after the horizon advanced")
	}
	// Every deleted page was recycled above, so none remain as leftovers.
	if cleanStats.NumDelPages != 0 {
		t.Fatalf("%d recycled pages double-reported as deleted leftovers", cleanStats.NumDelPages)
	}

	freeBlock, err := rel.FSM.GetFreePage()
	if err != nil {
		t.Fatalf("free space lookup failed: %v", err)
	}
	if !freeBlock.IsValid() {
		t.Fatal("free space map records no recyclable page")
	}

	// New inserts reuse the recycled space instead of extending.
	blocksBefore, err := rel.Pool.NumBlocks(rel.ID, primitives.MainFork)
	if err != nil {
		t.Fatalf("failed to read relation size: %v", err)
	}
	for i := int64(200); i < 400; i++ {
		mustInsert(t, rel, i)
	}
	blocksAfter, err := rel.Pool.NumBlocks(rel.ID, primitives.MainFork)
	if err != nil {
		t.Fatalf("failed to read relation size: %v", err)
	}
	if blocksAfter > blocksBefore {
		t.Fatalf("relation grew from %d to %d blocks despite recyclable pages", blocksBefore, blocksAfter)
	}
	if _, err := Check(rel); err != nil {
		t.Fatalf("structure check failed after reuse: %v", err)
	}
}

func TestVacuumCleanupCountsWithoutBulkDelete(t *testing.T) {
	rel := newBuiltRel(t)
	for i := int64(0); i < 100; i++ {
		mustInsert(t, rel, i)
	}
	info := &index.VacuumInfo{Rel: rel, OldestXID: 10, CurrentXID: 11}
	stats, err := vacuumCleanup(info, nil)
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if stats == nil {
		t.Fatal("cleanup returned no stats despite having scanned")
	}
	if stats.NumIndexTuples != 100 {
		t.Fatalf("cleanup counted %d tuples, want 100", stats.NumIndexTuples)
	}
}

func TestVacuumCleanupPassesThroughStats(t *testing.T) {
	rel := newBuiltRel(t)
	for i := int64(0); i < 100; i++ {
		mustInsert(t, rel, i)
	}
	stats := runBulkDelete(t, rel, 10, 11, func(primitives.ItemPointer) bool { return false })
	info := &index.VacuumInfo{Rel: rel, OldestXID: 12, CurrentXID: 13}
	out, err := vacuumCleanup(info, stats)
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if out != stats {
		t.Fatal("cleanup rescanned even though bulk delete already produced stats")
	}
}

func TestKillHintsSkipDeadTuples(t *testing.T) {
	rel := newBuiltRel(t)
	for i := int64(0); i < 50; i++ {
		mustInsert(t, rel, i)
	}

	scan, err := beginScan(rel, 0, 0)
	if err != nil {
		t.Fatalf("failed to begin scan: %v", err)
	}
	if err := rescan(scan, nil); err != nil {
		t.Fatalf("failed to rescan: %v", err)
	}
	// Report every returned row dead so the hints get batched and
	// applied when the scan leaves the page.
	for {
		hit, err := getTuple(scan, index.Forward)
		if err != nil {
			t.Fatalf("scan failed: %v", err)
		}
		if hit == nil {
			break
		}
		scan.KillPriorTuple = true
	}
	endScan(scan)

	got := fetchAll(t, rel, nil, index.Forward)
	if len(got) != 0 {
		t.Fatalf("%d killed tuples still visible", len(got))
	}

	// The hints are advisory. Vacuum still owns the physical removal.
	stats := runBulkDelete(t, rel, 10, 11, func(primitives.ItemPointer) bool { return true })
	if stats.TuplesRemoved != 50 {
		t.Fatalf("vacuum removed %d tuples, want 50", stats.TuplesRemoved)
	}
}
