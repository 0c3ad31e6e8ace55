package gist

import (
	"encoding/binary"
	"path/filepath"
	"sort"
	"testing"

	"indexstore/pkg/index"
	"indexstore/pkg/log/genwal"
	"indexstore/pkg/primitives"
	"indexstore/pkg/storage/buffer"
	"indexstore/pkg/storage/disk"
	"indexstore/pkg/storage/fsm"
)

const testRelID primitives.RelID = 7002

func newTestRel(t *testing.T) *index.Rel {
	t.Helper()
	dir := t.TempDir()
	dm, err := disk.NewManager(filepath.Join(dir, "data"))
	if err != nil {
		t.Fatalf("failed to create disk manager: %v", err)
	}
	t.Cleanup(func() { dm.Close() })

	pool := buffer.NewPool(dm, buffer.PoolConfig{MaxBuffers: 256})
	wal, err := genwal.Open(filepath.Join(dir, "wal"))
	if err != nil {
		t.Fatalf("failed to open WAL: %v", err)
	}
	t.Cleanup(func() { wal.Close() })
	pool.SetWALFlusher(wal.Force)

	rel := &index.Rel{
		ID:        testRelID,
		Pool:      pool,
		FSM:       fsm.New(pool, testRelID),
		Log:       wal,
		Opclasses: []*index.Opclass{index.Int64Opclass()},
	}
	if err := buildEmpty(rel); err != nil {
		t.Fatalf("failed to create index: %v", err)
	}
	return rel
}

func int64Key(v int64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(v))
	return b
}

func tidFor(i int64) primitives.ItemPointer {
	return primitives.NewItemPointer(primitives.BlockNumber(i/100), primitives.OffsetNumber(i%100+1))
}

func mustInsert(t *testing.T, rel *index.Rel, v int64) {
	t.Helper()
	if _, err := insertTuple(rel, [][]byte{int64Key(v)}, tidFor(v), index.CheckNo, nil); err != nil {
		t.Fatalf("failed to insert %d: %v", v, err)
	}
}

func fetchAll(t *testing.T, rel *index.Rel, keys []index.ScanKey) []int64 {
	t.Helper()
	scan, err := beginScan(rel, len(keys), 0)
	if err != nil {
		t.Fatalf("failed to begin scan: %v", err)
	}
	scan.WantIndexTuple = true
	if err := rescan(scan, keys); err != nil {
		t.Fatalf("failed to rescan: %v", err)
	}
	defer endScan(scan)
	var out []int64
	for {
		hit, err := getTuple(scan, index.Forward)
		if err != nil {
			t.Fatalf("scan failed: %v", err)
		}
		if hit == nil {
			sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
			return out
		}
		out = append(out, int64(binary.LittleEndian.Uint64(hit.Keys[0][:8])))
	}
}

func TestInsertAndScanSinglePage(t *testing.T) {
	rel := newTestRel(t)
	for i := int64(0); i < 20; i++ {
		mustInsert(t, rel, i)
	}
	got := fetchAll(t, rel, nil)
	if len(got) != 20 {
		t.Fatalf("scan returned %d tuples, want 20", len(got))
	}
	for i, v := range got {
		if v != int64(i) {
			t.Fatalf("position %d holds %d", i, v)
		}
	}
}

func TestRootSplitAndDeepTree(t *testing.T) {
	rel := newTestRel(t)
	const n = 5000
	for i := int64(0); i < n; i++ {
		mustInsert(t, rel, i)
	}
	nblocks, err := rel.Pool.NumBlocks(rel.ID, primitives.MainFork)
	if err != nil {
		t.Fatalf("failed to read relation size: %v", err)
	}
	if nblocks < 3 {
		t.Fatalf("%d inserts left only %d blocks, expected splits", n, nblocks)
	}

	got := fetchAll(t, rel, nil)
	if len(got) != n {
		t.Fatalf("scan returned %d tuples, want %d", len(got), n)
	}
	for i, v := range got {
		if v != int64(i) {
			t.Fatalf("key %d missing or duplicated near position %d", v, i)
		}
	}
}

func TestConsistentPruning(t *testing.T) {
	rel := newTestRel(t)
	for i := int64(0); i < 2000; i++ {
		mustInsert(t, rel, i)
	}

	cases := []struct {
		name string
		keys []index.ScanKey
		want func(v int64) bool
	}{
		{"equal", []index.ScanKey{{Column: 0, Strategy: index.Equal, Value: int64Key(777)}},
			func(v int64) bool { return v == 777 }},
		{"less", []index.ScanKey{{Column: 0, Strategy: index.Less, Value: int64Key(25)}},
			func(v int64) bool { return v < 25 }},
		{"greater_equal", []index.ScanKey{{Column: 0, Strategy: index.GreaterEqual, Value: int64Key(1980)}},
			func(v int64) bool { return v >= 1980 }},
		{"band", []index.ScanKey{
			{Column: 0, Strategy: index.GreaterEqual, Value: int64Key(500)},
			{Column: 0, Strategy: index.LessEqual, Value: int64Key(510)},
		}, func(v int64) bool { return v >= 500 && v <= 510 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := fetchAll(t, rel, tc.keys)
			var want []int64
			for i := int64(0); i < 2000; i++ {
				if tc.want(i) {
					want = append(want, i)
				}
			}
			if len(got) != len(want) {
				t.Fatalf("got %d tuples, want %d", len(got), len(want))
			}
			for i := range want {
				if got[i] != want[i] {
					t.Fatalf("position %d: got %d, want %d", i, got[i], want[i])
				}
			}
		})
	}
}

func TestUniqueCheckRejected(t *testing.T) {
	rel := newTestRel(t)
	if _, err := insertTuple(rel, [][]byte{int64Key(1)}, tidFor(1), index.CheckYes, nil); err == nil {
		t.Fatal("unique-checked insert accepted")
	}
}

func TestGetBitmap(t *testing.T) {
	rel := newTestRel(t)
	for i := int64(0); i < 300; i++ {
		mustInsert(t, rel, i)
	}
	scan, err := beginScan(rel, 1, 0)
	if err != nil {
		t.Fatalf("failed to begin scan: %v", err)
	}
	if err := rescan(scan, []index.ScanKey{{Column: 0, Strategy: index.Less, Value: int64Key(40)}}); err != nil {
		t.Fatalf("failed to rescan: %v", err)
	}
	defer endScan(scan)
	bm := index.NewBitmap()
	n, err := getBitmap(scan, bm)
	if err != nil {
		t.Fatalf("bitmap scan failed: %v", err)
	}
	if n != 40 || bm.Len() != 40 {
		t.Fatalf("bitmap holds %d (reported %d), want 40", bm.Len(), n)
	}
}

func TestBulkDeleteAndPageRecycling(t *testing.T) {
	rel := newTestRel(t)
	const n = 3000
	for i := int64(0); i < n; i++ {
		mustInsert(t, rel, i)
	}

	info := &index.VacuumInfo{Rel: rel, OldestXID: 10, CurrentXID: 20}
	stats, err := bulkDelete(info, nil, func(tid primitives.ItemPointer) bool {
		v := int64(tid.Block)*100 + int64(tid.Offset) - 1
		return v >= 100 && v < 2900
	})
	if err != nil {
		t.Fatalf("bulk delete failed: %v", err)
	}
	if stats.TuplesRemoved != 2800 {
		t.Fatalf("removed %d tuples, want 2800", stats.TuplesRemoved)
	}
	if stats.NumDelPages == 0 {
		t.Fatal("no empty leaves were deleted")
	}

	got := fetchAll(t, rel, nil)
	if len(got) != 200 {
		t.Fatalf("scan found %d survivors, want 200", len(got))
	}
	for _, v := range got {
		if v >= 100 && v < 2900 {
			t.Fatalf("key %d survived vacuum", v)
		}
	}

	// The horizon has not passed the deleting XID yet.
	if stats.PagesFree != 0 {
		t.Fatalf("%d pages recycled in the deleting pass", stats.PagesFree)
	}
	later := &index.VacuumInfo{Rel: rel, OldestXID: 30, CurrentXID: 31}
	cleanStats, err := vacuumCleanup(later, nil)
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if cleanStats.PagesFree == 0 {
		t.Fatal("no deleted pages became recyclable after the horizon advanced")
	}

	// New inserts reuse freed pages instead of extending the relation.
	blocksBefore, err := rel.Pool.NumBlocks(rel.ID, primitives.MainFork)
	if err != nil {
		t.Fatalf("failed to read relation size: %v", err)
	}
	for i := int64(100); i < 600; i++ {
		mustInsert(t, rel, i)
	}
	blocksAfter, err := rel.Pool.NumBlocks(rel.ID, primitives.MainFork)
	if err != nil {
		t.Fatalf("failed to read relation size: %v", err)
	}
	if blocksAfter > blocksBefore {
		t.Fatalf("relation grew from %d to %d blocks despite recyclable pages", blocksBefore, blocksAfter)
	}
}

func TestVacuumCleanupPassesThroughStats(t *testing.T) {
	rel := newTestRel(t)
	mustInsert(t, rel, 1)
	info := &index.VacuumInfo{Rel: rel, OldestXID: 10, CurrentXID: 11}
	stats, err := bulkDelete(info, nil, func(primitives.ItemPointer) bool { return false })
	if err != nil {
		t.Fatalf("bulk delete failed: %v", err)
	}
	out, err := vacuumCleanup(info, stats)
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if out != stats {
		t.Fatal("cleanup rescanned even though bulk delete already produced stats")
	}
}

func TestRoutineRegisters(t *testing.T) {
	r := Routine()
	if err := index.Register(r); err != nil {
		t.Fatalf("routine failed validation: %v", err)
	}
	got, err := index.Lookup("gist")
	if err != nil || got != r {
		t.Fatalf("lookup returned %v, %v", got, err)
	}
}

func TestParseOptions(t *testing.T) {
	o, err := parseOptions(map[string]string{"fillfactor": "60"})
	if err != nil {
		t.Fatalf("failed to parse options: %v", err)
	}
	if o.(*Options).Fillfactor != 60 {
		t.Fatalf("fillfactor = %d, want 60", o.(*Options).Fillfactor)
	}
	if _, err := parseOptions(map[string]string{"fillfactor": "200"}); err == nil {
		t.Fatal("fillfactor 200 accepted")
	}
}
