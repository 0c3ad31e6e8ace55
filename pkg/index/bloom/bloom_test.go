package bloom

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"indexstore/pkg/index"
	"indexstore/pkg/log/genwal"
	"indexstore/pkg/primitives"
	"indexstore/pkg/storage/buffer"
	"indexstore/pkg/storage/disk"
	"indexstore/pkg/storage/fsm"
)

const testRelID primitives.RelID = 7004

func newTestRel(t *testing.T, opts *Options, ncols int) *index.Rel {
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

	classes := make([]*index.Opclass, ncols)
	for i := range classes {
		classes[i] = index.Int64Opclass()
	}
	rel := &index.Rel{
		ID:        testRelID,
		Pool:      pool,
		FSM:       fsm.New(pool, testRelID),
		Log:       wal,
		Opclasses: classes,
		Options:   opts,
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

func tidValue(tid primitives.ItemPointer) int64 {
	return int64(tid.Block)*100 + int64(tid.Offset) - 1
}

func mustInsert(t *testing.T, rel *index.Rel, tid int64, keys ...int64) {
	t.Helper()
	values := make([][]byte, len(keys))
	for i, k := range keys {
		values[i] = int64Key(k)
	}
	if _, err := insertTuple(rel, values, tidFor(tid), index.CheckNo, nil); err != nil {
		t.Fatalf("failed to insert row %d: %v", tid, err)
	}
}

func runBitmap(t *testing.T, rel *index.Rel, keys []index.ScanKey) *index.Bitmap {
	t.Helper()
	scan, err := beginScan(rel, len(keys), 0)
	if err != nil {
		t.Fatalf("failed to begin scan: %v", err)
	}
	if err := rescan(scan, keys); err != nil {
		t.Fatalf("failed to rescan: %v", err)
	}
	defer endScan(scan)
	bm := index.NewBitmap()
	if _, err := getBitmap(scan, bm); err != nil {
		t.Fatalf("bitmap scan failed: %v", err)
	}
	return bm
}

func equalKey(col int, v int64) index.ScanKey {
	return index.ScanKey{Column: col, Strategy: index.Equal, Value: int64Key(v)}
}

func TestSignatureIsDeterministicAndPerColumn(t *testing.T) {
	rel := newTestRel(t, nil, 2)
	mbuf, m, err := lockMeta(rel, buffer.Share)
	if err != nil {
		t.Fatalf("failed to read meta page: %v", err)
	}
	defer rel.Pool.UnlockReleaseBuffer(mbuf)

	a := newSignature(m.sigWords())
	a.addColumn(rel, m, 0, int64Key(42))
	b := newSignature(m.sigWords())
	b.addColumn(rel, m, 0, int64Key(42))
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("same value lit different bits across calls")
		}
	}
	if !a.covers(b) || !b.covers(a) {
		t.Fatal("identical signatures do not cover each other")
	}

	c := newSignature(m.sigWords())
	c.addColumn(rel, m, 1, int64Key(42))
	same := true
	for i := range a {
		if a[i] != c[i] {
			same = false
		}
	}
	if same {
		t.Fatal("same value in different columns lit identical bits")
	}
}

func TestEqualityScanNeverMissesMatch(t *testing.T) {
	rel := newTestRel(t, &Options{Length: 80, ColumnBits: []int{2, 2}}, 2)
	mustInsert(t, rel, 1, 1, 100)
	mustInsert(t, rel, 2, 2, 200)

	bm := runBitmap(t, rel, []index.ScanKey{equalKey(0, 1)})
	if !bm.Contains(tidFor(1)) {
		t.Fatal("equality scan missed a stored match")
	}
	// A false positive on the other row is permitted, anything else not.
	if bm.Len() > 2 {
		t.Fatalf("scan matched %d rows, at most 2 stored", bm.Len())
	}
}

func TestScanIsSupersetOfTrueMatches(t *testing.T) {
	rel := newTestRel(t, nil, 2)
	const n = 2000
	for i := int64(0); i < n; i++ {
		mustInsert(t, rel, i, i%50, i%31)
	}
	for _, k := range []int64{0, 7, 49} {
		bm := runBitmap(t, rel, []index.ScanKey{equalKey(0, k)})
		for i := int64(0); i < n; i++ {
			if i%50 == k && !bm.Contains(tidFor(i)) {
				t.Fatalf("key %d: scan missed row %d", k, i)
			}
		}
	}
	bm := runBitmap(t, rel, []index.ScanKey{equalKey(0, 3), equalKey(1, 12)})
	for i := int64(0); i < n; i++ {
		if i%50 == 3 && i%31 == 12 && !bm.Contains(tidFor(i)) {
			t.Fatalf("two-key scan missed row %d", i)
		}
	}
}

func TestScanWithoutKeysMatchesEverything(t *testing.T) {
	rel := newTestRel(t, nil, 1)
	const n = 500
	for i := int64(0); i < n; i++ {
		mustInsert(t, rel, i, i)
	}
	bm := runBitmap(t, rel, nil)
	if bm.Len() != n {
		t.Fatalf("keyless scan matched %d rows, want %d", bm.Len(), n)
	}
}

func TestBulkDeleteAndPageRecycling(t *testing.T) {
	rel := newTestRel(t, nil, 1)
	const n = 2000
	for i := int64(0); i < n; i++ {
		mustInsert(t, rel, i, i)
	}

	info := &index.VacuumInfo{Rel: rel, OldestXID: 10, CurrentXID: 20}
	stats, err := bulkDelete(info, nil, func(tid primitives.ItemPointer) bool {
		return tidValue(tid) < 1000
	})
	if err != nil {
		t.Fatalf("bulk delete failed: %v", err)
	}
	if stats.TuplesRemoved != 1000 {
		t.Fatalf("removed %d tuples, want 1000", stats.TuplesRemoved)
	}
	if stats.NumIndexTuples != 1000 {
		t.Fatalf("counted %d surviving tuples, want 1000", stats.NumIndexTuples)
	}
	if stats.PagesFree == 0 {
		t.Fatal("emptied pages were not recorded free")
	}

	bm := runBitmap(t, rel, nil)
	if bm.Len() != 1000 {
		t.Fatalf("scan found %d rows after delete, want 1000", bm.Len())
	}
	if bm.Contains(tidFor(5)) {
		t.Fatal("dead row still visible")
	}

	before, err := rel.Pool.NumBlocks(rel.ID, primitives.MainFork)
	if err != nil {
		t.Fatalf("failed to read relation size: %v", err)
	}
	for i := int64(n); i < n+300; i++ {
		mustInsert(t, rel, i, i)
	}
	after, err := rel.Pool.NumBlocks(rel.ID, primitives.MainFork)
	if err != nil {
		t.Fatalf("failed to read relation size: %v", err)
	}
	if after > before {
		t.Fatalf("relation grew from %d to %d blocks despite free pages", before, after)
	}
}

func TestVacuumCleanupPassesThroughStats(t *testing.T) {
	rel := newTestRel(t, nil, 1)
	mustInsert(t, rel, 1, 1)
	in := &index.BulkDeleteStats{TuplesRemoved: 5}
	info := &index.VacuumInfo{Rel: rel, OldestXID: 10, CurrentXID: 20}
	out, err := vacuumCleanup(info, in)
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if out != in {
		t.Fatal("cleanup did not pass through bulk-delete statistics")
	}

	stats, err := vacuumCleanup(info, nil)
	if err != nil {
		t.Fatalf("counting cleanup failed: %v", err)
	}
	if stats.NumIndexTuples != 1 {
		t.Fatalf("counting cleanup found %d tuples, want 1", stats.NumIndexTuples)
	}
}

func TestScanRejectsUnsupportedKeys(t *testing.T) {
	rel := newTestRel(t, nil, 1)
	mustInsert(t, rel, 1, 1)

	scan, err := beginScan(rel, 1, 0)
	if err != nil {
		t.Fatalf("failed to begin scan: %v", err)
	}
	defer endScan(scan)
	if err := rescan(scan, []index.ScanKey{{Column: 0, Strategy: index.Less, Value: int64Key(1)}}); err == nil {
		t.Fatal("non-equality strategy accepted")
	}
	if err := rescan(scan, []index.ScanKey{{Column: 0, Flags: index.SearchArray}}); err == nil {
		t.Fatal("array scan key accepted")
	}
	if err := rescan(scan, []index.ScanKey{{Column: 0, Flags: index.SearchNull}}); err != nil {
		t.Fatalf("null search key rejected: %v", err)
	}
	bm := index.NewBitmap()
	n, err := getBitmap(scan, bm)
	if err != nil {
		t.Fatalf("bitmap scan failed: %v", err)
	}
	if n != 0 || bm.Len() != 0 {
		t.Fatalf("null search matched %d rows", bm.Len())
	}
}

func TestRoutineRegisters(t *testing.T) {
	r := Routine()
	if err := index.Register(r); err != nil {
		t.Fatalf("routine failed validation: %v", err)
	}
	got, err := index.Lookup("bloom")
	if err != nil || got != r {
		t.Fatalf("lookup returned %v, %v", got, err)
	}
}

func TestParseOptions(t *testing.T) {
	o, err := parseOptions(map[string]string{"length": "80", "col1": "2", "col2": "3"})
	if err != nil {
		t.Fatalf("failed to parse options: %v", err)
	}
	opts := o.(*Options)
	if opts.Length != 80 || len(opts.ColumnBits) != 2 || opts.ColumnBits[0] != 2 || opts.ColumnBits[1] != 3 {
		t.Fatalf("parsed %+v, want length 80 with column bits [2 3]", opts)
	}
	if _, err := parseOptions(map[string]string{"length": "0"}); err == nil {
		t.Fatal("length 0 accepted")
	}
	if _, err := parseOptions(map[string]string{"length": "10", "col1": "10"}); err == nil {
		t.Fatal("column bits at length accepted")
	}
	if _, err := parseOptions(map[string]string{"colx": "2"}); err == nil {
		t.Fatal("malformed column option accepted")
	}
	if _, err := parseOptions(map[string]string{"fillfactor": "90"}); err == nil {
		t.Fatal("unknown option accepted")
	}
}
