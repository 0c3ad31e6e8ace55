package btree

import (
	"encoding/binary"
	"errors"
	"path/filepath"
	"testing"

	"indexstore/pkg/index"
	"indexstore/pkg/log/genwal"
	"indexstore/pkg/primitives"
	"indexstore/pkg/storage/buffer"
	"indexstore/pkg/storage/disk"
	"indexstore/pkg/storage/fsm"
)

const testRelID primitives.RelID = 7001

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

	return &index.Rel{
		ID:        testRelID,
		Pool:      pool,
		FSM:       fsm.New(pool, testRelID),
		Log:       wal,
		Opclasses: []*index.Opclass{index.Int64Opclass()},
	}
}

func newBuiltRel(t *testing.T) *index.Rel {
	t.Helper()
	rel := newTestRel(t)
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

func fetchAll(t *testing.T, rel *index.Rel, keys []index.ScanKey, dir index.ScanDirection) []int64 {
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
		hit, err := getTuple(scan, dir)
		if err != nil {
			t.Fatalf("scan failed: %v", err)
		}
		if hit == nil {
			return out
		}
		out = append(out, int64(binary.LittleEndian.Uint64(hit.Keys[0])))
	}
}

func TestBuildEmptyThenFirstInsert(t *testing.T) {
	rel := newBuiltRel(t)

	got := fetchAll(t, rel, nil, index.Forward)
	if len(got) != 0 {
		t.Fatalf("empty index returned %d tuples", len(got))
	}

	mustInsert(t, rel, 42)
	got = fetchAll(t, rel, nil, index.Forward)
	if len(got) != 1 || got[0] != 42 {
		t.Fatalf("got %v, want [42]", got)
	}
}

func TestOrderedInsertAndScan(t *testing.T) {
	rel := newBuiltRel(t)
	const n = 1000
	for i := int64(0); i < n; i++ {
		mustInsert(t, rel, i)
	}

	got := fetchAll(t, rel, nil, index.Forward)
	if len(got) != n {
		t.Fatalf("forward scan returned %d tuples, want %d", len(got), n)
	}
	for i, v := range got {
		if v != int64(i) {
			t.Fatalf("position %d holds %d", i, v)
		}
	}

	got = fetchAll(t, rel, nil, index.Backward)
	if len(got) != n {
		t.Fatalf("backward scan returned %d tuples, want %d", len(got), n)
	}
	for i, v := range got {
		if v != int64(n-1-i) {
			t.Fatalf("backward position %d holds %d", i, v)
		}
	}

	sum, err := Check(rel)
	if err != nil {
		t.Fatalf("structure check failed: %v", err)
	}
	if sum.Tuples != n {
		t.Fatalf("check counted %d tuples, want %d", sum.Tuples, n)
	}
	if sum.Levels < 2 {
		t.Fatalf("1000 ordered inserts left a tree of height %d, expected splits", sum.Levels)
	}
	t.Logf("tree: %d levels, %d pages", sum.Levels, sum.Pages)
}

func TestRandomOrderInsert(t *testing.T) {
	rel := newBuiltRel(t)
	// Deterministic shuffle: multiples of a generator mod a prime hit
	// every residue once.
	const n = 997
	for i := int64(1); i <= n; i++ {
		mustInsert(t, rel, (i*31)%n)
	}
	got := fetchAll(t, rel, nil, index.Forward)
	if len(got) != n {
		t.Fatalf("scan returned %d tuples, want %d", len(got), n)
	}
	for i := 1; i < len(got); i++ {
		if got[i-1] > got[i] {
			t.Fatalf("out of order at %d: %d > %d", i, got[i-1], got[i])
		}
	}
	if _, err := Check(rel); err != nil {
		t.Fatalf("structure check failed: %v", err)
	}
}

func TestRangeScans(t *testing.T) {
	rel := newBuiltRel(t)
	for i := int64(0); i < 500; i++ {
		mustInsert(t, rel, i)
	}

	cases := []struct {
		name string
		keys []index.ScanKey
		dir  index.ScanDirection
		want func(v int64) bool
	}{
		{"greater", []index.ScanKey{{Column: 0, Strategy: index.Greater, Value: int64Key(480)}}, index.Forward,
			func(v int64) bool { return v > 480 }},
		{"greater_equal", []index.ScanKey{{Column: 0, Strategy: index.GreaterEqual, Value: int64Key(480)}}, index.Forward,
			func(v int64) bool { return v >= 480 }},
		{"less", []index.ScanKey{{Column: 0, Strategy: index.Less, Value: int64Key(20)}}, index.Forward,
			func(v int64) bool { return v < 20 }},
		{"equal", []index.ScanKey{{Column: 0, Strategy: index.Equal, Value: int64Key(250)}}, index.Forward,
			func(v int64) bool { return v == 250 }},
		{"between", []index.ScanKey{
			{Column: 0, Strategy: index.GreaterEqual, Value: int64Key(100)},
			{Column: 0, Strategy: index.LessEqual, Value: int64Key(110)},
		}, index.Forward, func(v int64) bool { return v >= 100 && v <= 110 }},
		{"between_backward", []index.ScanKey{
			{Column: 0, Strategy: index.GreaterEqual, Value: int64Key(100)},
			{Column: 0, Strategy: index.LessEqual, Value: int64Key(110)},
		}, index.Backward, func(v int64) bool { return v >= 100 && v <= 110 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := fetchAll(t, rel, tc.keys, tc.dir)
			var want []int64
			for i := int64(0); i < 500; i++ {
				if tc.want(i) {
					want = append(want, i)
				}
			}
			if tc.dir == index.Backward {
				for i, j := 0, len(want)-1; i < j; i, j = i+1, j-1 {
					want[i], want[j] = want[j], want[i]
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

func TestArrayKeys(t *testing.T) {
	rel := newBuiltRel(t)
	for i := int64(0); i < 300; i++ {
		mustInsert(t, rel, i)
	}
	keys := []index.ScanKey{{
		Column: 0,
		Flags:  index.SearchArray,
		Array:  [][]byte{int64Key(5), int64Key(123), int64Key(250), int64Key(999)},
	}}
	got := fetchAll(t, rel, keys, index.Forward)
	want := []int64{5, 123, 250}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestUniqueViolation(t *testing.T) {
	rel := newBuiltRel(t)
	rel.Unique = true
	alive := map[primitives.ItemPointer]bool{}
	live := func(tid primitives.ItemPointer) bool { return alive[tid] }

	if _, err := insertTuple(rel, [][]byte{int64Key(7)}, tidFor(7), index.CheckYes, live); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	alive[tidFor(7)] = true

	_, err := insertTuple(rel, [][]byte{int64Key(7)}, tidFor(8), index.CheckYes, live)
	if !errors.Is(err, index.ErrUniqueViolation) {
		t.Fatalf("expected unique violation, got %v", err)
	}

	// A dead duplicate does not block the insert.
	alive[tidFor(7)] = false
	if _, err := insertTuple(rel, [][]byte{int64Key(7)}, tidFor(9), index.CheckYes, live); err != nil {
		t.Fatalf("insert over dead duplicate failed: %v", err)
	}
}

func TestDuplicatesMergeIntoPostingLists(t *testing.T) {
	rel := newBuiltRel(t)
	const dups = 50
	for i := int64(0); i < dups; i++ {
		if _, err := insertTuple(rel, [][]byte{int64Key(77)}, tidFor(i), index.CheckNo, nil); err != nil {
			t.Fatalf("failed to insert duplicate %d: %v", i, err)
		}
	}
	got := fetchAll(t, rel, []index.ScanKey{{Column: 0, Strategy: index.Equal, Value: int64Key(77)}}, index.Forward)
	if len(got) != dups {
		t.Fatalf("got %d duplicates back, want %d", len(got), dups)
	}
	sum, err := Check(rel)
	if err != nil {
		t.Fatalf("structure check failed: %v", err)
	}
	if sum.Pages != 1 {
		t.Fatalf("%d duplicates spread over %d pages, expected posting lists to keep them on one", dups, sum.Pages)
	}
}

func TestMarkRestore(t *testing.T) {
	rel := newBuiltRel(t)
	for i := int64(0); i < 100; i++ {
		mustInsert(t, rel, i)
	}
	scan, err := beginScan(rel, 0, 0)
	if err != nil {
		t.Fatalf("failed to begin scan: %v", err)
	}
	scan.WantIndexTuple = true
	if err := rescan(scan, nil); err != nil {
		t.Fatalf("failed to rescan: %v", err)
	}
	defer endScan(scan)

	for i := 0; i < 10; i++ {
		if _, err := getTuple(scan, index.Forward); err != nil {
			t.Fatalf("scan failed: %v", err)
		}
	}
	if err := markPos(scan); err != nil {
		t.Fatalf("failed to mark: %v", err)
	}
	hit, err := getTuple(scan, index.Forward)
	if err != nil || hit == nil {
		t.Fatalf("scan failed after mark: %v", err)
	}
	after := int64(binary.LittleEndian.Uint64(hit.Keys[0]))

	for i := 0; i < 30; i++ {
		if _, err := getTuple(scan, index.Forward); err != nil {
			t.Fatalf("scan failed: %v", err)
		}
	}
	if err := restorePos(scan); err != nil {
		t.Fatalf("failed to restore: %v", err)
	}
	hit, err = getTuple(scan, index.Forward)
	if err != nil || hit == nil {
		t.Fatalf("scan failed after restore: %v", err)
	}
	if got := int64(binary.LittleEndian.Uint64(hit.Keys[0])); got != after {
		t.Fatalf("restore resumed at %d, want %d", got, after)
	}
}

func TestGetBitmap(t *testing.T) {
	rel := newBuiltRel(t)
	for i := int64(0); i < 200; i++ {
		mustInsert(t, rel, i)
	}
	scan, err := beginScan(rel, 1, 0)
	if err != nil {
		t.Fatalf("failed to begin scan: %v", err)
	}
	if err := rescan(scan, []index.ScanKey{{Column: 0, Strategy: index.Less, Value: int64Key(50)}}); err != nil {
		t.Fatalf("failed to rescan: %v", err)
	}
	defer endScan(scan)
	bm := index.NewBitmap()
	n, err := getBitmap(scan, bm)
	if err != nil {
		t.Fatalf("bitmap scan failed: %v", err)
	}
	if n != 50 || bm.Len() != 50 {
		t.Fatalf("bitmap holds %d (reported %d), want 50", bm.Len(), n)
	}
	if !bm.Contains(tidFor(0)) || bm.Contains(tidFor(51)) {
		t.Fatalf("bitmap membership wrong")
	}
}

func TestRoutineRegisters(t *testing.T) {
	r := Routine()
	if err := index.Register(r); err != nil {
		t.Fatalf("routine failed validation: %v", err)
	}
	got, err := index.Lookup("btree")
	if err != nil || got != r {
		t.Fatalf("lookup returned %v, %v", got, err)
	}
}

func TestParseOptions(t *testing.T) {
	o, err := parseOptions(map[string]string{"fillfactor": "70"})
	if err != nil {
		t.Fatalf("failed to parse options: %v", err)
	}
	if o.(*Options).Fillfactor != 70 {
		t.Fatalf("fillfactor = %d, want 70", o.(*Options).Fillfactor)
	}
	if _, err := parseOptions(map[string]string{"fillfactor": "5"}); err == nil {
		t.Fatal("fillfactor 5 accepted")
	}
	if _, err := parseOptions(map[string]string{"nonsense": "1"}); err == nil {
		t.Fatal("unknown option accepted")
	}
}
