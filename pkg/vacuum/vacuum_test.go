package vacuum

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"

	"indexstore/pkg/index"
	"indexstore/pkg/index/bloom"
	"indexstore/pkg/index/btree"
	"indexstore/pkg/log/genwal"
	"indexstore/pkg/primitives"
	"indexstore/pkg/storage/buffer"
	"indexstore/pkg/storage/disk"
	"indexstore/pkg/storage/fsm"
)

func newTestRel(t *testing.T, id primitives.RelID) *index.Rel {
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
		ID:        id,
		Pool:      pool,
		FSM:       fsm.New(pool, id),
		Log:       wal,
		Opclasses: []*index.Opclass{index.Int64Opclass()},
	}
}

// fakeRoutine counts callback invocations.
type fakeRoutine struct {
	bulkDeletes atomic.Int64
	cleanups    atomic.Int64
}

func (f *fakeRoutine) routine(opts index.ParallelVacuumOptions) *index.Routine {
	return &index.Routine{
		Name:               "fake",
		ParallelVacuumOpts: opts,
		BulkDelete: func(info *index.VacuumInfo, stats *index.BulkDeleteStats, dead index.DeadCallback) (*index.BulkDeleteStats, error) {
			f.bulkDeletes.Add(1)
			if stats == nil {
				stats = &index.BulkDeleteStats{}
			}
			stats.NumPages = 3
			return stats, nil
		},
		VacuumCleanup: func(info *index.VacuumInfo, stats *index.BulkDeleteStats) (*index.BulkDeleteStats, error) {
			f.cleanups.Add(1)
			if stats == nil {
				stats = &index.BulkDeleteStats{}
			}
			return stats, nil
		},
	}
}

func int64Key(v int64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(v))
	return b
}

func tidFor(i int64) primitives.ItemPointer {
	return primitives.NewItemPointer(primitives.BlockNumber(i/100), primitives.OffsetNumber(i%100+1))
}

func TestDeadTIDStore(t *testing.T) {
	d := NewDeadTIDs()
	for i := int64(0); i < 100; i++ {
		d.Add(tidFor(i))
	}
	d.Add(tidFor(50))
	if d.Len() != 100 {
		t.Fatalf("store holds %d rows, want 100", d.Len())
	}
	if !d.Contains(tidFor(50)) || d.Contains(tidFor(100)) {
		t.Fatal("membership test wrong")
	}
	if d.ApproxBytes() <= 0 {
		t.Fatal("footprint estimate not positive")
	}
}

func TestRunProcessesEachIndexOnce(t *testing.T) {
	const n = 5
	fakes := make([]*fakeRoutine, n)
	targets := make([]Target, n)
	for i := range targets {
		fakes[i] = &fakeRoutine{}
		targets[i] = Target{
			Rel:     newTestRel(t, primitives.RelID(8000+i)),
			Routine: fakes[i].routine(index.ParallelBulkDelete | index.ParallelCleanup),
		}
	}

	dead := NewDeadTIDs()
	dead.Add(tidFor(1))

	res, err := Run(Config{Workers: 2}, targets, dead)
	if err != nil {
		t.Fatalf("vacuum run failed: %v", err)
	}
	for i, f := range fakes {
		if got := f.bulkDeletes.Load(); got != 1 {
			t.Fatalf("index %d bulk-deleted %d times", i, got)
		}
		if got := f.cleanups.Load(); got != 1 {
			t.Fatalf("index %d cleaned up %d times", i, got)
		}
		if res.Stats[i] == nil || res.Stats[i].NumPages != 3 {
			t.Fatalf("index %d statistics not published: %+v", i, res.Stats[i])
		}
	}
	var processed int64
	if len(res.Usage) != 3 {
		t.Fatalf("usage has %d slots, want leader plus 2 workers", len(res.Usage))
	}
	for _, u := range res.Usage {
		processed += u.IndexesProcessed
	}
	if processed != 2*n {
		t.Fatalf("participants processed %d phase units, want %d", processed, 2*n)
	}
}

func TestLeaderHandlesParallelUnsafeIndexes(t *testing.T) {
	const n = 4
	fakes := make([]*fakeRoutine, n)
	targets := make([]Target, n)
	for i := range targets {
		fakes[i] = &fakeRoutine{}
		targets[i] = Target{
			Rel:     newTestRel(t, primitives.RelID(8100+i)),
			Routine: fakes[i].routine(0),
		}
	}
	dead := NewDeadTIDs()
	dead.Add(tidFor(1))

	res, err := Run(Config{Workers: 3}, targets, dead)
	if err != nil {
		t.Fatalf("vacuum run failed: %v", err)
	}
	if got := res.Usage[0].IndexesProcessed; got != 2*n {
		t.Fatalf("leader processed %d phase units, want all %d", got, 2*n)
	}
	for w := 1; w < len(res.Usage); w++ {
		if res.Usage[w].IndexesProcessed != 0 {
			t.Fatalf("worker %d processed unsafe indexes", w)
		}
	}
}

func TestPhaseSafety(t *testing.T) {
	slot := func(opts index.ParallelVacuumOptions, size primitives.BlockNumber, sawBulkDelete bool) *indexSlot {
		return &indexSlot{
			target:        Target{Routine: &index.Routine{ParallelVacuumOpts: opts}},
			size:          size,
			sawBulkDelete: sawBulkDelete,
		}
	}
	tests := []struct {
		name  string
		slot  *indexSlot
		phase Status
		min   primitives.BlockNumber
		want  bool
	}{
		{"bulkdel allowed", slot(index.ParallelBulkDelete, 100, false), NeedBulkdel, 0, true},
		{"bulkdel not offered", slot(index.ParallelCleanup, 100, false), NeedBulkdel, 0, false},
		{"below size threshold", slot(index.ParallelBulkDelete, 4, false), NeedBulkdel, 8, false},
		{"cleanup allowed", slot(index.ParallelCleanup, 100, true), NeedCleanup, 0, true},
		{"cond cleanup without bulkdel", slot(index.ParallelCondCleanup, 100, false), NeedCleanup, 0, true},
		{"cond cleanup after bulkdel", slot(index.ParallelCondCleanup, 100, true), NeedCleanup, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := phaseSafe(tt.slot, tt.phase, tt.min); got != tt.want {
				t.Fatalf("phaseSafe = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBudgetRejectsOversizedStore(t *testing.T) {
	dead := NewDeadTIDs()
	for i := int64(0); i < 1000; i++ {
		dead.Add(tidFor(i))
	}
	_, err := Run(Config{BudgetBytes: 100}, nil, dead)
	if err == nil {
		t.Fatal("oversized dead-TID store accepted")
	}
}

func TestWorkerErrorsKeepTheirSentinel(t *testing.T) {
	broken := &index.Routine{
		Name:               "broken",
		ParallelVacuumOpts: index.ParallelBulkDelete | index.ParallelCleanup,
		BulkDelete: func(info *index.VacuumInfo, stats *index.BulkDeleteStats, dead index.DeadCallback) (*index.BulkDeleteStats, error) {
			return nil, fmt.Errorf("level mismatch: %w", index.ErrIndexCorrupted)
		},
		VacuumCleanup: func(info *index.VacuumInfo, stats *index.BulkDeleteStats) (*index.BulkDeleteStats, error) {
			return stats, nil
		},
	}
	targets := []Target{{Rel: newTestRel(t, 8100), Routine: broken}}
	dead := NewDeadTIDs()
	dead.Add(tidFor(1))

	_, err := Run(Config{Workers: 2}, targets, dead)
	if err == nil {
		t.Fatal("broken index vacuumed without error")
	}
	if !errors.Is(err, index.ErrIndexCorrupted) {
		t.Fatalf("wrapping lost the sentinel: %v", err)
	}
}

func TestRunAgainstRealIndexes(t *testing.T) {
	btRel := newTestRel(t, 8201)
	blRel := newTestRel(t, 8202)
	btRoutine := btree.Routine()
	blRoutine := bloom.Routine()

	if err := btRoutine.BuildEmpty(btRel); err != nil {
		t.Fatalf("failed to create b-tree: %v", err)
	}
	if err := blRoutine.BuildEmpty(blRel); err != nil {
		t.Fatalf("failed to create bloom index: %v", err)
	}
	const n = 1000
	for i := int64(0); i < n; i++ {
		if _, err := btRoutine.Insert(btRel, [][]byte{int64Key(i)}, tidFor(i), index.CheckNo, nil); err != nil {
			t.Fatalf("b-tree insert failed: %v", err)
		}
		if _, err := blRoutine.Insert(blRel, [][]byte{int64Key(i)}, tidFor(i), index.CheckNo, nil); err != nil {
			t.Fatalf("bloom insert failed: %v", err)
		}
	}

	dead := NewDeadTIDs()
	for i := int64(0); i < n; i += 2 {
		dead.Add(tidFor(i))
	}

	res, err := Run(Config{
		Workers:    2,
		OldestXID:  10,
		CurrentXID: 20,
		CostLimit:  64,
		CostDelay:  0,
	}, []Target{
		{Rel: btRel, Routine: btRoutine},
		{Rel: blRel, Routine: blRoutine},
	}, dead)
	if err != nil {
		t.Fatalf("vacuum run failed: %v", err)
	}
	for i, stats := range res.Stats {
		if stats == nil {
			t.Fatalf("index %d has no statistics", i)
		}
		if stats.TuplesRemoved != n/2 {
			t.Fatalf("index %d removed %d tuples, want %d", i, stats.TuplesRemoved, n/2)
		}
		if stats.NumIndexTuples != n/2 {
			t.Fatalf("index %d counts %d surviving tuples, want %d", i, stats.NumIndexTuples, n/2)
		}
	}
}
