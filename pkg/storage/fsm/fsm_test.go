package fsm

import (
	"testing"

	"indexstore/pkg/primitives"
	"indexstore/pkg/storage/buffer"
	"indexstore/pkg/storage/disk"
	"indexstore/pkg/storage/page"
)

const testRel primitives.RelID = 9001

func newTestFSM(t *testing.T) (*buffer.Pool, *FSM) {
	t.Helper()
	dm, err := disk.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create disk manager: %v", err)
	}
	t.Cleanup(func() { dm.Close() })
	pool := buffer.NewPool(dm, buffer.PoolConfig{MaxBuffers: 64})
	return pool, New(pool, testRel)
}

func TestEmptyMapHasNoFreePages(t *testing.T) {
	_, f := newTestFSM(t)

	block, err := f.GetFreePage()
	if err != nil {
		t.Fatalf("GetFreePage: %v", err)
	}
	if block.IsValid() {
		t.Errorf("empty map returned block %d", block)
	}
}

func TestRecordAndGetRoundTrip(t *testing.T) {
	_, f := newTestFSM(t)

	// Invariant 5: record_free_page(b) then get_free_page returns b
	// when nothing intervenes.
	tests := []primitives.BlockNumber{0, 1, 50, LeavesPerPage - 1, LeavesPerPage + 3}
	for _, want := range tests {
		if err := f.RecordFreePage(want); err != nil {
			t.Fatalf("RecordFreePage(%d): %v", want, err)
		}
		got, err := f.GetFreePage()
		if err != nil {
			t.Fatalf("GetFreePage: %v", err)
		}
		if got != want {
			t.Errorf("round trip: got %d, want %d", got, want)
		}
		// Side effect: the block is now used.
		again, err := f.GetFreePage()
		if err != nil {
			t.Fatalf("GetFreePage: %v", err)
		}
		if again.IsValid() {
			t.Errorf("block %d handed out twice (second: %d)", want, again)
		}
	}
}

func TestRecordUsedPageClears(t *testing.T) {
	_, f := newTestFSM(t)

	if err := f.RecordFreePage(7); err != nil {
		t.Fatalf("RecordFreePage: %v", err)
	}
	if err := f.RecordUsedPage(7); err != nil {
		t.Fatalf("RecordUsedPage: %v", err)
	}
	block, err := f.GetFreePage()
	if err != nil {
		t.Fatalf("GetFreePage: %v", err)
	}
	if block.IsValid() {
		t.Errorf("re-used block still reported free: %d", block)
	}
}

func TestVacuumRepairsSummaries(t *testing.T) {
	pool, f := newTestFSM(t)

	if err := f.RecordFreePage(100); err != nil {
		t.Fatalf("RecordFreePage: %v", err)
	}

	// Corrupt the root summary, simulating a torn update.
	buf, err := pool.ReadBuffer(testRel, primitives.FSMFork, 0, buffer.ReadNormal)
	if err != nil {
		t.Fatalf("read FSM page: %v", err)
	}
	pool.LockBuffer(buf, buffer.Exclusive)
	buf.Page()[page.HeaderSize] = 0
	pool.MarkDirty(buf)
	pool.UnlockReleaseBuffer(buf)

	got, err := f.GetFreePage()
	if err != nil {
		t.Fatalf("GetFreePage: %v", err)
	}
	if got.IsValid() {
		t.Fatalf("summary corruption should hide the free page, got %d", got)
	}

	if err := f.Vacuum(); err != nil {
		t.Fatalf("Vacuum: %v", err)
	}
	got, err = f.GetFreePage()
	if err != nil {
		t.Fatalf("GetFreePage after vacuum: %v", err)
	}
	if got != 100 {
		t.Errorf("vacuum did not restore block 100, got %d", got)
	}
}

func TestAllocPageFallsBackToExtension(t *testing.T) {
	pool, f := newTestFSM(t)

	buf, err := AllocPage(pool, f, testRel, nil)
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	if buf.Block() != 0 {
		t.Errorf("first allocation extended to block %d, want 0", buf.Block())
	}
	if !buf.Page().IsNew() {
		t.Error("extended page should be all-zero")
	}
	pool.UnlockReleaseBuffer(buf)
}

func TestAllocPagePrefersRecycled(t *testing.T) {
	pool, f := newTestFSM(t)

	// Create two blocks, mark block 0 deleted-and-free.
	for i := 0; i < 2; i++ {
		buf, err := AllocPage(pool, f, testRel, nil)
		if err != nil {
			t.Fatalf("setup AllocPage: %v", err)
		}
		buf.Page().Init(page.SentinelSize, page.SentinelBTree)
		pool.MarkDirty(buf)
		pool.UnlockReleaseBuffer(buf)
	}
	if err := f.RecordFreePage(0); err != nil {
		t.Fatalf("RecordFreePage: %v", err)
	}

	deletedOK := func(p page.Page) bool { return p.Sentinel() == page.SentinelBTree }
	buf, err := AllocPage(pool, f, testRel, deletedOK)
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	if buf.Block() != 0 {
		t.Errorf("allocation ignored recycled block 0, got %d", buf.Block())
	}
	pool.UnlockReleaseBuffer(buf)
}

func TestAllocPageSkipsNonRecyclable(t *testing.T) {
	pool, f := newTestFSM(t)

	buf, err := AllocPage(pool, f, testRel, nil)
	if err != nil {
		t.Fatalf("setup AllocPage: %v", err)
	}
	buf.Page().Init(page.SentinelSize, page.SentinelBTree)
	pool.MarkDirty(buf)
	pool.UnlockReleaseBuffer(buf)

	// The FSM claims block 0 is free, but the access method disagrees.
	if err := f.RecordFreePage(0); err != nil {
		t.Fatalf("RecordFreePage: %v", err)
	}
	never := func(p page.Page) bool { return false }
	got, err := AllocPage(pool, f, testRel, never)
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	if got.Block() != 1 {
		t.Errorf("expected extension to block 1, got %d", got.Block())
	}
	pool.UnlockReleaseBuffer(got)
}
