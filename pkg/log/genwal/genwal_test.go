package genwal

import (
	"bytes"
	"path/filepath"
	"testing"

	"indexstore/pkg/primitives"
	"indexstore/pkg/storage/buffer"
	"indexstore/pkg/storage/disk"
	"indexstore/pkg/storage/page"
)

const testRel primitives.RelID = 4001

type testEnv struct {
	dir     string
	walPath string
	pool    *buffer.Pool
	log     *Log
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	dm, err := disk.NewManager(filepath.Join(dir, "data"))
	if err != nil {
		t.Fatalf("failed to create disk manager: %v", err)
	}
	t.Cleanup(func() { dm.Close() })

	pool := buffer.NewPool(dm, buffer.PoolConfig{MaxBuffers: 64})
	walPath := filepath.Join(dir, "wal")
	log, err := Open(walPath)
	if err != nil {
		t.Fatalf("failed to open WAL: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	pool.SetWALFlusher(log.Force)
	return &testEnv{dir: dir, walPath: walPath, pool: pool, log: log}
}

func (e *testEnv) extendInitialized(t *testing.T) *buffer.Buffer {
	t.Helper()
	unlock := e.pool.RelationExtendLock(testRel)
	defer unlock()
	buf, err := e.pool.ExtendRelation(testRel, primitives.MainFork)
	if err != nil {
		t.Fatalf("failed to extend: %v", err)
	}
	return buf
}

func TestFinishStampsLSNAndDirties(t *testing.T) {
	e := newTestEnv(t)

	buf := e.extendInitialized(t)
	state := e.log.Begin(e.pool)
	p := state.Register(buf, false) // promoted to full image: page is new
	p.Init(page.SentinelSize, page.SentinelBTree)
	p[100] = 0x42

	lsn, err := state.Finish()
	if err != nil {
		t.Fatalf("finish failed: %v", err)
	}
	if lsn == primitives.InvalidLSN {
		t.Fatal("finish returned the invalid LSN")
	}
	if got := buf.Page().LSN(); got != lsn {
		t.Errorf("page LSN = %d, want %d", got, lsn)
	}
	if !buf.IsDirty() {
		t.Error("registered buffer not dirty after finish")
	}
	e.pool.UnlockReleaseBuffer(buf)
}

func TestAbortRestoresPages(t *testing.T) {
	e := newTestEnv(t)

	buf := e.extendInitialized(t)
	buf.Page().Init(page.SentinelSize, page.SentinelBTree)
	before := buf.Page().Clone()

	state := e.log.Begin(e.pool)
	p := state.Register(buf, false)
	p[200] = 0xFF
	p[300] = 0xEE
	state.Abort()

	if !bytes.Equal(buf.Page(), before) {
		t.Error("abort did not restore the registered page")
	}
	e.pool.UnlockReleaseBuffer(buf)
}

func TestUnregisterDropsBuffer(t *testing.T) {
	e := newTestEnv(t)

	keep := e.extendInitialized(t)
	drop := e.extendInitialized(t)
	dropBefore := drop.Page().Clone()

	state := e.log.Begin(e.pool)
	kp := state.Register(keep, false)
	dp := state.Register(drop, false)
	kp.Init(page.SentinelSize, page.SentinelGIN)
	dp[50] = 0x99
	state.Unregister(drop)

	if _, err := state.Finish(); err != nil {
		t.Fatalf("finish failed: %v", err)
	}
	if !bytes.Equal(drop.Page(), dropBefore) {
		t.Error("unregistered page was not restored")
	}
	if drop.Page().LSN() != primitives.InvalidLSN {
		t.Error("unregistered page got an LSN stamp")
	}
	e.pool.UnlockReleaseBuffer(keep)
	e.pool.UnlockReleaseBuffer(drop)
}

func TestCrashBeforeFinishLeavesOldContents(t *testing.T) {
	e := newTestEnv(t)

	// Durable baseline: one initialized page written through a finished
	// state and flushed.
	buf := e.extendInitialized(t)
	state := e.log.Begin(e.pool)
	p := state.Register(buf, true)
	p.Init(page.SentinelSize, page.SentinelBTree)
	p[100] = 1
	if _, err := state.Finish(); err != nil {
		t.Fatalf("baseline finish: %v", err)
	}
	e.pool.UnlockReleaseBuffer(buf)
	if err := e.pool.FlushAll(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	// Mutate under a state that never finishes; then "crash".
	buf2, err := e.pool.ReadBuffer(testRel, primitives.MainFork, 0, buffer.ReadNormal)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	e.pool.LockBuffer(buf2, buffer.Exclusive)
	state2 := e.log.Begin(e.pool)
	p2 := state2.Register(buf2, false)
	p2[100] = 2
	// No finish; the in-memory change is lost with the pool.
	state2.Abort()
	e.pool.UnlockReleaseBuffer(buf2)
	e.pool.InvalidateAll()

	if err := Replay(e.walPath, e.pool); err != nil {
		t.Fatalf("replay: %v", err)
	}
	got, err := e.pool.ReadBuffer(testRel, primitives.MainFork, 0, buffer.ReadNormal)
	if err != nil {
		t.Fatalf("read after replay: %v", err)
	}
	defer e.pool.ReleaseBuffer(got)
	if got.Page()[100] != 1 {
		t.Errorf("page byte = %d after crash, want pre-state value 1", got.Page()[100])
	}
}

func TestCrashAfterFinishReplaysToNewContents(t *testing.T) {
	e := newTestEnv(t)

	buf := e.extendInitialized(t)
	state := e.log.Begin(e.pool)
	p := state.Register(buf, true)
	p.Init(page.SentinelSize, page.SentinelBloom)
	p[100] = 7
	if _, err := state.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}
	e.pool.UnlockReleaseBuffer(buf)

	// Crash: the dirty page never reached the data file, but the record
	// is durable.
	e.pool.InvalidateAll()

	if err := Replay(e.walPath, e.pool); err != nil {
		t.Fatalf("replay: %v", err)
	}
	got, err := e.pool.ReadBuffer(testRel, primitives.MainFork, 0, buffer.ReadNormal)
	if err != nil {
		t.Fatalf("read after replay: %v", err)
	}
	defer e.pool.ReleaseBuffer(got)
	if got.Page()[100] != 7 {
		t.Errorf("page byte = %d after replay, want 7", got.Page()[100])
	}
	if got.Page().Sentinel() != page.SentinelBloom {
		t.Errorf("sentinel = %#x after replay", got.Page().Sentinel())
	}
}

func TestDeltaReplayIsIdempotent(t *testing.T) {
	e := newTestEnv(t)

	// Full image first, then a delta on top.
	buf := e.extendInitialized(t)
	state := e.log.Begin(e.pool)
	p := state.Register(buf, true)
	p.Init(page.SentinelSize, page.SentinelBTree)
	if _, err := state.Finish(); err != nil {
		t.Fatalf("first finish: %v", err)
	}

	state = e.log.Begin(e.pool)
	p = state.Register(buf, false)
	p[64] = 0xAA
	p[65] = 0xBB
	p[4000] = 0xCC
	if _, err := state.Finish(); err != nil {
		t.Fatalf("delta finish: %v", err)
	}
	e.pool.UnlockReleaseBuffer(buf)
	want := make([]byte, page.Size)
	{
		b, _ := e.pool.ReadBuffer(testRel, primitives.MainFork, 0, buffer.ReadNormal)
		copy(want, b.Page())
		e.pool.ReleaseBuffer(b)
	}

	e.pool.InvalidateAll()
	for i := 0; i < 3; i++ {
		if err := Replay(e.walPath, e.pool); err != nil {
			t.Fatalf("replay %d: %v", i, err)
		}
	}
	got, err := e.pool.ReadBuffer(testRel, primitives.MainFork, 0, buffer.ReadNormal)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	defer e.pool.ReleaseBuffer(got)
	if !bytes.Equal(got.Page(), page.Page(want)) {
		t.Error("triple replay diverged from single-application contents")
	}
}

func TestDiffPagesFindsFragments(t *testing.T) {
	before := page.New()
	after := before.Clone()
	after[10] = 1
	after[12] = 2  // merged with 10 (gap < fragmentGap)
	after[500] = 3 // separate fragment

	frags := diffPages(before, after)
	if len(frags) != 2 {
		t.Fatalf("fragment count = %d, want 2", len(frags))
	}
	if frags[0].Offset != 10 || len(frags[0].Data) != 3 {
		t.Errorf("fragment 0 = offset %d len %d", frags[0].Offset, len(frags[0].Data))
	}
	if frags[1].Offset != 500 || len(frags[1].Data) != 1 {
		t.Errorf("fragment 1 = offset %d len %d", frags[1].Offset, len(frags[1].Data))
	}
}
