package inspect

import (
	"encoding/binary"
	"path/filepath"
	"strings"
	"testing"

	"indexstore/pkg/index"
	"indexstore/pkg/index/btree"
	"indexstore/pkg/log/genwal"
	"indexstore/pkg/primitives"
	"indexstore/pkg/storage/buffer"
	"indexstore/pkg/storage/disk"
	"indexstore/pkg/storage/fsm"
)

const testRelID primitives.RelID = 7005

// buildIndex creates a small b-tree on disk and flushes it so a second
// reader sees the real file contents.
func buildIndex(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")
	dm, err := disk.NewManager(dataDir)
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
	r := btree.Routine()
	if err := r.BuildEmpty(rel); err != nil {
		t.Fatalf("failed to create index: %v", err)
	}
	for i := int64(0); i < 500; i++ {
		key := make([]byte, 8)
		binary.LittleEndian.PutUint64(key, uint64(i))
		tid := primitives.NewItemPointer(primitives.BlockNumber(i/100), primitives.OffsetNumber(i%100+1))
		if _, err := r.Insert(rel, [][]byte{key}, tid, index.CheckNo, nil); err != nil {
			t.Fatalf("failed to insert %d: %v", i, err)
		}
	}
	if err := pool.FlushAll(); err != nil {
		t.Fatalf("failed to flush pool: %v", err)
	}
	return dataDir
}

func TestReaderListsBTreePages(t *testing.T) {
	dataDir := buildIndex(t)
	reader, err := Open(dataDir, testRelID)
	if err != nil {
		t.Fatalf("failed to open reader: %v", err)
	}
	defer reader.Close()

	pages, err := reader.Summaries()
	if err != nil {
		t.Fatalf("failed to list pages: %v", err)
	}
	if len(pages) < 2 {
		t.Fatalf("500 keys produced %d pages, expected splits", len(pages))
	}
	sawLeaf := false
	for _, p := range pages {
		if p.Kind != "btree" {
			t.Fatalf("block %d classified as %q", p.Block, p.Kind)
		}
		for _, f := range p.Flags {
			if f == "leaf" {
				sawLeaf = true
			}
		}
	}
	if !sawLeaf {
		t.Fatal("no page carries the leaf flag")
	}
}

func TestReaderPageDetail(t *testing.T) {
	dataDir := buildIndex(t)
	reader, err := Open(dataDir, testRelID)
	if err != nil {
		t.Fatalf("failed to open reader: %v", err)
	}
	defer reader.Close()

	d, err := reader.Page(0)
	if err != nil {
		t.Fatalf("failed to read page 0: %v", err)
	}
	if len(d.Items) != d.ItemCount {
		t.Fatalf("detail holds %d items, header says %d", len(d.Items), d.ItemCount)
	}
	if d.ItemCount == 0 {
		t.Fatal("page 0 reports no items")
	}
	for _, it := range d.Items {
		if len(it.Data) == 0 {
			t.Fatalf("item %d is empty", it.Off)
		}
	}
}

func TestHexDump(t *testing.T) {
	out := HexDump([]byte("hello, page"))
	if !strings.HasPrefix(out, "0000  68 65 6c 6c 6f ") {
		t.Fatalf("unexpected dump prefix: %q", out)
	}
	if !strings.Contains(out, "hello, page") {
		t.Fatalf("ASCII column missing: %q", out)
	}
	if HexDump(nil) != "" {
		t.Fatal("empty input should produce empty dump")
	}
}

func TestFlagNames(t *testing.T) {
	got := flagNames(0b101, []string{"leaf", "root", "deleted"})
	if len(got) != 2 || got[0] != "leaf" || got[1] != "deleted" {
		t.Fatalf("flagNames returned %v", got)
	}
}
