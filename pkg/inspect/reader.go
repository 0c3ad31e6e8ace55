// Package inspect reads index relation files and renders what is on
// each page: the access method the sentinel names, the special-area
// flags, item counts, and raw item bytes. It is a diagnostic viewer; it
// never writes.
package inspect

import (
	"encoding/binary"
	"fmt"
	"strings"

	"indexstore/pkg/primitives"
	"indexstore/pkg/storage/buffer"
	"indexstore/pkg/storage/disk"
	"indexstore/pkg/storage/page"
)

// PageSummary is one row of the page listing.
type PageSummary struct {
	Block     primitives.BlockNumber
	Kind      string
	Flags     []string
	ItemCount int
	FreeSpace int
	LSN       primitives.LSN
}

// Item is one stored tuple, undecoded.
type Item struct {
	Off  primitives.OffsetNumber
	Dead bool
	Data []byte
}

// PageDetail adds the items to a summary.
type PageDetail struct {
	PageSummary
	Items []Item
}

// Reader opens a relation's main fork read-only through its own small
// buffer pool.
type Reader struct {
	dm   *disk.Manager
	pool *buffer.Pool
	rel  primitives.RelID
}

func Open(dataDir string, rel primitives.RelID) (*Reader, error) {
	dm, err := disk.NewManager(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open data directory: %v", err)
	}
	return &Reader{
		dm:   dm,
		pool: buffer.NewPool(dm, buffer.PoolConfig{MaxBuffers: 64}),
		rel:  rel,
	}, nil
}

func (r *Reader) Close() error {
	return r.dm.Close()
}

func (r *Reader) NumPages() (primitives.BlockNumber, error) {
	return r.pool.NumBlocks(r.rel, primitives.MainFork)
}

// Summaries lists every page of the relation in physical order.
func (r *Reader) Summaries() ([]PageSummary, error) {
	n, err := r.NumPages()
	if err != nil {
		return nil, err
	}
	out := make([]PageSummary, 0, n)
	for block := primitives.BlockNumber(0); block < n; block++ {
		d, err := r.Page(block)
		if err != nil {
			return nil, err
		}
		out = append(out, d.PageSummary)
	}
	return out, nil
}

// Page reads one block and decodes its header and items.
func (r *Reader) Page(block primitives.BlockNumber) (*PageDetail, error) {
	buf, err := r.pool.ReadBuffer(r.rel, primitives.MainFork, block, buffer.ReadNormal)
	if err != nil {
		return nil, fmt.Errorf("failed to read block %d: %v", block, err)
	}
	r.pool.LockBuffer(buf, buffer.Share)
	defer r.pool.UnlockReleaseBuffer(buf)

	p := buf.Page()
	d := &PageDetail{PageSummary: PageSummary{Block: block}}
	if p.IsNew() {
		d.Kind = "new"
		return d, nil
	}
	d.Kind, d.Flags = describeSpecial(p, block)
	d.ItemCount = p.ItemCount()
	d.FreeSpace = p.FreeSpace()
	d.LSN = p.LSN()

	d.Items = make([]Item, 0, d.ItemCount)
	for off := primitives.FirstOffsetNumber; off <= p.MaxOffset(); off++ {
		raw, err := p.GetItem(off)
		if err != nil {
			return nil, err
		}
		d.Items = append(d.Items, Item{
			Off:  off,
			Dead: p.ItemIsDead(off),
			Data: append([]byte(nil), raw...),
		})
	}
	return d, nil
}

// The special-area layouts below mirror the owning access methods; each
// documents its layout at the top of its page.go.

func describeSpecial(p page.Page, block primitives.BlockNumber) (string, []string) {
	sp := p.Special()
	switch p.Sentinel() {
	case page.SentinelBTree:
		flags := binary.LittleEndian.Uint16(sp[20:])
		level := binary.LittleEndian.Uint32(sp[16:])
		names := flagNames(flags, []string{"leaf", "root", "deleted", "half_dead", "follow_right", "split_end"})
		names = append(names, fmt.Sprintf("level=%d", level))
		return "btree", names
	case page.SentinelGiST:
		flags := binary.LittleEndian.Uint16(sp[12:])
		return "gist", flagNames(flags, []string{"leaf", "deleted", "follow_right"})
	case page.SentinelGIN:
		if block == 0 {
			return "gin", []string{"meta"}
		}
		flags := binary.LittleEndian.Uint16(sp[12:])
		return "gin", flagNames(flags, []string{"pending", "deleted"})
	case page.SentinelBloom:
		if block == 0 {
			return "bloom", []string{"meta"}
		}
		return "bloom", nil
	default:
		return fmt.Sprintf("unknown(%#x)", p.Sentinel()), nil
	}
}

func flagNames(flags uint16, names []string) []string {
	var out []string
	for i, name := range names {
		if flags&(1<<i) != 0 {
			out = append(out, name)
		}
	}
	return out
}

// HexDump renders item bytes the way od does: offset, hex pairs, ASCII.
func HexDump(data []byte) string {
	var b strings.Builder
	for base := 0; base < len(data); base += 16 {
		end := base + 16
		if end > len(data) {
			end = len(data)
		}
		chunk := data[base:end]
		fmt.Fprintf(&b, "%04x  ", base)
		for i := 0; i < 16; i++ {
			if i < len(chunk) {
				fmt.Fprintf(&b, "%02x ", chunk[i])
			} else {
				b.WriteString("   ")
			}
		}
		b.WriteString(" ")
		for _, c := range chunk {
			if c < 0x20 || c > 0x7e {
				b.WriteByte('.')
			} else {
				b.WriteByte(c)
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}
