package gin

import (
	"encoding/binary"
	"fmt"

	"indexstore/pkg/primitives"
	"indexstore/pkg/storage/page"
)

// Every GIN page carries a special area at the end:
//
//	8 bytes  deletion XID horizon once the page is marked deleted
//	4 bytes  right sibling block (InvalidBlockNumber on rightmost)
//	2 bytes  flag bits
//
// followed by the 2-byte access-method sentinel.
const (
	specialSize = 14 + page.SentinelSize

	offDeleteXID = 0
	offRightLink = 8
	offFlags     = 12
)

// Page flag bits.
const (
	// flagPending marks a page of the staging list hanging off the meta
	// page; its tuples have not been merged into the entry list yet.
	flagPending uint16 = 1 << iota
	flagDeleted
)

type gn struct {
	p page.Page
}

func initPage(p page.Page, flags uint16) gn {
	p.Init(specialSize, page.SentinelGIN)
	g := gn{p}
	g.setRightLink(primitives.InvalidBlockNumber)
	g.setFlags(flags)
	return g
}

// asGINPage verifies the sentinel before interpreting a page as GIN.
func asGINPage(p page.Page) (gn, error) {
	if p.Sentinel() != page.SentinelGIN {
		return gn{}, fmt.Errorf("expected GIN page, found sentinel %#x", p.Sentinel())
	}
	return gn{p}, nil
}

func (g gn) special() []byte { return g.p.Special() }

func (g gn) deleteXID() primitives.XID {
	return primitives.XID(binary.LittleEndian.Uint64(g.special()[offDeleteXID:]))
}

func (g gn) setDeleteXID(v primitives.XID) {
	binary.LittleEndian.PutUint64(g.special()[offDeleteXID:], uint64(v))
}

func (g gn) rightLink() primitives.BlockNumber {
	return primitives.BlockNumber(binary.LittleEndian.Uint32(g.special()[offRightLink:]))
}

func (g gn) setRightLink(v primitives.BlockNumber) {
	binary.LittleEndian.PutUint32(g.special()[offRightLink:], uint32(v))
}

func (g gn) flags() uint16 {
	return binary.LittleEndian.Uint16(g.special()[offFlags:])
}

func (g gn) setFlags(v uint16) {
	binary.LittleEndian.PutUint16(g.special()[offFlags:], v)
}

func (g gn) addFlag(f uint16) { g.setFlags(g.flags() | f) }

func (g gn) isPending() bool { return g.flags()&flagPending != 0 }
func (g gn) isDeleted() bool { return g.flags()&flagDeleted != 0 }

// Meta page layout (block 0), stored directly after the page header:
//
//	u32 magic, u32 version,
//	u32 pending list head block, u32 pending list tail block,
//	u32 pending page count, u64 pending tuple count
const (
	metaMagic   uint32 = 0x04916A
	metaVersion uint32 = 1

	metaOffMagic        = page.HeaderSize + 0
	metaOffVersion      = page.HeaderSize + 4
	metaOffPendingHead  = page.HeaderSize + 8
	metaOffPendingTail  = page.HeaderSize + 12
	metaOffPendingPages = page.HeaderSize + 16
	metaOffPendingCount = page.HeaderSize + 20
)

// MetaBlock is where the meta page always lives; EntryHeadBlock is the
// first page of the sorted entry list, created with the index.
const (
	MetaBlock      primitives.BlockNumber = 0
	EntryHeadBlock primitives.BlockNumber = 1
)

type meta struct {
	p page.Page
}

func initMetaPage(p page.Page) meta {
	p.Init(specialSize, page.SentinelGIN)
	m := meta{p}
	binary.LittleEndian.PutUint32(p[metaOffMagic:], metaMagic)
	binary.LittleEndian.PutUint32(p[metaOffVersion:], metaVersion)
	m.setPendingHead(primitives.InvalidBlockNumber)
	m.setPendingTail(primitives.InvalidBlockNumber)
	return m
}

func asMetaPage(p page.Page) (meta, error) {
	if p.Sentinel() != page.SentinelGIN {
		return meta{}, fmt.Errorf("expected GIN meta page, found sentinel %#x", p.Sentinel())
	}
	if got := binary.LittleEndian.Uint32(p[metaOffMagic:]); got != metaMagic {
		return meta{}, fmt.Errorf("bad GIN meta magic %#x", got)
	}
	return meta{p}, nil
}

func (m meta) pendingHead() primitives.BlockNumber {
	return primitives.BlockNumber(binary.LittleEndian.Uint32(m.p[metaOffPendingHead:]))
}

func (m meta) setPendingHead(v primitives.BlockNumber) {
	binary.LittleEndian.PutUint32(m.p[metaOffPendingHead:], uint32(v))
}

func (m meta) pendingTail() primitives.BlockNumber {
	return primitives.BlockNumber(binary.LittleEndian.Uint32(m.p[metaOffPendingTail:]))
}

func (m meta) setPendingTail(v primitives.BlockNumber) {
	binary.LittleEndian.PutUint32(m.p[metaOffPendingTail:], uint32(v))
}

func (m meta) pendingPages() uint32 {
	return binary.LittleEndian.Uint32(m.p[metaOffPendingPages:])
}

func (m meta) setPendingPages(v uint32) {
	binary.LittleEndian.PutUint32(m.p[metaOffPendingPages:], v)
}

func (m meta) pendingCount() uint64 {
	return binary.LittleEndian.Uint64(m.p[metaOffPendingCount:])
}

func (m meta) setPendingCount(v uint64) {
	binary.LittleEndian.PutUint64(m.p[metaOffPendingCount:], v)
}
