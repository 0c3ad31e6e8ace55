package btree

import (
	"encoding/binary"
	"fmt"

	"indexstore/pkg/primitives"
	"indexstore/pkg/storage/page"
)

// Every B-tree page carries a special area at the end:
//
//	4 bytes  left sibling block (InvalidBlockNumber on leftmost)
//	4 bytes  right sibling block (InvalidBlockNumber on rightmost)
//	8 bytes  NSN: the split record's LSN while FollowRight is set, and
//	         the deletion XID horizon once the page is marked deleted
//	4 bytes  level (0 = leaf)
//	2 bytes  flag bits
//	2 bytes  vacuum cycle id
//
// followed by the 2-byte access-method sentinel.
const (
	specialSize = 24 + page.SentinelSize

	offLeftSib  = 0
	offRightSib = 4
	offNSN      = 8
	offLevel    = 16
	offFlags    = 20
	offCycleID  = 22
)

// Page flag bits.
const (
	flagLeaf uint16 = 1 << iota
	flagRoot
	flagDeleted
	flagHalfDead
	// flagFollowRight marks the left half of a split whose downlink has
	// not yet reached the parent; readers and inserters must finish or
	// follow the split before trusting the parent's view.
	flagFollowRight
	// flagSplitEnd marks the old right sibling of a page split during a
	// vacuum cycle, so vacuum can detect tuples that moved left past its
	// scan position.
	flagSplitEnd
)

// bt wraps a raw page with B-tree-specific accessors. The zero-cost
// conversion keeps call sites short: bt{p}.rightSib() etc.
type bt struct {
	p page.Page
}

func initPage(p page.Page, level uint32, leaf bool) bt {
	p.Init(specialSize, page.SentinelBTree)
	b := bt{p}
	b.setLeftSib(primitives.InvalidBlockNumber)
	b.setRightSib(primitives.InvalidBlockNumber)
	b.setLevel(level)
	flags := uint16(0)
	if leaf {
		flags |= flagLeaf
	}
	b.setFlags(flags)
	return b
}

// asBTPage verifies the sentinel before interpreting a page as B-tree.
func asBTPage(p page.Page) (bt, error) {
	if p.Sentinel() != page.SentinelBTree {
		return bt{}, fmt.Errorf("expected B-tree page, found sentinel %#x", p.Sentinel())
	}
	return bt{p}, nil
}

func (b bt) special() []byte { return b.p.Special() }

func (b bt) leftSib() primitives.BlockNumber {
	return primitives.BlockNumber(binary.LittleEndian.Uint32(b.special()[offLeftSib:]))
}

func (b bt) setLeftSib(v primitives.BlockNumber) {
	binary.LittleEndian.PutUint32(b.special()[offLeftSib:], uint32(v))
}

func (b bt) rightSib() primitives.BlockNumber {
	return primitives.BlockNumber(binary.LittleEndian.Uint32(b.special()[offRightSib:]))
}

func (b bt) setRightSib(v primitives.BlockNumber) {
	binary.LittleEndian.PutUint32(b.special()[offRightSib:], uint32(v))
}

func (b bt) nsn() primitives.LSN {
	return primitives.LSN(binary.LittleEndian.Uint64(b.special()[offNSN:]))
}

func (b bt) setNSN(v primitives.LSN) {
	binary.LittleEndian.PutUint64(b.special()[offNSN:], uint64(v))
}

// deleteXID shares storage with the NSN: a deleted page no longer splits.
func (b bt) deleteXID() primitives.XID {
	return primitives.XID(binary.LittleEndian.Uint64(b.special()[offNSN:]))
}

func (b bt) setDeleteXID(v primitives.XID) {
	binary.LittleEndian.PutUint64(b.special()[offNSN:], uint64(v))
}

func (b bt) level() uint32 {
	return binary.LittleEndian.Uint32(b.special()[offLevel:])
}

func (b bt) setLevel(v uint32) {
	binary.LittleEndian.PutUint32(b.special()[offLevel:], v)
}

func (b bt) flags() uint16 {
	return binary.LittleEndian.Uint16(b.special()[offFlags:])
}

func (b bt) setFlags(v uint16) {
	binary.LittleEndian.PutUint16(b.special()[offFlags:], v)
}

func (b bt) addFlag(f uint16)   { b.setFlags(b.flags() | f) }
func (b bt) clearFlag(f uint16) { b.setFlags(b.flags() &^ f) }

func (b bt) cycleID() primitives.CycleID {
	return primitives.CycleID(binary.LittleEndian.Uint16(b.special()[offCycleID:]))
}

func (b bt) setCycleID(v primitives.CycleID) {
	binary.LittleEndian.PutUint16(b.special()[offCycleID:], uint16(v))
}

func (b bt) isLeaf() bool        { return b.flags()&flagLeaf != 0 }
func (b bt) isRoot() bool        { return b.flags()&flagRoot != 0 }
func (b bt) isDeleted() bool     { return b.flags()&flagDeleted != 0 }
func (b bt) isHalfDead() bool    { return b.flags()&flagHalfDead != 0 }
func (b bt) followRight() bool   { return b.flags()&flagFollowRight != 0 }
func (b bt) isSplitEnd() bool    { return b.flags()&flagSplitEnd != 0 }
func (b bt) isRightmost() bool   { return !b.rightSib().IsValid() }
func (b bt) isLeftmost() bool    { return !b.leftSib().IsValid() }

// Non-rightmost pages bound their key space with a high key at offset 1;
// real items start after it.
func (b bt) firstDataOffset() primitives.OffsetNumber {
	if b.isRightmost() {
		return primitives.FirstOffsetNumber
	}
	return primitives.FirstOffsetNumber + 1
}

func (b bt) highKey() ([]byte, error) {
	if b.isRightmost() {
		return nil, nil
	}
	return b.p.GetItem(primitives.FirstOffsetNumber)
}

// Meta page layout (block 0), stored directly after the page header:
//
//	u32 magic, u32 version, u32 root block, u32 root level,
//	u32 fast-root block, u32 fast-root level,
//	u32 pages deleted but not yet recyclable at last cleanup
const (
	metaMagic   uint32 = 0x053162
	metaVersion uint32 = 1

	metaOffMagic       = page.HeaderSize + 0
	metaOffVersion     = page.HeaderSize + 4
	metaOffRoot        = page.HeaderSize + 8
	metaOffLevel       = page.HeaderSize + 12
	metaOffFastRoot    = page.HeaderSize + 16
	metaOffFastLevel   = page.HeaderSize + 20
	metaOffNumDelPages = page.HeaderSize + 24
)

// MetaBlock is where the meta page always lives.
const MetaBlock primitives.BlockNumber = 0

type meta struct {
	p page.Page
}

func initMetaPage(p page.Page) meta {
	p.Init(specialSize, page.SentinelBTree)
	m := meta{p}
	binary.LittleEndian.PutUint32(p[metaOffMagic:], metaMagic)
	binary.LittleEndian.PutUint32(p[metaOffVersion:], metaVersion)
	m.setRoot(primitives.InvalidBlockNumber, 0)
	m.setFastRoot(primitives.InvalidBlockNumber, 0)
	return m
}

func asMetaPage(p page.Page) (meta, error) {
	if p.Sentinel() != page.SentinelBTree {
		return meta{}, fmt.Errorf("expected B-tree meta page, found sentinel %#x", p.Sentinel())
	}
	if got := binary.LittleEndian.Uint32(p[metaOffMagic:]); got != metaMagic {
		return meta{}, fmt.Errorf("bad B-tree meta magic %#x", got)
	}
	return meta{p}, nil
}

func (m meta) root() (primitives.BlockNumber, uint32) {
	return primitives.BlockNumber(binary.LittleEndian.Uint32(m.p[metaOffRoot:])),
		binary.LittleEndian.Uint32(m.p[metaOffLevel:])
}

func (m meta) setRoot(block primitives.BlockNumber, level uint32) {
	binary.LittleEndian.PutUint32(m.p[metaOffRoot:], uint32(block))
	binary.LittleEndian.PutUint32(m.p[metaOffLevel:], level)
}

func (m meta) fastRoot() (primitives.BlockNumber, uint32) {
	return primitives.BlockNumber(binary.LittleEndian.Uint32(m.p[metaOffFastRoot:])),
		binary.LittleEndian.Uint32(m.p[metaOffFastLevel:])
}

func (m meta) setFastRoot(block primitives.BlockNumber, level uint32) {
	binary.LittleEndian.PutUint32(m.p[metaOffFastRoot:], uint32(block))
	binary.LittleEndian.PutUint32(m.p[metaOffFastLevel:], level)
}

func (m meta) numDelPages() uint32 {
	return binary.LittleEndian.Uint32(m.p[metaOffNumDelPages:])
}

func (m meta) setNumDelPages(v uint32) {
	binary.LittleEndian.PutUint32(m.p[metaOffNumDelPages:], v)
}
