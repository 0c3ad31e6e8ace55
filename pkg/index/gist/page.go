package gist

import (
	"encoding/binary"
	"fmt"

	"indexstore/pkg/primitives"
	"indexstore/pkg/storage/page"
)

// Every GiST page carries a special area at the end:
//
//	8 bytes  NSN: the split record's LSN while FollowRight is set, and
//	         the deletion XID horizon once the page is marked deleted
//	4 bytes  right sibling block (InvalidBlockNumber on rightmost)
//	2 bytes  flag bits
//
// followed by the 2-byte access-method sentinel.
const (
	specialSize = 14 + page.SentinelSize

	offNSN       = 0
	offRightLink = 8
	offFlags     = 12
)

// Page flag bits.
const (
	flagLeaf uint16 = 1 << iota
	flagDeleted
	// flagFollowRight marks the left half of a split whose downlink has
	// not yet reached the parent; descents must finish the split before
	// trusting the parent's view of this subtree.
	flagFollowRight
)

// RootBlock never moves: a root split rewrites block 0 in place with
// downlinks to two freshly allocated halves.
const RootBlock primitives.BlockNumber = 0

// gp wraps a raw page with GiST-specific accessors.
type gp struct {
	p page.Page
}

func initPage(p page.Page, leaf bool) gp {
	p.Init(specialSize, page.SentinelGiST)
	g := gp{p}
	g.setRightLink(primitives.InvalidBlockNumber)
	if leaf {
		g.setFlags(flagLeaf)
	}
	return g
}

// asGiSTPage verifies the sentinel before interpreting a page as GiST.
func asGiSTPage(p page.Page) (gp, error) {
	if p.Sentinel() != page.SentinelGiST {
		return gp{}, fmt.Errorf("expected GiST page, found sentinel %#x", p.Sentinel())
	}
	return gp{p}, nil
}

func (g gp) special() []byte { return g.p.Special() }

func (g gp) nsn() primitives.LSN {
	return primitives.LSN(binary.LittleEndian.Uint64(g.special()[offNSN:]))
}

func (g gp) setNSN(v primitives.LSN) {
	binary.LittleEndian.PutUint64(g.special()[offNSN:], uint64(v))
}

// deleteXID shares storage with the NSN: a deleted page no longer splits.
func (g gp) deleteXID() primitives.XID {
	return primitives.XID(binary.LittleEndian.Uint64(g.special()[offNSN:]))
}

func (g gp) setDeleteXID(v primitives.XID) {
	binary.LittleEndian.PutUint64(g.special()[offNSN:], uint64(v))
}

func (g gp) rightLink() primitives.BlockNumber {
	return primitives.BlockNumber(binary.LittleEndian.Uint32(g.special()[offRightLink:]))
}

func (g gp) setRightLink(v primitives.BlockNumber) {
	binary.LittleEndian.PutUint32(g.special()[offRightLink:], uint32(v))
}

func (g gp) flags() uint16 {
	return binary.LittleEndian.Uint16(g.special()[offFlags:])
}

func (g gp) setFlags(v uint16) {
	binary.LittleEndian.PutUint16(g.special()[offFlags:], v)
}

func (g gp) addFlag(f uint16)   { g.setFlags(g.flags() | f) }
func (g gp) clearFlag(f uint16) { g.setFlags(g.flags() &^ f) }

func (g gp) isLeaf() bool      { return g.flags()&flagLeaf != 0 }
func (g gp) isDeleted() bool   { return g.flags()&flagDeleted != 0 }
func (g gp) followRight() bool { return g.flags()&flagFollowRight != 0 }
