package bloom

import (
	"encoding/binary"
	"fmt"

	"indexstore/pkg/primitives"
	"indexstore/pkg/storage/page"
)

// Data pages carry nothing beyond the access-method sentinel; every
// tuple is self-describing once the meta page fixes the signature width.
const specialSize = page.SentinelSize

func initDataPage(p page.Page) {
	p.Init(specialSize, page.SentinelBloom)
}

// asBloomPage verifies the sentinel before interpreting a page.
func asBloomPage(p page.Page) (page.Page, error) {
	if p.Sentinel() != page.SentinelBloom {
		return nil, fmt.Errorf("expected bloom page, found sentinel %#x", p.Sentinel())
	}
	return p, nil
}

// Meta page layout (block 0), stored directly after the page header:
//
//	u32 magic, u16 version,
//	u16 signature words, u16 column count,
//	u16 bit count per column (maxColumns slots),
//	u16 ring start, u16 ring length,
//	u32 block number per ring slot (ringSlots slots)
//
// The ring remembers recently seen pages with room for another tuple.
// It is a hint: a listed page may have filled up since, and pages can
// fall out when the ring wraps. Scans never consult it.
const (
	metaMagic   uint32 = 0xB100F1
	metaVersion uint16 = 1

	// maxColumns bounds the indexed columns so the meta layout is fixed.
	maxColumns = 32
	ringSlots  = 128

	metaOffMagic     = page.HeaderSize + 0
	metaOffVersion   = page.HeaderSize + 4
	metaOffSigWords  = page.HeaderSize + 6
	metaOffNumCols   = page.HeaderSize + 8
	metaOffBits      = page.HeaderSize + 10
	metaOffRingStart = metaOffBits + 2*maxColumns
	metaOffRingLen   = metaOffRingStart + 2
	metaOffRing      = metaOffRingLen + 2
)

// MetaBlock is where the meta page always lives.
const MetaBlock primitives.BlockNumber = 0

type meta struct {
	p page.Page
}

func initMetaPage(p page.Page, sigWords int, bits []uint16) meta {
	p.Init(specialSize, page.SentinelBloom)
	m := meta{p}
	binary.LittleEndian.PutUint32(p[metaOffMagic:], metaMagic)
	binary.LittleEndian.PutUint16(p[metaOffVersion:], metaVersion)
	binary.LittleEndian.PutUint16(p[metaOffSigWords:], uint16(sigWords))
	binary.LittleEndian.PutUint16(p[metaOffNumCols:], uint16(len(bits)))
	for i, b := range bits {
		binary.LittleEndian.PutUint16(p[metaOffBits+2*i:], b)
	}
	return m
}

func asMetaPage(p page.Page) (meta, error) {
	if p.Sentinel() != page.SentinelBloom {
		return meta{}, fmt.Errorf("expected bloom meta page, found sentinel %#x", p.Sentinel())
	}
	if got := binary.LittleEndian.Uint32(p[metaOffMagic:]); got != metaMagic {
		return meta{}, fmt.Errorf("bad bloom meta magic %#x", got)
	}
	return meta{p}, nil
}

func (m meta) sigWords() int { return int(binary.LittleEndian.Uint16(m.p[metaOffSigWords:])) }
func (m meta) numCols() int  { return int(binary.LittleEndian.Uint16(m.p[metaOffNumCols:])) }

func (m meta) colBits(col int) int {
	return int(binary.LittleEndian.Uint16(m.p[metaOffBits+2*col:]))
}

func (m meta) ringStart() int { return int(binary.LittleEndian.Uint16(m.p[metaOffRingStart:])) }
func (m meta) ringLen() int   { return int(binary.LittleEndian.Uint16(m.p[metaOffRingLen:])) }

func (m meta) setRingStart(v int) { binary.LittleEndian.PutUint16(m.p[metaOffRingStart:], uint16(v)) }
func (m meta) setRingLen(v int)   { binary.LittleEndian.PutUint16(m.p[metaOffRingLen:], uint16(v)) }

func (m meta) ringSlot(i int) primitives.BlockNumber {
	return primitives.BlockNumber(binary.LittleEndian.Uint32(m.p[metaOffRing+4*i:]))
}

func (m meta) setRingSlot(i int, b primitives.BlockNumber) {
	binary.LittleEndian.PutUint32(m.p[metaOffRing+4*i:], uint32(b))
}

// ringFirst returns the oldest remembered page, or InvalidBlockNumber on
// an empty ring.
func (m meta) ringFirst() primitives.BlockNumber {
	if m.ringLen() == 0 {
		return primitives.InvalidBlockNumber
	}
	return m.ringSlot(m.ringStart())
}

// ringPopFirst drops the oldest entry.
func (m meta) ringPopFirst() {
	m.setRingStart((m.ringStart() + 1) % ringSlots)
	m.setRingLen(m.ringLen() - 1)
}

// ringPush appends a page, evicting the oldest entry on overflow.
func (m meta) ringPush(b primitives.BlockNumber) {
	if m.ringLen() == ringSlots {
		m.ringPopFirst()
	}
	m.setRingSlot((m.ringStart()+m.ringLen())%ringSlots, b)
	m.setRingLen(m.ringLen() + 1)
}

// ringReset replaces the ring contents wholesale; vacuum rebuilds it
// from what the physical scan observed.
func (m meta) ringReset(blocks []primitives.BlockNumber) {
	if len(blocks) > ringSlots {
		blocks = blocks[:ringSlots]
	}
	m.setRingStart(0)
	m.setRingLen(len(blocks))
	for i, b := range blocks {
		m.setRingSlot(i, b)
	}
}
