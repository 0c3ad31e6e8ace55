package page

import (
	"encoding/binary"
	"fmt"

	"indexstore/pkg/primitives"
)

const (
	// Size is the size of each page in bytes, fixed at build time.
	// Every file of every fork is a whole number of pages.
	Size = 8192

	// HeaderSize is the fixed page header:
	//   8 bytes  LSN of the last WAL record touching this page
	//   2 bytes  checksum (zero when checksums are off)
	//   2 bytes  flag bits
	//   2 bytes  lower: end of the line-pointer array
	//   2 bytes  upper: start of item bodies
	//   2 bytes  special: start of the access-method special area
	//   2 bytes  page size and layout version
	//   4 bytes  oldest unpruned XID (unused by index pages, kept zero)
	HeaderSize = 24

	// LinePointerSize is the size of one entry in the item-pointer array.
	LinePointerSize = 4

	// SentinelSize is the 2-byte access-method tag at the very end of every
	// page, so external diagnostic tools can identify the index type.
	SentinelSize = 2

	layoutVersion = 4
)

// Access-method sentinels, stored in the last two bytes of each page.
const (
	SentinelGIN   uint16 = 0xFF80
	SentinelGiST  uint16 = 0xFF81
	SentinelBTree uint16 = 0xFF82
	SentinelBloom uint16 = 0xFF83
)

// Line-pointer states. Dead pointers keep their slot (so sibling offsets
// stay stable) but their storage has been or can be reclaimed.
const (
	LPUnused byte = 0
	LPNormal byte = 1
	LPDead   byte = 3
)

// Header byte offsets.
const (
	offLSN     = 0
	offChecksum = 8
	offFlags   = 10
	offLower   = 12
	offUpper   = 14
	offSpecial = 16
	offVersion = 18
	offPruneXID = 20
)

// Page is a raw BLCKSZ-byte page image. The layout is a header, an
// item-pointer array growing upward from the header, item bodies growing
// downward from the special area, and a fixed special area at the very end
// whose size and interpretation are access-method specific.
//
// Content may only be mutated while the owning buffer is exclusive-locked;
// reads require at least a shared lock. The buffer layer enforces this.
type Page []byte

// New allocates a zeroed page image. A zeroed page is "new": not yet
// initialized by any access method.
func New() Page {
	return make(Page, Size)
}

// Init formats the page with an empty item array and a special area of the
// given size (which must include SentinelSize bytes for the trailing tag).
func (p Page) Init(specialSize int, sentinel uint16) {
	if specialSize < SentinelSize || specialSize > Size-HeaderSize {
		panic(fmt.Sprintf("invalid special area size %d", specialSize))
	}
	for i := range p {
		p[i] = 0
	}
	special := Size - specialSize
	p.setLower(HeaderSize)
	p.setUpper(uint16(special))
	binary.LittleEndian.PutUint16(p[offSpecial:], uint16(special))
	binary.LittleEndian.PutUint16(p[offVersion:], uint16(Size)|layoutVersion)
	binary.LittleEndian.PutUint16(p[Size-SentinelSize:], sentinel)
}

// IsNew reports whether the page has never been initialized. Newly extended
// blocks read back as all zeroes; upper is never zero on a formatted page.
func (p Page) IsNew() bool {
	return p.upper() == 0
}

// LSN returns the log position of the last WAL record that changed the page.
func (p Page) LSN() primitives.LSN {
	return primitives.LSN(binary.LittleEndian.Uint64(p[offLSN:]))
}

// SetLSN stamps the page with a WAL position. Only the generic WAL layer
// and replay should call this.
func (p Page) SetLSN(lsn primitives.LSN) {
	binary.LittleEndian.PutUint64(p[offLSN:], uint64(lsn))
}

// Sentinel returns the 2-byte access-method tag at the end of the page.
func (p Page) Sentinel() uint16 {
	return binary.LittleEndian.Uint16(p[Size-SentinelSize:])
}

// Special returns the access-method special area, excluding the sentinel.
func (p Page) Special() []byte {
	return p[p.specialOffset() : Size-SentinelSize]
}

// SpecialSize returns the size of the special area including the sentinel.
func (p Page) SpecialSize() int {
	return Size - int(p.specialOffset())
}

func (p Page) lower() uint16  { return binary.LittleEndian.Uint16(p[offLower:]) }
func (p Page) upper() uint16  { return binary.LittleEndian.Uint16(p[offUpper:]) }
func (p Page) specialOffset() uint16 {
	return binary.LittleEndian.Uint16(p[offSpecial:])
}

func (p Page) setLower(v uint16) { binary.LittleEndian.PutUint16(p[offLower:], v) }
func (p Page) setUpper(v uint16) { binary.LittleEndian.PutUint16(p[offUpper:], v) }

// ItemCount returns the number of line pointers on the page, including
// dead and unused ones.
func (p Page) ItemCount() int {
	if p.IsNew() {
		return 0
	}
	return (int(p.lower()) - HeaderSize) / LinePointerSize
}

// MaxOffset returns the highest valid offset number, or
// InvalidOffsetNumber on an empty page.
func (p Page) MaxOffset() primitives.OffsetNumber {
	return primitives.OffsetNumber(p.ItemCount())
}

// FreeSpace returns the bytes available for one more item plus its line
// pointer. Zero if the page cannot take another pointer.
func (p Page) FreeSpace() int {
	space := int(p.upper()) - int(p.lower()) - LinePointerSize
	if space < 0 {
		return 0
	}
	return space
}

func (p Page) linePointer(off primitives.OffsetNumber) uint32 {
	pos := HeaderSize + (int(off)-1)*LinePointerSize
	return binary.LittleEndian.Uint32(p[pos:])
}

func (p Page) setLinePointer(off primitives.OffsetNumber, lp uint32) {
	pos := HeaderSize + (int(off)-1)*LinePointerSize
	binary.LittleEndian.PutUint32(p[pos:], lp)
}

// Line pointers pack (offset:15, flags:2, length:15) into 32 bits.
func packLinePointer(itemOff int, flags byte, length int) uint32 {
	return uint32(itemOff) | uint32(flags)<<15 | uint32(length)<<17
}

func unpackLinePointer(lp uint32) (itemOff int, flags byte, length int) {
	return int(lp & 0x7FFF), byte(lp >> 15 & 0x3), int(lp >> 17 & 0x7FFF)
}

// GetItem returns the body of the item at the given 1-based offset.
// The returned slice aliases the page; callers must hold the content lock
// for as long as they read it.
func (p Page) GetItem(off primitives.OffsetNumber) ([]byte, error) {
	if !off.IsValid() || int(off) > p.ItemCount() {
		return nil, fmt.Errorf("offset %d out of range (page has %d items)", off, p.ItemCount())
	}
	itemOff, flags, length := unpackLinePointer(p.linePointer(off))
	if flags == LPUnused {
		return nil, fmt.Errorf("offset %d is unused", off)
	}
	return p[itemOff : itemOff+length], nil
}

// ItemIsDead reports whether the item's line pointer carries the dead flag.
func (p Page) ItemIsDead(off primitives.OffsetNumber) bool {
	_, flags, _ := unpackLinePointer(p.linePointer(off))
	return flags == LPDead
}

// MarkItemDead flags the item's line pointer dead without reclaiming its
// storage. A future vacuum pass skips re-examining dead items.
func (p Page) MarkItemDead(off primitives.OffsetNumber) {
	itemOff, _, length := unpackLinePointer(p.linePointer(off))
	p.setLinePointer(off, packLinePointer(itemOff, LPDead, length))
}

// AddItem stores item on the page. If off is InvalidOffsetNumber the item
// is appended after the current last item; otherwise existing line pointers
// at and after off are shifted right. Returns the offset the item landed at.
func (p Page) AddItem(item []byte, off primitives.OffsetNumber) (primitives.OffsetNumber, error) {
	n := p.ItemCount()
	if off == primitives.InvalidOffsetNumber {
		off = primitives.OffsetNumber(n + 1)
	}
	if int(off) > n+1 {
		return 0, fmt.Errorf("offset %d beyond end of page (%d items)", off, n)
	}

	lower := int(p.lower())
	upper := int(p.upper())
	need := len(item) + LinePointerSize
	if upper-lower < need {
		return 0, fmt.Errorf("page full: %d bytes free, %d needed", upper-lower, need)
	}

	// Shift the tail of the pointer array right to open the slot.
	if int(off) <= n {
		start := HeaderSize + (int(off)-1)*LinePointerSize
		end := HeaderSize + n*LinePointerSize
		copy(p[start+LinePointerSize:end+LinePointerSize], p[start:end])
	}

	newUpper := upper - len(item)
	copy(p[newUpper:upper], item)
	p.setLinePointer(off, packLinePointer(newUpper, LPNormal, len(item)))
	p.setLower(uint16(lower + LinePointerSize))
	p.setUpper(uint16(newUpper))
	return off, nil
}

// OverwriteItem replaces the item at off with a new body, which may differ
// in length. The item keeps its offset number; storage is compacted.
func (p Page) OverwriteItem(off primitives.OffsetNumber, item []byte) error {
	if !off.IsValid() || int(off) > p.ItemCount() {
		return fmt.Errorf("offset %d out of range", off)
	}
	_, _, oldLen := unpackLinePointer(p.linePointer(off))
	if len(item) > oldLen && p.FreeSpace()+oldLen+LinePointerSize < len(item) {
		return fmt.Errorf("page full: cannot grow item at %d from %d to %d bytes", off, oldLen, len(item))
	}
	if len(item) == oldLen {
		itemOff, _, _ := unpackLinePointer(p.linePointer(off))
		copy(p[itemOff:itemOff+oldLen], item)
		return nil
	}
	// Different size: rewrite the page body keeping all offsets stable.
	p.deleteStorage(off)
	upper := int(p.upper()) - len(item)
	copy(p[upper:upper+len(item)], item)
	p.setLinePointer(off, packLinePointer(upper, LPNormal, len(item)))
	p.setUpper(uint16(upper))
	return nil
}

// DeleteItems removes the items at the given offsets, compacting both the
// line-pointer array and item storage. Offsets of surviving items shift
// down, exactly as a vacuum pass expects.
func (p Page) DeleteItems(offsets []primitives.OffsetNumber) {
	if len(offsets) == 0 {
		return
	}
	doomed := make(map[primitives.OffsetNumber]bool, len(offsets))
	for _, off := range offsets {
		doomed[off] = true
	}

	type survivor struct {
		body  []byte
		flags byte
	}
	n := p.ItemCount()
	kept := make([]survivor, 0, n)
	for off := primitives.FirstOffsetNumber; int(off) <= n; off++ {
		if doomed[off] {
			continue
		}
		itemOff, flags, length := unpackLinePointer(p.linePointer(off))
		body := make([]byte, length)
		copy(body, p[itemOff:itemOff+length])
		kept = append(kept, survivor{body: body, flags: flags})
	}

	special := p.specialOffset()
	lower := HeaderSize
	upper := int(special)
	for i := HeaderSize; i < upper; i++ {
		p[i] = 0
	}
	for i, s := range kept {
		upper -= len(s.body)
		copy(p[upper:], s.body)
		p.setLinePointer(primitives.OffsetNumber(i+1), packLinePointer(upper, s.flags, len(s.body)))
		lower += LinePointerSize
	}
	p.setLower(uint16(lower))
	p.setUpper(uint16(upper))
}

// deleteStorage reclaims the body of one item, shifting other bodies to
// close the hole, without disturbing offset numbers.
func (p Page) deleteStorage(off primitives.OffsetNumber) {
	itemOff, _, length := unpackLinePointer(p.linePointer(off))
	upper := int(p.upper())

	// Slide everything between upper and the doomed item up by its length.
	copy(p[upper+length:itemOff+length], p[upper:itemOff])
	for i := upper; i < upper+length; i++ {
		p[i] = 0
	}

	// Fix pointers of items whose bodies moved.
	n := p.ItemCount()
	for o := primitives.FirstOffsetNumber; int(o) <= n; o++ {
		if o == off {
			continue
		}
		io, fl, ln := unpackLinePointer(p.linePointer(o))
		if fl != LPUnused && io < itemOff {
			p.setLinePointer(o, packLinePointer(io+length, fl, ln))
		}
	}
	p.setUpper(uint16(upper + length))
}

// Clone returns an independent copy of the page image.
func (p Page) Clone() Page {
	c := make(Page, Size)
	copy(c, p)
	return c
}
