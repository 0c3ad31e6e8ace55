package primitives

import (
	"encoding/binary"
	"fmt"
)

// ItemPointerSize is the on-disk size of an ItemPointer: a 4-byte block
// number followed by a 2-byte offset number.
const ItemPointerSize = 6

// ItemPointer identifies a row either in the heap (index leaf entries point
// at table rows) or in an index page (internal-page downlinks). The pair is
// (block number, 1-based offset); offset zero is invalid.
type ItemPointer struct {
	Block  BlockNumber
	Offset OffsetNumber
}

// NewItemPointer builds a pointer to (block, offset).
func NewItemPointer(block BlockNumber, offset OffsetNumber) ItemPointer {
	return ItemPointer{Block: block, Offset: offset}
}

// InvalidItemPointer is the unset row identifier.
var InvalidItemPointer = ItemPointer{Block: InvalidBlockNumber, Offset: InvalidOffsetNumber}

// IsValid reports whether both halves of the pointer are set.
func (ip ItemPointer) IsValid() bool {
	return ip.Block.IsValid() && ip.Offset.IsValid()
}

// Compare orders pointers by (block, offset). Returns -1, 0, or 1.
func (ip ItemPointer) Compare(other ItemPointer) int {
	if ip.Block != other.Block {
		if ip.Block < other.Block {
			return -1
		}
		return 1
	}
	if ip.Offset != other.Offset {
		if ip.Offset < other.Offset {
			return -1
		}
		return 1
	}
	return 0
}

// Equals reports whether two pointers identify the same row.
func (ip ItemPointer) Equals(other ItemPointer) bool {
	return ip.Block == other.Block && ip.Offset == other.Offset
}

// Encode writes the 6-byte on-disk form into dst, which must hold at least
// ItemPointerSize bytes.
func (ip ItemPointer) Encode(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:4], uint32(ip.Block))
	binary.LittleEndian.PutUint16(dst[4:6], uint16(ip.Offset))
}

// DecodeItemPointer reads the 6-byte on-disk form from src.
func DecodeItemPointer(src []byte) ItemPointer {
	return ItemPointer{
		Block:  BlockNumber(binary.LittleEndian.Uint32(src[0:4])),
		Offset: OffsetNumber(binary.LittleEndian.Uint16(src[4:6])),
	}
}

// String renders the pointer in the conventional "(block,offset)" form.
func (ip ItemPointer) String() string {
	return fmt.Sprintf("(%d,%d)", ip.Block, ip.Offset)
}
