package gin

import (
	"encoding/binary"
	"fmt"

	"indexstore/pkg/index"
	"indexstore/pkg/primitives"
	"indexstore/pkg/storage/page"
)

// Entry tuple layout (entry list pages):
//
//	u16 column, u16 keylen, key bytes,
//	u16 ntids, ntids x 6-byte TIDs (strictly ascending)
//
// Pending tuple layout (staging pages):
//
//	u16 column, u16 keylen, key bytes, 6-byte TID
type entryTuple struct {
	col  uint16
	key  []byte
	tids []primitives.ItemPointer
}

const maxTupleSize = (page.Size - page.HeaderSize - specialSize - 3*page.LinePointerSize) / 3

func (t *entryTuple) encode() []byte {
	out := make([]byte, 6+len(t.key)+primitives.ItemPointerSize*len(t.tids))
	binary.LittleEndian.PutUint16(out[0:], t.col)
	binary.LittleEndian.PutUint16(out[2:], uint16(len(t.key)))
	copy(out[4:], t.key)
	pos := 4 + len(t.key)
	binary.LittleEndian.PutUint16(out[pos:], uint16(len(t.tids)))
	pos += 2
	for _, tid := range t.tids {
		tid.Encode(out[pos:])
		pos += primitives.ItemPointerSize
	}
	return out
}

func decodeEntry(raw []byte) (*entryTuple, error) {
	if len(raw) < 6 {
		return nil, fmt.Errorf("gin entry too short: %d bytes", len(raw))
	}
	t := &entryTuple{col: binary.LittleEndian.Uint16(raw[0:])}
	klen := int(binary.LittleEndian.Uint16(raw[2:]))
	if 4+klen+2 > len(raw) {
		return nil, fmt.Errorf("gin entry truncated in key")
	}
	t.key = raw[4 : 4+klen]
	pos := 4 + klen
	ntids := int(binary.LittleEndian.Uint16(raw[pos:]))
	pos += 2
	if pos+ntids*primitives.ItemPointerSize > len(raw) {
		return nil, fmt.Errorf("gin entry truncated in posting list")
	}
	t.tids = make([]primitives.ItemPointer, ntids)
	for i := range t.tids {
		t.tids[i] = primitives.DecodeItemPointer(raw[pos:])
		pos += primitives.ItemPointerSize
	}
	return t, nil
}

func entryAt(g gn, off primitives.OffsetNumber) (*entryTuple, error) {
	raw, err := g.p.GetItem(off)
	if err != nil {
		return nil, err
	}
	return decodeEntry(raw)
}

// addTID inserts tid into the sorted posting list. Reports false when it
// is already present.
func (t *entryTuple) addTID(tid primitives.ItemPointer) bool {
	lo, hi := 0, len(t.tids)
	for lo < hi {
		mid := (lo + hi) / 2
		if t.tids[mid].Compare(tid) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(t.tids) && t.tids[lo].Equals(tid) {
		return false
	}
	t.tids = append(t.tids, primitives.ItemPointer{})
	copy(t.tids[lo+1:], t.tids[lo:])
	t.tids[lo] = tid
	return true
}

type pendingTuple struct {
	col uint16
	key []byte
	tid primitives.ItemPointer
}

func (t *pendingTuple) encode() []byte {
	out := make([]byte, 4+len(t.key)+primitives.ItemPointerSize)
	binary.LittleEndian.PutUint16(out[0:], t.col)
	binary.LittleEndian.PutUint16(out[2:], uint16(len(t.key)))
	copy(out[4:], t.key)
	t.tid.Encode(out[4+len(t.key):])
	return out
}

func decodePending(raw []byte) (*pendingTuple, error) {
	if len(raw) < 4+primitives.ItemPointerSize {
		return nil, fmt.Errorf("gin pending tuple too short: %d bytes", len(raw))
	}
	t := &pendingTuple{col: binary.LittleEndian.Uint16(raw[0:])}
	klen := int(binary.LittleEndian.Uint16(raw[2:]))
	if 4+klen+primitives.ItemPointerSize > len(raw) {
		return nil, fmt.Errorf("gin pending tuple truncated")
	}
	t.key = raw[4 : 4+klen]
	t.tid = primitives.DecodeItemPointer(raw[4+klen:])
	return t, nil
}

// compareEntryKey orders (column, key) pairs: column first, then the
// column's opclass comparison.
func compareEntryKey(rel *index.Rel, acol uint16, akey []byte, bcol uint16, bkey []byte) int {
	if acol != bcol {
		if acol < bcol {
			return -1
		}
		return 1
	}
	return rel.Opclasses[acol].Compare(akey, bkey)
}
