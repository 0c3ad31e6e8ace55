package btree

import (
	"encoding/binary"
	"fmt"
	"sort"

	"indexstore/pkg/index"
	"indexstore/pkg/primitives"
	"indexstore/pkg/storage/page"
)

// Index tuples are self-describing byte strings:
//
//	u16 flags     (posting / pivot bits)
//	u16 nkeys     (key columns present; truncated pivots carry fewer)
//	per key: u16 length, bytes
//	then, depending on flags:
//	  plain leaf tuple:  one 6-byte heap TID
//	  posting tuple:     u16 count, count 6-byte TIDs in ascending order
//	  pivot tuple:       u32 downlink block number
//
// Pivot tuples separate key space on internal pages and serve as high
// keys on all levels. Their "downlink" field is unused in high keys.
const (
	tupFlagPosting uint16 = 1 << 0
	tupFlagPivot   uint16 = 1 << 1

	// maxTupleSize caps a single tuple so at least three fit per page.
	maxTupleSize = (page.Size - page.HeaderSize - specialSize - 3*page.LinePointerSize) / 3

	// maxPostingTIDs bounds posting-list growth so deduplication never
	// produces a tuple near the page-fit limit.
	maxPostingTIDs = 256
)

type indexTuple struct {
	flags    uint16
	keys     [][]byte
	tids     []primitives.ItemPointer // 1 for plain, >=2 for posting
	downlink primitives.BlockNumber   // pivot only
}

func newLeafTuple(keys [][]byte, tid primitives.ItemPointer) *indexTuple {
	return &indexTuple{keys: keys, tids: []primitives.ItemPointer{tid}}
}

func newPivotTuple(keys [][]byte, downlink primitives.BlockNumber) *indexTuple {
	return &indexTuple{flags: tupFlagPivot, keys: keys, downlink: downlink}
}

func (t *indexTuple) isPosting() bool { return t.flags&tupFlagPosting != 0 }
func (t *indexTuple) isPivot() bool   { return t.flags&tupFlagPivot != 0 }

// firstTID is the tie-break TID: the smallest for posting tuples.
func (t *indexTuple) firstTID() primitives.ItemPointer {
	return t.tids[0]
}

func (t *indexTuple) encodedSize() int {
	n := 4
	for _, k := range t.keys {
		n += 2 + len(k)
	}
	switch {
	case t.isPivot():
		n += 4
	case t.isPosting():
		n += 2 + len(t.tids)*primitives.ItemPointerSize
	default:
		n += primitives.ItemPointerSize
	}
	return n
}

func (t *indexTuple) encode() []byte {
	buf := make([]byte, 0, t.encodedSize())
	var scratch [8]byte
	binary.LittleEndian.PutUint16(scratch[0:], t.flags)
	binary.LittleEndian.PutUint16(scratch[2:], uint16(len(t.keys)))
	buf = append(buf, scratch[:4]...)
	for _, k := range t.keys {
		binary.LittleEndian.PutUint16(scratch[0:], uint16(len(k)))
		buf = append(buf, scratch[:2]...)
		buf = append(buf, k...)
	}
	switch {
	case t.isPivot():
		binary.LittleEndian.PutUint32(scratch[0:], uint32(t.downlink))
		buf = append(buf, scratch[:4]...)
	case t.isPosting():
		binary.LittleEndian.PutUint16(scratch[0:], uint16(len(t.tids)))
		buf = append(buf, scratch[:2]...)
		var tp [primitives.ItemPointerSize]byte
		for _, tid := range t.tids {
			tid.Encode(tp[:])
			buf = append(buf, tp[:]...)
		}
	default:
		var tp [primitives.ItemPointerSize]byte
		t.tids[0].Encode(tp[:])
		buf = append(buf, tp[:]...)
	}
	return buf
}

func decodeTuple(data []byte) (*indexTuple, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("index tuple too short: %d bytes", len(data))
	}
	t := &indexTuple{flags: binary.LittleEndian.Uint16(data[0:])}
	nkeys := int(binary.LittleEndian.Uint16(data[2:]))
	pos := 4
	t.keys = make([][]byte, nkeys)
	for i := 0; i < nkeys; i++ {
		if pos+2 > len(data) {
			return nil, fmt.Errorf("truncated index tuple key header")
		}
		klen := int(binary.LittleEndian.Uint16(data[pos:]))
		pos += 2
		if pos+klen > len(data) {
			return nil, fmt.Errorf("truncated index tuple key")
		}
		t.keys[i] = data[pos : pos+klen]
		pos += klen
	}
	switch {
	case t.isPivot():
		if pos+4 > len(data) {
			return nil, fmt.Errorf("truncated pivot downlink")
		}
		t.downlink = primitives.BlockNumber(binary.LittleEndian.Uint32(data[pos:]))
	case t.isPosting():
		if pos+2 > len(data) {
			return nil, fmt.Errorf("truncated posting count")
		}
		n := int(binary.LittleEndian.Uint16(data[pos:]))
		pos += 2
		if pos+n*primitives.ItemPointerSize > len(data) {
			return nil, fmt.Errorf("truncated posting list")
		}
		t.tids = make([]primitives.ItemPointer, n)
		for i := range t.tids {
			t.tids[i] = primitives.DecodeItemPointer(data[pos:])
			pos += primitives.ItemPointerSize
		}
	default:
		if pos+primitives.ItemPointerSize > len(data) {
			return nil, fmt.Errorf("truncated heap pointer")
		}
		t.tids = []primitives.ItemPointer{primitives.DecodeItemPointer(data[pos:])}
	}
	return t, nil
}

func tupleAt(b bt, off primitives.OffsetNumber) (*indexTuple, error) {
	item, err := b.p.GetItem(off)
	if err != nil {
		return nil, err
	}
	return decodeTuple(item)
}

// toPivot strips a tuple down to a separator: keys only, downlink set
// by the caller. High keys keep an invalid downlink.
func (t *indexTuple) toPivot(downlink primitives.BlockNumber) *indexTuple {
	return &indexTuple{flags: tupFlagPivot, keys: t.keys, downlink: downlink}
}

// addPostingTID merges a TID into an existing posting or plain tuple,
// keeping the list sorted. Returns nil if the tuple is at capacity.
func (t *indexTuple) addPostingTID(tid primitives.ItemPointer) *indexTuple {
	if len(t.tids) >= maxPostingTIDs {
		return nil
	}
	merged := make([]primitives.ItemPointer, 0, len(t.tids)+1)
	merged = append(merged, t.tids...)
	merged = append(merged, tid)
	sort.Slice(merged, func(i, j int) bool { return merged[i].Compare(merged[j]) < 0 })
	out := &indexTuple{flags: t.flags | tupFlagPosting, keys: t.keys, tids: merged}
	if out.encodedSize() > maxTupleSize {
		return nil
	}
	return out
}

// removePostingTIDs drops every TID the callback reports dead. The
// second return is the number removed; a nil tuple with n > 0 means
// the whole tuple died.
func (t *indexTuple) removePostingTIDs(dead index.DeadCallback) (*indexTuple, int64) {
	kept := t.tids[:0:0]
	for _, tid := range t.tids {
		if !dead(tid) {
			kept = append(kept, tid)
		}
	}
	removed := int64(len(t.tids) - len(kept))
	if removed == 0 {
		return t, 0
	}
	if len(kept) == 0 {
		return nil, removed
	}
	out := &indexTuple{keys: t.keys, tids: kept}
	if len(kept) > 1 {
		out.flags = tupFlagPosting
	}
	return out, removed
}

// compareKeys orders a tuple against a probe key vector using the
// relation's opclasses. A shorter probe (fewer columns) compares equal
// on the missing columns, which is what prefix descent needs.
func compareKeys(rel *index.Rel, tupleKeys [][]byte, probe [][]byte) int {
	n := len(probe)
	if len(tupleKeys) < n {
		n = len(tupleKeys)
	}
	for i := 0; i < n; i++ {
		if c := rel.Opclasses[i].Compare(tupleKeys[i], probe[i]); c != 0 {
			return c
		}
	}
	if len(tupleKeys) < len(probe) && len(tupleKeys) < len(rel.Opclasses) {
		// Truncated pivot sorts before any tuple with the same prefix.
		return -1
	}
	return 0
}
