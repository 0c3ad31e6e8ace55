package gist

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"indexstore/pkg/index"
	"indexstore/pkg/primitives"
	"indexstore/pkg/storage/page"
)

// Tuple flag bits.
const (
	// tupFlagInternal marks a downlink tuple; its pointer names a child
	// block instead of a heap row.
	tupFlagInternal uint16 = 1 << iota
)

// On-disk tuple layout:
//
//	u16 flags, u16 nkeys,
//	nkeys x { u16 keylen, key bytes },
//	6-byte heap TID (leaf) or u32 child block (internal)
type indexTuple struct {
	flags    uint16
	keys     [][]byte
	tid      primitives.ItemPointer
	downlink primitives.BlockNumber
}

// maxTupleSize keeps at least three tuples per page so that picksplit
// always has something to partition.
const maxTupleSize = (page.Size - page.HeaderSize - specialSize - 3*page.LinePointerSize) / 3

func newLeafTuple(keys [][]byte, tid primitives.ItemPointer) *indexTuple {
	return &indexTuple{keys: keys, tid: tid}
}

func newDownlinkTuple(keys [][]byte, child primitives.BlockNumber) *indexTuple {
	return &indexTuple{flags: tupFlagInternal, keys: keys, downlink: child}
}

func (t *indexTuple) isInternal() bool { return t.flags&tupFlagInternal != 0 }

func (t *indexTuple) encode() []byte {
	size := 4
	for _, k := range t.keys {
		size += 2 + len(k)
	}
	if t.isInternal() {
		size += 4
	} else {
		size += primitives.ItemPointerSize
	}
	out := make([]byte, size)
	binary.LittleEndian.PutUint16(out[0:], t.flags)
	binary.LittleEndian.PutUint16(out[2:], uint16(len(t.keys)))
	pos := 4
	for _, k := range t.keys {
		binary.LittleEndian.PutUint16(out[pos:], uint16(len(k)))
		pos += 2
		copy(out[pos:], k)
		pos += len(k)
	}
	if t.isInternal() {
		binary.LittleEndian.PutUint32(out[pos:], uint32(t.downlink))
	} else {
		t.tid.Encode(out[pos:])
	}
	return out
}

func decodeTuple(raw []byte) (*indexTuple, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("gist tuple too short: %d bytes", len(raw))
	}
	t := &indexTuple{flags: binary.LittleEndian.Uint16(raw[0:])}
	nkeys := int(binary.LittleEndian.Uint16(raw[2:]))
	pos := 4
	t.keys = make([][]byte, nkeys)
	for i := 0; i < nkeys; i++ {
		if pos+2 > len(raw) {
			return nil, fmt.Errorf("gist tuple truncated in key %d", i)
		}
		klen := int(binary.LittleEndian.Uint16(raw[pos:]))
		pos += 2
		if pos+klen > len(raw) {
			return nil, fmt.Errorf("gist tuple truncated in key %d", i)
		}
		t.keys[i] = raw[pos : pos+klen]
		pos += klen
	}
	if t.isInternal() {
		if pos+4 > len(raw) {
			return nil, fmt.Errorf("gist tuple truncated before downlink")
		}
		t.downlink = primitives.BlockNumber(binary.LittleEndian.Uint32(raw[pos:]))
	} else {
		if pos+primitives.ItemPointerSize > len(raw) {
			return nil, fmt.Errorf("gist tuple truncated before TID")
		}
		t.tid = primitives.DecodeItemPointer(raw[pos:])
	}
	return t, nil
}

func tupleAt(g gp, off primitives.OffsetNumber) (*indexTuple, error) {
	raw, err := g.p.GetItem(off)
	if err != nil {
		return nil, err
	}
	return decodeTuple(raw)
}

// unionKeys folds tuples column by column through the opclass union.
// Returns nil when the page holds nothing to fold.
func unionKeys(rel *index.Rel, tuples []*indexTuple) [][]byte {
	if len(tuples) == 0 {
		return nil
	}
	out := make([][]byte, len(rel.Opclasses))
	for col := range out {
		u := tuples[0].keys[col]
		for _, t := range tuples[1:] {
			u = rel.Opclasses[col].Union(u, t.keys[col])
		}
		out[col] = u
	}
	return out
}

// adjustKeys widens existing so it also covers addition. The second
// result is false when existing already covers it and no page update is
// needed.
func adjustKeys(rel *index.Rel, existing, addition [][]byte) ([][]byte, bool) {
	out := make([][]byte, len(existing))
	changed := false
	for col := range existing {
		u := rel.Opclasses[col].Union(existing[col], addition[col])
		out[col] = u
		if !bytes.Equal(u, existing[col]) {
			changed = true
		}
	}
	return out, changed
}

// penalty sums the per-column widening cost of pushing addition under
// key. Descent picks the child with the minimum.
func penalty(rel *index.Rel, key, addition [][]byte) float64 {
	var sum float64
	for col := range key {
		sum += rel.Opclasses[col].Penalty(key[col], addition[col])
	}
	return sum
}
