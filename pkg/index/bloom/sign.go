package bloom

import (
	"encoding/binary"

	"indexstore/pkg/index"
	"indexstore/pkg/primitives"
)

// signature is a fixed-width bit array. An index tuple stores one plus
// the heap TID; a scan builds one from its equality keys and keeps every
// tuple whose signature covers it. The filter is lossy: the caller must
// recheck survivors against the heap row.
type signature []uint64

func newSignature(words int) signature {
	return make(signature, words)
}

func (s signature) setBit(pos int) {
	s[pos/64] |= 1 << (pos % 64)
}

// covers reports whether every bit of q is also set in s.
func (s signature) covers(q signature) bool {
	for i := range s {
		if s[i]&q[i] != q[i] {
			return false
		}
	}
	return true
}

func (s signature) encode(dst []byte) {
	for i, w := range s {
		binary.LittleEndian.PutUint64(dst[8*i:], w)
	}
}

func decodeSignature(src []byte, words int) signature {
	s := make(signature, words)
	for i := range s {
		s[i] = binary.LittleEndian.Uint64(src[8*i:])
	}
	return s
}

// signGen is the minimal-standard Lehmer generator. Each (column, value)
// pair seeds its own stream, so equal values in different columns light
// up unrelated bit sets.
type signGen struct {
	x uint64
}

const (
	lehmerMultiplier = 16807
	lehmerModulus    = 2147483647
)

func newSignGen(hash uint64, col int) *signGen {
	seed := hash ^ (uint64(col)+1)*0x9E3779B97F4A7C15
	return &signGen{x: seed%(lehmerModulus-1) + 1}
}

func (g *signGen) next() uint64 {
	g.x = g.x * lehmerMultiplier % lehmerModulus
	return g.x
}

// addColumn lights the column's configured number of bits for one value.
func (s signature) addColumn(rel *index.Rel, m meta, col int, value []byte) {
	bits := len(s) * 64
	gen := newSignGen(rel.Opclasses[col].Hash(value), col)
	for i := 0; i < m.colBits(col); i++ {
		s.setBit(int(gen.next() % uint64(bits)))
	}
}

// Tuple layout: 6-byte TID followed by the signature words.

func tupleSize(words int) int {
	return primitives.ItemPointerSize + 8*words
}

func encodeTuple(tid primitives.ItemPointer, s signature) []byte {
	out := make([]byte, tupleSize(len(s)))
	tid.Encode(out)
	s.encode(out[primitives.ItemPointerSize:])
	return out
}

func decodeTupleTID(raw []byte) primitives.ItemPointer {
	return primitives.DecodeItemPointer(raw)
}

func decodeTupleSignature(raw []byte, words int) signature {
	return decodeSignature(raw[primitives.ItemPointerSize:], words)
}
