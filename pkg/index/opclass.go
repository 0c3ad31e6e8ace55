package index

import (
	"bytes"
	"encoding/binary"
)

// Opclass is the typed capability table through which the engine invokes
// per-column operator-class behavior. The engine never interprets key
// bytes itself; everything it needs is a callback here. Callbacks an
// access method does not use may be nil: B-tree only calls Compare,
// GiST needs the union family, hashing methods need Hash.
type Opclass struct {
	Name string

	// Compare orders two keys: negative, zero, positive.
	Compare func(a, b []byte) int

	// Hash maps a key to a 64-bit hash. Used by Bloom and GIN.
	Hash func(key []byte) uint64

	// Union returns a key covering both inputs (GiST).
	Union func(a, b []byte) []byte

	// Penalty estimates the cost of widening key a to also cover b;
	// insertion descends toward the minimum (GiST).
	Penalty func(a, b []byte) float64

	// Consistent reports whether a subtree under key could contain
	// matches for the scan key under the given strategy (GiST).
	Consistent func(key []byte, strategy Strategy, query []byte, leaf bool) bool

	// PickSplit partitions entries of an overflowing page into two
	// groups, returning the index set of the left group (GiST).
	PickSplit func(keys [][]byte) []int
}

// Int64Opclass orders 8-byte little-endian signed integers. It doubles as
// a GiST opclass over [min,max] interval keys (16 bytes) where leaf keys
// are single values encoded as degenerate intervals.
func Int64Opclass() *Opclass {
	decode := func(b []byte) int64 {
		return int64(binary.LittleEndian.Uint64(b))
	}
	interval := func(b []byte) (lo, hi int64) {
		lo = decode(b[:8])
		hi = lo
		if len(b) >= 16 {
			hi = decode(b[8:16])
		}
		return lo, hi
	}
	encodeInterval := func(lo, hi int64) []byte {
		out := make([]byte, 16)
		binary.LittleEndian.PutUint64(out[:8], uint64(lo))
		binary.LittleEndian.PutUint64(out[8:], uint64(hi))
		return out
	}

	return &Opclass{
		Name: "int64_ops",
		Compare: func(a, b []byte) int {
			av, bv := decode(a), decode(b)
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			default:
				return 0
			}
		},
		Hash: hashBytes,
		Union: func(a, b []byte) []byte {
			alo, ahi := interval(a)
			blo, bhi := interval(b)
			if blo < alo {
				alo = blo
			}
			if bhi > ahi {
				ahi = bhi
			}
			return encodeInterval(alo, ahi)
		},
		Penalty: func(a, b []byte) float64 {
			alo, ahi := interval(a)
			blo, bhi := interval(b)
			lo, hi := alo, ahi
			if blo < lo {
				lo = blo
			}
			if bhi > hi {
				hi = bhi
			}
			return float64(hi-lo) - float64(ahi-alo)
		},
		Consistent: func(key []byte, strategy Strategy, query []byte, leaf bool) bool {
			lo, hi := interval(key)
			q := decode(query)
			switch strategy {
			case Less:
				return lo < q
			case LessEqual:
				return lo <= q
			case Equal:
				return lo <= q && q <= hi
			case GreaterEqual:
				return hi >= q
			case Greater:
				return hi > q
			default:
				return true
			}
		},
		PickSplit: pickSplitByCompare(func(a, b []byte) int {
			alo, _ := interval(a)
			blo, _ := interval(b)
			switch {
			case alo < blo:
				return -1
			case alo > blo:
				return 1
			default:
				return 0
			}
		}),
	}
}

// BytesOpclass orders raw byte strings lexicographically.
func BytesOpclass() *Opclass {
	return &Opclass{
		Name:    "bytes_ops",
		Compare: bytes.Compare,
		Hash:    hashBytes,
		Union: func(a, b []byte) []byte {
			// Common-prefix union: enough discrimination for a tree of
			// byte strings.
			n := min(len(a), len(b))
			i := 0
			for i < n && a[i] == b[i] {
				i++
			}
			out := make([]byte, i)
			copy(out, a[:i])
			return out
		},
		Penalty: func(a, b []byte) float64 {
			n := min(len(a), len(b))
			i := 0
			for i < n && a[i] == b[i] {
				i++
			}
			return float64(len(a) - i)
		},
		Consistent: func(key []byte, strategy Strategy, query []byte, leaf bool) bool {
			if leaf {
				switch strategy {
				case Less:
					return bytes.Compare(key, query) < 0
				case LessEqual:
					return bytes.Compare(key, query) <= 0
				case Equal:
					return bytes.Equal(key, query)
				case GreaterEqual:
					return bytes.Compare(key, query) >= 0
				case Greater:
					return bytes.Compare(key, query) > 0
				}
				return true
			}
			// Internal keys are common prefixes: anything could match
			// unless the prefix already disagrees with an equality probe.
			if strategy == Equal {
				return bytes.HasPrefix(query, key) || len(key) == 0
			}
			return true
		},
		PickSplit: pickSplitByCompare(bytes.Compare),
	}
}

// pickSplitByCompare sorts entries by the comparator and assigns the lower
// half to the left group.
func pickSplitByCompare(cmp func(a, b []byte) int) func([][]byte) []int {
	return func(keys [][]byte) []int {
		order := make([]int, len(keys))
		for i := range order {
			order[i] = i
		}
		// Insertion sort: picksplit inputs are one page's worth.
		for i := 1; i < len(order); i++ {
			for j := i; j > 0 && cmp(keys[order[j]], keys[order[j-1]]) < 0; j-- {
				order[j], order[j-1] = order[j-1], order[j]
			}
		}
		left := make([]int, len(order)/2)
		copy(left, order[:len(order)/2])
		return left
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
