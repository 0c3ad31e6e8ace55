// Package bloom implements a signature-file index. Every tuple is a
// fixed-width bloom filter over all indexed columns of one heap row;
// equality scans build a query filter the same way and keep the rows
// whose stored filter covers it. There is no tree: scans read the whole
// index in physical order, trading scan cost for an index that handles
// equality on any column subset at a few bytes per row.
package bloom

import (
	"fmt"
	"strconv"
	"strings"

	"indexstore/pkg/index"
	"indexstore/pkg/primitives"
	"indexstore/pkg/storage/buffer"
)

const (
	// maxSignatureBits bounds the length reloption.
	maxSignatureBits = 4096
	// defaultSignatureBits is five words.
	defaultSignatureBits = 320
	defaultColumnBits    = 2
)

// Options are the per-index settings accepted at creation time. Lengths
// are in bits; the signature is rounded up to whole 64-bit words.
type Options struct {
	// Length is the signature size in bits.
	Length int
	// ColumnBits holds the bits lit per column; missing or zero entries
	// fall back to the default.
	ColumnBits []int
}

func parseOptions(raw map[string]string) (any, error) {
	o := &Options{Length: defaultSignatureBits}
	for k, v := range raw {
		switch {
		case k == "length":
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("failed to parse length %q: %v", v, err)
			}
			if n < 1 || n > maxSignatureBits {
				return nil, fmt.Errorf("length %d out of range 1..%d", n, maxSignatureBits)
			}
			o.Length = n
		case strings.HasPrefix(k, "col"):
			col, err := strconv.Atoi(k[3:])
			if err != nil || col < 1 || col > maxColumns {
				return nil, fmt.Errorf("unknown bloom option %q", k)
			}
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("failed to parse %s %q: %v", k, v, err)
			}
			if n < 1 {
				return nil, fmt.Errorf("%s must be at least 1", k)
			}
			for len(o.ColumnBits) < col {
				o.ColumnBits = append(o.ColumnBits, 0)
			}
			o.ColumnBits[col-1] = n
		default:
			return nil, fmt.Errorf("unknown bloom option %q", k)
		}
	}
	for _, n := range o.ColumnBits {
		if n >= o.Length {
			return nil, fmt.Errorf("column bits %d must be below length %d", n, o.Length)
		}
	}
	return o, nil
}

// Routine returns the bloom capability record. Like gin it produces
// bitmaps only, and every match is provisional until the caller rechecks
// the heap row.
func Routine() *index.Routine {
	return &index.Routine{
		Name: "bloom",

		Strategies:       1,
		SupportProcs:     1,
		CanMulticol:      true,
		OptionalFirstKey: true,
		ParallelVacuumOpts: index.ParallelBulkDelete |
			index.ParallelCondCleanup,

		Build:         build,
		BuildEmpty:    buildEmpty,
		Insert:        insertTuple,
		BulkDelete:    bulkDelete,
		VacuumCleanup: vacuumCleanup,
		BeginScan:     beginScan,
		Rescan:        rescan,
		GetBitmap:     getBitmap,
		EndScan:       endScan,
		CostEstimate:  costEstimate,
		Options:       parseOptions,
	}
}

// buildEmpty writes the meta page, freezing the signature geometry.
func buildEmpty(rel *index.Rel) error {
	if len(rel.Opclasses) > maxColumns {
		return fmt.Errorf("bloom supports at most %d columns, got %d", maxColumns, len(rel.Opclasses))
	}
	opts := options(rel)
	words := (opts.Length + 63) / 64
	bits := make([]uint16, len(rel.Opclasses))
	for i := range bits {
		bits[i] = defaultColumnBits
		if i < len(opts.ColumnBits) && opts.ColumnBits[i] > 0 {
			bits[i] = uint16(opts.ColumnBits[i])
		}
	}

	unlock := rel.Pool.RelationExtendLock(rel.ID)
	defer unlock()
	n, err := rel.Pool.NumBlocks(rel.ID, primitives.MainFork)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("index %d is not empty: %d blocks", rel.ID, n)
	}
	mbuf, err := rel.Pool.ExtendRelation(rel.ID, primitives.MainFork)
	if err != nil {
		return err
	}
	st := rel.Log.Begin(rel.Pool)
	mp := st.Register(mbuf, true)
	initMetaPage(mp, words, bits)
	if _, err := st.Finish(); err != nil {
		st.Abort()
		rel.Pool.UnlockReleaseBuffer(mbuf)
		return err
	}
	rel.Pool.UnlockReleaseBuffer(mbuf)
	return nil
}

func build(rel *index.Rel, rows func() (keys [][]byte, tid primitives.ItemPointer, ok bool)) error {
	if err := buildEmpty(rel); err != nil {
		return err
	}
	for {
		keys, tid, ok := rows()
		if !ok {
			return nil
		}
		if err := rel.CheckForInterrupts(); err != nil {
			return err
		}
		if _, err := insertTuple(rel, keys, tid, index.CheckNo, nil); err != nil {
			return err
		}
	}
}

// costEstimate reflects that every scan reads the whole index; keys
// narrow the recheck set, not the pages touched.
func costEstimate(rel *index.Rel, nkeys int) float64 {
	n, err := rel.Pool.NumBlocks(rel.ID, primitives.MainFork)
	if err != nil {
		return 1e6
	}
	return float64(n) + 1
}

func options(rel *index.Rel) Options {
	if o, ok := rel.Options.(*Options); ok && o != nil {
		return *o
	}
	return Options{Length: defaultSignatureBits}
}

func lockMeta(rel *index.Rel, mode buffer.LockMode) (*buffer.Buffer, meta, error) {
	mbuf, err := rel.Pool.ReadBuffer(rel.ID, primitives.MainFork, MetaBlock, buffer.ReadNormal)
	if err != nil {
		return nil, meta{}, err
	}
	rel.Pool.LockBuffer(mbuf, mode)
	m, err := asMetaPage(mbuf.Page())
	if err != nil {
		rel.Pool.UnlockReleaseBuffer(mbuf)
		return nil, meta{}, err
	}
	return mbuf, m, nil
}

// rowSignature folds every column of one row into a single filter.
func rowSignature(rel *index.Rel, m meta, keys [][]byte) (signature, error) {
	if len(keys) != m.numCols() {
		return nil, fmt.Errorf("got %d key columns, index has %d", len(keys), m.numCols())
	}
	s := newSignature(m.sigWords())
	for col, key := range keys {
		s.addColumn(rel, m, col, key)
	}
	return s, nil
}
