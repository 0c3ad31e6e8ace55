package gist

import (
	"fmt"

	"indexstore/pkg/index"
	"indexstore/pkg/primitives"
	"indexstore/pkg/storage/buffer"
)

// searchItem is one pending page on the scan's depth-first stack,
// remembering the LSN its parent had when the downlink was collected.
type searchItem struct {
	block     primitives.BlockNumber
	parentLSN primitives.LSN
}

type match struct {
	tid  primitives.ItemPointer
	keys [][]byte
}

type scanState struct {
	stack        []searchItem
	matches      []match
	idx          int
	started      bool
	matchNothing bool
}

func beginScan(rel *index.Rel, nkeys, norderbys int) (*index.ScanDesc, error) {
	if norderbys != 0 {
		return nil, fmt.Errorf("gist does not support ordered-by-operator scans")
	}
	return &index.ScanDesc{
		Rel:    rel,
		Keys:   make([]index.ScanKey, 0, nkeys),
		Opaque: &scanState{},
	}, nil
}

func rescan(scan *index.ScanDesc, keys []index.ScanKey) error {
	s := scan.Opaque.(*scanState)
	scan.Keys = append(scan.Keys[:0], keys...)
	*s = scanState{}
	for _, k := range scan.Keys {
		if k.Column < 0 || k.Column >= len(scan.Rel.Opclasses) {
			return fmt.Errorf("scan key column %d out of range", k.Column)
		}
		if k.Flags&index.SearchArray != 0 {
			return fmt.Errorf("gist does not support array scan keys")
		}
		// Stored tuples have no null representation.
		if k.Flags&index.SearchNull != 0 {
			s.matchNothing = true
		}
	}
	return nil
}

func endScan(scan *index.ScanDesc) {
	s := scan.Opaque.(*scanState)
	s.stack = nil
	s.matches = nil
}

// getTuple pops pages off the stack depth first, collecting every
// consistent leaf entry, until one can be returned. GiST imposes no key
// order, so only forward direction is meaningful.
func getTuple(scan *index.ScanDesc, dir index.ScanDirection) (*index.TupleHit, error) {
	if dir != index.Forward {
		return nil, fmt.Errorf("gist scans run forward only")
	}
	s := scan.Opaque.(*scanState)
	if s.matchNothing {
		return nil, nil
	}
	if !s.started {
		s.started = true
		s.stack = append(s.stack, searchItem{block: RootBlock})
	}
	for {
		if s.idx < len(s.matches) {
			m := s.matches[s.idx]
			s.idx++
			hit := &index.TupleHit{TID: m.tid}
			if scan.WantIndexTuple {
				hit.Keys = m.keys
			}
			return hit, nil
		}
		if len(s.stack) == 0 {
			return nil, nil
		}
		item := s.stack[len(s.stack)-1]
		s.stack = s.stack[:len(s.stack)-1]
		if err := visitPage(scan, s, item); err != nil {
			return nil, err
		}
	}
}

// visitPage reads one page, prunes its entries through the consistent
// callback, and pushes children (or collects heap pointers). A page
// split after its parent was read is chased through the right link.
func visitPage(scan *index.ScanDesc, s *scanState, item searchItem) error {
	rel := scan.Rel
	if err := rel.CheckForInterrupts(); err != nil {
		return err
	}
	s.matches = s.matches[:0]
	s.idx = 0

	buf, err := rel.Pool.ReadBuffer(rel.ID, primitives.MainFork, item.block, buffer.ReadNormal)
	if err != nil {
		return err
	}
	rel.Pool.LockBuffer(buf, buffer.Share)
	g, err := asGiSTPage(buf.Page())
	if err != nil {
		rel.Pool.UnlockReleaseBuffer(buf)
		return err
	}
	if g.isDeleted() {
		rel.Pool.UnlockReleaseBuffer(buf)
		return nil
	}
	if g.rightLink().IsValid() &&
		(g.followRight() || (item.block != RootBlock && g.nsn() > item.parentLSN)) {
		// Split since the parent was read; the right half may not have a
		// downlink yet, so reach it through the sibling chain.
		s.stack = append(s.stack, searchItem{block: g.rightLink(), parentLSN: item.parentLSN})
	}

	pageLSN := buf.Page().LSN()
	for off := primitives.FirstOffsetNumber; off <= g.p.MaxOffset(); off++ {
		if g.p.ItemIsDead(off) {
			continue
		}
		t, err := tupleAt(g, off)
		if err != nil {
			rel.Pool.UnlockReleaseBuffer(buf)
			return err
		}
		if !keysConsistent(rel, scan.Keys, t.keys, g.isLeaf()) {
			continue
		}
		if g.isLeaf() {
			m := match{tid: t.tid}
			if scan.WantIndexTuple {
				m.keys = make([][]byte, len(t.keys))
				for i, k := range t.keys {
					m.keys[i] = append([]byte(nil), k...)
				}
			}
			s.matches = append(s.matches, m)
		} else {
			s.stack = append(s.stack, searchItem{block: t.downlink, parentLSN: pageLSN})
		}
	}
	rel.Pool.UnlockReleaseBuffer(buf)
	return nil
}

// keysConsistent reports whether a subtree (or leaf entry) under the
// given keys could satisfy every scan qual.
func keysConsistent(rel *index.Rel, quals []index.ScanKey, keys [][]byte, leaf bool) bool {
	for _, q := range quals {
		if q.Flags&index.SearchNotNull != 0 {
			continue
		}
		if !rel.Opclasses[q.Column].Consistent(keys[q.Column], q.Strategy, q.Value, leaf) {
			return false
		}
	}
	return true
}

func getBitmap(scan *index.ScanDesc, bitmap *index.Bitmap) (int64, error) {
	var n int64
	for {
		hit, err := getTuple(scan, index.Forward)
		if err != nil {
			return n, err
		}
		if hit == nil {
			return n, nil
		}
		bitmap.Add(hit.TID)
		n++
	}
}
