package btree

import (
	"fmt"

	"indexstore/pkg/index"
	"indexstore/pkg/primitives"
	"indexstore/pkg/storage/buffer"
)

// scanItem is one matching entry captured from a leaf page. Keys are
// copied out so the page can change once its lock is dropped.
type scanItem struct {
	tid  primitives.ItemPointer
	keys [][]byte
	off  primitives.OffsetNumber
}

// scanPos is the scan's grip on one leaf page: a pin (no lock) plus the
// matching items captured under the share lock. The pin keeps vacuum
// from reclaiming line pointers the scan might still report dead.
type scanPos struct {
	buf       *buffer.Buffer
	block     primitives.BlockNumber
	lsn       primitives.LSN
	nextBlock primitives.BlockNumber
	prevBlock primitives.BlockNumber
	items     []scanItem
	idx       int
	// stopRight and stopLeft record that a direction-required scan key
	// failed while reading this page, ending the primitive scan on that
	// side.
	stopRight bool
	stopLeft  bool
	killed    []int
}

func (p *scanPos) valid() bool { return p.buf != nil }

type qual struct {
	col      int
	strategy index.Strategy
	value    []byte
	// arrayIdx links the qual to its array key, -1 otherwise.
	arrayIdx int
}

type arrayKey struct {
	qualIdx int
	elems   [][]byte
	cur     int
}

type scanState struct {
	quals  []qual
	arrays []arrayKey
	// reqFwd and reqBwd mark quals whose failure ends the scan in that
	// direction rather than merely filtering the tuple.
	reqFwd []bool
	reqBwd []bool
	// matchNothing is set when a qual can never be satisfied.
	matchNothing bool

	started  bool
	pos      scanPos
	mark     *scanPos
	parallel *ParallelScan
}

func beginScan(rel *index.Rel, nkeys, norderbys int) (*index.ScanDesc, error) {
	if norderbys != 0 {
		return nil, fmt.Errorf("btree does not support ordered-by-operator scans")
	}
	return &index.ScanDesc{
		Rel:    rel,
		Keys:   make([]index.ScanKey, 0, nkeys),
		Opaque: &scanState{},
	}, nil
}

func rescan(scan *index.ScanDesc, keys []index.ScanKey) error {
	s := scan.Opaque.(*scanState)
	if s.pos.valid() {
		flushKills(scan, &s.pos)
		scan.Rel.Pool.ReleaseBuffer(s.pos.buf)
	}
	if s.mark != nil && s.mark.buf != nil {
		scan.Rel.Pool.ReleaseBuffer(s.mark.buf)
	}
	scan.Keys = append(scan.Keys[:0], keys...)
	*s = scanState{}
	if scan.Parallel != nil {
		s.parallel = scan.Parallel.(*ParallelScan)
	}
	return preprocessKeys(scan, s)
}

func endScan(scan *index.ScanDesc) {
	s := scan.Opaque.(*scanState)
	if s.pos.valid() {
		flushKills(scan, &s.pos)
		scan.Rel.Pool.ReleaseBuffer(s.pos.buf)
		s.pos = scanPos{}
	}
	if s.mark != nil && s.mark.buf != nil {
		scan.Rel.Pool.ReleaseBuffer(s.mark.buf)
		s.mark = nil
	}
}

// preprocessKeys turns the caller's scan keys into the effective quals
// and computes which of them are required in each direction: a key ends
// the scan on failure only if every column before it is bound by
// equality.
func preprocessKeys(scan *index.ScanDesc, s *scanState) error {
	ncols := len(scan.Rel.Opclasses)
	eqCols := make([]bool, ncols)
	for _, k := range scan.Keys {
		if k.Column < 0 || k.Column >= ncols {
			return fmt.Errorf("scan key column %d out of range", k.Column)
		}
		if k.Flags&index.SearchNull != 0 {
			// Keys are stored without a null representation, so an IS
			// NULL qual cannot match anything.
			s.matchNothing = true
			continue
		}
		if k.Flags&index.SearchNotNull != 0 {
			continue
		}
		if k.Flags&index.SearchArray != 0 {
			if len(k.Array) == 0 {
				s.matchNothing = true
				continue
			}
			s.arrays = append(s.arrays, arrayKey{qualIdx: len(s.quals), elems: k.Array})
			s.quals = append(s.quals, qual{col: k.Column, strategy: index.Equal, value: k.Array[0], arrayIdx: len(s.arrays) - 1})
			eqCols[k.Column] = true
			continue
		}
		if k.Strategy == index.Equal {
			eqCols[k.Column] = true
		}
		s.quals = append(s.quals, qual{col: k.Column, strategy: k.Strategy, value: k.Value, arrayIdx: -1})
	}

	s.reqFwd = make([]bool, len(s.quals))
	s.reqBwd = make([]bool, len(s.quals))
	for i, q := range s.quals {
		required := true
		for c := 0; c < q.col; c++ {
			if !eqCols[c] {
				required = false
				break
			}
		}
		if !required {
			continue
		}
		switch q.strategy {
		case index.Less, index.LessEqual:
			s.reqFwd[i] = true
		case index.Greater, index.GreaterEqual:
			s.reqBwd[i] = true
		case index.Equal:
			s.reqFwd[i] = true
			s.reqBwd[i] = true
		}
	}
	return nil
}

func strategySatisfied(st index.Strategy, c int) bool {
	switch st {
	case index.Less:
		return c < 0
	case index.LessEqual:
		return c <= 0
	case index.Equal:
		return c == 0
	case index.GreaterEqual:
		return c >= 0
	case index.Greater:
		return c > 0
	}
	return false
}

// matchTuple evaluates the quals against one tuple's keys. The second
// result is false when a direction-required qual failed, meaning no
// tuple further along the scan can match either.
func matchTuple(scan *index.ScanDesc, s *scanState, keys [][]byte, dir index.ScanDirection) (bool, bool) {
	for i, q := range s.quals {
		if q.col >= len(keys) {
			return false, true
		}
		c := scan.Rel.Opclasses[q.col].Compare(keys[q.col], q.value)
		if strategySatisfied(q.strategy, c) {
			continue
		}
		if dir == index.Forward && s.reqFwd[i] {
			return false, false
		}
		if dir == index.Backward && s.reqBwd[i] {
			return false, false
		}
		return false, true
	}
	return true, true
}

// buildProbe derives the descent key for the current quals and
// direction. Forward scans descend to the first possibly-matching
// tuple, backward scans to just past the last one.
func buildProbe(s *scanState, ncols int, dir index.ScanDirection) *searchKey {
	var keys [][]byte
	nextKey := dir == index.Backward
	for col := 0; col < ncols; col++ {
		var bound []byte
		haveEq := false
		for _, q := range s.quals {
			if q.col != col {
				continue
			}
			switch {
			case q.strategy == index.Equal:
				bound, haveEq = q.value, true
			case dir == index.Forward && (q.strategy == index.Greater || q.strategy == index.GreaterEqual):
				if bound == nil {
					bound = q.value
					nextKey = q.strategy == index.Greater
				}
			case dir == index.Backward && (q.strategy == index.Less || q.strategy == index.LessEqual):
				if bound == nil {
					bound = q.value
					nextKey = q.strategy == index.LessEqual
				}
			}
		}
		if bound == nil {
			break
		}
		keys = append(keys, bound)
		if !haveEq {
			break
		}
		// Equality on this column: deeper columns may tighten the probe.
		nextKey = dir == index.Backward
	}
	return &searchKey{keys: keys, nextKey: nextKey}
}

// readPage captures the matching items of a share-locked leaf page into
// pos and records the sibling links. For forward reads items from
// startOff up; for backward, items up to and including startOff.
// The lock is dropped before returning; the pin is kept in pos.
func readPage(scan *index.ScanDesc, s *scanState, buf *buffer.Buffer, dir index.ScanDirection, startOff primitives.OffsetNumber) error {
	pos := &scanPos{buf: buf, block: buf.Block()}
	b, err := asBTPage(buf.Page())
	if err != nil {
		scan.Rel.Pool.UnlockReleaseBuffer(buf)
		return err
	}
	pos.lsn = b.p.LSN()
	pos.nextBlock = b.rightSib()
	pos.prevBlock = b.leftSib()

	lo := b.firstDataOffset()
	hi := b.p.MaxOffset()
	if dir == index.Forward {
		if startOff > lo {
			lo = startOff
		}
	} else {
		if startOff < hi {
			hi = startOff
		}
	}

	for off := lo; off <= hi && hi != 0; off++ {
		if b.p.ItemIsDead(off) {
			continue
		}
		t, err := tupleAt(b, off)
		if err != nil {
			scan.Rel.Pool.UnlockReleaseBuffer(buf)
			return err
		}
		keys := make([][]byte, len(t.keys))
		for i, k := range t.keys {
			keys[i] = append([]byte(nil), k...)
		}
		match, cont := matchTuple(scan, s, keys, dir)
		if match {
			for _, tid := range t.tids {
				pos.items = append(pos.items, scanItem{tid: tid, keys: keys, off: off})
			}
			continue
		}
		if !cont {
			if dir == index.Forward {
				pos.stopRight = true
				break
			}
			// The page is read in ascending order even for backward
			// scans. A required failure after matches were collected
			// sits above the range: done with this page. A failure
			// before any match sits below it, and if the page's lowest
			// tuple is below the range, so is everything to the left.
			if len(pos.items) > 0 {
				break
			}
			if off == lo {
				pos.stopLeft = true
			}
		}
	}

	if dir == index.Forward {
		pos.idx = 0
	} else {
		pos.idx = len(pos.items) - 1
	}
	scan.Rel.Pool.UnlockBuffer(buf)
	s.pos = *pos
	return nil
}

// leavePos flushes pending kill hints and drops the pin.
func leavePos(scan *index.ScanDesc, pos *scanPos) {
	if !pos.valid() {
		return
	}
	flushKills(scan, pos)
	scan.Rel.Pool.ReleaseBuffer(pos.buf)
	pos.buf = nil
}

// flushKills marks the line pointers of killed items dead, provided the
// page has not changed since the items were read. Hint bits only: no
// WAL record is written. A posting tuple's pointer dies only when every
// one of its TIDs was reported dead.
func flushKills(scan *index.ScanDesc, pos *scanPos) {
	if len(pos.killed) == 0 || pos.buf == nil {
		return
	}
	pool := scan.Rel.Pool
	pool.LockBuffer(pos.buf, buffer.Exclusive)
	defer pool.UnlockBuffer(pos.buf)
	if pos.buf.Page().LSN() != pos.lsn {
		pos.killed = nil
		return
	}
	totals := make(map[primitives.OffsetNumber]int)
	for _, it := range pos.items {
		totals[it.off]++
	}
	killedPerOff := make(map[primitives.OffsetNumber]int)
	for _, i := range pos.killed {
		killedPerOff[pos.items[i].off]++
	}
	dirty := false
	for off, n := range killedPerOff {
		if n == totals[off] {
			pos.buf.Page().MarkItemDead(off)
			dirty = true
		}
	}
	if dirty {
		pool.MarkDirty(pos.buf)
	}
	pos.killed = nil
}

// startPrimitive descends for the current quals and loads the first
// page with items. Returns false when the primitive scan is empty.
func startPrimitive(scan *index.ScanDesc, s *scanState, dir index.ScanDirection) (bool, error) {
	if s.matchNothing {
		return false, nil
	}
	probe := buildProbe(s, len(scan.Rel.Opclasses), dir)
	buf, _, err := search(scan.Rel, probe, false)
	if err != nil {
		return false, err
	}
	if buf == nil {
		return false, nil
	}
	b, err := asBTPage(buf.Page())
	if err != nil {
		scan.Rel.Pool.UnlockReleaseBuffer(buf)
		return false, err
	}
	off, err := binSearch(scan.Rel, b, probe)
	if err != nil {
		scan.Rel.Pool.UnlockReleaseBuffer(buf)
		return false, err
	}
	start := off
	if dir == index.Backward {
		start = off - 1
	}
	if err := readPage(scan, s, buf, dir, start); err != nil {
		return false, err
	}
	return advanceToItems(scan, s, dir)
}

// advanceToItems steps pages in the scan direction until one yields
// items, the primitive scan stops, or the level runs out.
func advanceToItems(scan *index.ScanDesc, s *scanState, dir index.ScanDirection) (bool, error) {
	for {
		if len(s.pos.items) > 0 {
			return true, nil
		}
		ok, err := stepPage(scan, s, dir)
		if err != nil || !ok {
			return false, err
		}
	}
}

// stepPage abandons the current leaf and loads the adjacent one.
func stepPage(scan *index.ScanDesc, s *scanState, dir index.ScanDirection) (bool, error) {
	if err := scan.Rel.CheckForInterrupts(); err != nil {
		return false, err
	}
	pool := scan.Rel.Pool

	if s.parallel != nil {
		leavePos(scan, &s.pos)
		return parallelNextPage(scan, s)
	}

	var next primitives.BlockNumber
	if dir == index.Forward {
		if s.pos.stopRight {
			leavePos(scan, &s.pos)
			return false, nil
		}
		next = s.pos.nextBlock
	} else {
		if s.pos.stopLeft {
			leavePos(scan, &s.pos)
			return false, nil
		}
		next = s.pos.prevBlock
	}
	leavePos(scan, &s.pos)
	if !next.IsValid() {
		return false, nil
	}

	for next.IsValid() {
		buf, err := pool.ReadBuffer(scan.Rel.ID, primitives.MainFork, next, buffer.ReadNormal)
		if err != nil {
			return false, err
		}
		pool.LockBuffer(buf, buffer.Share)
		b, err := asBTPage(buf.Page())
		if err != nil {
			pool.UnlockReleaseBuffer(buf)
			return false, err
		}
		if b.isDeleted() || b.isHalfDead() {
			// Reclaimed in place; its right link still leads onward.
			if dir == index.Forward {
				next = b.rightSib()
			} else {
				next = b.leftSib()
			}
			pool.UnlockReleaseBuffer(buf)
			continue
		}
		var start primitives.OffsetNumber
		if dir == index.Forward {
			start = b.firstDataOffset()
		} else {
			start = b.p.MaxOffset()
		}
		if err := readPage(scan, s, buf, dir, start); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// advanceArrayKeys moves the array-key odometer one combination in the
// scan direction. Returns false once every combination is exhausted.
func advanceArrayKeys(s *scanState, dir index.ScanDirection) bool {
	if len(s.arrays) == 0 {
		return false
	}
	for i := len(s.arrays) - 1; i >= 0; i-- {
		a := &s.arrays[i]
		if dir == index.Forward {
			if a.cur+1 < len(a.elems) {
				a.cur++
				s.quals[a.qualIdx].value = a.elems[a.cur]
				return true
			}
			a.cur = 0
		} else {
			if a.cur > 0 {
				a.cur--
				s.quals[a.qualIdx].value = a.elems[a.cur]
				return true
			}
			a.cur = len(a.elems) - 1
		}
		s.quals[a.qualIdx].value = a.elems[a.cur]
	}
	return false
}

func getTuple(scan *index.ScanDesc, dir index.ScanDirection) (*index.TupleHit, error) {
	s := scan.Opaque.(*scanState)
	if s.parallel != nil && dir == index.Backward {
		return nil, fmt.Errorf("parallel btree scans run forward only")
	}

	if scan.KillPriorTuple && s.pos.valid() && s.pos.idx >= 0 && s.pos.idx < len(s.pos.items) {
		s.pos.killed = append(s.pos.killed, s.pos.idx)
	}
	scan.KillPriorTuple = false

	if !s.started {
		s.started = true
		if s.parallel != nil {
			if ok, err := parallelNextPage(scan, s); err != nil || !ok {
				return nil, err
			}
		} else {
			for {
				ok, err := startPrimitive(scan, s, dir)
				if err != nil {
					return nil, err
				}
				if ok {
					break
				}
				if !advanceArrayKeys(s, dir) {
					return nil, nil
				}
			}
		}
		return currentHit(scan, s), nil
	}

	for {
		if s.pos.valid() {
			s.pos.idx += int(dir)
			if s.pos.idx >= 0 && s.pos.idx < len(s.pos.items) {
				return currentHit(scan, s), nil
			}
			ok, err := stepPage(scan, s, dir)
			if err != nil {
				return nil, err
			}
			if ok {
				if ok, err = advanceToItems(scan, s, dir); err != nil {
					return nil, err
				} else if ok {
					return currentHit(scan, s), nil
				}
			}
		}
		// Primitive scan exhausted. Parallel work acquisition already
		// covered every array combination; serial scans advance the
		// odometer here.
		if s.parallel != nil {
			return nil, nil
		}
		if !advanceArrayKeys(s, dir) {
			return nil, nil
		}
		ok, err := startPrimitive(scan, s, dir)
		if err != nil {
			return nil, err
		}
		if ok {
			return currentHit(scan, s), nil
		}
		// Empty combination; keep advancing the odometer.
	}
}

func currentHit(scan *index.ScanDesc, s *scanState) *index.TupleHit {
	if !s.pos.valid() || s.pos.idx < 0 || s.pos.idx >= len(s.pos.items) {
		return nil
	}
	it := s.pos.items[s.pos.idx]
	hit := &index.TupleHit{TID: it.tid}
	if scan.WantIndexTuple {
		hit.Keys = it.keys
	}
	return hit
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

// markPos snapshots the current position. The marked page stays pinned
// so a restore never sees its line pointers reclaimed.
func markPos(scan *index.ScanDesc) error {
	s := scan.Opaque.(*scanState)
	if !s.pos.valid() {
		return fmt.Errorf("no current position to mark")
	}
	if s.mark != nil && s.mark.buf != nil {
		scan.Rel.Pool.ReleaseBuffer(s.mark.buf)
	}
	m := s.pos
	m.killed = nil
	m.items = append([]scanItem(nil), s.pos.items...)
	// Second pin on the same page for the mark's lifetime.
	buf, err := scan.Rel.Pool.ReadBuffer(scan.Rel.ID, primitives.MainFork, m.block, buffer.ReadNormal)
	if err != nil {
		return err
	}
	m.buf = buf
	s.mark = &m
	return nil
}

func restorePos(scan *index.ScanDesc) error {
	s := scan.Opaque.(*scanState)
	if s.mark == nil {
		return fmt.Errorf("no marked position to restore")
	}
	if s.pos.valid() {
		leavePos(scan, &s.pos)
	}
	m := *s.mark
	m.items = append([]scanItem(nil), s.mark.items...)
	buf, err := scan.Rel.Pool.ReadBuffer(scan.Rel.ID, primitives.MainFork, m.block, buffer.ReadNormal)
	if err != nil {
		return err
	}
	m.buf = buf
	s.pos = m
	return nil
}
