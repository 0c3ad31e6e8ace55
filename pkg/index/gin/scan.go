package gin

import (
	"fmt"

	"indexstore/pkg/index"
	"indexstore/pkg/primitives"
	"indexstore/pkg/storage/buffer"
)

type scanState struct {
	matchNothing bool
}

func beginScan(rel *index.Rel, nkeys, norderbys int) (*index.ScanDesc, error) {
	if norderbys != 0 {
		return nil, fmt.Errorf("gin does not support ordered-by-operator scans")
	}
	if nkeys < 1 {
		return nil, fmt.Errorf("gin does not support whole-index scans")
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
	usable := 0
	for _, k := range scan.Keys {
		if k.Column < 0 || k.Column >= len(scan.Rel.Opclasses) {
			return fmt.Errorf("scan key column %d out of range", k.Column)
		}
		if k.Flags&index.SearchArray != 0 {
			return fmt.Errorf("gin does not support array scan keys")
		}
		if k.Flags&index.SearchNull != 0 {
			// Null keys are never stored.
			s.matchNothing = true
			continue
		}
		if k.Flags&index.SearchNotNull != 0 {
			// Every stored key is non-null; no constraint.
			continue
		}
		if k.Strategy != index.Equal {
			return fmt.Errorf("gin supports only equality scan keys, got strategy %d", k.Strategy)
		}
		usable++
	}
	if usable == 0 && !s.matchNothing {
		return fmt.Errorf("gin does not support whole-index scans")
	}
	return nil
}

func endScan(scan *index.ScanDesc) {
	scan.Opaque = nil
}

// getBitmap collects, per scan key, the posting list for that key plus
// any staged rows carrying it, then intersects the per-key sets. Rows
// staged in the pending list are visible immediately; a row merged
// while the scan runs may be seen twice, which the set absorbs.
func getBitmap(scan *index.ScanDesc, bitmap *index.Bitmap) (int64, error) {
	s := scan.Opaque.(*scanState)
	if s.matchNothing {
		return 0, nil
	}

	var result map[primitives.ItemPointer]struct{}
	for _, k := range scan.Keys {
		if k.Flags&(index.SearchNull|index.SearchNotNull) != 0 {
			continue
		}
		set, err := matchesForKey(scan.Rel, uint16(k.Column), k.Value)
		if err != nil {
			return 0, err
		}
		if result == nil {
			result = set
			continue
		}
		for tid := range result {
			if _, ok := set[tid]; !ok {
				delete(result, tid)
			}
		}
		if len(result) == 0 {
			return 0, nil
		}
	}

	var added int64
	for tid := range result {
		if !bitmap.Contains(tid) {
			bitmap.Add(tid)
			added++
		}
	}
	return added, nil
}

// matchesForKey unions the entry list's posting list for (col, key) with
// matching staged rows. The meta page stays share-locked across the
// staging walk so a concurrent merge cannot retire pages under it.
func matchesForKey(rel *index.Rel, col uint16, key []byte) (map[primitives.ItemPointer]struct{}, error) {
	set := make(map[primitives.ItemPointer]struct{})

	block := EntryHeadBlock
	for block.IsValid() {
		if err := rel.CheckForInterrupts(); err != nil {
			return nil, err
		}
		buf, err := rel.Pool.ReadBuffer(rel.ID, primitives.MainFork, block, buffer.ReadNormal)
		if err != nil {
			return nil, err
		}
		rel.Pool.LockBuffer(buf, buffer.Share)
		g, err := asGINPage(buf.Page())
		if err != nil {
			rel.Pool.UnlockReleaseBuffer(buf)
			return nil, err
		}
		off, equal, err := searchEntries(rel, g, col, key)
		if err != nil {
			rel.Pool.UnlockReleaseBuffer(buf)
			return nil, err
		}
		if equal {
			t, err := entryAt(g, off)
			if err != nil {
				rel.Pool.UnlockReleaseBuffer(buf)
				return nil, err
			}
			for _, tid := range t.tids {
				set[tid] = struct{}{}
			}
			rel.Pool.UnlockReleaseBuffer(buf)
			break
		}
		if off <= g.p.MaxOffset() {
			// Every entry from here on sorts above the probe.
			rel.Pool.UnlockReleaseBuffer(buf)
			break
		}
		block = g.rightLink()
		rel.Pool.UnlockReleaseBuffer(buf)
	}

	if err := pendingMatches(rel, col, key, set); err != nil {
		return nil, err
	}
	return set, nil
}

func pendingMatches(rel *index.Rel, col uint16, key []byte, set map[primitives.ItemPointer]struct{}) error {
	mbuf, m, err := lockMeta(rel, buffer.Share)
	if err != nil {
		return err
	}
	defer rel.Pool.UnlockReleaseBuffer(mbuf)

	for block := m.pendingHead(); block.IsValid(); {
		if err := rel.CheckForInterrupts(); err != nil {
			return err
		}
		buf, err := rel.Pool.ReadBuffer(rel.ID, primitives.MainFork, block, buffer.ReadNormal)
		if err != nil {
			return err
		}
		rel.Pool.LockBuffer(buf, buffer.Share)
		g, err := asGINPage(buf.Page())
		if err != nil {
			rel.Pool.UnlockReleaseBuffer(buf)
			return err
		}
		for off := primitives.FirstOffsetNumber; off <= g.p.MaxOffset(); off++ {
			raw, err := g.p.GetItem(off)
			if err != nil {
				rel.Pool.UnlockReleaseBuffer(buf)
				return err
			}
			t, err := decodePending(raw)
			if err != nil {
				rel.Pool.UnlockReleaseBuffer(buf)
				return err
			}
			if compareEntryKey(rel, t.col, t.key, col, key) == 0 {
				set[t.tid] = struct{}{}
			}
		}
		block = g.rightLink()
		rel.Pool.UnlockReleaseBuffer(buf)
	}
	return nil
}
