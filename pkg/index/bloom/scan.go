package bloom

import (
	"fmt"

	"indexstore/pkg/index"
	"indexstore/pkg/primitives"
	"indexstore/pkg/storage/buffer"
	"indexstore/pkg/storage/readstream"
)

type scanState struct {
	matchNothing bool
}

func beginScan(rel *index.Rel, nkeys, norderbys int) (*index.ScanDesc, error) {
	if norderbys != 0 {
		return nil, fmt.Errorf("bloom does not support ordered-by-operator scans")
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
			return fmt.Errorf("bloom does not support array scan keys")
		}
		if k.Flags&index.SearchNull != 0 {
			// Null keys are never stored.
			s.matchNothing = true
			continue
		}
		if k.Flags&index.SearchNotNull != 0 {
			continue
		}
		if k.Strategy != index.Equal {
			return fmt.Errorf("bloom supports only equality scan keys, got strategy %d", k.Strategy)
		}
	}
	return nil
}

func endScan(scan *index.ScanDesc) {
	scan.Opaque = nil
}

// getBitmap folds the equality keys into one query filter and keeps
// every tuple whose stored filter covers it. With no usable keys the
// query filter is empty and every row matches. Matches are lossy; the
// caller rechecks them against the heap.
func getBitmap(scan *index.ScanDesc, bitmap *index.Bitmap) (int64, error) {
	s := scan.Opaque.(*scanState)
	if s.matchNothing {
		return 0, nil
	}
	rel := scan.Rel

	mbuf, m, err := lockMeta(rel, buffer.Share)
	if err != nil {
		return 0, err
	}
	words := m.sigWords()
	query := newSignature(words)
	for _, k := range scan.Keys {
		if k.Flags&(index.SearchNull|index.SearchNotNull) != 0 {
			continue
		}
		query.addColumn(rel, m, k.Column, k.Value)
	}
	rel.Pool.UnlockReleaseBuffer(mbuf)

	nblocks, err := rel.Pool.NumBlocks(rel.ID, primitives.MainFork)
	if err != nil {
		return 0, err
	}
	if nblocks <= 1 {
		return 0, nil
	}

	next := MetaBlock + 1
	cfg := readstream.DefaultConfig()
	cfg.FullScan = true
	stream := readstream.New(rel.Pool, rel.ID, primitives.MainFork, cfg, func() primitives.BlockNumber {
		if next >= nblocks {
			return primitives.InvalidBlockNumber
		}
		b := next
		next++
		return b
	})
	defer stream.End()

	var added int64
	for block := MetaBlock + 1; block < nblocks; block++ {
		if err := rel.CheckForInterrupts(); err != nil {
			return added, err
		}
		buf, err := stream.NextBuffer()
		if err != nil {
			return added, err
		}
		rel.Pool.LockBuffer(buf, buffer.Share)
		p, err := asBloomPage(buf.Page())
		if err != nil {
			rel.Pool.UnlockReleaseBuffer(buf)
			return added, err
		}
		for off := primitives.FirstOffsetNumber; off <= p.MaxOffset(); off++ {
			raw, err := p.GetItem(off)
			if err != nil {
				rel.Pool.UnlockReleaseBuffer(buf)
				return added, err
			}
			if decodeTupleSignature(raw, words).covers(query) {
				tid := decodeTupleTID(raw)
				if !bitmap.Contains(tid) {
					bitmap.Add(tid)
					added++
				}
			}
		}
		rel.Pool.UnlockReleaseBuffer(buf)
	}
	return added, nil
}
