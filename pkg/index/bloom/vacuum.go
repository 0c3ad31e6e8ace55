package bloom

import (
	"indexstore/pkg/index"
	"indexstore/pkg/primitives"
	"indexstore/pkg/storage/buffer"
	"indexstore/pkg/storage/page"
	"indexstore/pkg/storage/readstream"
)

// bulkDelete strips callback-dead rows in one physical pass. Emptied
// pages go back to the free map; pages left with room are gathered to
// rebuild the meta ring, which drifts as inserts fill pages.
func bulkDelete(info *index.VacuumInfo, stats *index.BulkDeleteStats, dead index.DeadCallback) (*index.BulkDeleteStats, error) {
	if stats == nil {
		stats = &index.BulkDeleteStats{}
	}
	return scan(info, stats, dead)
}

// vacuumCleanup reports final statistics; with a nil stats a counting
// scan runs, which also records emptied pages and rebuilds the ring.
func vacuumCleanup(info *index.VacuumInfo, stats *index.BulkDeleteStats) (*index.BulkDeleteStats, error) {
	if stats != nil {
		return stats, nil
	}
	stats = &index.BulkDeleteStats{}
	return scan(info, stats, nil)
}

func scan(info *index.VacuumInfo, stats *index.BulkDeleteStats, dead index.DeadCallback) (*index.BulkDeleteStats, error) {
	rel := info.Rel
	nblocks, err := rel.Pool.NumBlocks(rel.ID, primitives.MainFork)
	if err != nil {
		return nil, err
	}
	stats.NumPages = nblocks
	if nblocks <= 1 {
		return stats, nil
	}

	mbuf, m, err := lockMeta(rel, buffer.Share)
	if err != nil {
		return nil, err
	}
	words := m.sigWords()
	rel.Pool.UnlockReleaseBuffer(mbuf)
	tupNeed := tupleSize(words)

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

	var notFull []primitives.BlockNumber
	for block := MetaBlock + 1; block < nblocks; block++ {
		if err := rel.CheckForInterrupts(); err != nil {
			return nil, err
		}
		buf, err := stream.NextBuffer()
		if err != nil {
			return nil, err
		}
		hasRoom, err := vacuumPage(rel, buf, stats, dead, tupNeed)
		if err != nil {
			return nil, err
		}
		if hasRoom {
			notFull = append(notFull, block)
		}
	}

	mbuf, m, err = lockMeta(rel, buffer.Exclusive)
	if err != nil {
		return nil, err
	}
	st := rel.Log.Begin(rel.Pool)
	st.Register(mbuf, false)
	m.ringReset(notFull)
	if _, err := st.Finish(); err != nil {
		st.Abort()
		rel.Pool.UnlockReleaseBuffer(mbuf)
		return nil, err
	}
	rel.Pool.UnlockReleaseBuffer(mbuf)
	return stats, nil
}

// vacuumPage processes one pinned, unlocked page and consumes the pin.
// It reports whether the page still has room for another tuple.
func vacuumPage(rel *index.Rel, buf *buffer.Buffer, stats *index.BulkDeleteStats, dead index.DeadCallback, tupNeed int) (bool, error) {
	rel.Pool.LockBuffer(buf, buffer.Cleanup)
	p, err := asBloomPage(buf.Page())
	if err != nil {
		rel.Pool.UnlockReleaseBuffer(buf)
		return false, err
	}

	var doomed []primitives.OffsetNumber
	remaining := int64(0)
	for off := primitives.FirstOffsetNumber; off <= p.MaxOffset(); off++ {
		raw, err := p.GetItem(off)
		if err != nil {
			rel.Pool.UnlockReleaseBuffer(buf)
			return false, err
		}
		if dead != nil && dead(decodeTupleTID(raw)) {
			doomed = append(doomed, off)
			continue
		}
		remaining++
	}
	if len(doomed) > 0 {
		st := rel.Log.Begin(rel.Pool)
		st.Register(buf, false)
		p.DeleteItems(doomed)
		if _, err := st.Finish(); err != nil {
			st.Abort()
			rel.Pool.UnlockReleaseBuffer(buf)
			return false, err
		}
		stats.TuplesRemoved += int64(len(doomed))
	}
	stats.NumIndexTuples += remaining

	if remaining == 0 {
		stats.PagesFree++
		block := buf.Block()
		rel.Pool.UnlockReleaseBuffer(buf)
		return false, rel.FSM.RecordFreePage(block)
	}
	hasRoom := p.FreeSpace() >= tupNeed+page.LinePointerSize
	rel.Pool.UnlockReleaseBuffer(buf)
	return hasRoom, nil
}
