// Package vacuum coordinates garbage collection across every index of a
// heap relation. The caller collects dead row ids into a DeadTIDs store,
// then Run drives each index through its bulk-delete and cleanup
// callbacks, spreading parallel-safe indexes over worker goroutines
// while the leader handles the rest.
package vacuum

import (
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"indexstore/pkg/index"
	"indexstore/pkg/primitives"
)

// Status tracks one index through a vacuum pass.
type Status int32

const (
	Initial Status = iota
	NeedBulkdel
	NeedCleanup
	Completed
)

// Target is one index of the heap relation under vacuum.
type Target struct {
	Rel     *index.Rel
	Routine *index.Routine
}

// Config tunes one vacuum run.
type Config struct {
	// HeapRel identifies the table whose indexes are being vacuumed.
	HeapRel primitives.RelID
	// Workers is the number of extra goroutines; the caller's goroutine
	// is the leader and always participates.
	Workers int
	// MinParallelPages keeps small indexes on the leader, where the
	// hand-off overhead outweighs the work.
	MinParallelPages primitives.BlockNumber
	// BudgetBytes caps the dead-TID store per participant; zero
	// disables the check.
	BudgetBytes int64
	// OldestXID and CurrentXID are the recycling horizon and the stamp
	// for pages deleted by this run.
	OldestXID  primitives.XID
	CurrentXID primitives.XID
	// CostLimit and CostDelay throttle I/O: when the shared page count
	// per active participant passes the limit, the participant naps.
	// Zero CostLimit disables throttling.
	CostLimit int64
	CostDelay time.Duration
}

// WorkerUsage is what one participant did; slot 0 is the leader.
type WorkerUsage struct {
	IndexesProcessed int64
	PagesScanned     int64
}

// Result carries per-index statistics, parallel to the targets passed
// to Run, plus per-participant usage.
type Result struct {
	Stats []*index.BulkDeleteStats
	Usage []WorkerUsage
}

type indexSlot struct {
	target        Target
	status        atomic.Int32
	parallelSafe  bool
	sawBulkDelete bool
	// stats is handed from the bulk-delete pass to cleanup; only the
	// slot's current processor touches it.
	stats *index.BulkDeleteStats
	size  primitives.BlockNumber
}

// shared is the control record every participant works against.
type shared struct {
	cfg   Config
	dead  *DeadTIDs
	slots []*indexSlot
	usage []WorkerUsage

	phase         Status
	dispatch      atomic.Int64
	costBalance   atomic.Int64
	activeWorkers atomic.Int32
}

// Run vacuums every target index: a bulk-delete phase when dead rows
// were collected, then a cleanup phase. Within each phase the leader
// first processes the indexes that must not run in a worker, then joins
// the workers on the shared dispatch counter.
func Run(cfg Config, targets []Target, dead *DeadTIDs) (*Result, error) {
	if cfg.Workers < 0 {
		cfg.Workers = 0
	}
	if dead != nil && cfg.BudgetBytes > 0 {
		if got := dead.ApproxBytes(); got > cfg.BudgetBytes {
			return nil, fmt.Errorf("dead row store of %d bytes exceeds budget %d; vacuum in smaller passes", got, cfg.BudgetBytes)
		}
	}

	s := &shared{
		cfg:   cfg,
		dead:  dead,
		slots: make([]*indexSlot, len(targets)),
		usage: make([]WorkerUsage, cfg.Workers+1),
	}
	for i, tgt := range targets {
		size, err := tgt.Rel.Pool.NumBlocks(tgt.Rel.ID, primitives.MainFork)
		if err != nil {
			return nil, fmt.Errorf("failed to size index %d: %w", tgt.Rel.ID, err)
		}
		s.slots[i] = &indexSlot{target: tgt, size: size}
	}

	if dead != nil && dead.Len() > 0 {
		if err := s.runPhase(NeedBulkdel); err != nil {
			return nil, err
		}
	}
	if err := s.runPhase(NeedCleanup); err != nil {
		return nil, err
	}

	res := &Result{Stats: make([]*index.BulkDeleteStats, len(targets)), Usage: s.usage}
	for i, slot := range s.slots {
		res.Stats[i] = slot.stats
	}
	return res, nil
}

// phaseSafe decides whether a phase of one index may run in a worker.
func phaseSafe(slot *indexSlot, phase Status, minPages primitives.BlockNumber) bool {
	if slot.size < minPages {
		return false
	}
	opts := slot.target.Routine.ParallelVacuumOpts
	switch phase {
	case NeedBulkdel:
		return opts&index.ParallelBulkDelete != 0
	case NeedCleanup:
		if opts&index.ParallelCleanup != 0 {
			return true
		}
		return opts&index.ParallelCondCleanup != 0 && !slot.sawBulkDelete
	default:
		return false
	}
}

func (s *shared) runPhase(phase Status) error {
	s.phase = phase
	s.dispatch.Store(0)
	for _, slot := range s.slots {
		slot.parallelSafe = phaseSafe(slot, phase, s.cfg.MinParallelPages)
		slot.status.Store(int32(phase))
	}

	var g errgroup.Group
	for w := 1; w <= s.cfg.Workers; w++ {
		id := w
		s.activeWorkers.Add(1)
		g.Go(func() error {
			defer s.activeWorkers.Add(-1)
			return s.dispatchLoop(id)
		})
	}

	s.activeWorkers.Add(1)
	leaderErr := s.leaderLoop()
	s.activeWorkers.Add(-1)

	if err := g.Wait(); err != nil {
		return err
	}
	return leaderErr
}

// leaderLoop processes the leader-only indexes, then joins the workers.
func (s *shared) leaderLoop() error {
	for _, slot := range s.slots {
		if slot.parallelSafe {
			continue
		}
		if err := s.process(0, slot); err != nil {
			return err
		}
	}
	return s.dispatchLoop(0)
}

// dispatchLoop claims indexes off the shared counter until it runs out.
// The counter hands each slot to exactly one participant; leader-only
// slots are skipped here since leaderLoop already covered them.
func (s *shared) dispatchLoop(workerID int) error {
	for {
		i := int(s.dispatch.Add(1)) - 1
		if i >= len(s.slots) {
			return nil
		}
		slot := s.slots[i]
		if !slot.parallelSafe {
			continue
		}
		if err := s.process(workerID, slot); err != nil {
			return err
		}
	}
}

func (s *shared) process(workerID int, slot *indexSlot) error {
	info := &index.VacuumInfo{
		Rel:        slot.target.Rel,
		OldestXID:  s.cfg.OldestXID,
		CurrentXID: s.cfg.CurrentXID,
	}
	var (
		stats *index.BulkDeleteStats
		err   error
	)
	switch s.phase {
	case NeedBulkdel:
		stats, err = slot.target.Routine.BulkDelete(info, slot.stats, s.dead.Contains)
		slot.sawBulkDelete = true
	case NeedCleanup:
		if slot.target.Routine.VacuumCleanup != nil {
			stats, err = slot.target.Routine.VacuumCleanup(info, slot.stats)
		} else {
			stats = slot.stats
		}
	}
	if err != nil {
		return fmt.Errorf("failed to vacuum index %d: %w", slot.target.Rel.ID, err)
	}
	slot.stats = stats
	slot.status.Store(int32(Completed))

	u := &s.usage[workerID]
	u.IndexesProcessed++
	if stats != nil {
		u.PagesScanned += int64(stats.NumPages)
		s.throttle(int64(stats.NumPages))
	}
	return nil
}

// throttle naps when the shared page count per active participant
// crosses the limit, then gives the balance back.
func (s *shared) throttle(pages int64) {
	if s.cfg.CostLimit <= 0 {
		return
	}
	balance := s.costBalance.Add(pages)
	active := int64(s.activeWorkers.Load())
	if active < 1 {
		active = 1
	}
	if balance/active >= s.cfg.CostLimit {
		time.Sleep(s.cfg.CostDelay)
		s.costBalance.Add(-s.cfg.CostLimit)
	}
}
