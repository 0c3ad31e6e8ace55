package btree

import (
	"sync"

	"indexstore/pkg/index"
	"indexstore/pkg/primitives"
)

// cycleState tracks the cycle id of an in-progress vacuum on one
// relation handle. Page splits stamp it onto both halves so the vacuum
// scan can detect tuples that moved to an already-visited block.
type cycleState struct {
	mu     sync.Mutex
	active primitives.CycleID
	last   primitives.CycleID
}

func cycles(rel *index.Rel) *cycleState {
	return rel.AMShared(func() any { return &cycleState{} }).(*cycleState)
}

// startCycle assigns the next cycle id for rel and marks a vacuum as
// running. Cycle id zero is reserved for "no vacuum".
func startCycle(rel *index.Rel) primitives.CycleID {
	c := cycles(rel)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last++
	if c.last == 0 {
		c.last = 1
	}
	c.active = c.last
	return c.active
}

func stopCycle(rel *index.Rel) {
	c := cycles(rel)
	c.mu.Lock()
	c.active = 0
	c.mu.Unlock()
}

// activeCycle returns the running vacuum's cycle id for rel, or zero.
func activeCycle(rel *index.Rel) primitives.CycleID {
	c := cycles(rel)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}
