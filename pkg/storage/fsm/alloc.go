package fsm

import (
	"indexstore/pkg/primitives"
	"indexstore/pkg/storage/buffer"
	"indexstore/pkg/storage/page"
)

// AllocPage returns a pinned, exclusive-locked buffer over a page the
// caller may reformat: either a recycled block from the free-space map or
// a freshly extended one. Every access method allocates through this.
//
// The protocol:
//  1. Ask the map for a free block; stop when it has none.
//  2. Pin it and try a conditional lock. Failure means another backend is
//     already reusing the block; move on rather than risk a deadlock with
//     a concurrent reader.
//  3. Re-examine under the lock: accept only a new (all-zero) page or one
//     the access method recognizes as recyclable. The map is a hint, and
//     concurrent vacuum may have re-marked the page before we locked it.
//  4. With the map exhausted, take the relation-extension lock and grow
//     the main fork by one block.
func AllocPage(pool *buffer.Pool, f *FSM, rel primitives.RelID, recyclable func(page.Page) bool) (*buffer.Buffer, error) {
	for {
		block, err := f.GetFreePage()
		if err != nil {
			return nil, err
		}
		if !block.IsValid() {
			break
		}

		buf, err := pool.ReadBuffer(rel, primitives.MainFork, block, buffer.ReadNormal)
		if err != nil {
			return nil, err
		}
		if !pool.ConditionalLockBuffer(buf) {
			pool.ReleaseBuffer(buf)
			continue
		}
		if buf.Page().IsNew() || (recyclable != nil && recyclable(buf.Page())) {
			return buf, nil
		}
		pool.UnlockReleaseBuffer(buf)
	}

	unlock := pool.RelationExtendLock(rel)
	defer unlock()
	return pool.ExtendRelation(rel, primitives.MainFork)
}
