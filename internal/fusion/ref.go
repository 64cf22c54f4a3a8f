package fusion

import (
	"context"
	"sync"
)

// ref is one entry in a World's Refs registry.
type ref struct {
	mu        sync.Mutex
	cond      *sync.Cond
	id        uint32
	creator   int64
	global    int
	local     int
	localMap  map[ParticipantID]int
	locked    ParticipantID // zero means unlocked
	watched   bool
	watchCall uint32
	watchArg  uint32
	parent    *ref
	children  map[uint32]*ref // keyed by child id, weak (no refcount held)
	destroyed bool
}

func newRef(id uint32, creator int64) *ref {
	r := &ref{id: id, creator: creator, localMap: map[ParticipantID]int{}, children: map[uint32]*ref{}}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// RefNew creates a new ref and returns its id.
func (w *World) RefNew(creator int64) uint32 {
	w.mu.Lock()
	id := w.refIDs.allocate()
	w.refs[id] = newRef(id, creator)
	w.mu.Unlock()
	return id
}

func (w *World) lookupRef(id uint32) *ref {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.refs[id]
}

// total returns global+local. Caller must hold r.mu.
func (r *ref) total() int { return r.global + r.local }

// propagate applies delta to r.local (and, transitively, to every descendant)
// and wakes zero-lock waiters whenever a descendant's total reaches zero.
// Mirrors the "weak back-reference, walk children depth-first under the
// child's own lock, releasing before recursing into grandchildren" policy.
func (w *World) propagate(r *ref, delta int) {
	r.mu.Lock()
	r.local += delta
	total := r.total()
	children := make([]*ref, 0, len(r.children))
	for _, c := range r.children {
		children = append(children, c)
	}
	if total == 0 {
		w.notifyRefZero(r)
	}
	r.mu.Unlock()

	for _, c := range children {
		w.propagate(c, delta)
	}
}

// notifyRefZero fires the watch (if any) or wakes zero-lock waiters. Caller
// must hold r.mu.
func (w *World) notifyRefZero(r *ref) {
	if r.watched {
		r.watched = false
		callID, arg := r.watchCall, r.watchArg
		w.deliverWatch(callID, arg)
		return
	}
	r.cond.Broadcast()
}

// RefUp increments the ref's count. part == 0 means the "global" variant.
func (w *World) RefUp(id uint32, part ParticipantID) error {
	r := w.lookupRef(id)
	if r == nil {
		return newErr("ref_up", "ref", id, CodeInvalid)
	}
	r.mu.Lock()

	if r.locked != 0 {
		r.mu.Unlock()
		return newErr("ref_up", "ref", id, CodeBusy)
	}

	delta := 0
	if part != 0 {
		r.localMap[part]++
		r.local++
		delta = 1
	} else {
		r.global++
	}
	var children []*ref
	if delta != 0 {
		children = make([]*ref, 0, len(r.children))
		for _, c := range r.children {
			children = append(children, c)
		}
	}
	r.mu.Unlock()

	for _, c := range children {
		w.propagate(c, delta)
	}
	return nil
}

// RefDown decrements the ref's count, firing the watch or waking zero-lock
// waiters if the total reaches zero.
func (w *World) RefDown(id uint32, part ParticipantID) error {
	r := w.lookupRef(id)
	if r == nil {
		return newErr("ref_down", "ref", id, CodeInvalid)
	}
	r.mu.Lock()

	if r.locked != 0 {
		r.mu.Unlock()
		return newErr("ref_down", "ref", id, CodeBusy)
	}

	delta := 0
	if part != 0 {
		if r.localMap[part] <= 0 {
			r.mu.Unlock()
			return newErr("ref_down", "ref", id, CodeUnderflow)
		}
		r.localMap[part]--
		r.local--
		if r.localMap[part] == 0 {
			delete(r.localMap, part)
		}
		delta = -1
	} else {
		if r.global <= 0 {
			r.mu.Unlock()
			return newErr("ref_down", "ref", id, CodeUnderflow)
		}
		r.global--
	}

	total := r.total()
	var children []*ref
	if delta != 0 {
		children = make([]*ref, 0, len(r.children))
		for _, c := range r.children {
			children = append(children, c)
		}
	}
	if total == 0 {
		w.notifyRefZero(r)
	}
	r.mu.Unlock()

	for _, c := range children {
		w.propagate(c, delta)
	}
	return nil
}

// RefZeroLock blocks until the ref's total count reaches zero, then reserves
// it so the count cannot rise again until RefUnlock.
func (w *World) RefZeroLock(ctx context.Context, id uint32, part ParticipantID) error {
	for {
		r := w.lookupRef(id)
		if r == nil {
			return newErr("ref_zero_lock", "ref", id, CodeGone)
		}
		r.mu.Lock()

		if r.watched {
			r.mu.Unlock()
			return newErr("ref_zero_lock", "ref", id, CodeBusy)
		}
		if r.locked != 0 {
			r.mu.Unlock()
			return newErr("ref_zero_lock", "ref", id, CodeBusy)
		}
		if r.total() == 0 {
			r.locked = part
			r.mu.Unlock()
			return nil
		}

		if err := ctx.Err(); err != nil {
			r.mu.Unlock()
			return newErr("ref_zero_lock", "ref", id, CodeInterrupted)
		}
		stop := contextStopper(ctx, r.cond)
		r.cond.Wait()
		stop()
		r.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return newErr("ref_zero_lock", "ref", id, CodeInterrupted)
		}
	}
}

// RefZeroTrylock is the non-blocking form of RefZeroLock.
func (w *World) RefZeroTrylock(id uint32, part ParticipantID) error {
	r := w.lookupRef(id)
	if r == nil {
		return newErr("ref_zero_trylock", "ref", id, CodeInvalid)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.locked != 0 {
		return newErr("ref_zero_trylock", "ref", id, CodeBusy)
	}
	if r.total() > 0 {
		return newErr("ref_zero_trylock", "ref", id, CodeStillReferenced)
	}
	r.locked = part
	return nil
}

// RefUnlock releases a zero-lock held by part.
func (w *World) RefUnlock(id uint32, part ParticipantID) error {
	r := w.lookupRef(id)
	if r == nil {
		return newErr("ref_unlock", "ref", id, CodeInvalid)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.locked != part {
		return newErr("ref_unlock", "ref", id, CodeNotHolder)
	}
	r.locked = 0
	return nil
}

// RefStat returns the ref's current total count.
func (w *World) RefStat(id uint32) (int, error) {
	r := w.lookupRef(id)
	if r == nil {
		return 0, newErr("ref_stat", "ref", id, CodeInvalid)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total(), nil
}

// RefWatch installs a single-shot watch that fires callID/arg against the
// calls registry when the ref's total next drops to zero.
func (w *World) RefWatch(id, callID, arg uint32) error {
	r := w.lookupRef(id)
	if r == nil {
		return newErr("ref_watch", "ref", id, CodeInvalid)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.total() == 0 {
		return newErr("ref_watch", "ref", id, CodeInvalid)
	}
	if r.watched {
		return newErr("ref_watch", "ref", id, CodeAlreadyWatched)
	}
	r.watched = true
	r.watchCall = callID
	r.watchArg = arg
	return nil
}

// RefInherit declares parentID as id's parent, rejecting cycles.
func (w *World) RefInherit(id, parentID uint32) error {
	if id == parentID {
		return newErr("ref_inherit", "ref", id, CodeWouldCycle)
	}

	w.mu.Lock()
	child := w.refs[id]
	parent := w.refs[parentID]
	w.mu.Unlock()

	if child == nil || parent == nil {
		return newErr("ref_inherit", "ref", id, CodeInvalid)
	}

	if w.refWouldCycle(parent, id) {
		return newErr("ref_inherit", "ref", id, CodeWouldCycle)
	}

	parent.mu.Lock()
	parent.children[id] = child
	parentLocal := parent.local
	parent.mu.Unlock()

	child.mu.Lock()
	child.parent = parent
	child.local += parentLocal
	child.mu.Unlock()

	return nil
}

// refWouldCycle walks the parent chain starting at "from" looking for "id".
func (w *World) refWouldCycle(from *ref, id uint32) bool {
	for r := from; r != nil; {
		if r.id == id {
			return true
		}
		r.mu.Lock()
		next := r.parent
		r.mu.Unlock()
		r = next
	}
	return false
}

// RefDestroy removes id from its parent's children (propagating -local and
// clearing the child's parent link for each of its own children), wakes all
// waiters, and frees it.
func (w *World) RefDestroy(id uint32) error {
	w.mu.Lock()
	r, ok := w.refs[id]
	if !ok {
		w.mu.Unlock()
		return newErr("ref_destroy", "ref", id, CodeInvalid)
	}
	delete(w.refs, id)
	w.mu.Unlock()

	r.mu.Lock()
	parent := r.parent
	r.destroyed = true
	children := make([]*ref, 0, len(r.children))
	for _, c := range r.children {
		children = append(children, c)
	}
	r.cond.Broadcast()
	r.mu.Unlock()

	if parent != nil {
		parent.mu.Lock()
		delete(parent.children, id)
		parent.mu.Unlock()
	}

	for _, c := range children {
		c.mu.Lock()
		c.parent = nil
		c.mu.Unlock()
		w.propagate(c, -r.local)
	}

	return nil
}

// refDropAllLocalsOf removes part's contribution from every ref in the
// world, as the last step before a participant's FIFO is drained.
func (w *World) refDropAllLocalsOf(part ParticipantID) {
	w.mu.Lock()
	refs := make([]*ref, 0, len(w.refs))
	for _, r := range w.refs {
		refs = append(refs, r)
	}
	w.mu.Unlock()

	for _, r := range refs {
		r.mu.Lock()
		n, ok := r.localMap[part]
		if !ok {
			r.mu.Unlock()
			continue
		}
		delete(r.localMap, part)
		r.local -= n
		if r.locked == part {
			r.locked = 0
		}
		total := r.total()
		children := make([]*ref, 0, len(r.children))
		for _, c := range r.children {
			children = append(children, c)
		}
		if total == 0 {
			w.notifyRefZero(r)
		}
		r.mu.Unlock()

		for _, c := range children {
			w.propagate(c, -n)
		}
	}
}
