package fusion

import (
	"context"
	"sync"
)

const maxPreAcquired = 32

// owner identifies the (participant, OS-thread) pair that may hold a
// skirmish or property recursively.
type owner struct {
	part   ParticipantID
	thread ThreadID
}

func (o owner) zero() bool { return o.part == 0 && o.thread == 0 }

// skirmish is a recursive cross-participant mutex.
type skirmish struct {
	mu       sync.Mutex
	cond     *sync.Cond
	id       uint32
	creator  int64
	holder   owner
	depth    int
	preAcq   []uint32 // ids held by the current holder's thread at acquisition time, for diagnostics
}

func newSkirmish(id uint32, creator int64) *skirmish {
	s := &skirmish{id: id, creator: creator}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// SkirmishNew creates a new skirmish and returns its id.
func (w *World) SkirmishNew(creator int64) uint32 {
	w.mu.Lock()
	id := w.skirmishIDs.allocate()
	w.skirmishes[id] = newSkirmish(id, creator)
	w.mu.Unlock()
	return id
}

func (w *World) lookupSkirmish(id uint32) *skirmish {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.skirmishes[id]
}

// heldByThread returns the ids of skirmishes currently held by thread,
// across the whole world, for deadlock-diagnostic bookkeeping.
func (w *World) heldByThread(thread ThreadID, exclude uint32) []uint32 {
	w.mu.Lock()
	ss := make([]*skirmish, 0, len(w.skirmishes))
	for _, s := range w.skirmishes {
		ss = append(ss, s)
	}
	w.mu.Unlock()

	var held []uint32
	for _, s := range ss {
		s.mu.Lock()
		if s.id != exclude && s.depth > 0 && s.holder.thread == thread {
			held = append(held, s.id)
		}
		s.mu.Unlock()
	}
	return held
}

// checkDeadlockOrder reports (does not fail) when the acquiring thread holds
// another skirmish whose pre-acquisition list contains this one, i.e. this
// skirmish was already held when that one was taken. Only the lists of
// skirmishes the acquiring thread currently holds are consulted; orders
// recorded by other threads are not kept once their skirmishes are released.
func (w *World) checkDeadlockOrder(s *skirmish, thread ThreadID) {
	if w.onDeadlockHint == nil {
		return
	}
	for _, other := range w.heldByThread(thread, s.id) {
		os := w.lookupSkirmish(other)
		if os == nil {
			continue
		}
		os.mu.Lock()
		for _, pre := range os.preAcq {
			if pre == s.id {
				w.onDeadlockHint(s.id, other, thread)
			}
		}
		os.mu.Unlock()
	}
}

// SkirmishPrevail blocks until part/thread acquires the skirmish (or
// re-enters it, bumping depth).
func (w *World) SkirmishPrevail(ctx context.Context, id uint32, part ParticipantID, thread ThreadID) error {
	for {
		s := w.lookupSkirmish(id)
		if s == nil {
			return newErr("skirmish_prevail", "skirmish", id, CodeGone)
		}
		pre := w.heldByThread(thread, id)
		s.mu.Lock()

		if s.depth > 0 {
			if s.holder.part == part && s.holder.thread == thread {
				s.depth++
				s.mu.Unlock()
				return nil
			}

			w.checkDeadlockOrder(s, thread)

			if err := ctx.Err(); err != nil {
				s.mu.Unlock()
				return newErr("skirmish_prevail", "skirmish", id, CodeInterrupted)
			}
			stop := contextStopper(ctx, s.cond)
			s.cond.Wait()
			stop()
			s.mu.Unlock()

			if err := ctx.Err(); err != nil {
				return newErr("skirmish_prevail", "skirmish", id, CodeInterrupted)
			}
			continue
		}

		s.holder = owner{part: part, thread: thread}
		s.depth = 1
		if len(pre) > maxPreAcquired {
			pre = pre[:maxPreAcquired]
		}
		s.preAcq = pre
		s.mu.Unlock()
		return nil
	}
}

// SkirmishSwoop is the non-blocking form of SkirmishPrevail.
func (w *World) SkirmishSwoop(id uint32, part ParticipantID, thread ThreadID) error {
	s := w.lookupSkirmish(id)
	if s == nil {
		return newErr("skirmish_swoop", "skirmish", id, CodeInvalid)
	}
	pre := w.heldByThread(thread, id)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.depth > 0 {
		if s.holder.part == part && s.holder.thread == thread {
			s.depth++
			return nil
		}
		return newErr("skirmish_swoop", "skirmish", id, CodeBusy)
	}

	s.holder = owner{part: part, thread: thread}
	s.depth = 1
	if len(pre) > maxPreAcquired {
		pre = pre[:maxPreAcquired]
	}
	s.preAcq = pre
	return nil
}

// SkirmishLockCount returns the current recursion depth held by part/thread,
// or 0 if not held by them.
func (w *World) SkirmishLockCount(id uint32, part ParticipantID, thread ThreadID) (int, error) {
	s := w.lookupSkirmish(id)
	if s == nil {
		return 0, newErr("skirmish_lock_count", "skirmish", id, CodeInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holder.part != part || s.holder.thread != thread {
		return 0, nil
	}
	return s.depth, nil
}

// SkirmishDismiss releases one level of recursion; at depth 0, clears the
// holder and wakes every waiter.
func (w *World) SkirmishDismiss(id uint32, part ParticipantID, thread ThreadID) error {
	s := w.lookupSkirmish(id)
	if s == nil {
		return newErr("skirmish_dismiss", "skirmish", id, CodeInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.depth == 0 || s.holder.part != part || s.holder.thread != thread {
		return newErr("skirmish_dismiss", "skirmish", id, CodeNotHolder)
	}

	s.depth--
	if s.depth == 0 {
		s.holder = owner{}
		s.preAcq = nil
		s.cond.Broadcast()
	}
	return nil
}

// SkirmishDestroy removes the skirmish, waking anyone still parked on it.
func (w *World) SkirmishDestroy(id uint32) error {
	w.mu.Lock()
	s, ok := w.skirmishes[id]
	if !ok {
		w.mu.Unlock()
		return newErr("skirmish_destroy", "skirmish", id, CodeInvalid)
	}
	delete(w.skirmishes, id)
	w.mu.Unlock()

	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
	return nil
}

// skirmishReleaseAllOwnedBy force-releases every skirmish held by part,
// regardless of which thread holds it, as part of participant teardown.
func (w *World) skirmishReleaseAllOwnedBy(part ParticipantID) {
	w.mu.Lock()
	ss := make([]*skirmish, 0, len(w.skirmishes))
	for _, s := range w.skirmishes {
		ss = append(ss, s)
	}
	w.mu.Unlock()

	for _, s := range ss {
		s.mu.Lock()
		if s.depth > 0 && s.holder.part == part {
			s.depth = 0
			s.holder = owner{}
			s.preAcq = nil
			s.cond.Broadcast()
		}
		s.mu.Unlock()
	}
}

// skirmishTransferAll re-attributes every skirmish held by fromThread to
// (toPart, serial-tagged thread), for the duration of a synchronous RPC. The
// transferred set is returned so it can be handed back on return.
func (w *World) skirmishTransferAll(fromPart ParticipantID, fromThread ThreadID, toPart ParticipantID, toThread ThreadID) []uint32 {
	w.mu.Lock()
	ss := make([]*skirmish, 0, len(w.skirmishes))
	for _, s := range w.skirmishes {
		ss = append(ss, s)
	}
	w.mu.Unlock()

	var transferred []uint32
	for _, s := range ss {
		s.mu.Lock()
		if s.depth > 0 && s.holder.part == fromPart && s.holder.thread == fromThread {
			s.holder = owner{part: toPart, thread: toThread}
			transferred = append(transferred, s.id)
		}
		s.mu.Unlock()
	}
	return transferred
}

// skirmishReclaimAll undoes a transfer, handing the listed skirmishes back
// to (toPart, toThread).
func (w *World) skirmishReclaimAll(ids []uint32, toPart ParticipantID, toThread ThreadID) {
	for _, id := range ids {
		s := w.lookupSkirmish(id)
		if s == nil {
			continue
		}
		s.mu.Lock()
		if s.depth > 0 {
			s.holder = owner{part: toPart, thread: toThread}
		}
		s.mu.Unlock()
	}
}
