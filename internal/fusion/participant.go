package fusion

import (
	"context"
	"time"
)

// Signal is the peer-notification value carried by Kill. It is opaque to the
// core: transports decide what "delivering" a signal means (in this daemon,
// forcibly closing the target connection and running its teardown).
type Signal int

const (
	SignalTerm Signal = iota
	SignalKill
)

// participant is one entry in a World's Participants registry.
type participant struct {
	id        ParticipantID
	pid       int64 // creator identity, opaque to the core (a connection id)
	apiMajor  uint16
	apiMinor  uint16
	fifo      *fifo
	name      string
	onGone    chan struct{} // closed exactly once, when leave() completes
}

// Enter creates a new participant in w and returns its id. apiMajor must
// match the world's configured major version (ErrUnsupported otherwise).
func (w *World) Enter(apiMajor, apiMinor uint16, pid int64) (ParticipantID, error) {
	if apiMajor != w.apiMajor {
		return 0, newErr("enter", "participant", 0, CodeUnsupported)
	}

	w.mu.Lock()
	id := ParticipantID(w.participantIDs.allocate())
	p := &participant{
		id:       id,
		pid:      pid,
		apiMajor: apiMajor,
		apiMinor: apiMinor,
		fifo:     newFIFO(),
		onGone:   make(chan struct{}),
	}
	w.participants[id] = p
	w.mu.Unlock()

	w.participantsCond.L.Lock()
	w.participantsCond.Broadcast()
	w.participantsCond.L.Unlock()

	return id, nil
}

func (w *World) lookupParticipant(id ParticipantID) *participant {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.participants[id]
}

// Leave tears a participant down per §4.1: removes it from the registry,
// wakes kill waiters, cascades through every other registry in the fixed
// order Call -> Skirmish -> Reactor -> Property -> Ref, then drains its FIFO.
func (w *World) Leave(id ParticipantID) error {
	w.mu.Lock()
	p, ok := w.participants[id]
	if !ok {
		w.mu.Unlock()
		return newErr("leave", "participant", uint32(id), CodeInvalid)
	}
	delete(w.participants, id)
	w.mu.Unlock()

	w.participantsCond.L.Lock()
	w.participantsCond.Broadcast()
	w.participantsCond.L.Unlock()

	w.callDestroyAllOwnedBy(id)
	w.skirmishReleaseAllOwnedBy(id)
	w.reactorDetachAll(id)
	w.propertyCedeAllOwnedBy(id)
	w.refDropAllLocalsOf(id)

	p.fifo.drain()
	close(p.onGone)

	w.emitLifecycle("participant_left", id)
	return nil
}

// Send enqueues a direct message from "from" (0 for kernel-internal sends) to
// "to". Payload bounds and framing match reads (§4.1).
func (w *World) Send(from, to ParticipantID, msgID uint32, payload []byte) error {
	if len(payload) < MinPayload || len(payload) > MaxPayload {
		return newErr("send", "participant", uint32(to), CodeMessageTooLarge)
	}

	target := w.lookupParticipant(to)
	if target == nil {
		return newErr("send", "participant", uint32(to), CodeInvalid)
	}

	return target.fifo.push(&Message{Kind: KindSend, Source: from, MsgID: msgID, Payload: payload})
}

// Read drains as many whole messages as fit in maxBytes from id's FIFO.
func (w *World) Read(ctx context.Context, id ParticipantID, maxBytes int, blocking bool) ([]*Message, error) {
	p := w.lookupParticipant(id)
	if p == nil {
		return nil, newErr("read", "participant", uint32(id), CodeInvalid)
	}
	return p.fifo.read(ctx, maxBytes, blocking)
}

// Poll reports whether id's FIFO is currently readable.
func (w *World) Poll(id ParticipantID) (bool, error) {
	p := w.lookupParticipant(id)
	if p == nil {
		return false, newErr("poll", "participant", uint32(id), CodeInvalid)
	}
	return p.fifo.poll(), nil
}

// Kill delivers sig to every participant other than "from" (or to a single
// target when target != 0), optionally waiting for them to disappear.
//
// timeoutMs < 0: one pass, no waiting.
// timeoutMs == 0: wait indefinitely until all targets are gone.
// timeoutMs > 0: wait at most that long, TimedOut if any target remains.
func (w *World) Kill(ctx context.Context, from, target ParticipantID, sig Signal, timeoutMs int64, deliver func(ParticipantID, Signal)) error {
	targets := func() []ParticipantID {
		w.mu.Lock()
		defer w.mu.Unlock()
		var ids []ParticipantID
		for id := range w.participants {
			if id == from {
				continue
			}
			if target != 0 && id != target {
				continue
			}
			ids = append(ids, id)
		}
		return ids
	}()

	for _, id := range targets {
		deliver(id, sig)
	}

	if timeoutMs < 0 {
		return nil
	}

	waitCtx := ctx
	if timeoutMs > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
		defer cancel()
	}

	stop := context.AfterFunc(waitCtx, func() {
		w.participantsCond.L.Lock()
		w.participantsCond.Broadcast()
		w.participantsCond.L.Unlock()
	})
	defer stop()

	w.participantsCond.L.Lock()
	defer w.participantsCond.L.Unlock()
	for !w.allGone(targets) {
		if err := ctx.Err(); err != nil {
			return newErr("kill", "participant", uint32(from), CodeInterrupted)
		}
		if timeoutMs > 0 && waitCtx.Err() != nil {
			return newErr("kill", "participant", uint32(from), CodeTimedOut)
		}
		w.participantsCond.Wait()
	}
	return nil
}

func (w *World) allGone(ids []ParticipantID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, id := range ids {
		if _, ok := w.participants[id]; ok {
			return false
		}
	}
	return true
}
