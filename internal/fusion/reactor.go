package fusion

import "sync"

// reactor is a pub/sub fan-out channel.
type reactor struct {
	mu          sync.Mutex
	id          uint32
	creator     int64
	subscribers map[ParticipantID]int // attach count, idempotent-with-counter
	dispatched  uint64
}

func newReactor(id uint32, creator int64) *reactor {
	return &reactor{id: id, creator: creator, subscribers: map[ParticipantID]int{}}
}

// ReactorNew creates a new reactor.
func (w *World) ReactorNew(creator int64) uint32 {
	w.mu.Lock()
	id := w.reactorIDs.allocate()
	w.reactors[id] = newReactor(id, creator)
	w.mu.Unlock()
	return id
}

func (w *World) lookupReactor(id uint32) *reactor {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reactors[id]
}

// ReactorAttach subscribes part, bumping its attach count.
func (w *World) ReactorAttach(id uint32, part ParticipantID) error {
	r := w.lookupReactor(id)
	if r == nil {
		return newErr("reactor_attach", "reactor", id, CodeInvalid)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers[part]++
	return nil
}

// ReactorDetach un-subscribes one attach level; the Nth attach requires N
// detaches before part leaves the subscriber set.
func (w *World) ReactorDetach(id uint32, part ParticipantID) error {
	r := w.lookupReactor(id)
	if r == nil {
		return newErr("reactor_detach", "reactor", id, CodeInvalid)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.subscribers[part]
	if !ok {
		return newErr("reactor_detach", "reactor", id, CodeNotHolder)
	}
	n--
	if n <= 0 {
		delete(r.subscribers, part)
	} else {
		r.subscribers[part] = n
	}
	return nil
}

// ReactorDispatch enqueues one reactor message on every attached
// participant's FIFO except "from" (unless includeSelf). Per-subscriber
// enqueue failures are reported to the world's OnDropped hook, not surfaced
// to the dispatcher.
func (w *World) ReactorDispatch(id uint32, from ParticipantID, includeSelf bool, payload []byte) error {
	if len(payload) < MinPayload || len(payload) > MaxPayload {
		return newErr("reactor_dispatch", "reactor", id, CodeMessageTooLarge)
	}

	r := w.lookupReactor(id)
	if r == nil {
		return newErr("reactor_dispatch", "reactor", id, CodeInvalid)
	}

	r.mu.Lock()
	targets := make([]ParticipantID, 0, len(r.subscribers))
	for part := range r.subscribers {
		if part == from && !includeSelf {
			continue
		}
		targets = append(targets, part)
	}
	r.dispatched++
	r.mu.Unlock()

	for _, part := range targets {
		p := w.lookupParticipant(part)
		if p == nil {
			w.logDropped(id, part, "reactor_subscriber_gone")
			continue
		}
		msg := &Message{Kind: KindReactor, Source: from, MsgID: id, Payload: payload}
		if err := p.fifo.push(msg); err != nil {
			w.logDropped(id, part, "reactor_fifo_push_failed")
		}
	}
	return nil
}

// ReactorDestroy removes the reactor.
func (w *World) ReactorDestroy(id uint32) error {
	w.mu.Lock()
	_, ok := w.reactors[id]
	if !ok {
		w.mu.Unlock()
		return newErr("reactor_destroy", "reactor", id, CodeInvalid)
	}
	delete(w.reactors, id)
	w.mu.Unlock()
	return nil
}

// reactorDetachAll removes part from every reactor's subscriber set, as
// part of participant teardown.
func (w *World) reactorDetachAll(part ParticipantID) {
	w.mu.Lock()
	rs := make([]*reactor, 0, len(w.reactors))
	for _, r := range w.reactors {
		rs = append(rs, r)
	}
	w.mu.Unlock()

	for _, r := range rs {
		r.mu.Lock()
		delete(r.subscribers, part)
		r.mu.Unlock()
	}
}
