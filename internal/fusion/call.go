package fusion

import (
	"context"
	"encoding/binary"
	"sync"
)

// Handler is the opaque two-word (handler, ctx) pair the kernel shuttles
// verbatim in call-request messages without ever dereferencing it.
type Handler struct {
	Fn  uint64
	Ctx uint64
}

// execution is one in-flight RPC request/reply pair.
type execution struct {
	callID     uint32
	caller     ParticipantID // calling participant, kept after orphaning
	callerOK   bool          // false once orphaned
	thread     ThreadID
	serial     uint32
	retVal     uint32
	executed   bool
	cond       *sync.Cond
	transferred []uint32
}

// call is a synchronous RPC endpoint owned by one participant.
type call struct {
	mu         sync.Mutex
	id         uint32
	owner      ParticipantID
	handler    Handler
	executions []*execution
	nextSerial uint32
	invocations uint64
	destroying bool
}

func newCall(id uint32, owner ParticipantID, h Handler) *call {
	return &call{id: id, owner: owner, handler: h}
}

// CallNew creates a call owned by owner.
func (w *World) CallNew(owner ParticipantID, h Handler) uint32 {
	w.mu.Lock()
	id := w.callIDs.allocate()
	w.calls[id] = newCall(id, owner, h)
	w.mu.Unlock()
	return id
}

func (w *World) lookupCall(id uint32) *call {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls[id]
}

// CallExecute performs a synchronous (or one-way) RPC against callID.
// arg and ptr are opaque values forwarded verbatim in the request message;
// inline carries an optional small inline payload (the execute2 variant).
// On success (non-one-way) it returns the value passed to the matching
// Return call.
func (w *World) CallExecute(ctx context.Context, callID uint32, from ParticipantID, fromThread ThreadID, arg, ptr uint32, inline []byte, oneway bool) (uint32, error) {
	c := w.lookupCall(callID)
	if c == nil {
		return 0, newErr("call_execute", "call", callID, CodeInvalid)
	}

	c.mu.Lock()
	if c.destroying {
		c.mu.Unlock()
		return 0, newErr("call_execute", "call", callID, CodeInvalid)
	}
	c.nextSerial++
	serial := c.nextSerial
	c.invocations++

	var exec *execution
	if !oneway {
		exec = &execution{callID: callID, caller: from, callerOK: true, thread: fromThread, serial: serial}
		exec.cond = sync.NewCond(&c.mu)
		c.executions = append(c.executions, exec)
	}
	owner := c.owner
	handler := c.handler
	c.mu.Unlock()

	payload := encodeCallRequest(handler, from, arg, ptr, serial, inline)
	kind := KindCallRequest
	if err := w.enqueueCallRequest(owner, callID, kind, payload); err != nil {
		if !oneway {
			w.removeExecution(c, exec)
		}
		return 0, err
	}

	if oneway {
		return 0, nil
	}

	transferred := w.skirmishTransferAll(from, fromThread, owner, ThreadID(serial))
	c.mu.Lock()
	exec.transferred = transferred
	c.mu.Unlock()

	stop := contextStopper(ctx, exec.cond)
	c.mu.Lock()
	for !exec.executed && exec.callerOK {
		if err := ctx.Err(); err != nil {
			exec.callerOK = false // orphan: callee will free on return
			c.mu.Unlock()
			stop()
			w.skirmishReclaimAll(transferred, owner, ThreadID(serial))
			return 0, newErr("call_execute", "call", callID, CodeInterrupted)
		}
		exec.cond.Wait()
	}
	ret := exec.retVal
	ownerGone := !exec.callerOK // woken by callDestroyAllOwnedBy, not by Return
	// if executed, the returner already removed us from c.executions.
	c.mu.Unlock()
	stop()

	w.skirmishReclaimAll(transferred, from, fromThread)
	if ownerGone {
		return 0, newErr("call_execute", "call", callID, CodeGone)
	}
	return ret, nil
}

func (w *World) removeExecution(c *call, exec *execution) {
	if exec == nil {
		return
	}
	c.mu.Lock()
	for i, e := range c.executions {
		if e == exec {
			c.executions = append(c.executions[:i], c.executions[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
}

// enqueueCallRequest is a seam so tests can observe the encoded request
// without standing up a whole transport.
func (w *World) enqueueCallRequest(owner ParticipantID, callID uint32, kind MessageKind, payload []byte) error {
	p := w.lookupParticipant(owner)
	if p == nil {
		return newErr("call_execute", "participant", uint32(owner), CodeInvalid)
	}
	return p.fifo.push(&Message{Kind: kind, Source: 0, MsgID: callID, Payload: payload})
}

// encodeCallRequest packs a call-request payload: handler{fn,ctx}, caller,
// arg, ptr, serial, followed by any inline bytes.
func encodeCallRequest(h Handler, caller ParticipantID, arg, ptr, serial uint32, inline []byte) []byte {
	buf := make([]byte, 8+8+4+4+4+4+len(inline))
	binary.BigEndian.PutUint64(buf[0:8], h.Fn)
	binary.BigEndian.PutUint64(buf[8:16], h.Ctx)
	binary.BigEndian.PutUint32(buf[16:20], uint32(caller))
	binary.BigEndian.PutUint32(buf[20:24], arg)
	binary.BigEndian.PutUint32(buf[24:28], ptr)
	binary.BigEndian.PutUint32(buf[28:32], serial)
	copy(buf[32:], inline)
	return buf
}

// CallReturn is invoked by the owner after running the user-level handler.
// The execution matching (callID, serial) is found oldest-first; if it was
// orphaned (caller gone), it is freed and the skirmishes transferred for it
// are handed back to the caller's thread; otherwise its result is recorded
// and the caller is woken.
func (w *World) CallReturn(callID uint32, by ParticipantID, serial, val uint32) error {
	c := w.lookupCall(callID)
	if c == nil {
		return newErr("call_return", "call", callID, CodeInvalid)
	}
	c.mu.Lock()
	if c.owner != by {
		c.mu.Unlock()
		return newErr("call_return", "call", callID, CodeNotOwner)
	}

	var match *execution
	idx := -1
	for i, e := range c.executions {
		if e.serial == serial && !e.executed {
			match = e
			idx = i
			break
		}
	}
	if match == nil {
		c.mu.Unlock()
		return newErr("call_return", "call", callID, CodeNoMatch)
	}

	c.executions = append(c.executions[:idx], c.executions[idx+1:]...)

	if !match.callerOK {
		// orphaned: caller already gone, free it and undo its transfer.
		transferred := match.transferred
		c.mu.Unlock()
		w.skirmishReclaimAll(transferred, match.caller, match.thread)
		return nil
	}

	match.retVal = val
	match.executed = true
	match.cond.Broadcast()
	c.mu.Unlock()
	return nil
}

// CallDestroy tears down a call the caller owns: waits for all in-flight
// request messages to be consumed from the owner's FIFO, then waits for
// every execution to drain.
func (w *World) CallDestroy(ctx context.Context, callID uint32, by ParticipantID) error {
	c := w.lookupCall(callID)
	if c == nil {
		return newErr("call_destroy", "call", callID, CodeInvalid)
	}
	c.mu.Lock()
	if c.owner != by {
		c.mu.Unlock()
		return newErr("call_destroy", "call", callID, CodeNotOwner)
	}
	c.destroying = true
	c.mu.Unlock()

	if p := w.lookupParticipant(by); p != nil {
		if err := p.fifo.waitNoPending(ctx, func(m *Message) bool {
			return m.Kind == KindCallRequest && m.MsgID == callID
		}); err != nil {
			return err
		}
	}

	for {
		c.mu.Lock()
		if len(c.executions) == 0 {
			c.mu.Unlock()
			break
		}
		head := c.executions[0]
		if err := ctx.Err(); err != nil {
			c.mu.Unlock()
			return newErr("call_destroy", "call", callID, CodeInterrupted)
		}
		stop := contextStopper(ctx, head.cond)
		head.cond.Wait()
		stop()
		c.mu.Unlock()
	}

	w.mu.Lock()
	delete(w.calls, callID)
	w.mu.Unlock()
	return nil
}

// callDestroyAllOwnedBy force-destroys every call owned by part, waking
// every waiting caller (whose CallExecute then fails with Gone), as the
// first step of participant teardown.
func (w *World) callDestroyAllOwnedBy(part ParticipantID) {
	w.mu.Lock()
	var owned []*call
	for id, c := range w.calls {
		c.mu.Lock()
		if c.owner == part {
			owned = append(owned, c)
			delete(w.calls, id)
		}
		c.mu.Unlock()
	}
	w.mu.Unlock()

	for _, c := range owned {
		c.mu.Lock()
		for _, e := range c.executions {
			e.callerOK = false
			e.executed = true
			e.cond.Broadcast()
		}
		c.executions = nil
		c.mu.Unlock()
	}
}

// deliverWatch enqueues a system-originated call-request for a ref that just
// dropped to zero. Caller = SystemCaller, serial = 0 (no reply expected).
func (w *World) deliverWatch(callID, arg uint32) {
	c := w.lookupCall(callID)
	if c == nil {
		w.logDropped(callID, 0, "watch_call_gone")
		return
	}
	c.mu.Lock()
	owner := c.owner
	handler := c.handler
	c.invocations++
	c.mu.Unlock()

	payload := encodeCallRequest(handler, SystemCaller, arg, 0, 0, nil)
	if err := w.enqueueCallRequest(owner, callID, KindCallRequest, payload); err != nil {
		w.logDropped(callID, owner, "watch_delivery_failed")
	}
}
