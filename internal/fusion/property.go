package fusion

import (
	"context"
	"runtime"
	"sync"
	"time"
)

// PropertyState is one of the three lease states.
type PropertyState int

const (
	PropertyAvailable PropertyState = iota
	PropertyLeased
	PropertyPurchased
)

const (
	leaseWaitWindow    = 100 * time.Millisecond
	purchaseWaitWindow = 1 * time.Second
)

// property is a single tri-state lease.
type property struct {
	mu             sync.Mutex
	cond           *sync.Cond
	id             uint32
	creator        int64
	state          PropertyState
	holder         owner
	depth          int
	purchaseStamp  time.Time
}

func newProperty(id uint32, creator int64) *property {
	p := &property{id: id, creator: creator}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// PropertyNew creates a new property in the Available state.
func (w *World) PropertyNew(creator int64) uint32 {
	w.mu.Lock()
	id := w.propertyIDs.allocate()
	w.properties[id] = newProperty(id, creator)
	w.mu.Unlock()
	return id
}

func (w *World) lookupProperty(id uint32) *property {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.properties[id]
}

// PropertyLease acquires a shared-style lease; waits out a concurrent lease,
// and waits up to 100ms since the purchase timestamp if currently purchased.
func (w *World) PropertyLease(ctx context.Context, id uint32, part ParticipantID, thread ThreadID) error {
	return w.propertyAcquire(ctx, id, part, thread, PropertyLeased, leaseWaitWindow)
}

// PropertyPurchase acquires an exclusive purchase; waits out a concurrent
// lease, and waits up to 1s since the purchase timestamp if already
// purchased by someone else.
func (w *World) PropertyPurchase(ctx context.Context, id uint32, part ParticipantID, thread ThreadID) error {
	return w.propertyAcquire(ctx, id, part, thread, PropertyPurchased, purchaseWaitWindow)
}

func (w *World) propertyAcquire(ctx context.Context, id uint32, part ParticipantID, thread ThreadID, want PropertyState, window time.Duration) error {
	op := "property_lease"
	if want == PropertyPurchased {
		op = "property_purchase"
	}

	var deadline time.Time
	haveDeadline := false

	for {
		p := w.lookupProperty(id)
		if p == nil {
			return newErr(op, "property", id, CodeInvalid)
		}
		p.mu.Lock()

		switch p.state {
		case PropertyAvailable:
			p.state = want
			p.holder = owner{part: part, thread: thread}
			p.depth = 1
			if want == PropertyPurchased {
				p.purchaseStamp = nowFunc()
				p.cond.Broadcast()
			}
			p.mu.Unlock()
			return nil

		case PropertyLeased:
			if p.holder.thread == thread && p.holder.part == part {
				p.depth++
				p.mu.Unlock()
				return nil
			}
			if err := ctx.Err(); err != nil {
				p.mu.Unlock()
				return newErr(op, "property", id, CodeInterrupted)
			}
			stop := contextStopper(ctx, p.cond)
			p.cond.Wait()
			stop()
			p.mu.Unlock()
			if err := ctx.Err(); err != nil {
				return newErr(op, "property", id, CodeInterrupted)
			}

		case PropertyPurchased:
			if p.holder.thread == thread && p.holder.part == part {
				p.depth++
				p.mu.Unlock()
				return nil
			}
			if !haveDeadline {
				deadline = p.purchaseStamp.Add(window)
				haveDeadline = true
			}
			if !nowFunc().Before(deadline) {
				p.mu.Unlock()
				return newErr(op, "property", id, CodeWouldBlock)
			}
			waitCtx, cancel := context.WithDeadline(ctx, deadline)
			if err := ctx.Err(); err != nil {
				cancel()
				p.mu.Unlock()
				return newErr(op, "property", id, CodeInterrupted)
			}
			stop := contextStopper(waitCtx, p.cond)
			p.cond.Wait()
			stop()
			cancel()
			p.mu.Unlock()
			if err := ctx.Err(); err != nil {
				return newErr(op, "property", id, CodeInterrupted)
			}
		}
	}
}

// PropertyCede releases one level of recursion; at depth 0 clears to
// Available and wakes all waiters, yielding once if the released state was
// Purchased (anti-starvation for just-woken lessors).
func (w *World) PropertyCede(id uint32, part ParticipantID, thread ThreadID) error {
	p := w.lookupProperty(id)
	if p == nil {
		return newErr("property_cede", "property", id, CodeInvalid)
	}
	p.mu.Lock()

	if p.depth == 0 || p.holder.part != part || p.holder.thread != thread {
		p.mu.Unlock()
		return newErr("property_cede", "property", id, CodeNotHolder)
	}

	p.depth--
	reachedZero := p.depth == 0
	wasPurchased := p.state == PropertyPurchased
	if reachedZero {
		p.state = PropertyAvailable
		p.holder = owner{}
		p.cond.Broadcast()
	}
	p.mu.Unlock()

	if wasPurchased && reachedZero {
		runtime.Gosched()
	}
	return nil
}

// PropertyHoldup is the privileged rescue operation: if the property is
// purchased by someone other than "by", deliver SIGKILL to that holder.
func (w *World) PropertyHoldup(id uint32, by ParticipantID, kill func(ParticipantID, Signal)) error {
	const privileged ParticipantID = 1
	if by != privileged {
		return newErr("property_holdup", "property", id, CodeNotOwner)
	}

	p := w.lookupProperty(id)
	if p == nil {
		return newErr("property_holdup", "property", id, CodeInvalid)
	}
	p.mu.Lock()
	if p.state != PropertyPurchased {
		p.mu.Unlock()
		return nil
	}
	if p.holder.part == by {
		p.mu.Unlock()
		return newErr("property_holdup", "property", id, CodeNotHolder)
	}
	victim := p.holder.part
	p.mu.Unlock()

	kill(victim, SignalKill)
	return nil
}

// PropertyDestroy removes the property, waking anyone parked on it.
func (w *World) PropertyDestroy(id uint32) error {
	w.mu.Lock()
	p, ok := w.properties[id]
	if !ok {
		w.mu.Unlock()
		return newErr("property_destroy", "property", id, CodeInvalid)
	}
	delete(w.properties, id)
	w.mu.Unlock()

	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
	return nil
}

// propertyCedeAllOwnedBy force-clears every property held by part back to
// Available, as part of participant teardown.
func (w *World) propertyCedeAllOwnedBy(part ParticipantID) {
	w.mu.Lock()
	ps := make([]*property, 0, len(w.properties))
	for _, p := range w.properties {
		ps = append(ps, p)
	}
	w.mu.Unlock()

	for _, p := range ps {
		p.mu.Lock()
		if p.depth > 0 && p.holder.part == part {
			p.state = PropertyAvailable
			p.holder = owner{}
			p.depth = 0
			p.cond.Broadcast()
		}
		p.mu.Unlock()
	}
}

// nowFunc is indirected so tests can fake purchase-timeout windows.
var nowFunc = time.Now
