package fusion

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestWorld() *World {
	return NewWorld(0, 1)
}

func enterParticipant(t *testing.T, w *World, pid int64) ParticipantID {
	t.Helper()
	id, err := w.Enter(1, 0, pid)
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	return id
}

func TestRefUpDownRoundTrip(t *testing.T) {
	w := newTestWorld()
	a := enterParticipant(t, w, 1)

	id := w.RefNew(1)
	if err := w.RefUp(id, a); err != nil {
		t.Fatalf("up: %v", err)
	}
	if err := w.RefDown(id, a); err != nil {
		t.Fatalf("down: %v", err)
	}
	total, err := w.RefStat(id)
	if err != nil || total != 0 {
		t.Fatalf("stat after round trip: total=%d err=%v", total, err)
	}
}

func TestRefDownUnderflow(t *testing.T) {
	w := newTestWorld()
	a := enterParticipant(t, w, 1)
	id := w.RefNew(1)

	err := w.RefDown(id, a)
	var fe *Error
	if !errors.As(err, &fe) || fe.Code != CodeUnderflow {
		t.Fatalf("expected Underflow, got %v", err)
	}
}

func TestRefZeroTrylockStillReferenced(t *testing.T) {
	w := newTestWorld()
	a := enterParticipant(t, w, 1)
	id := w.RefNew(1)
	if err := w.RefUp(id, a); err != nil {
		t.Fatal(err)
	}

	err := w.RefZeroTrylock(id, a)
	var fe *Error
	if !errors.As(err, &fe) || fe.Code != CodeStillReferenced {
		t.Fatalf("expected StillReferenced, got %v", err)
	}
}

func TestRefZeroLockBlocksUntilZero(t *testing.T) {
	w := newTestWorld()
	a := enterParticipant(t, w, 1)
	id := w.RefNew(1)
	if err := w.RefUp(id, a); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		done <- w.RefZeroLock(context.Background(), id, a)
	}()

	select {
	case <-done:
		t.Fatal("zero_lock returned before count reached zero")
	case <-time.After(50 * time.Millisecond):
	}

	if err := w.RefDown(id, a); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("zero_lock: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("zero_lock never woke after count reached zero")
	}
}

func TestRefInheritPropagationAndCycle(t *testing.T) {
	w := newTestWorld()
	a := enterParticipant(t, w, 1)

	p := w.RefNew(1)
	q := w.RefNew(1)

	for i := 0; i < 3; i++ {
		if err := w.RefUp(p, a); err != nil {
			t.Fatal(err)
		}
	}

	if err := w.RefInherit(q, p); err != nil {
		t.Fatalf("inherit: %v", err)
	}

	qTotal, _ := w.RefStat(q)
	if qTotal != 3 {
		t.Fatalf("Q.local after inherit = %d, want 3", qTotal)
	}

	if err := w.RefDown(p, a); err != nil {
		t.Fatal(err)
	}
	pTotal, _ := w.RefStat(p)
	qTotal, _ = w.RefStat(q)
	if pTotal != 2 || qTotal != 2 {
		t.Fatalf("after one down: P=%d Q=%d, want 2/2", pTotal, qTotal)
	}

	if err := w.RefDestroy(p); err != nil {
		t.Fatal(err)
	}
	qTotal, _ = w.RefStat(q)
	if qTotal != 0 {
		t.Fatalf("Q.local after destroying P = %d, want 0", qTotal)
	}

	// A direct cycle attempt must be rejected.
	r := w.RefNew(1)
	if err := w.RefInherit(r, r); !errors.Is(err, ErrWouldCycle) {
		t.Fatalf("self-inherit: expected WouldCycle, got %v", err)
	}
}

func TestRefWatchFiresOnDropToZero(t *testing.T) {
	w := newTestWorld()
	a := enterParticipant(t, w, 1)
	owner := enterParticipant(t, w, 2)

	callID := w.CallNew(owner, Handler{Fn: 0xAA, Ctx: 0xBB})
	refID := w.RefNew(1)

	if err := w.RefUp(refID, a); err != nil {
		t.Fatal(err)
	}
	if err := w.RefWatch(refID, callID, 99); err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := w.RefDown(refID, a); err != nil {
		t.Fatal(err)
	}

	msgs, err := w.Read(context.Background(), owner, 4096, false)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Kind != KindCallRequest {
		t.Fatalf("expected one call-request message, got %+v", msgs)
	}
}
