package fusion

import (
	"context"
	"testing"
)

// TestReactorFanOut exercises end-to-end scenario 2: three participants
// attach once; one dispatches; the other two each read exactly one reactor
// message; the dispatcher's own FIFO stays empty.
func TestReactorFanOut(t *testing.T) {
	w := newTestWorld()
	a := enterParticipant(t, w, 1)
	b := enterParticipant(t, w, 2)
	c := enterParticipant(t, w, 3)

	reactorID := w.ReactorNew(1)
	for _, p := range []ParticipantID{a, b, c} {
		if err := w.ReactorAttach(reactorID, p); err != nil {
			t.Fatal(err)
		}
	}

	if err := w.ReactorDispatch(reactorID, a, false, []byte("hi")); err != nil {
		t.Fatal(err)
	}

	for _, p := range []ParticipantID{b, c} {
		msgs, err := w.Read(context.Background(), p, 4096, false)
		if err != nil {
			t.Fatalf("read(%d): %v", p, err)
		}
		if len(msgs) != 1 || msgs[0].Kind != KindReactor || string(msgs[0].Payload) != "hi" {
			t.Fatalf("read(%d) = %+v, want one reactor message \"hi\"", p, msgs)
		}
	}

	readable, _ := w.Poll(a)
	if readable {
		t.Fatal("dispatcher's own FIFO should be empty (include_self=false)")
	}
}

// TestReactorAttachDetachRoundTrip exercises the idempotent-with-counter
// round-trip law: N attaches need N detaches before a dispatch stops
// reaching the participant.
func TestReactorAttachDetachRoundTrip(t *testing.T) {
	w := newTestWorld()
	a := enterParticipant(t, w, 1)
	b := enterParticipant(t, w, 2)

	reactorID := w.ReactorNew(1)
	if err := w.ReactorAttach(reactorID, b); err != nil {
		t.Fatal(err)
	}
	if err := w.ReactorAttach(reactorID, b); err != nil {
		t.Fatal(err)
	}
	if err := w.ReactorDetach(reactorID, b); err != nil {
		t.Fatal(err)
	}

	if err := w.ReactorDispatch(reactorID, a, false, []byte("x")); err != nil {
		t.Fatal(err)
	}
	readable, _ := w.Poll(b)
	if !readable {
		t.Fatal("one remaining attach level should still receive dispatches")
	}
	w.Read(context.Background(), b, 4096, false)

	if err := w.ReactorDetach(reactorID, b); err != nil {
		t.Fatal(err)
	}
	if err := w.ReactorDispatch(reactorID, a, false, []byte("y")); err != nil {
		t.Fatal(err)
	}
	readable, _ = w.Poll(b)
	if readable {
		t.Fatal("after the Nth detach, participant should no longer receive dispatches")
	}
}
