package fusion

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSkirmishRecursiveAcquireAndRelease(t *testing.T) {
	w := newTestWorld()
	a := enterParticipant(t, w, 1)
	id := w.SkirmishNew(1)

	for i := 0; i < 3; i++ {
		if err := w.SkirmishPrevail(context.Background(), id, a, 1); err != nil {
			t.Fatalf("prevail #%d: %v", i, err)
		}
	}
	depth, err := w.SkirmishLockCount(id, a, 1)
	if err != nil || depth != 3 {
		t.Fatalf("depth=%d err=%v, want 3", depth, err)
	}

	for i := 0; i < 3; i++ {
		if err := w.SkirmishDismiss(id, a, 1); err != nil {
			t.Fatalf("dismiss #%d: %v", i, err)
		}
	}

	depth, _ = w.SkirmishLockCount(id, a, 1)
	if depth != 0 {
		t.Fatalf("depth after full release = %d, want 0", depth)
	}

	// another (participant, thread) pair can now acquire immediately.
	b := enterParticipant(t, w, 2)
	if err := w.SkirmishSwoop(id, b, 2); err != nil {
		t.Fatalf("swoop after release: %v", err)
	}
}

func TestSkirmishOtherThreadBlocksThenReleasesOnTeardown(t *testing.T) {
	w := newTestWorld()
	a := enterParticipant(t, w, 1)
	id := w.SkirmishNew(1)

	if err := w.SkirmishPrevail(context.Background(), id, a, 1); err != nil {
		t.Fatal(err)
	}
	if err := w.SkirmishSwoop(id, a, 2); !errors.Is(err, ErrBusy) {
		t.Fatalf("swoop from different thread: got %v, want Busy", err)
	}

	b := enterParticipant(t, w, 2)
	done := make(chan error, 1)
	go func() { done <- w.SkirmishPrevail(context.Background(), id, b, 2) }()

	select {
	case <-done:
		t.Fatal("prevail from contending participant returned before release")
	case <-time.After(50 * time.Millisecond):
	}

	// A disappears: teardown force-releases the skirmish (scenario 5).
	if err := w.Leave(a); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("prevail after teardown: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("prevail never woke after owner teardown")
	}

	depth, _ := w.SkirmishLockCount(id, b, 2)
	if depth != 1 {
		t.Fatalf("depth after acquiring post-teardown = %d, want 1", depth)
	}
}

func TestSkirmishDismissNotHolder(t *testing.T) {
	w := newTestWorld()
	a := enterParticipant(t, w, 1)
	id := w.SkirmishNew(1)

	if err := w.SkirmishPrevail(context.Background(), id, a, 1); err != nil {
		t.Fatal(err)
	}
	if err := w.SkirmishDismiss(id, a, 2); !errors.Is(err, ErrNotHolder) {
		t.Fatalf("dismiss from wrong thread: got %v, want NotHolder", err)
	}
}
