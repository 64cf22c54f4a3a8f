package fusion

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPropertyLeaseCedeRoundTrip(t *testing.T) {
	w := newTestWorld()
	a := enterParticipant(t, w, 1)
	id := w.PropertyNew(1)

	if err := w.PropertyLease(context.Background(), id, a, 1); err != nil {
		t.Fatal(err)
	}
	if err := w.PropertyCede(id, a, 1); err != nil {
		t.Fatal(err)
	}

	p := w.lookupProperty(id)
	p.mu.Lock()
	state := p.state
	p.mu.Unlock()
	if state != PropertyAvailable {
		t.Fatalf("state after cede = %v, want Available", state)
	}
}

func TestPropertyPurchaseTimeoutWindow(t *testing.T) {
	w := newTestWorld()
	a := enterParticipant(t, w, 1)
	b := enterParticipant(t, w, 2)
	id := w.PropertyNew(1)

	if err := w.PropertyPurchase(context.Background(), id, a, 1); err != nil {
		t.Fatal(err)
	}

	// Fake the purchase timestamp to be 101ms in the past, past the 100ms
	// lease-vs-purchased window, without actually sleeping in the test.
	p := w.lookupProperty(id)
	p.mu.Lock()
	p.purchaseStamp = time.Now().Add(-101 * time.Millisecond)
	p.mu.Unlock()

	err := w.PropertyLease(context.Background(), id, b, 2)
	if !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("lease past 100ms window: got %v, want WouldBlock", err)
	}
}

func TestPropertyLeaseWaitsThenSucceedsOnCede(t *testing.T) {
	w := newTestWorld()
	a := enterParticipant(t, w, 1)
	b := enterParticipant(t, w, 2)
	id := w.PropertyNew(1)

	if err := w.PropertyPurchase(context.Background(), id, a, 1); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- w.PropertyLease(context.Background(), id, b, 2) }()

	time.Sleep(10 * time.Millisecond)
	if err := w.PropertyCede(id, a, 1); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("lease after cede: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("lease never woke after cede")
	}
}

func TestPropertyHoldupKillsPurchaser(t *testing.T) {
	w := newTestWorld()
	a := enterParticipant(t, w, 1) // privileged, id=1 by construction order
	b := enterParticipant(t, w, 2)
	id := w.PropertyNew(1)

	if err := w.PropertyPurchase(context.Background(), id, b, 1); err != nil {
		t.Fatal(err)
	}

	var killed ParticipantID
	err := w.PropertyHoldup(id, a, func(p ParticipantID, sig Signal) {
		killed = p
	})
	if err != nil {
		t.Fatalf("holdup: %v", err)
	}
	if killed != b {
		t.Fatalf("holdup killed %d, want %d", killed, b)
	}
}
