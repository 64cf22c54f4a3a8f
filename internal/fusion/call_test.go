package fusion

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCallExecuteReturnRoundTrip(t *testing.T) {
	w := newTestWorld()
	a := enterParticipant(t, w, 1) // owner, handles the call
	b := enterParticipant(t, w, 2) // caller

	callID := w.CallNew(a, Handler{Fn: 0xAA, Ctx: 0xBB})

	result := make(chan uint32, 1)
	errc := make(chan error, 1)
	go func() {
		v, err := w.CallExecute(context.Background(), callID, b, 2, 7, 0, nil, false)
		if err != nil {
			errc <- err
			return
		}
		result <- v
	}()

	msgs, err := w.Read(context.Background(), a, 4096, true)
	if err != nil {
		t.Fatalf("read request: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Kind != KindCallRequest {
		t.Fatalf("unexpected request messages: %+v", msgs)
	}

	serial := decodeSerial(t, msgs[0].Payload)
	if err := w.CallReturn(callID, a, serial, 42); err != nil {
		t.Fatalf("return: %v", err)
	}

	select {
	case v := <-result:
		if v != 42 {
			t.Fatalf("execute returned %d, want 42", v)
		}
	case err := <-errc:
		t.Fatalf("execute failed: %v", err)
	case <-time.After(time.Second):
		t.Fatal("execute never returned")
	}
}

func TestCallReturnNoMatch(t *testing.T) {
	w := newTestWorld()
	a := enterParticipant(t, w, 1)
	callID := w.CallNew(a, Handler{})

	err := w.CallReturn(callID, a, 999, 1)
	if !errors.Is(err, ErrNoMatch) {
		t.Fatalf("return with bogus serial: got %v, want NoMatch", err)
	}
}

func TestCallDestroyNotOwner(t *testing.T) {
	w := newTestWorld()
	a := enterParticipant(t, w, 1)
	b := enterParticipant(t, w, 2)
	callID := w.CallNew(a, Handler{})

	err := w.CallDestroy(context.Background(), callID, b)
	if !errors.Is(err, ErrNotOwner) {
		t.Fatalf("destroy by non-owner: got %v, want NotOwner", err)
	}
}

// decodeSerial reads the serial field back out of an encoded call-request
// payload, mirroring the layout in encodeCallRequest.
func decodeSerial(t *testing.T, payload []byte) uint32 {
	t.Helper()
	if len(payload) < 32 {
		t.Fatalf("payload too short: %d bytes", len(payload))
	}
	return uint32(payload[28])<<24 | uint32(payload[29])<<16 | uint32(payload[30])<<8 | uint32(payload[31])
}
