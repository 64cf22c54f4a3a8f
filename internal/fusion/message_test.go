package fusion

import (
	"context"
	"errors"
	"testing"
)

func TestSendPayloadBounds(t *testing.T) {
	w := newTestWorld()
	a := enterParticipant(t, w, 1)
	b := enterParticipant(t, w, 2)

	tests := []struct {
		name string
		size int
		want Code
	}{
		{"min", MinPayload, CodeOK},
		{"max", MaxPayload, CodeOK},
		{"zero", 0, CodeMessageTooLarge},
		{"over", MaxPayload + 1, CodeMessageTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := w.Send(a, b, 1, make([]byte, tt.size))
			if tt.want == CodeOK {
				if err != nil {
					t.Fatalf("send(%d): %v", tt.size, err)
				}
				return
			}
			var fe *Error
			if !errors.As(err, &fe) || fe.Code != tt.want {
				t.Fatalf("send(%d): got %v, want %s", tt.size, err, tt.want)
			}
		})
	}
}

func TestReadTooLargeLeavesFIFOUntouched(t *testing.T) {
	w := newTestWorld()
	a := enterParticipant(t, w, 1)
	b := enterParticipant(t, w, 2)

	if err := w.Send(a, b, 1, make([]byte, 100)); err != nil {
		t.Fatal(err)
	}

	_, err := w.Read(context.Background(), b, 10, false)
	var fe *Error
	if !errors.As(err, &fe) || fe.Code != CodeMessageTooLarge {
		t.Fatalf("expected MessageTooLarge, got %v", err)
	}

	readable, _ := w.Poll(b)
	if !readable {
		t.Fatal("FIFO should still hold the oversized message")
	}

	msgs, err := w.Read(context.Background(), b, 4096, false)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("read with large enough buffer: msgs=%v err=%v", msgs, err)
	}
}

func TestReadNonBlockingWouldBlockOnEmptyFIFO(t *testing.T) {
	w := newTestWorld()
	b := enterParticipant(t, w, 2)

	_, err := w.Read(context.Background(), b, 4096, false)
	if !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("expected WouldBlock, got %v", err)
	}
}

func TestLeaveTearsDownParticipant(t *testing.T) {
	w := newTestWorld()
	a := enterParticipant(t, w, 1)

	refID := w.RefNew(1)
	if err := w.RefUp(refID, a); err != nil {
		t.Fatal(err)
	}

	if err := w.Leave(a); err != nil {
		t.Fatalf("leave: %v", err)
	}

	total, _ := w.RefStat(refID)
	if total != 0 {
		t.Fatalf("ref local count not dropped on leave: %d", total)
	}

	if err := w.Leave(a); err == nil {
		t.Fatal("second leave should fail")
	}
}
