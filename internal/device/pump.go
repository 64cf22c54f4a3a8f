package device

import (
	"context"
	"time"

	"github.com/fusionkit/fusiond/internal/observability"
	"github.com/fusionkit/fusiond/internal/wire"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// readPump owns the connection's read side: one binary frame in, one
// dispatch call out. It never touches c.send directly except to deliver an
// immediate reply or error for the frame just handled.
func (s *listener) readPump(c *Conn) {
	defer func() {
		observability.RecoverPanic(s.logger, "device.readPump", map[string]any{"conn_id": c.id})
		s.disconnect(c, "read_error")
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		data, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpBinary:
			s.dispatch(c, data)
		case ws.OpClose:
			return
		}
	}
}

// writePump owns the connection's write side: outbound binary frames queued
// by either a dispatch reply or the FIFO drain loop, plus keepalive pings.
func (s *listener) writePump(c *Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				wsutil.WriteServerMessage(c.conn, ws.OpClose, nil)
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpBinary, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}

// fifoDrain blocks on the world FIFO for this participant and forwards every
// delivered message to the connection's send pump, framed per wire.MessageFrame.
// It exits once the participant is gone (FIFO closed) or the connection closes.
func (s *listener) fifoDrain(ctx context.Context, c *Conn) {
	defer observability.RecoverPanic(s.logger, "device.fifoDrain", map[string]any{"conn_id": c.id})
	for {
		msgs, err := c.world.Read(ctx, c.part, 1<<20, true)
		if err != nil {
			return
		}
		for _, m := range msgs {
			frame := wire.EncodeMessageFrame(wire.MessageFrame{
				Kind:    uint8(m.Kind),
				MsgID:   m.MsgID,
				Payload: m.Payload,
			})
			c.pushMessage(frame, s.logger)
		}
	}
}
