// Package device implements the WebSocket transport that stands in for the
// original kernel device node: one listener for all worlds (one connect path
// per world), one connection per participant, each connection carrying binary control frames defined by
// internal/wire and FIFO messages pushed back as they become readable.
package device

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fusionkit/fusiond/internal/fusion"
	"github.com/fusionkit/fusiond/internal/limits"
	"github.com/rs/zerolog"
)

const (
	writeWait = 5 * time.Second
	pongWait  = 30 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Conn is one connected participant's transport state: the socket, its
// outbound queue, and the thread id the core uses to key skirmishes and
// property leases for this connection.
type Conn struct {
	id       int64
	conn     net.Conn
	world    *fusion.World
	thread   fusion.ThreadID
	part     fusion.ParticipantID
	send     chan []byte
	closeOnce sync.Once
	closed   int32
	ops      *limits.OpLimiter
	minor    int
	exclusive bool
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		atomic.StoreInt32(&c.closed, 1)
		close(c.send)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// pushMessage is called by the FIFO drain loop to deliver one queued fusion
// message to the connection's send pump. Non-blocking: a full outbound queue
// forces the connection closed rather than stalling the whole world.
func (c *Conn) pushMessage(payload []byte, logger zerolog.Logger) {
	if atomic.LoadInt32(&c.closed) == 1 {
		return
	}
	select {
	case c.send <- payload:
	default:
		logger.Warn().Int64("conn_id", c.id).Msg("outbound queue full, disconnecting slow participant")
		c.close()
	}
}
