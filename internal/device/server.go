package device

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fusionkit/fusiond/internal/fusion"
	"github.com/fusionkit/fusiond/internal/limits"
	"github.com/fusionkit/fusiond/internal/metrics"
	"github.com/gobwas/ws"
	"github.com/rs/zerolog"
)

// listener serves one fusiond HTTP/WebSocket endpoint: the lounge where
// participants enter, and the per-connection control-frame dispatch loop
// that drives a fusion.Manager's worlds.
type listener struct {
	addr      string
	manager   *fusion.Manager
	limiter   *limits.Admission
	logger    zerolog.Logger
	apiMajor  uint16
	server    *http.Server
	connSeq   int64
	conns     sync.Map // map[int64]*Conn
	opsPerSec int
	opsBurst  int
}

// NewListener builds a device listener bound to the given manager. It does
// not start serving until Start is called.
func NewListener(addr string, manager *fusion.Manager, limiter *limits.Admission, apiMajor uint16, opsPerSec, opsBurst int, logger zerolog.Logger) *listener {
	return &listener{
		addr:      addr,
		manager:   manager,
		limiter:   limiter,
		apiMajor:  apiMajor,
		opsPerSec: opsPerSec,
		opsBurst:  opsBurst,
		logger:    logger,
	}
}

// Start begins serving WebSocket connections and blocks until the listener
// is closed or the context is cancelled.
func (s *listener) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/worlds/", s.handleUpgrade)
	mux.HandleFunc("/fusion/stats", s.handleStats)

	s.server = &http.Server{Addr: s.addr, Handler: mux}

	errc := make(chan error, 1)
	go func() { errc <- s.server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return s.server.Close()
	case err := <-errc:
		return err
	}
}

func (s *listener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 3 || parts[0] != "worlds" || parts[2] != "connect" {
		http.NotFound(w, r)
		return
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil || minor < 0 || minor >= fusion.MaxWorlds {
		http.Error(w, "unknown world", http.StatusNotFound)
		return
	}
	exclusive := r.URL.Query().Get("exclusive") == "true"

	if !s.limiter.AllowConnection() {
		metrics.IncrementConnectionRejected()
		http.Error(w, "fusiond overloaded", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &Conn{
		id:        atomic.AddInt64(&s.connSeq, 1),
		conn:      conn,
		send:      make(chan []byte, 256),
		ops:       limits.NewOpLimiter(s.opsPerSec, s.opsBurst),
		minor:     minor,
		exclusive: exclusive,
	}
	s.conns.Store(c.id, c)

	go s.readPump(c)
	go s.writePump(c)
}

func (s *listener) disconnect(c *Conn, reason string) {
	s.conns.Delete(c.id)
	if c.world != nil && c.part != 0 {
		if err := s.manager.Close(c.minor, c.part); err != nil {
			s.logger.Debug().Err(err).Int64("conn_id", c.id).Msg("leave on disconnect")
		}
	}
	c.close()
	s.logger.Info().Int64("conn_id", c.id).Str("reason", reason).Msg("connection closed")
}

func (s *listener) handleStats(w http.ResponseWriter, r *http.Request) {
	_ = r
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte("{}"))
}
