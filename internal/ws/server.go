package ws

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Server upgrades HTTP requests to WebSocket connections and tracks
// the live set so they can be shut down together.
type Server struct {
	handler    Handler
	maxMessage int64
	logger     *slog.Logger

	mu    sync.Mutex
	conns map[string]*Conn
}

// NewServer builds a Server delivering events to handler. maxMessage
// bounds inbound message sizes; 0 means unbounded.
func NewServer(handler Handler, maxMessage int64, logger *slog.Logger) *Server {
	return &Server{
		handler:    handler,
		maxMessage: maxMessage,
		logger:     logger.With(slog.String("component", "ws")),
		conns:      make(map[string]*Conn),
	}
}

// ServeHTTP performs the upgrade handshake, hijacks the underlying TCP
// connection and hands it to the connection state machine. Requests
// without an Origin header are rejected with 403, malformed upgrades
// with 400.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key, err := ValidateUpgrade(r)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrMissingOrigin) {
			status = http.StatusForbidden
		}
		s.logger.Debug("rejected upgrade",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		http.Error(w, err.Error(), status)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "upgrade not supported", http.StatusInternalServerError)
		return
	}
	nc, brw, err := hj.Hijack()
	if err != nil {
		s.logger.Warn("hijack failed", slog.String("error", err.Error()))
		http.Error(w, "upgrade failed", http.StatusInternalServerError)
		return
	}

	// The http server may have set read deadlines; the socket is ours now.
	if err := nc.SetDeadline(time.Time{}); err != nil {
		_ = nc.Close()
		return
	}
	if _, err := nc.Write(upgradeResponse(key)); err != nil {
		_ = nc.Close()
		return
	}

	c := newConn(nc, brw.Reader, s.trackingHandler(), s.maxMessage, s.logger)
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()

	go c.serve()
}

// trackingHandler wraps the user handler so the live-connection map
// stays in sync with connection lifecycles.
func (s *Server) trackingHandler() Handler {
	return &trackedHandler{s: s}
}

type trackedHandler struct {
	s *Server
}

func (t *trackedHandler) OnOpen(c *Conn) {
	if t.s.handler != nil {
		t.s.handler.OnOpen(c)
	}
}

func (t *trackedHandler) OnMessage(c *Conn, payload []byte) {
	if t.s.handler != nil {
		t.s.handler.OnMessage(c, payload)
	}
}

func (t *trackedHandler) OnClose(c *Conn) {
	t.s.mu.Lock()
	delete(t.s.conns, c.id)
	t.s.mu.Unlock()
	if t.s.handler != nil {
		t.s.handler.OnClose(c)
	}
}

// Len returns the number of live connections.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// CloseAll gracefully closes every live connection with the given
// status, used during maintenance shutdown.
func (s *Server) CloseAll(status uint16) {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close(status)
	}
}

// Shutdown force-closes everything still open.
func (s *Server) Shutdown() {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.forceClose(nil)
	}
}
