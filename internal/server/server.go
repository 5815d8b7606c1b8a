// Package server ties the pieces together: it accepts WebSocket
// players, runs the dispatch loop that feeds them media from the chunk
// store, and exposes the operator HTTP surface.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ottlab/media-server/internal/abr"
	"github.com/ottlab/media-server/internal/config"
	"github.com/ottlab/media-server/internal/observability"
	"github.com/ottlab/media-server/internal/protocol"
	"github.com/ottlab/media-server/internal/session"
	"github.com/ottlab/media-server/internal/store"
	"github.com/ottlab/media-server/internal/ws"
)

const (
	// dispatchTick paces the send loop; fine enough that the added
	// latency is invisible next to chunk durations of ~2 s.
	dispatchTick = 50 * time.Millisecond

	idleCheckTick = time.Second

	// maxClientMessage bounds inbound control messages; clients only
	// ever send small JSON.
	maxClientMessage = 1 << 16

	// abrHorizonSlots is how far ahead the lookahead algorithms see.
	abrHorizonSlots = 5
)

type eventKind int

const (
	evOpen eventKind = iota
	evMessage
	evClose
)

// event crosses from the connection reader goroutines into the
// dispatcher goroutine, which owns all session state.
type event struct {
	kind    eventKind
	conn    *ws.Conn
	payload []byte
}

// Server owns the sessions and the dispatch loop.
type Server struct {
	cfg      *config.Config
	registry *store.Registry
	logger   *slog.Logger
	serverID string
	exptID   string

	ws        *ws.Server
	events    chan event
	snapshots chan chan []SessionInfo

	// Owned by the dispatcher goroutine.
	sessions     map[string]*session.Session
	pendingInits map[string]*protocol.ClientInit

	done chan struct{}
}

// New builds a Server for the given channel registry.
func New(cfg *config.Config, registry *store.Registry, logger *slog.Logger, serverID, exptID string) *Server {
	s := &Server{
		cfg:          cfg,
		registry:     registry,
		logger:       observability.WithComponent(logger, "server"),
		serverID:     serverID,
		exptID:       exptID,
		events:       make(chan event, 1024),
		snapshots:    make(chan chan []SessionInfo),
		sessions:     make(map[string]*session.Session),
		pendingInits: make(map[string]*protocol.ClientInit),
	}
	s.ws = ws.NewServer(s, maxClientMessage, logger)
	return s
}

// OnOpen implements ws.Handler; it runs on a connection goroutine and
// only forwards.
func (s *Server) OnOpen(c *ws.Conn) { s.events <- event{kind: evOpen, conn: c} }

// OnMessage implements ws.Handler.
func (s *Server) OnMessage(c *ws.Conn, payload []byte) {
	s.events <- event{kind: evMessage, conn: c, payload: payload}
}

// OnClose implements ws.Handler.
func (s *Server) OnClose(c *ws.Conn) { s.events <- event{kind: evClose, conn: c} }

// Run is the dispatcher loop. It returns after a maintenance shutdown
// triggered by ctx cancellation.
func (s *Server) Run(ctx context.Context) {
	dispatch := time.NewTicker(dispatchTick)
	defer dispatch.Stop()
	idle := time.NewTicker(idleCheckTick)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case ev := <-s.events:
			s.handleEvent(ev)
		case <-dispatch.C:
			s.dispatch()
		case <-idle.C:
			s.reapIdle()
		case reply := <-s.snapshots:
			reply <- s.snapshotSessions()
		}
	}
}

// shutdown broadcasts maintenance to every live session and closes.
func (s *Server) shutdown() {
	s.logger.Info("maintenance shutdown", slog.Int("sessions", len(s.sessions)))
	for _, sess := range s.sessions {
		s.sendError(sess, protocol.ErrorMaintenance, "server going down for maintenance")
	}
	s.ws.CloseAll(ws.StatusGoingAway)

	deadline := time.After(s.cfg.Server.ShutdownTimeout)
	for len(s.sessions) > 0 {
		select {
		case ev := <-s.events:
			if ev.kind == evClose {
				s.handleEvent(ev)
			}
		case <-deadline:
			s.ws.Shutdown()
			return
		}
	}
}

func (s *Server) handleEvent(ev event) {
	switch ev.kind {
	case evOpen:
		s.sessions[ev.conn.ID()] = session.New(ev.conn, s.logger)
		observability.RecordConnectionOpened()
		s.logger.Info("connection opened",
			slog.String("conn_id", ev.conn.ID()),
			slog.String("remote", ev.conn.RemoteAddr().String()))

	case evClose:
		if _, ok := s.sessions[ev.conn.ID()]; ok {
			delete(s.sessions, ev.conn.ID())
			delete(s.pendingInits, ev.conn.ID())
			observability.RecordConnectionClosed()
			s.logger.Info("connection closed", slog.String("conn_id", ev.conn.ID()))
		}

	case evMessage:
		sess, ok := s.sessions[ev.conn.ID()]
		if !ok {
			return
		}
		sess.LastRecv = time.Now()
		s.handleMessage(sess, ev.payload)
	}
}

func (s *Server) handleMessage(sess *session.Session, payload []byte) {
	msg, err := protocol.ParseClient(payload)
	if err != nil {
		observability.WithError(sess.Logger(), err).Warn("bad client message")
		sess.Conn().Close(ws.StatusProtocolError)
		return
	}

	switch msg.Type {
	case protocol.TypeClientInit:
		s.handleInit(sess, msg.Init)
	case protocol.TypeClientInfo:
		if sess.Bound() && msg.Info.InitID == sess.InitID {
			sess.HandleInfo(msg.Info, time.Now())
		}
	case protocol.TypeClientVidAck:
		s.handleVidAck(sess, msg.VidAck)
	case protocol.TypeClientAudAck:
		if sess.Bound() && msg.AudAck.InitID == sess.InitID {
			sess.HandleAudAck(msg.AudAck)
		}
	}
}

// handleInit binds (or rebinds) a session to a channel. When the
// channel has no ready chunks yet, the init parks until the ready
// frontier advances.
func (s *Server) handleInit(sess *session.Session, init *protocol.ClientInit) {
	ch, ok := s.registry.Lookup(init.Channel)
	if !ok {
		s.failSession(sess, protocol.ErrorReinit, fmt.Sprintf("unknown channel %q", init.Channel))
		return
	}

	vts, canResume, ok := s.resolveStart(ch, init)
	if !ok {
		sess.Logger().Info("channel not ready, deferring init",
			slog.String("channel", ch.Name()))
		s.pendingInits[sess.ID()] = init
		return
	}
	delete(s.pendingInits, sess.ID())

	algo, err := abr.New(s.cfg.ABR, abr.Options(s.cfg.ABRConfig), s.cfg.Server.MaxBufferS)
	if err != nil {
		observability.WithError(sess.Logger(), err).Error("abr construction failed")
		s.failSession(sess, protocol.ErrorUnavailable, "abr unavailable")
		return
	}

	ats := ch.FindATS(vts)
	sess.Bind(init, ch, algo, abr.NewAudioSelector(s.cfg.Server.MaxBufferS), vts, ats)

	sess.Logger().Info("session bound",
		slog.String("channel", ch.Name()),
		slog.String("session_key", init.SessionKey),
		slog.Uint64("init_vts", vts),
		slog.Bool("resume", canResume))

	wire, err := protocol.Serialize(&protocol.ServerInit{
		Type:               protocol.TypeServerInit,
		InitID:             init.InitID,
		Channel:            ch.Name(),
		VideoCodec:         ch.VideoCodec(),
		AudioCodec:         ch.AudioCodec(),
		Timescale:          ch.Timescale(),
		InitVideoTimestamp: vts,
		InitAudioTimestamp: ats,
		CanResume:          canResume,
	})
	if err == nil {
		err = sess.Conn().QueueBinary(wire)
	}
	if err != nil {
		observability.WithError(sess.Logger(), err).Warn("server-init send failed")
	}
}

// resolveStart picks the first video timestamp for a session: the
// client's resume point when it is still served, otherwise the ready
// frontier backed off by the buffer cap.
func (s *Server) resolveStart(ch *store.Channel, init *protocol.ClientInit) (vts uint64, canResume, ok bool) {
	if init.NextVts != nil {
		nv := *init.NextVts
		frontier, hasFrontier := ch.VCleanFrontier()
		if ch.VReady(nv) && (!hasFrontier || nv >= frontier) {
			return nv, true, true
		}
	}
	vts, ok = ch.InitVTS(s.cfg.Server.MaxBufferS)
	return vts, false, ok
}

func (s *Server) handleVidAck(sess *session.Session, ack *protocol.ClientAck) {
	if !sess.Bound() || ack.InitID != sess.InitID {
		return
	}
	chunk, complete := sess.HandleVidAck(ack, time.Now())
	if !complete {
		return
	}
	observability.RecordChunkTransTime(chunk.TransTime.Seconds())

	if err := s.guardABR(sess, func() error {
		sess.Algorithm.VideoChunkAcked(chunk)
		return nil
	}); err != nil {
		s.failSession(sess, protocol.ErrorUnavailable, "abr failure")
	}
}

// guardABR confines algorithm panics and errors to the one session.
func (s *Server) guardABR(sess *session.Session, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("abr panic: %v", r)
			observability.WithError(sess.Logger(), err).Error("abr callback panicked")
		}
	}()
	if err = fn(); err != nil {
		observability.WithError(sess.Logger(), err).Warn("abr callback failed")
	}
	return err
}

// failSession sends a server-error and starts a graceful close.
func (s *Server) failSession(sess *session.Session, kind, msg string) {
	s.sendError(sess, kind, msg)
	sess.Conn().Close(ws.StatusGoingAway)
}

func (s *Server) sendError(sess *session.Session, kind, msg string) {
	wire, err := protocol.Serialize(&protocol.ServerError{
		Type:      protocol.TypeServerError,
		InitID:    sess.InitID,
		ErrorType: kind,
		Message:   msg,
	})
	if err != nil {
		return
	}
	_ = sess.Conn().QueueBinary(wire)
}

// reapIdle closes sessions that stopped talking.
func (s *Server) reapIdle() {
	now := time.Now()
	for _, sess := range s.sessions {
		if sess.Idle(now, s.cfg.Server.IdleTimeout) {
			sess.Logger().Info("closing idle session")
			sess.Conn().Close(ws.StatusGoingAway)
		}
	}
}

// SessionInfo is the operator API's view of one session.
type SessionInfo struct {
	ConnID      string  `json:"conn_id"`
	Channel     string  `json:"channel,omitempty"`
	NextVts     uint64  `json:"next_vts"`
	VideoBuffer float64 `json:"video_buffer"`
	CumRebuffer float64 `json:"cum_rebuffer"`
	Browser     string  `json:"browser,omitempty"`
	OS          string  `json:"os,omitempty"`
}

// SessionSnapshot asks the dispatcher goroutine for a consistent copy
// of all session state; it is the only cross-goroutine read path.
func (s *Server) SessionSnapshot(ctx context.Context) ([]SessionInfo, error) {
	reply := make(chan []SessionInfo, 1)
	select {
	case s.snapshots <- reply:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case out := <-reply:
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Server) snapshotSessions() []SessionInfo {
	out := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		info := SessionInfo{
			ConnID:      sess.ID(),
			NextVts:     sess.NextVts,
			VideoBuffer: sess.VideoBuffer,
			CumRebuffer: sess.CumRebuffer,
			Browser:     sess.Browser,
			OS:          sess.OS,
		}
		if sess.Bound() {
			info.Channel = sess.Channel.Name()
		}
		out = append(out, info)
	}
	return out
}
