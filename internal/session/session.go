// Package session holds the per-client playback state: stream
// positions, playback buffers, the ABR instance and the bookkeeping
// the dispatch loop needs. A Session is owned by the dispatcher
// goroutine and is deliberately unsynchronized.
package session

import (
	"log/slog"
	"time"

	"github.com/ottlab/media-server/internal/abr"
	"github.com/ottlab/media-server/internal/format"
	"github.com/ottlab/media-server/internal/netinfo"
	"github.com/ottlab/media-server/internal/protocol"
	"github.com/ottlab/media-server/internal/store"
	"github.com/ottlab/media-server/internal/ws"
)

// Session is one connected player.
type Session struct {
	conn      *ws.Conn
	logger    *slog.Logger
	createdAt time.Time

	// Set by Bind when a client-init arrives; nil until then.
	Channel   *store.Channel
	Algorithm abr.Algorithm
	Audio     *abr.AudioSelector

	InitID       int
	SessionKey   string
	UserName     string
	OS           string
	Browser      string
	ScreenWidth  int
	ScreenHeight int

	// NextVts is the timestamp of the next chunk to send;
	// ClientNextVts the next one the client has not fully acked.
	// NextVts never falls behind ClientNextVts.
	NextVts       uint64
	NextAts       uint64
	ClientNextVts uint64
	ClientNextAts uint64

	VideoBuffer  float64
	AudioBuffer  float64
	CumRebuffer  float64
	StartupDelay time.Duration

	Current      *format.VideoFormat
	CurrentAudio *format.AudioFormat

	sentVInit map[format.VideoFormat]bool
	sentAInit map[format.AudioFormat]bool

	LastVideoSend time.Time
	LastAudioSend time.Time
	LastRecv      time.Time
	TCP           netinfo.TCPInfo
}

// New wraps a freshly accepted connection.
func New(conn *ws.Conn, logger *slog.Logger) *Session {
	now := time.Now()
	return &Session{
		conn:      conn,
		logger:    logger.With(slog.String("conn_id", conn.ID())),
		createdAt: now,
		LastRecv:  now,
	}
}

// Conn returns the underlying WebSocket connection.
func (s *Session) Conn() *ws.Conn { return s.conn }

// ID returns the connection identifier.
func (s *Session) ID() string { return s.conn.ID() }

// Logger returns the session-scoped logger.
func (s *Session) Logger() *slog.Logger { return s.logger }

// CreatedAt returns the accept time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Bound reports whether a client-init has attached a channel yet.
func (s *Session) Bound() bool { return s.Channel != nil }

// Bind attaches the session to a channel at the resolved start
// positions. A second client-init rebinds and resets all per-channel
// state, including the init-segment bookkeeping.
func (s *Session) Bind(init *protocol.ClientInit, ch *store.Channel, algo abr.Algorithm, audio *abr.AudioSelector, vts, ats uint64) {
	s.Channel = ch
	s.Algorithm = algo
	s.Audio = audio

	s.InitID = init.InitID
	s.SessionKey = init.SessionKey
	s.UserName = init.UserName
	s.OS = init.OS
	s.Browser = init.Browser
	s.ScreenWidth = init.ScreenWidth
	s.ScreenHeight = init.ScreenHeight

	s.NextVts = vts
	s.ClientNextVts = vts
	s.NextAts = ats
	s.ClientNextAts = ats

	s.VideoBuffer = 0
	s.AudioBuffer = 0
	s.CumRebuffer = 0
	s.StartupDelay = 0
	s.Current = nil
	s.CurrentAudio = nil
	s.sentVInit = make(map[format.VideoFormat]bool)
	s.sentAInit = make(map[format.AudioFormat]bool)
	s.LastVideoSend = time.Time{}
	s.LastAudioSend = time.Time{}
}

// VideoInFlight is the number of chunks sent but not fully acked.
func (s *Session) VideoInFlight() int {
	return int((s.NextVts - s.ClientNextVts) / s.Channel.VDuration())
}

// NeedsVInit reports whether the init segment for vf has not yet been
// confirmed sent on this connection.
func (s *Session) NeedsVInit(vf format.VideoFormat) bool { return !s.sentVInit[vf] }

// MarkVInitSent records that vf's init segment went out.
func (s *Session) MarkVInitSent(vf format.VideoFormat) { s.sentVInit[vf] = true }

// NeedsAInit mirrors NeedsVInit for audio.
func (s *Session) NeedsAInit(af format.AudioFormat) bool { return !s.sentAInit[af] }

// MarkAInitSent records that af's init segment went out.
func (s *Session) MarkAInitSent(af format.AudioFormat) { s.sentAInit[af] = true }

// HandleInfo folds a client-info report into the session.
func (s *Session) HandleInfo(info *protocol.ClientInfo, now time.Time) {
	s.VideoBuffer = info.VideoBuffer
	s.AudioBuffer = info.AudioBuffer
	s.CumRebuffer = info.CumRebuffer
	if info.ScreenWidth != nil {
		s.ScreenWidth = *info.ScreenWidth
	}
	if info.ScreenHeight != nil {
		s.ScreenHeight = *info.ScreenHeight
	}
	if info.Event == protocol.EventStartup && s.StartupDelay == 0 {
		s.StartupDelay = now.Sub(s.createdAt)
	}
}

// HandleVidAck folds a video ack in. When the ack completes a chunk it
// returns the Chunk to feed back to the algorithm.
func (s *Session) HandleVidAck(ack *protocol.ClientAck, now time.Time) (abr.Chunk, bool) {
	s.VideoBuffer = ack.VideoBuffer
	s.AudioBuffer = ack.AudioBuffer
	s.CumRebuffer = ack.CumRebuffer

	if !ack.Final() {
		return abr.Chunk{}, false
	}
	// Only chunks that actually went out may advance the cursor; a
	// bogus timestamp would push ClientNextVts past NextVts and the
	// in-flight subtraction would underflow.
	next := ack.Timestamp + s.Channel.VDuration()
	if next > s.NextVts {
		s.logger.Warn("vidack for a chunk never sent",
			slog.Uint64("ack_ts", ack.Timestamp),
			slog.Uint64("next_vts", s.NextVts))
		return abr.Chunk{}, false
	}
	if next <= s.ClientNextVts {
		return abr.Chunk{}, false // duplicate or stale ack
	}
	s.ClientNextVts = next

	vf, err := format.ParseVideo(ack.Format)
	if err != nil {
		s.logger.Warn("vidack with unparsable format", slog.String("format", ack.Format))
		return abr.Chunk{}, false
	}

	chunk := abr.Chunk{
		Format:    vf,
		Size:      ack.TotalByteLength,
		TransTime: now.Sub(s.LastVideoSend),
		TCP:       s.TCP,
	}
	if ack.SSIM != nil {
		chunk.SSIM = *ack.SSIM
	}
	return chunk, true
}

// HandleAudAck folds an audio ack in.
func (s *Session) HandleAudAck(ack *protocol.ClientAck) {
	s.VideoBuffer = ack.VideoBuffer
	s.AudioBuffer = ack.AudioBuffer
	s.CumRebuffer = ack.CumRebuffer

	if !ack.Final() {
		return
	}
	next := ack.Timestamp + s.Channel.ADuration()
	if next > s.NextAts || next <= s.ClientNextAts {
		return
	}
	s.ClientNextAts = next
}

// SampleTCP refreshes the session's TCP_INFO snapshot. Failures leave
// the previous sample in place; non-TCP test transports never sample.
func (s *Session) SampleTCP() {
	info, err := netinfo.Sample(s.conn.NetConn())
	if err != nil {
		return
	}
	s.TCP = info
}

// Idle reports whether no client message arrived within timeout.
func (s *Session) Idle(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.LastRecv) > timeout
}
