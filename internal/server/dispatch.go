package server

import (
	"log/slog"
	"time"

	"github.com/ottlab/media-server/internal/abr"
	"github.com/ottlab/media-server/internal/format"
	"github.com/ottlab/media-server/internal/observability"
	"github.com/ottlab/media-server/internal/protocol"
	"github.com/ottlab/media-server/internal/session"
	"github.com/ottlab/media-server/internal/ws"
)

// dispatch runs one tick over all sessions: retry parked inits, then
// serve whoever has room for more media.
func (s *Server) dispatch() {
	for id, init := range s.pendingInits {
		if sess, ok := s.sessions[id]; ok {
			s.handleInit(sess, init)
		} else {
			delete(s.pendingInits, id)
		}
	}

	var buffered int64
	for _, sess := range s.sessions {
		buffered += sess.Conn().BufferBytes()
		s.dispatchSession(sess)
	}
	observability.SetSendBufferBytes(buffered)
}

func (s *Server) dispatchSession(sess *session.Session) {
	if !sess.Bound() || sess.Conn().State() != ws.StateConnected {
		return
	}

	buffered := sess.Conn().BufferBytes()
	if buffered > s.cfg.Server.SendMax.Bytes() {
		sess.Logger().Warn("send buffer overflow, shedding",
			slog.Int64("buffered", buffered))
		sess.Conn().ClearBuffer()
		sess.Conn().Close(ws.StatusGoingAway)
		return
	}
	if buffered > s.cfg.Server.SendHighWatermark.Bytes() {
		return // backpressure: let the socket drain first
	}

	s.serveVideo(sess)
	s.serveAudio(sess)
}

func (s *Server) serveVideo(sess *session.Session) {
	ch := sess.Channel
	if sess.VideoInFlight() >= s.cfg.Server.MaxVideoInFlightChunks {
		return
	}
	// A session that fell behind the eviction window can never catch
	// up; tell the client to reinit instead of starving it silently.
	if frontier, ok := ch.VCleanFrontier(); ok && sess.NextVts <= frontier {
		sess.Logger().Info("next chunk evicted, asking client to reinit",
			slog.Uint64("next_vts", sess.NextVts),
			slog.Uint64("clean_frontier", frontier))
		s.failSession(sess, protocol.ErrorReinit, "requested chunk no longer available")
		return
	}
	if !ch.VReady(sess.NextVts) {
		return
	}

	sess.SampleTCP()

	ctx := &abr.Context{
		Buffer:    sess.VideoBuffer,
		NextVts:   sess.NextVts,
		Timescale: ch.Timescale(),
		VDuration: ch.VDuration(),
		Horizon:   ch.VHorizon(sess.NextVts, abrHorizonSlots),
		Current:   sess.Current,
		TCP:       sess.TCP,
	}

	var vf format.VideoFormat
	if err := s.guardABR(sess, func() (err error) {
		vf, err = sess.Algorithm.SelectVideoFormat(ctx)
		return err
	}); err != nil {
		s.failSession(sess, protocol.ErrorUnavailable, "abr failure")
		return
	}

	payload, ok := ch.VPayload(vf, sess.NextVts, sess.NeedsVInit(vf))
	if !ok {
		return
	}
	ssim, _ := ch.VSSIMAt(vf, sess.NextVts)

	if !s.queueMedia(sess, &protocol.ServerMedia{
		Type:      protocol.TypeServerVideo,
		InitID:    sess.InitID,
		Channel:   ch.Name(),
		Quality:   vf.String(),
		SSIM:      &ssim,
		Timestamp: sess.NextVts,
		Duration:  ch.VDuration(),
	}, payload) {
		return
	}

	sess.MarkVInitSent(vf)
	current := vf
	sess.Current = &current
	sess.NextVts += ch.VDuration()
	sess.LastVideoSend = time.Now()
	observability.RecordChunkSent(ch.Name(), "video", len(payload))
}

func (s *Server) serveAudio(sess *session.Session) {
	ch := sess.Channel
	inFlight := int((sess.NextAts - sess.ClientNextAts) / ch.ADuration())
	if inFlight >= s.cfg.Server.MaxVideoInFlightChunks {
		return
	}
	variants, ok := ch.AVariants(sess.NextAts)
	if !ok {
		return
	}

	af, err := sess.Audio.SelectAudioFormat(sess.AudioBuffer, variants)
	if err != nil {
		return
	}

	payload, ok := ch.APayload(af, sess.NextAts, sess.NeedsAInit(af))
	if !ok {
		return
	}

	if !s.queueMedia(sess, &protocol.ServerMedia{
		Type:      protocol.TypeServerAudio,
		InitID:    sess.InitID,
		Channel:   ch.Name(),
		Quality:   af.String(),
		Timestamp: sess.NextAts,
		Duration:  ch.ADuration(),
	}, payload) {
		return
	}

	sess.MarkAInitSent(af)
	current := af
	sess.CurrentAudio = &current
	sess.NextAts += ch.ADuration()
	sess.LastAudioSend = time.Now()
	observability.RecordChunkSent(ch.Name(), "audio", len(payload))
}

// queueMedia slices payload into MTU-sized pieces, each announced by
// its own control message and followed by one data frame, ascending by
// byte offset. msg's offset fields are filled in per piece.
func (s *Server) queueMedia(sess *session.Session, msg *protocol.ServerMedia, payload []byte) bool {
	mtu := int(s.cfg.Server.MediaFrameMTU.Bytes())
	total := len(payload)
	msg.TotalByteLength = total

	for off := 0; off < total; off += mtu {
		end := off + mtu
		if end > total {
			end = total
		}
		msg.ByteOffset = off
		msg.ByteLength = end - off

		wire, err := protocol.Serialize(msg)
		if err != nil {
			observability.WithError(sess.Logger(), err).Error("media control encode failed")
			return false
		}
		if err := sess.Conn().QueueBinary(wire); err != nil {
			return false
		}
		if err := sess.Conn().QueueBinary(payload[off:end]); err != nil {
			return false
		}
	}
	return total > 0
}
