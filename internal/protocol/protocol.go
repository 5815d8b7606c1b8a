// Package protocol defines the JSON control messages exchanged with
// the player over WebSocket. Every control message is a JSON object
// preceded by a 2-byte big-endian length, carried in one Binary frame;
// media bytes travel in separate raw Binary frames announced by a
// server-video or server-audio control message.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// Client message types.
const (
	TypeClientInit   = "client-init"
	TypeClientInfo   = "client-info"
	TypeClientVidAck = "client-vidack"
	TypeClientAudAck = "client-audack"
)

// Server message types.
const (
	TypeServerInit  = "server-init"
	TypeServerVideo = "server-video"
	TypeServerAudio = "server-audio"
	TypeServerError = "server-error"
)

// client-info event names.
const (
	EventTimer    = "timer"
	EventStartup  = "startup"
	EventRebuffer = "rebuffer"
	EventPlay     = "play"
)

// server-error kinds.
const (
	ErrorMaintenance = "maintenance"
	ErrorReinit      = "reinit"
	ErrorUnavailable = "unavailable"
	ErrorLimit       = "limit"
)

// Parsing errors.
var (
	ErrShortMessage   = errors.New("protocol: message shorter than its length prefix")
	ErrMessageTooLong = errors.New("protocol: metadata exceeds 2-byte length prefix")
	ErrUnknownType    = errors.New("protocol: unknown message type")
	ErrBadEvent       = errors.New("protocol: unknown client-info event")
)

// ClientInit starts or rebinds a session to a channel. NextVts/NextAts
// are set when a reconnecting client asks to resume where it left off.
type ClientInit struct {
	InitID       int     `json:"initId"`
	Channel      string  `json:"channel"`
	SessionKey   string  `json:"sessionKey"`
	UserName     string  `json:"userName"`
	OS           string  `json:"os"`
	Browser      string  `json:"browser"`
	ScreenWidth  int     `json:"screenWidth"`
	ScreenHeight int     `json:"screenHeight"`
	NextVts      *uint64 `json:"nextVts,omitempty"`
	NextAts      *uint64 `json:"nextAts,omitempty"`
}

// ClientInfo reports playback state. Timer events arrive at ~4 Hz.
type ClientInfo struct {
	InitID       int     `json:"initId"`
	Event        string  `json:"event"`
	VideoBuffer  float64 `json:"videoBuffer"`
	AudioBuffer  float64 `json:"audioBuffer"`
	CumRebuffer  float64 `json:"cumRebuffer"`
	ScreenWidth  *int    `json:"screenWidth,omitempty"`
	ScreenHeight *int    `json:"screenHeight,omitempty"`
}

// ClientAck acknowledges one received piece of a media chunk. SSIM is
// only present on video acks.
type ClientAck struct {
	InitID          int      `json:"initId"`
	Channel         string   `json:"channel"`
	Format          string   `json:"format"`
	Timestamp       uint64   `json:"timestamp"`
	ByteOffset      int      `json:"byteOffset"`
	ByteLength      int      `json:"byteLength"`
	TotalByteLength int      `json:"totalByteLength"`
	VideoBuffer     float64  `json:"videoBuffer"`
	AudioBuffer     float64  `json:"audioBuffer"`
	CumRebuffer     float64  `json:"cumRebuffer"`
	SSIM            *float64 `json:"ssim,omitempty"`
}

// Final reports whether this ack covers the last piece of its chunk.
func (a *ClientAck) Final() bool {
	return a.ByteOffset+a.ByteLength == a.TotalByteLength
}

// ServerInit tells the player where playback starts.
type ServerInit struct {
	Type               string `json:"type"`
	InitID             int    `json:"initId"`
	Channel            string `json:"channel"`
	VideoCodec         string `json:"videoCodec"`
	AudioCodec         string `json:"audioCodec"`
	Timescale          uint64 `json:"timescale"`
	InitVideoTimestamp uint64 `json:"initVideoTimestamp"`
	InitAudioTimestamp uint64 `json:"initAudioTimestamp"`
	CanResume          bool   `json:"canResume"`
}

// ServerMedia announces the byte range [ByteOffset, ByteOffset+ByteLength)
// of a media chunk; the raw bytes follow in Binary data frames.
type ServerMedia struct {
	Type            string   `json:"type"`
	InitID          int      `json:"initId"`
	Channel         string   `json:"channel"`
	Quality         string   `json:"quality"`
	SSIM            *float64 `json:"ssim,omitempty"`
	Timestamp       uint64   `json:"timestamp"`
	Duration        uint64   `json:"duration"`
	ByteOffset      int      `json:"byteOffset"`
	ByteLength      int      `json:"byteLength"`
	TotalByteLength int      `json:"totalByteLength"`
}

// ServerError tells the player why the server is giving up on it.
type ServerError struct {
	Type      string `json:"type"`
	InitID    int    `json:"initId"`
	ErrorType string `json:"errorType"`
	Message   string `json:"message,omitempty"`
}

// envelope picks out the discriminator before full decoding.
type envelope struct {
	Type string `json:"type"`
}

// ClientMessage is one decoded client message; exactly one of the
// pointers is set, matching Type.
type ClientMessage struct {
	Type   string
	Init   *ClientInit
	Info   *ClientInfo
	VidAck *ClientAck
	AudAck *ClientAck
}

// ParseClient decodes a length-prefixed client control message.
func ParseClient(payload []byte) (*ClientMessage, error) {
	meta, err := unframe(payload)
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(meta, &env); err != nil {
		return nil, fmt.Errorf("protocol: decode envelope: %w", err)
	}

	msg := &ClientMessage{Type: env.Type}
	switch env.Type {
	case TypeClientInit:
		msg.Init = &ClientInit{}
		err = json.Unmarshal(meta, msg.Init)
	case TypeClientInfo:
		msg.Info = &ClientInfo{}
		if err = json.Unmarshal(meta, msg.Info); err == nil {
			err = validateEvent(msg.Info.Event)
		}
	case TypeClientVidAck:
		msg.VidAck = &ClientAck{}
		err = json.Unmarshal(meta, msg.VidAck)
	case TypeClientAudAck:
		msg.AudAck = &ClientAck{}
		err = json.Unmarshal(meta, msg.AudAck)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("protocol: decode %s: %w", env.Type, err)
	}
	return msg, nil
}

func validateEvent(event string) error {
	switch event {
	case EventTimer, EventStartup, EventRebuffer, EventPlay:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrBadEvent, event)
	}
}

// Serialize encodes a server message with its 2-byte length prefix.
func Serialize(msg any) ([]byte, error) {
	meta, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode: %w", err)
	}
	if len(meta) > 0xFFFF {
		return nil, ErrMessageTooLong
	}
	out := make([]byte, 2+len(meta))
	binary.BigEndian.PutUint16(out[:2], uint16(len(meta)))
	copy(out[2:], meta)
	return out, nil
}

// unframe strips and validates the 2-byte length prefix.
func unframe(payload []byte) ([]byte, error) {
	if len(payload) < 2 {
		return nil, ErrShortMessage
	}
	n := int(binary.BigEndian.Uint16(payload[:2]))
	if len(payload) < 2+n {
		return nil, ErrShortMessage
	}
	return payload[2 : 2+n], nil
}
