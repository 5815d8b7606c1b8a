package protocol

import (
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// frame wraps a JSON object the way the player does.
func frame(t *testing.T, obj map[string]any) []byte {
	t.Helper()
	meta, err := json.Marshal(obj)
	require.NoError(t, err)
	out := make([]byte, 2+len(meta))
	binary.BigEndian.PutUint16(out, uint16(len(meta)))
	copy(out[2:], meta)
	return out
}

func TestParseClientInit(t *testing.T) {
	msg, err := ParseClient(frame(t, map[string]any{
		"type":         "client-init",
		"initId":       7,
		"channel":      "abc",
		"sessionKey":   "secret",
		"userName":     "viewer",
		"os":           "Linux",
		"browser":      "Firefox",
		"screenWidth":  1920,
		"screenHeight": 1080,
		"nextVts":      360360,
	}))
	require.NoError(t, err)
	require.Equal(t, TypeClientInit, msg.Type)
	require.NotNil(t, msg.Init)
	assert.Equal(t, 7, msg.Init.InitID)
	assert.Equal(t, "abc", msg.Init.Channel)
	require.NotNil(t, msg.Init.NextVts)
	assert.Equal(t, uint64(360360), *msg.Init.NextVts)
	assert.Nil(t, msg.Init.NextAts)
}

func TestParseClientInfoEvents(t *testing.T) {
	for _, event := range []string{EventTimer, EventStartup, EventRebuffer, EventPlay} {
		msg, err := ParseClient(frame(t, map[string]any{
			"type":        "client-info",
			"initId":      1,
			"event":       event,
			"videoBuffer": 3.5,
			"audioBuffer": 4.0,
			"cumRebuffer": 0.25,
		}))
		require.NoError(t, err, event)
		assert.Equal(t, event, msg.Info.Event)
		assert.InDelta(t, 3.5, msg.Info.VideoBuffer, 1e-9)
	}

	_, err := ParseClient(frame(t, map[string]any{
		"type":   "client-info",
		"initId": 1,
		"event":  "seek",
	}))
	assert.ErrorIs(t, err, ErrBadEvent)
}

func TestParseClientAcks(t *testing.T) {
	msg, err := ParseClient(frame(t, map[string]any{
		"type":            "client-vidack",
		"initId":          2,
		"channel":         "abc",
		"format":          "1280x720-20",
		"timestamp":       180180,
		"byteOffset":      1048576,
		"byteLength":      20000,
		"totalByteLength": 1068576,
		"videoBuffer":     5.0,
		"audioBuffer":     5.2,
		"cumRebuffer":     0.0,
		"ssim":            0.93,
	}))
	require.NoError(t, err)
	require.NotNil(t, msg.VidAck)
	assert.True(t, msg.VidAck.Final())
	require.NotNil(t, msg.VidAck.SSIM)
	assert.InDelta(t, 0.93, *msg.VidAck.SSIM, 1e-9)

	msg, err = ParseClient(frame(t, map[string]any{
		"type":            "client-audack",
		"initId":          2,
		"channel":         "abc",
		"format":          "128k",
		"timestamp":       432000,
		"byteOffset":      0,
		"byteLength":      4096,
		"totalByteLength": 9000,
	}))
	require.NoError(t, err)
	require.NotNil(t, msg.AudAck)
	assert.False(t, msg.AudAck.Final())
	assert.Nil(t, msg.AudAck.SSIM)
}

func TestParseClientErrors(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		_, err := ParseClient(nil)
		assert.ErrorIs(t, err, ErrShortMessage)
	})

	t.Run("truncated body", func(t *testing.T) {
		full := frame(t, map[string]any{"type": "client-info", "event": "timer"})
		_, err := ParseClient(full[:len(full)-3])
		assert.ErrorIs(t, err, ErrShortMessage)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := ParseClient(frame(t, map[string]any{"type": "client-seek"}))
		assert.ErrorIs(t, err, ErrUnknownType)
	})

	t.Run("garbage json", func(t *testing.T) {
		raw := []byte{0x00, 0x03, '{', 'x', 'x'}
		_, err := ParseClient(raw)
		assert.Error(t, err)
	})
}

func TestSerializeRoundTrip(t *testing.T) {
	ssim := 0.95
	msg := &ServerMedia{
		Type:            TypeServerVideo,
		InitID:          3,
		Channel:         "abc",
		Quality:         "1280x720-20",
		SSIM:            &ssim,
		Timestamp:       180180,
		Duration:        180180,
		ByteOffset:      0,
		ByteLength:      1048576,
		TotalByteLength: 2000000,
	}

	wire, err := Serialize(msg)
	require.NoError(t, err)

	n := binary.BigEndian.Uint16(wire[:2])
	require.Equal(t, int(n), len(wire)-2)

	var decoded ServerMedia
	require.NoError(t, json.Unmarshal(wire[2:], &decoded))
	assert.Equal(t, *msg, decoded)
}

func TestSerializeServerInitFields(t *testing.T) {
	wire, err := Serialize(&ServerInit{
		Type:               TypeServerInit,
		InitID:             5,
		Channel:            "abc",
		VideoCodec:         "video/mp4; codecs=\"avc1.42E020\"",
		AudioCodec:         "audio/webm; codecs=\"opus\"",
		Timescale:          90000,
		InitVideoTimestamp: 360360,
		InitAudioTimestamp: 432000,
		CanResume:          true,
	})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(wire[2:], &got))
	assert.Equal(t, "server-init", got["type"])
	assert.Equal(t, true, got["canResume"])
	assert.Equal(t, float64(360360), got["initVideoTimestamp"])
}

func TestSerializeRejectsOversizedMetadata(t *testing.T) {
	big := make([]byte, 70000)
	for i := range big {
		big[i] = 'a'
	}
	_, err := Serialize(&ServerError{Type: TypeServerError, Message: string(big)})
	assert.ErrorIs(t, err, ErrMessageTooLong)
}
