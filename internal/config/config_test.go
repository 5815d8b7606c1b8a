package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ottlab/media-server/internal/format"
)

const testConfigYAML = `
media_dir: /srv/media
ws_base_port: 50001
server:
  idle_timeout: 10s
  send_high_watermark: "1MB"
  send_max: "16MB"
  max_buffer_s: 15
abr: linear_bba
channels: [abc]
channel_configs:
  abc:
    video:
      "1280x720": [20, 26]
      "854x480": [24]
    audio: ["64k", "128k"]
    video_codec: 'video/mp4; codecs="avc1.42E020"'
    audio_codec: 'audio/webm; codecs="opus"'
    timescale: 90000
    video_duration: 180180
    audio_duration: 432000
    clean_time_window: 5400000
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, testConfigYAML))
	require.NoError(t, err)

	assert.Equal(t, "/srv/media", cfg.MediaDir)
	assert.Equal(t, 50001, cfg.WSBasePort)
	assert.Equal(t, ByteSize(1*MB), cfg.Server.SendHighWatermark)
	assert.Equal(t, ByteSize(16*MB), cfg.Server.SendMax)
	assert.Equal(t, 10*time.Second, cfg.Server.IdleTimeout)
	assert.Equal(t, "linear_bba", cfg.ABR)

	cc := cfg.ChannelConfigs["abc"]
	assert.Equal(t, uint64(90000), cc.Timescale)
	assert.Equal(t, uint64(180180), cc.VideoDuration)
	require.NotNil(t, cc.CleanTimeWindow)
	assert.Equal(t, uint64(5400000), *cc.CleanTimeWindow)
	assert.Nil(t, cc.InitVTS)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, testConfigYAML))
	require.NoError(t, err)

	// Defaults not present in the file.
	assert.Equal(t, defaultMaxConnections, cfg.Server.MaxConnections)
	assert.Equal(t, defaultMaxVideoInFlight, cfg.Server.MaxVideoInFlightChunks)
	assert.Equal(t, defaultMediaFrameMTU, cfg.Server.MediaFrameMTU)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing media_dir", func(c *Config) { c.MediaDir = "" }},
		{"no channels", func(c *Config) { c.Channels = nil }},
		{"unknown channel", func(c *Config) { c.Channels = []string{"zzz"} }},
		{"bad port", func(c *Config) { c.WSBasePort = 0 }},
		{"send_max below watermark", func(c *Config) { c.Server.SendMax = c.Server.SendHighWatermark - 1 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"zero max_buffer_s", func(c *Config) { c.Server.MaxBufferS = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, testConfigYAML))
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestChannelConfigValidate(t *testing.T) {
	cfg, err := Load(writeConfig(t, testConfigYAML))
	require.NoError(t, err)
	cc := cfg.ChannelConfigs["abc"]

	badInit := uint64(1000)
	cc.InitVTS = &badInit
	assert.Error(t, cc.validate(), "init_vts must be a duration multiple")

	goodInit := uint64(360360)
	cc.InitVTS = &goodInit
	assert.NoError(t, cc.validate())
}

func TestVideoFormatsSorted(t *testing.T) {
	cc := ChannelConfig{
		Video: map[string][]int{"1280x720": {26, 20}, "854x480": {24}},
		Audio: []string{"128k", "64k"},
	}

	vfs, err := cc.VideoFormats()
	require.NoError(t, err)
	assert.Equal(t, []format.VideoFormat{
		{Width: 854, Height: 480, CRF: 24},
		{Width: 1280, Height: 720, CRF: 20},
		{Width: 1280, Height: 720, CRF: 26},
	}, vfs)

	afs, err := cc.AudioFormats()
	require.NoError(t, err)
	assert.Equal(t, []format.AudioFormat{{Bitrate: 64}, {Bitrate: 128}}, afs)
}

func TestFromViperDecodesByteSizeStrings(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("media_dir", "/srv/media")
	v.Set("channels", []string{"abc"})
	v.Set("channel_configs.abc", map[string]any{
		"video":          map[string]any{"1280x720": []int{20}},
		"audio":          []string{"128k"},
		"timescale":      90000,
		"video_duration": 180180,
		"audio_duration": 432000,
	})
	v.Set("server.send_high_watermark", "2MB")

	cfg, err := FromViper(v)
	require.NoError(t, err)
	assert.Equal(t, ByteSize(2*MB), cfg.Server.SendHighWatermark)
}
