// Package config provides configuration management for the media server
// using Viper. It supports configuration from files, environment variables,
// and defaults.
package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/ottlab/media-server/internal/format"
)

// Default configuration values.
const (
	defaultWSBasePort        = 50001
	defaultMaxConnections    = 512
	defaultIdleTimeout       = 10 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultStatusInterval    = 60 * time.Second
	defaultSendHighWatermark = ByteSize(1 * MB)
	defaultSendMax           = ByteSize(16 * MB)
	defaultMaxVideoInFlight  = 2
	defaultMaxBufferS        = 15.0
	defaultMediaFrameMTU     = ByteSize(1 * MB)
	defaultABR               = "linear_bba"
)

// Config holds all configuration for the media server.
type Config struct {
	MediaDir       string                   `mapstructure:"media_dir"`
	WSBasePort     int                      `mapstructure:"ws_base_port"`
	Server         ServerConfig             `mapstructure:"server"`
	ABR            string                   `mapstructure:"abr"`
	ABRConfig      map[string]any           `mapstructure:"abr_config"`
	Channels       []string                 `mapstructure:"channels"`
	ChannelConfigs map[string]ChannelConfig `mapstructure:"channel_configs"`
	Logging        LoggingConfig            `mapstructure:"logging"`
}

// ServerConfig holds per-instance server tuning.
type ServerConfig struct {
	MaxConnections int           `mapstructure:"max_connections"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	// SendHighWatermark defers new chunks while a connection's outbound
	// buffer exceeds it. SendMax clears the buffer and closes.
	// Both support human-readable values like "1MB".
	SendHighWatermark ByteSize `mapstructure:"send_high_watermark"`
	SendMax           ByteSize `mapstructure:"send_max"`
	// MediaFrameMTU caps the payload size of a single media data frame.
	MediaFrameMTU          ByteSize      `mapstructure:"media_frame_mtu"`
	MaxVideoInFlightChunks int           `mapstructure:"max_video_in_flight_chunks"`
	MaxBufferS             float64       `mapstructure:"max_buffer_s"`
	ShutdownTimeout        time.Duration `mapstructure:"shutdown_timeout"`
	StatusInterval         time.Duration `mapstructure:"status_interval"`
}

// ChannelConfig holds the encoder-pipeline contract for one channel.
type ChannelConfig struct {
	// Output overrides the channel directory root; empty means
	// {media_dir}/{channel name}.
	Output string `mapstructure:"output"`
	// Video maps resolution ("1280x720") to the list of CRFs encoded at
	// that resolution.
	Video map[string][]int `mapstructure:"video"`
	// Audio lists bitrate strings like "128k".
	Audio      []string `mapstructure:"audio"`
	VideoCodec string   `mapstructure:"video_codec"`
	AudioCodec string   `mapstructure:"audio_codec"`
	// Timescale is ticks per second; durations are in ticks.
	Timescale     uint64 `mapstructure:"timescale"`
	VideoDuration uint64 `mapstructure:"video_duration"`
	AudioDuration uint64 `mapstructure:"audio_duration"`
	// InitVTS, when set, pins the starting video timestamp for new clients.
	InitVTS *uint64 `mapstructure:"init_vts"`
	// CleanTimeWindow, when set, ages out chunks older than the window
	// (in ticks) behind the newest ingested timestamp.
	CleanTimeWindow *uint64 `mapstructure:"clean_time_window"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// Load reads configuration from the given file plus environment variables.
// Environment variables are prefixed with MEDIA_SERVER and use underscores
// for nesting, e.g. MEDIA_SERVER_LOGGING_LEVEL=debug.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/media-server")
	}

	v.SetEnvPrefix("MEDIA_SERVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	cfg, err := FromViper(v)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromViper decodes and validates a Config from an already-populated Viper.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// Call before reading the config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("ws_base_port", defaultWSBasePort)
	v.SetDefault("abr", defaultABR)

	v.SetDefault("server.max_connections", defaultMaxConnections)
	v.SetDefault("server.idle_timeout", defaultIdleTimeout)
	v.SetDefault("server.send_high_watermark", defaultSendHighWatermark.Bytes())
	v.SetDefault("server.send_max", defaultSendMax.Bytes())
	v.SetDefault("server.media_frame_mtu", defaultMediaFrameMTU.Bytes())
	v.SetDefault("server.max_video_in_flight_chunks", defaultMaxVideoInFlight)
	v.SetDefault("server.max_buffer_s", defaultMaxBufferS)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.status_interval", defaultStatusInterval)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.WSBasePort < 1 || c.WSBasePort > maxPort {
		return fmt.Errorf("ws_base_port must be between 1 and %d", maxPort)
	}
	if c.MediaDir == "" {
		return fmt.Errorf("media_dir is required")
	}
	if len(c.Channels) == 0 {
		return fmt.Errorf("channels must list at least one channel")
	}
	for _, name := range c.Channels {
		cc, ok := c.ChannelConfigs[name]
		if !ok {
			return fmt.Errorf("channel %q has no entry in channel_configs", name)
		}
		if err := cc.validate(); err != nil {
			return fmt.Errorf("channel %q: %w", name, err)
		}
	}

	if c.Server.MaxConnections < 1 {
		return fmt.Errorf("server.max_connections must be at least 1")
	}
	if c.Server.SendHighWatermark <= 0 || c.Server.SendMax <= 0 {
		return fmt.Errorf("server send watermarks must be positive")
	}
	if c.Server.SendMax < c.Server.SendHighWatermark {
		return fmt.Errorf("server.send_max must be >= server.send_high_watermark")
	}
	if c.Server.MediaFrameMTU <= 0 {
		return fmt.Errorf("server.media_frame_mtu must be positive")
	}
	if c.Server.MaxBufferS <= 0 {
		return fmt.Errorf("server.max_buffer_s must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

func (c *ChannelConfig) validate() error {
	if len(c.Video) == 0 {
		return fmt.Errorf("video ladder is empty")
	}
	if len(c.Audio) == 0 {
		return fmt.Errorf("audio ladder is empty")
	}
	if _, err := c.VideoFormats(); err != nil {
		return err
	}
	if _, err := c.AudioFormats(); err != nil {
		return err
	}
	if c.Timescale == 0 {
		return fmt.Errorf("timescale must be positive")
	}
	if c.VideoDuration == 0 || c.AudioDuration == 0 {
		return fmt.Errorf("video_duration and audio_duration must be positive")
	}
	if c.InitVTS != nil && *c.InitVTS%c.VideoDuration != 0 {
		return fmt.Errorf("init_vts %d is not a multiple of video_duration %d", *c.InitVTS, c.VideoDuration)
	}
	return nil
}

// VideoFormats expands the resolution→CRF ladder into a sorted format list.
func (c *ChannelConfig) VideoFormats() ([]format.VideoFormat, error) {
	var formats []format.VideoFormat
	for res, crfs := range c.Video {
		if len(crfs) == 0 {
			return nil, fmt.Errorf("resolution %q has no CRFs", res)
		}
		for _, crf := range crfs {
			vf, err := format.ParseVideo(fmt.Sprintf("%s-%d", res, crf))
			if err != nil {
				return nil, err
			}
			formats = append(formats, vf)
		}
	}
	sort.Slice(formats, func(i, j int) bool { return formats[i].Less(formats[j]) })
	return formats, nil
}

// AudioFormats parses the audio bitrate list into a sorted format list.
func (c *ChannelConfig) AudioFormats() ([]format.AudioFormat, error) {
	formats := make([]format.AudioFormat, 0, len(c.Audio))
	for _, s := range c.Audio {
		af, err := format.ParseAudio(s)
		if err != nil {
			return nil, err
		}
		formats = append(formats, af)
	}
	sort.Slice(formats, func(i, j int) bool { return formats[i].Less(formats[j]) })
	return formats, nil
}
