package cmd

import (
	"fmt"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ottlab/media-server/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing media-server configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the default configuration",
	Long: `Dump the default configuration values in YAML format.

Redirect the output to a file to create a configuration template:

  media-server config dump > config.yaml

Every option can also be set via environment variables with the
MEDIA_SERVER prefix and underscores for nesting.
Example: server.send_max -> MEDIA_SERVER_SERVER_SEND_MAX`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

func runConfigDump(cmd *cobra.Command, _ []string) error {
	cfg := config.Config{
		MediaDir:   "/srv/media",
		WSBasePort: 50001,
		ABR:        "linear_bba",
		Channels:   []string{"abc"},
		ChannelConfigs: map[string]config.ChannelConfig{
			"abc": {
				Video:         map[string][]int{"1280x720": {20, 24}, "854x480": {24}},
				Audio:         []string{"64k", "128k"},
				VideoCodec:    "video/mp4; codecs=\"avc1.42E020\"",
				AudioCodec:    "audio/webm; codecs=\"opus\"",
				Timescale:     90000,
				VideoDuration: 180180,
				AudioDuration: 432000,
			},
		},
		Server: config.ServerConfig{
			MaxConnections:         512,
			IdleTimeout:            10 * time.Second,
			SendHighWatermark:      config.MB,
			SendMax:                16 * config.MB,
			MediaFrameMTU:          config.MB,
			MaxVideoInFlightChunks: 2,
			MaxBufferS:             15,
			ShutdownTimeout:        10 * time.Second,
			StatusInterval:         60 * time.Second,
		},
		Logging: config.LoggingConfig{
			Level:      "info",
			Format:     "json",
			TimeFormat: time.RFC3339,
		},
	}

	out, err := yaml.Marshal(toMap(cfg))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	fmt.Fprint(cmd.OutOrStdout(), string(out))
	return nil
}

// toMap converts a struct to a map keyed by mapstructure tags, with
// durations and byte sizes rendered in their human-readable form.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)

		key := fieldType.Tag.Get("mapstructure")
		if key == "" {
			key = fieldType.Name
		}

		switch fv := field.Interface().(type) {
		case time.Duration:
			result[key] = fv.String()
		case config.ByteSize:
			result[key] = fv.String()
		default:
			if field.Kind() == reflect.Struct {
				result[key] = toMap(field.Interface())
			} else {
				result[key] = field.Interface()
			}
		}
	}
	return result
}
