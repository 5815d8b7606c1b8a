// Package cmd implements the CLI commands for media-server.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ottlab/media-server/internal/config"
	"github.com/ottlab/media-server/internal/observability"
	"github.com/ottlab/media-server/internal/version"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "media-server",
	Short:   "Live ABR media server",
	Version: version.Short(),
	Long: `media-server serves live DASH-style video and audio chunks to
players over WebSocket, picking each client's next video quality with a
pluggable adaptive-bitrate algorithm.

Chunks are published by the encoder pipeline as files renamed into
per-channel directories; the server picks them up via filesystem
watches and serves them from memory-mapped spans.`,
	// PersistentPreRunE is set in init() to avoid initialization cycle
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return initLogging()
	}

	// These flags are NOT bound to viper; Changed() is checked instead
	// so the priority stays: CLI flag > env var > config > default.
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (text, json)")
}

// initConfig seeds viper with defaults and the environment. The config
// file itself is a positional argument of serve and is loaded there.
func initConfig() {
	config.SetDefaults(viper.GetViper())

	viper.SetEnvPrefix("MEDIA_SERVER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

// initLogging configures the default slog logger. The observability
// package applies sensitive-field redaction (session keys).
func initLogging() error {
	level := viper.GetString("logging.level")
	format := viper.GetString("logging.format")

	if rootCmd.PersistentFlags().Changed("log-level") {
		level, _ = rootCmd.PersistentFlags().GetString("log-level")
	}
	if rootCmd.PersistentFlags().Changed("log-format") {
		format, _ = rootCmd.PersistentFlags().GetString("log-format")
	}

	logCfg := config.LoggingConfig{
		Level:  strings.ToLower(level),
		Format: strings.ToLower(format),
	}
	if logCfg.Level == "warning" {
		logCfg.Level = "warn"
	}

	logger := observability.NewLoggerWithWriter(logCfg, os.Stderr)
	observability.SetDefault(logger)
	return nil
}
