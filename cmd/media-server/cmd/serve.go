package cmd

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ottlab/media-server/internal/config"
	"github.com/ottlab/media-server/internal/observability"
	"github.com/ottlab/media-server/internal/server"
	"github.com/ottlab/media-server/internal/store"
	"github.com/ottlab/media-server/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve <config.yaml> [<server_id> [<expt_id>]]",
	Short: "Start the media server",
	Long: `Start the media server for the channels named in the config file.

server_id identifies this instance in logs and metrics; a random one is
generated when omitted. expt_id tags the sessions of an experiment
group, for runs where several instances serve different ABR settings.`,
	Args: cobra.RangeArgs(1, 3),
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("abr", "", "override the configured ABR algorithm")
	serveCmd.Flags().Int("port", 0, "override the configured WebSocket port")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(args[0])
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// The config file's logging section applies unless CLI flags were
	// given, which initLogging already honored.
	if !rootCmd.PersistentFlags().Changed("log-level") && !rootCmd.PersistentFlags().Changed("log-format") {
		observability.SetDefault(observability.NewLogger(cfg.Logging))
	}
	logger := slog.Default()

	if v, _ := cmd.Flags().GetString("abr"); v != "" {
		cfg.ABR = v
	}
	if v, _ := cmd.Flags().GetInt("port"); v != 0 {
		cfg.WSBasePort = v
	}

	serverID := uuid.NewString()
	if len(args) > 1 {
		serverID = args[1]
	}
	exptID := ""
	if len(args) > 2 {
		exptID = args[2]
	}

	logger.Info("starting media-server",
		slog.String("version", version.Short()),
		slog.String("server_id", serverID),
		slog.String("abr", cfg.ABR),
		slog.Int("port", cfg.WSBasePort))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry, err := store.NewRegistry(cfg, logger)
	if err != nil {
		return fmt.Errorf("building channel registry: %w", err)
	}
	defer registry.Close()
	registry.Start(ctx)

	srv := server.New(cfg, registry, logger, serverID, exptID)

	dispatcherDone := make(chan struct{})
	go func() {
		srv.Run(ctx)
		close(dispatcherDone)
	}()
	go srv.ReportStatus(ctx)

	err = srv.ListenAndServe(ctx)

	<-dispatcherDone
	registry.Wait()
	logger.Info("media-server stopped")
	return err
}
