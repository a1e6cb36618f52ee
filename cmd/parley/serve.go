package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/parley-voice/parley/internal/bootstrap"
	"github.com/parley-voice/parley/internal/metrics"
	"github.com/parley-voice/parley/internal/storage"
)

var flagPort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bootstrap credential server",
	Long: "serve mints short-lived session credentials with the server-side API key\n" +
		"and exposes health, metrics, the usage report and the notification websocket.",
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&flagPort, "port", "p", 0, "override the configured listen port")
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if flagPort > 0 {
		cfg.Server.Port = flagPort
	}

	metrics.Init()

	db, err := storage.Open(context.Background(), cfg.Database.Path)
	if err != nil {
		logger.Error("failed to open database", zap.Error(err))
		return err
	}
	store := storage.NewStore(db, logger)
	defer store.Close()
	logger.Info("database migrations complete", zap.String("path", cfg.Database.Path))

	srv := bootstrap.NewServer(cfg, logger)
	srv.SetUsageReader(store)
	srv.SetHealthChecker(bootstrap.NewHealthChecker(db, srv.Hub(), cfg.Upstream.APIKey != ""))

	if err := srv.Start(); err != nil {
		logger.Error("failed to start server", zap.Error(err))
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigChan
	logger.Info("received signal, initiating graceful shutdown", zap.String("signal", sig.String()))

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("bootstrap server exited cleanly")
	return nil
}
