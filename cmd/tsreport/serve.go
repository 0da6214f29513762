package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vjranagit/tsreport/pkg/api"
	"github.com/vjranagit/tsreport/pkg/fetch"
	"github.com/vjranagit/tsreport/pkg/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local time-series store and its HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("configuration loaded",
		zap.String("listen_addr", cfg.Server.ListenAddr),
		zap.String("storage_path", cfg.Storage.Path),
		zap.Int("retention_days", cfg.Storage.RetentionDays),
		zap.Int("compression_level", cfg.Storage.CompressionLevel))

	storageCfg, err := cfg.ToStorageConfig()
	if err != nil {
		return err
	}
	store, err := storage.NewStorage(storageCfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("storage close failed", zap.Error(err))
		}
	}()

	fetcher := fetch.NewCachingFetcher(fetch.Observed(storage.Source, store), cfg.Fetch.CacheSize, cfg.Fetch.CacheTTL)
	server := api.NewServer(cfg.Server.ListenAddr, store, fetcher, cfg.Server.Timeout, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		return store.Maintain(ctx, cfg.Server.MaintainEvery)
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Stop(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("server stopped")
	return nil
}
