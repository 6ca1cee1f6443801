// Package main is the entry point of the DynQR web server.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dharsanguruparan/DynQR/internal/bootstrap"
	"github.com/dharsanguruparan/DynQR/internal/config"
	"github.com/dharsanguruparan/DynQR/internal/export"
	"github.com/dharsanguruparan/DynQR/internal/logging"
	"github.com/dharsanguruparan/DynQR/internal/processing"
	"github.com/dharsanguruparan/DynQR/internal/queue"
	"github.com/dharsanguruparan/DynQR/internal/redirect"
	"github.com/dharsanguruparan/DynQR/internal/server"
	"github.com/dharsanguruparan/DynQR/internal/signing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	st, closeStore, err := bootstrap.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	signer := signing.NewSigner(cfg.SigningSecret)
	blobs, err := bootstrap.OpenBlobs(ctx, cfg, signer)
	if err != nil {
		return err
	}
	renderer := &export.Renderer{Logos: blobs.Logos, Prefix: cfg.RedirectPrefix, Logger: logger}
	exporter := export.NewExporter(st, renderer, blobs.Exports, logger)

	// Exports go through asynq when a shared Redis and bucket exist so a
	// separate worker can pick them up; otherwise a local pool renders them.
	var exports export.Enqueuer
	if cfg.UseQueue() {
		client := queue.NewClient(queue.RedisOpt(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB))
		defer client.Close()
		exports = client
		logger.Info("exports dispatched to asynq", "redis", cfg.RedisAddr)
	} else {
		pool := processing.New(exporter, cfg.ProcessingPool, logger)
		pool.Start(ctx)
		defer pool.Wait()
		exports = pool
	}

	srv, err := server.New(server.Deps{
		Config: cfg,
		Store:  st,
		Resolver: redirect.NewResolver(st, redirect.Options{
			Attempts: cfg.ResolveAttempts,
			Backoff:  cfg.ResolveBackoff,
			Logger:   logger,
		}),
		Renderer:  renderer,
		Exporter:  exporter,
		Exports:   exports,
		Logos:     blobs.Logos,
		Downloads: blobs.Exports,
		Signer:    signer,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	return srv.Serve(ctx)
}
