package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/DynQR/internal/bootstrap"
	"github.com/dharsanguruparan/DynQR/internal/config"
	"github.com/dharsanguruparan/DynQR/internal/export"
	"github.com/dharsanguruparan/DynQR/internal/logging"
	"github.com/dharsanguruparan/DynQR/internal/queue"
	"github.com/dharsanguruparan/DynQR/internal/signing"
	"github.com/dharsanguruparan/DynQR/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if !cfg.UseQueue() {
		return errors.New("the export worker needs DYNQR_REDIS_ADDR and DYNQR_S3_ENDPOINT")
	}
	if cfg.StoreBackend == config.BackendMemory {
		return errors.New("the export worker cannot share a memory store with the server")
	}

	st, closeStore, err := bootstrap.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	blobs, err := bootstrap.OpenBlobs(ctx, cfg, signing.NewSigner(cfg.SigningSecret))
	if err != nil {
		return err
	}
	renderer := &export.Renderer{Logos: blobs.Logos, Prefix: cfg.RedirectPrefix, Logger: logger}
	exporter := export.NewExporter(st, renderer, blobs.Exports, logger)

	server := asynq.NewServer(queue.RedisOpt(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB), asynq.Config{
		Concurrency: cfg.ProcessingPool,
	})
	processor := worker.NewProcessor(exporter, logger)

	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	logger.Info("export worker started", "concurrency", cfg.ProcessingPool)
	return server.Run(processor.Handler())
}
