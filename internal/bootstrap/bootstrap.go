// Package bootstrap opens the storage layers described by a Config so the
// server, the worker and qrctl all wire them the same way.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dharsanguruparan/DynQR/internal/blob"
	"github.com/dharsanguruparan/DynQR/internal/config"
	"github.com/dharsanguruparan/DynQR/internal/database"
	"github.com/dharsanguruparan/DynQR/internal/s3storage"
	"github.com/dharsanguruparan/DynQR/internal/signing"
	"github.com/dharsanguruparan/DynQR/internal/store"
)

// OpenBackend connects the configured state backend. The returned func
// releases its connections.
func OpenBackend(ctx context.Context, cfg *config.Config) (store.Backend, func(), error) {
	noop := func() {}
	switch cfg.StoreBackend {
	case config.BackendMemory:
		return store.NewMemoryBackend(), noop, nil
	case config.BackendFile:
		return store.NewFileBackend(cfg.StateDir, cfg.StorageKey), noop, nil
	case config.BackendRedis:
		client, err := store.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, noop, err
		}
		return store.NewRedisBackend(client, cfg.StorageKey), func() { _ = client.Close() }, nil
	case config.BackendPostgres:
		pool, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, noop, fmt.Errorf("connect database: %w", err)
		}
		if err := database.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, noop, fmt.Errorf("ensure schema: %w", err)
		}
		return store.NewPostgresBackend(pool, cfg.StorageKey), pool.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// OpenStore opens the backend and loads the record table from it.
func OpenStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*store.RecordStore, func(), error) {
	backend, closeBackend, err := OpenBackend(ctx, cfg)
	if err != nil {
		return nil, closeBackend, err
	}
	st, err := store.Open(ctx, backend, store.WithLogger(logger))
	if err != nil {
		closeBackend()
		return nil, func() {}, err
	}
	logger.Info("store opened", "backend", cfg.StoreBackend, "records", len(st.List()))
	return st, closeBackend, nil
}

// Blobs are the two object stores: uploaded logos and rendered exports.
type Blobs struct {
	Logos   blob.Store
	Exports blob.Store
}

// OpenBlobs returns MinIO/S3 buckets when an endpoint is configured, else one
// local directory shared by both.
func OpenBlobs(ctx context.Context, cfg *config.Config, signer *signing.Signer) (Blobs, error) {
	if !cfg.UseObjectStorage() {
		dir, err := blob.NewDir(cfg.BlobDir, signer)
		if err != nil {
			return Blobs{}, err
		}
		return Blobs{Logos: dir, Exports: dir}, nil
	}
	client, err := s3storage.NewClient(cfg)
	if err != nil {
		return Blobs{}, err
	}
	logos := s3storage.New(client, cfg.LogoBucket, cfg.S3Region)
	exports := s3storage.New(client, cfg.ExportBucket, cfg.S3Region)
	for _, b := range []*s3storage.Storage{logos, exports} {
		if err := b.EnsureBucket(ctx); err != nil {
			return Blobs{}, err
		}
	}
	return Blobs{Logos: logos, Exports: exports}, nil
}
