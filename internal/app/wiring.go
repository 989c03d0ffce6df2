// Package app builds the components shared by the binaries from Config.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dunamismax/pixelbatch/internal/cache"
	"github.com/dunamismax/pixelbatch/internal/config"
	"github.com/dunamismax/pixelbatch/internal/pipeline"
	"github.com/dunamismax/pixelbatch/internal/storage"
	"github.com/dunamismax/pixelbatch/internal/store"
)

// ArtifactSink is an emitter whose artifacts can be purged by age.
type ArtifactSink interface {
	pipeline.Emitter
	Purge(ctx context.Context, olderThan time.Duration) (int, error)
}

// Emitter returns the output sink for the configured delivery mode. The
// second value is nil for inline delivery, which leaves nothing to purge.
func Emitter(ctx context.Context, cfg config.Config) (pipeline.Emitter, ArtifactSink, error) {
	switch cfg.Delivery.Mode {
	case config.DeliveryInline:
		return pipeline.InlineEmitter{}, nil, nil
	case config.DeliveryLocal:
		sink := pipeline.LocalFileEmitter{OutputDir: cfg.Delivery.ArtifactDir}
		return sink, sink, nil
	case config.DeliveryObject:
		client, err := storage.NewClient(storage.Config{
			Endpoint: cfg.Storage.Endpoint,
			Access:   cfg.Storage.AccessKey,
			Secret:   cfg.Storage.SecretKey,
			Bucket:   cfg.Storage.Bucket,
			UseSSL:   cfg.Storage.UseSSL,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := client.EnsureBucket(ctx); err != nil {
			return nil, nil, err
		}
		sink := pipeline.ObjectStoreEmitter{
			Storage:      client,
			OutputPrefix: cfg.Delivery.OutputPrefix,
			PresignTTL:   cfg.Delivery.PresignTTL,
		}
		return sink, sink, nil
	default:
		return nil, nil, fmt.Errorf("unsupported delivery mode %q", cfg.Delivery.Mode)
	}
}

// ProcessorOptions applies the pixel limit and adds the variant cache when
// one is configured. A cache that cannot be reached is logged and skipped.
func ProcessorOptions(ctx context.Context, cfg config.Config, logger zerolog.Logger) []pipeline.Option {
	opts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithPixelLimit(cfg.Batch.PixelLimit),
	}
	if !cfg.Cache.Enabled() {
		return opts
	}

	variantCache, err := cache.Dial(ctx, cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB, cache.Options{
		TTL:      cfg.Cache.TTL,
		MaxBytes: cfg.Cache.MaxBytes,
	})
	if err != nil {
		logger.Warn().Err(err).Str("addr", cfg.Cache.RedisAddr).Msg("variant cache unavailable")
		return opts
	}
	return append(opts, pipeline.WithCache(variantCache))
}

// UsageStore returns the Postgres store when a DSN is set, otherwise an
// in-memory one. The returned func releases the store.
func UsageStore(ctx context.Context, cfg config.Config) (store.UsageStore, func() error, error) {
	if cfg.Database.DSN == "" {
		return store.NewMemoryUsageStore(), func() error { return nil }, nil
	}
	pg, err := store.NewPostgresUsageStore(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, nil, err
	}
	return pg, pg.Close, nil
}
