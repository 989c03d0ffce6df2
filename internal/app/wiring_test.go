package app

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dunamismax/pixelbatch/internal/config"
	"github.com/dunamismax/pixelbatch/internal/pipeline"
	"github.com/dunamismax/pixelbatch/internal/store"
)

func TestEmitterByDeliveryMode(t *testing.T) {
	cfg := config.Load()

	cfg.Delivery.Mode = config.DeliveryInline
	emitter, sink, err := Emitter(context.Background(), cfg)
	require.NoError(t, err)
	assert.IsType(t, pipeline.InlineEmitter{}, emitter)
	assert.Nil(t, sink)

	cfg.Delivery.Mode = config.DeliveryLocal
	cfg.Delivery.ArtifactDir = t.TempDir()
	emitter, sink, err = Emitter(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, pipeline.LocalFileEmitter{OutputDir: cfg.Delivery.ArtifactDir}, emitter)
	assert.NotNil(t, sink)

	cfg.Delivery.Mode = "carrier-pigeon"
	_, _, err = Emitter(context.Background(), cfg)
	assert.Error(t, err)
}

func TestProcessorOptionsWithCache(t *testing.T) {
	cfg := config.Load()
	assert.Len(t, ProcessorOptions(context.Background(), cfg, zerolog.Nop()), 2)

	mr := miniredis.RunT(t)
	cfg.Cache.RedisAddr = mr.Addr()
	assert.Len(t, ProcessorOptions(context.Background(), cfg, zerolog.Nop()), 3)

	cfg.Cache.RedisAddr = "127.0.0.1:1"
	assert.Len(t, ProcessorOptions(context.Background(), cfg, zerolog.Nop()), 2, "unreachable cache is skipped")
}

func TestUsageStoreDefaultsToMemory(t *testing.T) {
	cfg := config.Load()
	cfg.Database.DSN = ""

	s, closeFn, err := UsageStore(context.Background(), cfg)
	require.NoError(t, err)
	assert.IsType(t, &store.MemoryUsageStore{}, s)
	assert.NoError(t, closeFn())
}
