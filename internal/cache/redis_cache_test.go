package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, opts Options) (*RedisVariantCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	c, err := NewRedisVariantCache(client, opts)
	require.NoError(t, err)
	return c, mr
}

func TestRedisVariantCacheMissThenHit(t *testing.T) {
	c, mr := newTestCache(t, Options{})
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "abc", []byte{0x00, 0xff, 0x10}))
	assert.True(t, mr.Exists(defaultKeyPrefix+"abc"))

	data, ok, err := c.Get(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte{0x00, 0xff, 0x10}, data)
}

func TestRedisVariantCacheExpires(t *testing.T) {
	c, mr := newTestCache(t, Options{TTL: time.Minute, KeyPrefix: "test:"})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v")))
	assert.Equal(t, time.Minute, mr.TTL("test:k"))

	mr.FastForward(2 * time.Minute)
	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisVariantCacheSkipsOversized(t *testing.T) {
	c, mr := newTestCache(t, Options{MaxBytes: 2})

	require.NoError(t, c.Set(context.Background(), "big", []byte("large")))
	assert.False(t, mr.Exists(defaultKeyPrefix+"big"))
}

func TestRedisVariantCacheReportsServerErrors(t *testing.T) {
	c, mr := newTestCache(t, Options{})
	mr.Close()

	_, _, err := c.Get(context.Background(), "k")
	assert.Error(t, err)
}

func TestDial(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := Dial(context.Background(), mr.Addr(), "", 0, Options{})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = Dial(context.Background(), "127.0.0.1:1", "", 0, Options{})
	assert.Error(t, err)
}
