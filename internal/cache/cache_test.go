package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/yashenkoxciv/image-moderation-platform/internal/cache"
)

// setupRedis spins up a Redis container and returns a connected RedisCache.
func setupRedis(t *testing.T) *cache.RedisCache {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	rc, err := cache.NewRedisCache("redis://" + host + ":" + port.Port())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })
	return rc
}

func TestRedisCache(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, rc.Ping(ctx))
	})

	t.Run("set get delete", func(t *testing.T) {
		require.NoError(t, rc.Set(ctx, "test:key", []byte("hello"), 10*time.Second))

		val, found, err := rc.Get(ctx, "test:key")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, []byte("hello"), val)

		require.NoError(t, rc.Delete(ctx, "test:key"))
		_, found, err = rc.Get(ctx, "test:key")
		require.NoError(t, err)
		assert.False(t, found)

		assert.NoError(t, rc.Delete(ctx, "does:not:exist"))
	})

	t.Run("ttl expiry", func(t *testing.T) {
		require.NoError(t, rc.Set(ctx, "expiry:key", []byte("temp"), time.Second))
		time.Sleep(1500 * time.Millisecond)
		_, found, err := rc.Get(ctx, "expiry:key")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("job status", func(t *testing.T) {
		jobID := uuid.New()
		payload := []byte(`{"state":"DONE"}`)

		_, found, err := rc.GetJobStatus(ctx, jobID)
		require.NoError(t, err)
		assert.False(t, found)

		require.NoError(t, rc.SetJobStatus(ctx, jobID, payload, 10*time.Second))
		got, found, err := rc.GetJobStatus(ctx, jobID)
		require.NoError(t, err)
		assert.True(t, found)
		assert.JSONEq(t, string(payload), string(got))
	})

	t.Run("incr with expiry", func(t *testing.T) {
		key := cache.RateLimitKey("10.0.0.1:" + uuid.NewString()[:8])
		for want := int64(1); want <= 3; want++ {
			val, err := rc.IncrWithExpiry(ctx, key, 10*time.Second)
			require.NoError(t, err)
			assert.Equal(t, want, val)
		}
	})

	t.Run("window is fixed from first hit", func(t *testing.T) {
		key := cache.RateLimitKey("10.0.0.2:" + uuid.NewString()[:8])
		_, err := rc.IncrWithExpiry(ctx, key, time.Second)
		require.NoError(t, err)
		time.Sleep(600 * time.Millisecond)
		// A later hit must not push the window out.
		_, err = rc.IncrWithExpiry(ctx, key, time.Second)
		require.NoError(t, err)
		time.Sleep(600 * time.Millisecond)

		val, err := rc.IncrWithExpiry(ctx, key, 10*time.Second)
		require.NoError(t, err)
		assert.Equal(t, int64(1), val)
	})
}

func TestNewRedisCache_BadURL(t *testing.T) {
	_, err := cache.NewRedisCache("not a url")
	assert.Error(t, err)
}

func TestKeyBuilders(t *testing.T) {
	jobID := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	assert.Equal(t, "job:status:22222222-2222-2222-2222-222222222222", cache.JobStatusKey(jobID))
	assert.Equal(t, "ratelimit:192.0.2.1", cache.RateLimitKey("192.0.2.1"))
	assert.NotEqual(t, cache.JobStatusKey(jobID), cache.RateLimitKey(jobID.String()))
}
