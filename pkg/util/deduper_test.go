package util

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// An unreachable Redis must never block processing.
func TestAcquireOnceAllowsWhenRedisDown(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	d := NewDeduper(rdb, time.Minute, "test", nil)
	assert.True(t, d.AcquireOnce(context.Background(), "draft", 1))
	d.Release(context.Background(), "draft", 1)
}

func TestFormatKeys(t *testing.T) {
	assert.Equal(t, "dedup:draft:7", FormatClaimKey("draft", 7))
	assert.Equal(t, "retry:categorize:7", FormatRetryKey("categorize", 7))
}

// Needs a live Redis; set REDIS_ADDR to run.
func TestReleaseKeepsForeignClaim(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}

	key := FormatClaimKey("draft-release-test", 1)
	defer rdb.Del(ctx, key)

	mine := NewDeduper(rdb, time.Minute, "me", nil)
	require.True(t, mine.AcquireOnce(ctx, "draft-release-test", 1))

	// claim expired and was taken over by another process
	require.NoError(t, rdb.Set(ctx, key, "other", time.Minute).Err())
	mine.Release(ctx, "draft-release-test", 1)
	owner, err := rdb.Get(ctx, key).Result()
	require.NoError(t, err)
	assert.Equal(t, "other", owner)

	require.NoError(t, rdb.Set(ctx, key, "me", time.Minute).Err())
	mine.Release(ctx, "draft-release-test", 1)
	assert.Equal(t, int64(0), rdb.Exists(ctx, key).Val())
}
