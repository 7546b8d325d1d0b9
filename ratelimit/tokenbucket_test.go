//go:build unit

package ratelimit

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailgate-io/mailgate/redis"
)

func bucketOverMiniredis(t *testing.T, server *miniredis.Miniredis, cfg TokenBucketConfig) *TokenBucket {
	t.Helper()

	conn := &redis.Connection{Addr: server.Addr()}

	bucket, err := NewTokenBucket(conn, cfg)
	require.NoError(t, err)

	return bucket
}

func TestNewTokenBucket_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewTokenBucket(nil, DefaultTokenBucketConfig("bucket", 10))
	assert.ErrorIs(t, err, ErrConnectionRequired)

	_, err = NewTokenBucket(&redis.Connection{}, DefaultTokenBucketConfig("  ", 10))
	assert.ErrorIs(t, err, ErrBucketKeyRequired)

	_, err = NewTokenBucket(&redis.Connection{}, DefaultTokenBucketConfig("bucket", 0))
	assert.ErrorIs(t, err, ErrRateInvalid)
}

func TestTokenBucket_AdmitsWhileTokensRemain(t *testing.T) {
	t.Parallel()

	server := miniredis.RunT(t)
	server.Set("bucket", "2")

	cfg := DefaultTokenBucketConfig("bucket", 2)
	bucket := bucketOverMiniredis(t, server, cfg)

	require.NoError(t, bucket.Acquire(context.Background()))
	require.NoError(t, bucket.Acquire(context.Background()))

	remaining, err := server.Get("bucket")
	require.NoError(t, err)
	assert.Equal(t, "0", remaining)
}

func TestTokenBucket_OwnerRefillsEmptyBucket(t *testing.T) {
	t.Parallel()

	server := miniredis.RunT(t)
	server.Set("bucket", "0")

	cfg := DefaultTokenBucketConfig("bucket", 5)
	cfg.SpinInterval = time.Millisecond
	bucket := bucketOverMiniredis(t, server, cfg)

	require.NoError(t, bucket.Acquire(context.Background()))

	// The first poll emptied the bucket, this instance took ownership,
	// refilled to the rate, and the next poll admitted.
	remaining, err := server.Get("bucket")
	require.NoError(t, err)
	assert.Equal(t, strconv.FormatInt(cfg.Rate-1, 10), remaining)

	owner, err := server.Get("bucket" + ownerKeySuffix)
	require.NoError(t, err)
	assert.Equal(t, bucket.owner, owner)
}

func TestTokenBucket_FailsOpenWhenNotOwner(t *testing.T) {
	t.Parallel()

	server := miniredis.RunT(t)
	server.Set("bucket", "0")
	server.Set("bucket"+ownerKeySuffix, "another-instance")

	cfg := DefaultTokenBucketConfig("bucket", 5)
	cfg.SpinAttempts = 3
	cfg.SpinInterval = time.Millisecond
	bucket := bucketOverMiniredis(t, server, cfg)

	start := time.Now()
	require.NoError(t, bucket.Acquire(context.Background()))
	assert.Less(t, time.Since(start), time.Second)

	// No refill happened: every poll just decremented further.
	remaining, err := server.Get("bucket")
	require.NoError(t, err)
	assert.Equal(t, "-4", remaining)
}

func TestTokenBucket_FailsOpenWhenRedisUnavailable(t *testing.T) {
	t.Parallel()

	conn := &redis.Connection{Addr: "127.0.0.1:1"}

	bucket, err := NewTokenBucket(conn, DefaultTokenBucketConfig("bucket", 5))
	require.NoError(t, err)

	assert.NoError(t, bucket.Acquire(context.Background()))
}

func TestTokenBucket_ContextCancellationStopsSpin(t *testing.T) {
	t.Parallel()

	server := miniredis.RunT(t)
	server.Set("bucket", "0")
	server.Set("bucket"+ownerKeySuffix, "another-instance")

	cfg := DefaultTokenBucketConfig("bucket", 5)
	cfg.SpinInterval = 100 * time.Millisecond
	bucket := bucketOverMiniredis(t, server, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := bucket.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTokenBucketConfig_Normalize(t *testing.T) {
	t.Parallel()

	cfg := TokenBucketConfig{Key: "bucket", Rate: 1}
	cfg.normalize()

	assert.Equal(t, DefaultRefillInterval, cfg.RefillInterval)
	assert.Equal(t, 3*DefaultRefillInterval, cfg.OwnerTTL)
	assert.Equal(t, DefaultSpinAttempts, cfg.SpinAttempts)
	assert.Equal(t, DefaultSpinInterval, cfg.SpinInterval)
}
