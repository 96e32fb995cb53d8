// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package ratelimit_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sigil-dev/bastion/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// redisClient returns a client for BASTION_TEST_REDIS_ADDR or skips the test.
func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("BASTION_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("BASTION_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, ratelimit.Ping(context.Background(), client, 2*time.Second))
	return client
}

func TestRedisWindow_SharedAcrossCounters(t *testing.T) {
	client := redisClient(t)
	factory := ratelimit.RedisFactory(client, "bastion:test:"+uuid.NewString())
	spec := ratelimit.Spec{Limit: 3, Window: time.Minute}

	// Two hosts building counters for the same plugin share one budget.
	hostA := factory("weather", "http-request", spec)
	hostB := factory("weather", "http-request", spec)
	ctx := context.Background()

	admitted := 0
	for _, c := range []ratelimit.Counter{hostA, hostB, hostA, hostB, hostA} {
		ok, err := c.Allow(ctx)
		require.NoError(t, err)
		if ok {
			admitted++
		}
	}
	assert.Equal(t, 3, admitted)
}

func TestRedisWindow_UnreachableBackendErrors(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	w := ratelimit.NewRedisWindow(client, "k", ratelimit.Spec{Limit: 1, Window: time.Second})
	ok, err := w.Allow(context.Background())
	assert.Error(t, err)
	assert.False(t, ok)
}
