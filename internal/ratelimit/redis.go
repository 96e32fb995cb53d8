// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	bastionerr "github.com/sigil-dev/bastion/pkg/errors"
)

// RedisWindow is a FixedWindow shared across hosts through redis. Each window
// is a separate key named after its index so expiry never races a reset.
type RedisWindow struct {
	client redis.Cmdable
	key    string
	spec   Spec
	now    func() time.Time
}

// NewRedisWindow returns a counter stored under key.
func NewRedisWindow(client redis.Cmdable, key string, spec Spec) *RedisWindow {
	return &RedisWindow{client: client, key: key, spec: spec, now: time.Now}
}

// RedisFactory returns a Factory keyed "<prefix>:<plugin>:<function>".
func RedisFactory(client redis.Cmdable, prefix string) Factory {
	if prefix == "" {
		prefix = "bastion:rate"
	}
	return func(pluginID, function string, spec Spec) Counter {
		return NewRedisWindow(client, fmt.Sprintf("%s:%s:%s", prefix, pluginID, function), spec)
	}
}

func (w *RedisWindow) Allow(ctx context.Context) (bool, error) {
	if w.spec.Unlimited() {
		return true, nil
	}

	index := w.now().UnixNano() / int64(w.spec.Window)
	key := fmt.Sprintf("%s:%d", w.key, index)

	pipe := w.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.PExpire(ctx, key, w.spec.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, bastionerr.Wrapf(err, bastionerr.CodeSandboxIOFailure, "incrementing rate window %s", key)
	}
	return incr.Val() <= int64(w.spec.Limit), nil
}

// Ping checks connectivity to the shared backend.
func Ping(ctx context.Context, client redis.UniversalClient, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return bastionerr.Wrap(err, bastionerr.CodeSandboxSetupFailure, "connecting to redis rate backend")
	}
	return nil
}
