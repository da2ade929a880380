/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounterStore keeps counters in Redis, shared by every instance.
type RedisCounterStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCounterStore creates a counter store. All keys are namespaced under prefix.
func NewRedisCounterStore(client redis.UniversalClient, prefix string) *RedisCounterStore {
	return &RedisCounterStore{client: client, prefix: prefix}
}

// IncrementWithTTL adds one to key.
func (s *RedisCounterStore) IncrementWithTTL(ctx context.Context, key string, window time.Duration) (int64, error) {
	return s.IncrementByWithTTL(ctx, key, 1, window)
}

// IncrementByWithTTL runs INCRBY and EXPIRE NX in one MULTI/EXEC so a counter can never be
// left without a TTL.
func (s *RedisCounterStore) IncrementByWithTTL(ctx context.Context, key string, delta int64, window time.Duration) (int64, error) {
	ttl := expirySeconds(window)
	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.IncrBy(ctx, s.prefix+key, delta)
		pipe.ExpireNX(ctx, s.prefix+key, ttl)
		return nil
	})
	if err != nil {
		return 0, unavailable("increment counter", err)
	}
	return incr.Val(), nil
}

// expirySeconds rounds d up to whole seconds. EXPIRE truncates, and a counter that expires
// before its window ends would restart the count inside the same window.
func expirySeconds(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Second
	}
	return (d + time.Second - 1) / time.Second * time.Second
}

// Get returns the counter value, zero when absent.
func (s *RedisCounterStore) Get(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Get(ctx, s.prefix+key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("get counter", err)
	}
	return n, nil
}

// TTL returns the remaining lifetime of key.
func (s *RedisCounterStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.client.PTTL(ctx, s.prefix+key).Result()
	if err != nil {
		return 0, unavailable("ttl counter", err)
	}
	// -2 missing, -1 no expiry
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

// Delete removes key.
func (s *RedisCounterStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return unavailable("delete counter", err)
	}
	return nil
}
