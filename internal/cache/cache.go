/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package cache provides a short-lived Redis cache of key records in front of the credential
// store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/friendsincode/crybkeys/internal/models"
)

// Defaults
const (
	DefaultRecordTTL     = 5 * time.Second
	DefaultRetryInterval = 30 * time.Second
	DefaultKeyPrefix     = "crybkeys:cache:key:"
)

// Config contains cache configuration.
type Config struct {
	// RecordTTL bounds how long a revocation or rotation can go unnoticed by a cached reader
	// on an instance that missed the invalidation.
	RecordTTL time.Duration
	KeyPrefix string

	// DisableOnError stops using Redis after an error until RetryInterval has passed.
	DisableOnError bool
	RetryInterval  time.Duration
}

// DefaultConfig returns default cache configuration.
func DefaultConfig() Config {
	return Config{
		RecordTTL:      DefaultRecordTTL,
		KeyPrefix:      DefaultKeyPrefix,
		DisableOnError: true,
		RetryInterval:  DefaultRetryInterval,
	}
}

// Cache stores key records in Redis with graceful fallback: when Redis misbehaves every lookup
// is a miss.
type Cache struct {
	client redis.UniversalClient
	logger zerolog.Logger
	config Config

	mu            sync.RWMutex
	disabled      bool // circuit breaker state
	disabledUntil time.Time
}

// New creates a cache on client. A nil client yields a cache that always misses.
func New(client redis.UniversalClient, cfg Config, logger zerolog.Logger) *Cache {
	if cfg.RecordTTL <= 0 {
		cfg.RecordTTL = DefaultRecordTTL
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}

	c := &Cache{
		client: client,
		logger: logger.With().Str("component", "cache").Logger(),
		config: cfg,
	}
	if client == nil {
		c.logger.Info().Msg("record cache disabled, no Redis client")
	}
	return c
}

// IsAvailable returns true if the cache is operational.
func (c *Cache) IsAvailable() bool {
	if c == nil || c.client == nil {
		return false
	}
	c.mu.RLock()
	disabled, until := c.disabled, c.disabledUntil
	c.mu.RUnlock()
	if !disabled {
		return true
	}
	if time.Now().Before(until) {
		return false
	}

	c.mu.Lock()
	c.disabled = false
	c.mu.Unlock()
	c.logger.Info().Msg("re-enabling record cache")
	return true
}

// handleError handles Redis errors with circuit breaker logic.
func (c *Cache) handleError(err error, operation string) {
	if err == nil || errors.Is(err, redis.Nil) {
		return
	}

	c.logger.Debug().Err(err).Str("operation", operation).Msg("cache operation failed")

	if c.config.DisableOnError {
		c.mu.Lock()
		c.disabled = true
		c.disabledUntil = time.Now().Add(c.config.RetryInterval)
		c.mu.Unlock()
		c.logger.Warn().Dur("retry_in", c.config.RetryInterval).Msg("disabling record cache due to Redis error")
	}
}

// cachedKey carries the fields validation needs, including the secret hashes the API model
// never serializes.
type cachedKey struct {
	Key                     models.APIKey `json:"key"`
	SecretHash              string        `json:"secret_hash"`
	PreviousSecretHash      string        `json:"previous_secret_hash,omitempty"`
	PreviousSecretExpiresAt *time.Time    `json:"previous_secret_expires_at,omitempty"`
}

// GetKey returns the cached record for id.
func (c *Cache) GetKey(ctx context.Context, id string) (*models.APIKey, bool) {
	if !c.IsAvailable() {
		return nil, false
	}

	data, err := c.client.Get(ctx, c.config.KeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		c.handleError(err, "get")
		return nil, false
	}

	var entry cachedKey
	if err := json.Unmarshal(data, &entry); err != nil {
		c.logger.Debug().Err(err).Str("key_id", id).Msg("failed to unmarshal cached record")
		return nil, false
	}

	key := entry.Key
	key.SecretHash = entry.SecretHash
	key.PreviousSecretHash = entry.PreviousSecretHash
	key.PreviousSecretExpiresAt = entry.PreviousSecretExpiresAt
	return &key, true
}

// SetKey caches a record for the configured TTL.
func (c *Cache) SetKey(ctx context.Context, key *models.APIKey) error {
	if !c.IsAvailable() {
		return nil
	}

	data, err := json.Marshal(cachedKey{
		Key:                     *key,
		SecretHash:              key.SecretHash,
		PreviousSecretHash:      key.PreviousSecretHash,
		PreviousSecretExpiresAt: key.PreviousSecretExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("marshal cached record: %w", err)
	}

	if err := c.client.Set(ctx, c.config.KeyPrefix+key.ID, data, c.config.RecordTTL).Err(); err != nil {
		c.handleError(err, "set")
		return err
	}
	return nil
}

// InvalidateKey removes the cached record for id. It bypasses the circuit breaker so a
// revocation is never skipped while Redis is reachable.
func (c *Cache) InvalidateKey(ctx context.Context, id string) error {
	if c == nil || c.client == nil {
		return nil
	}
	if err := c.client.Del(ctx, c.config.KeyPrefix+id).Err(); err != nil {
		c.handleError(err, "delete")
		return err
	}
	return nil
}

// FlushAll removes every cached record.
func (c *Cache) FlushAll(ctx context.Context) error {
	if !c.IsAvailable() {
		return nil
	}
	c.logger.Warn().Msg("flushing record cache")

	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, c.config.KeyPrefix+"*", 100).Result()
		if err != nil {
			c.handleError(err, "scan")
			return err
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				c.handleError(err, "delete_batch")
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
