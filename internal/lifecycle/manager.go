/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package lifecycle issues, rotates, revokes and expires API keys.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/crybkeys/internal/events"
	"github.com/friendsincode/crybkeys/internal/keycodec"
	"github.com/friendsincode/crybkeys/internal/models"
	"github.com/friendsincode/crybkeys/internal/store"
	"github.com/friendsincode/crybkeys/internal/telemetry"
)

var (
	// ErrInvalidRequest wraps every input validation failure.
	ErrInvalidRequest = errors.New("invalid key request")
	// ErrTTLExceedsMax is returned when a requested lifetime is longer than the policy allows.
	ErrTTLExceedsMax = fmt.Errorf("%w: ttl exceeds maximum", ErrInvalidRequest)
	// ErrTooManyKeys is returned when an owner already holds the maximum number of active keys.
	ErrTooManyKeys = errors.New("owner has too many active keys")
	// ErrKeyInactive is returned when rotating a revoked or expired key.
	ErrKeyInactive = errors.New("key is not active")
)

// Policy bounds key lifetimes and defaults.
type Policy struct {
	DefaultTTL          time.Duration
	MaxTTL              time.Duration
	WarningBeforeExpiry time.Duration
	MaxRotationGrace    time.Duration
	// MaxKeysPerOwner caps active keys per owner; 0 disables the cap.
	MaxKeysPerOwner  int
	DefaultRateLimit models.RateLimit
	SweepBatchSize   int
}

// DefaultPolicy returns the default lifetime policy.
func DefaultPolicy() Policy {
	return Policy{
		DefaultTTL:          90 * 24 * time.Hour,
		MaxTTL:              365 * 24 * time.Hour,
		WarningBeforeExpiry: 7 * 24 * time.Hour,
		MaxRotationGrace:    24 * time.Hour,
		DefaultRateLimit:    models.RateLimit{RequestsPerMinute: 60, RequestsPerDay: 10000, BurstThreshold: 20},
		SweepBatchSize:      100,
	}
}

// Invalidator drops cached copies of a key record.
type Invalidator interface {
	InvalidateKey(ctx context.Context, id string) error
}

// Manager owns every key mutation.
type Manager struct {
	keys      store.CredentialStore
	codec     *keycodec.Codec
	cache     Invalidator
	publisher events.Publisher
	policy    Policy
	logger    zerolog.Logger
	now       func() time.Time
}

// NewManager creates a lifecycle manager. cache may be nil.
func NewManager(keys store.CredentialStore, codec *keycodec.Codec, cache Invalidator, publisher events.Publisher, policy Policy, logger zerolog.Logger) *Manager {
	def := DefaultPolicy()
	if policy.DefaultTTL <= 0 {
		policy.DefaultTTL = def.DefaultTTL
	}
	if policy.MaxTTL <= 0 {
		policy.MaxTTL = def.MaxTTL
	}
	if policy.DefaultTTL > policy.MaxTTL {
		policy.DefaultTTL = policy.MaxTTL
	}
	if policy.WarningBeforeExpiry <= 0 {
		policy.WarningBeforeExpiry = def.WarningBeforeExpiry
	}
	if policy.MaxRotationGrace <= 0 {
		policy.MaxRotationGrace = def.MaxRotationGrace
	}
	if policy.SweepBatchSize <= 0 {
		policy.SweepBatchSize = def.SweepBatchSize
	}
	if codec == nil {
		codec = keycodec.Default()
	}
	if publisher == nil {
		publisher = events.Discard
	}
	return &Manager{
		keys:      keys,
		codec:     codec,
		cache:     cache,
		publisher: publisher,
		policy:    policy,
		logger:    logger.With().Str("component", "lifecycle").Logger(),
		now:       time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Policy returns the effective policy.
func (m *Manager) Policy() Policy {
	return m.policy
}

// CreateRequest describes a new key.
type CreateRequest struct {
	Name               string
	Description        string
	Scopes             models.ScopeSet
	IPWhitelist        []string
	DomainRestrictions []string
	// RateLimit overrides the policy default when set.
	RateLimit *models.RateLimit
	// TTL is the requested lifetime; zero means the policy default.
	TTL time.Duration
}

// Create issues a key. The returned token is the only time the plaintext secret exists
// outside the caller.
func (m *Manager) Create(ctx context.Context, ownerID string, req CreateRequest) (*models.APIKey, string, error) {
	if ownerID == "" {
		return nil, "", fmt.Errorf("%w: owner is required", ErrInvalidRequest)
	}
	if req.Name == "" {
		return nil, "", fmt.Errorf("%w: name is required", ErrInvalidRequest)
	}
	if req.Scopes.IsEmpty() {
		return nil, "", fmt.Errorf("%w: at least one scope is required", ErrInvalidRequest)
	}
	ttl, err := m.resolveTTL(req.TTL)
	if err != nil {
		return nil, "", err
	}
	ips, err := NormalizeIPWhitelist(req.IPWhitelist)
	if err != nil {
		return nil, "", err
	}
	domains, err := NormalizeDomains(req.DomainRestrictions)
	if err != nil {
		return nil, "", err
	}
	limits := m.policy.DefaultRateLimit
	if req.RateLimit != nil {
		if err := validateRateLimit(*req.RateLimit); err != nil {
			return nil, "", err
		}
		limits = *req.RateLimit
	}

	if m.policy.MaxKeysPerOwner > 0 {
		n, err := m.keys.CountByOwner(ctx, ownerID)
		if err != nil {
			return nil, "", err
		}
		if n >= int64(m.policy.MaxKeysPerOwner) {
			return nil, "", ErrTooManyKeys
		}
	}

	id, secret, err := m.codec.Generate()
	if err != nil {
		return nil, "", err
	}
	hash, err := keycodec.HashSecret(secret)
	if err != nil {
		return nil, "", err
	}

	now := m.now()
	key := &models.APIKey{
		ID:                 id,
		OwnerID:            ownerID,
		Name:               req.Name,
		Description:        req.Description,
		KeyPrefix:          m.codec.DisplayPrefix(id),
		SecretHash:         hash,
		Scopes:             req.Scopes,
		IPWhitelist:        ips,
		DomainRestrictions: domains,
		RateLimit:          limits,
		Status:             models.KeyStatusActive,
		ExpiresAt:          now.Add(ttl),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := m.keys.Create(ctx, key); err != nil {
		return nil, "", fmt.Errorf("create key: %w", err)
	}

	m.logger.Info().Str("key_id", id).Str("owner_id", ownerID).Time("expires_at", key.ExpiresAt).Msg("api key created")
	m.emit(ctx, events.EventKeyCreated, "create", key, events.Payload{
		"name":       key.Name,
		"scopes":     key.Scopes.Names(),
		"expires_at": key.ExpiresAt,
	})

	return key, m.codec.Encode(id, secret), nil
}

// RotateRequest tunes a rotation.
type RotateRequest struct {
	// GracePeriod keeps the previous secret valid for this long. Zero invalidates it at once.
	GracePeriod time.Duration
	// TTL, when set, restarts the key lifetime from now.
	TTL time.Duration
}

// Rotate replaces the secret of a key, keeping its id. The new hash and the fate of the old
// one are written in a single update.
func (m *Manager) Rotate(ctx context.Context, keyID string, req RotateRequest) (*models.APIKey, string, error) {
	if req.GracePeriod < 0 || req.GracePeriod > m.policy.MaxRotationGrace {
		return nil, "", fmt.Errorf("%w: grace period must be between 0 and %s", ErrInvalidRequest, m.policy.MaxRotationGrace)
	}
	var ttl time.Duration
	if req.TTL != 0 {
		var err error
		if ttl, err = m.resolveTTL(req.TTL); err != nil {
			return nil, "", err
		}
	}

	key, err := m.keys.Get(ctx, keyID)
	if err != nil {
		return nil, "", err
	}
	now := m.now()
	if !key.IsUsableAt(now) {
		return nil, "", ErrKeyInactive
	}

	secret, err := m.codec.GenerateSecret()
	if err != nil {
		return nil, "", err
	}
	hash, err := keycodec.HashSecret(secret)
	if err != nil {
		return nil, "", err
	}

	prevHash := ""
	var prevUntil *time.Time
	if req.GracePeriod > 0 {
		until := now.Add(req.GracePeriod)
		prevHash, prevUntil = key.SecretHash, &until
	}
	patch := store.Patch{
		SecretHash:              &hash,
		PreviousSecretHash:      &prevHash,
		PreviousSecretExpiresAt: &prevUntil,
		LastRotatedAt:           &now,
	}
	if ttl > 0 {
		expires := now.Add(ttl)
		var notWarned *time.Time
		patch.ExpiresAt = &expires
		patch.ExpiryWarnedAt = &notWarned
	}
	if err := m.keys.Update(ctx, keyID, patch); err != nil {
		return nil, "", fmt.Errorf("rotate key: %w", err)
	}
	patch.Apply(key)

	m.invalidate(ctx, keyID)
	m.logger.Info().Str("key_id", keyID).Dur("grace_period", req.GracePeriod).Msg("api key rotated")
	m.emit(ctx, events.EventKeyRotated, "rotate", key, events.Payload{
		"grace_period_seconds": int64(req.GracePeriod.Seconds()),
	})

	return key, m.codec.Encode(keyID, secret), nil
}

// Revoke disables a key permanently. Revoking a revoked key changes nothing.
func (m *Manager) Revoke(ctx context.Context, keyID, reason string) (*models.APIKey, error) {
	key, err := m.keys.Get(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if key.IsRevoked() {
		return key, nil
	}

	now := m.now()
	status := models.KeyStatusRevoked
	patch := store.Patch{Status: &status, RevokedAt: &now, RevokeReason: &reason}
	if err := m.keys.Update(ctx, keyID, patch); err != nil {
		return nil, fmt.Errorf("revoke key: %w", err)
	}
	patch.Apply(key)

	m.invalidate(ctx, keyID)
	m.logger.Info().Str("key_id", keyID).Str("reason", reason).Msg("api key revoked")
	m.emit(ctx, events.EventKeyRevoked, "revoke", key, events.Payload{"reason": reason})
	return key, nil
}

// Expire marks an active key as expired. Validation already refuses keys past expiresAt, so
// this only brings the stored status in line.
func (m *Manager) Expire(ctx context.Context, keyID string) (*models.APIKey, error) {
	key, err := m.keys.Get(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if key.Status != models.KeyStatusActive {
		return key, nil
	}

	status := models.KeyStatusExpired
	patch := store.Patch{Status: &status}
	if err := m.keys.Update(ctx, keyID, patch); err != nil {
		return nil, fmt.Errorf("expire key: %w", err)
	}
	patch.Apply(key)

	m.invalidate(ctx, keyID)
	m.emit(ctx, events.EventKeyExpired, "expire", key, events.Payload{"expires_at": key.ExpiresAt})
	return key, nil
}

// Sweep expires every active key whose expiry has passed and returns how many changed.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	expired := 0
	for {
		batch, err := m.keys.ListExpired(ctx, m.now(), m.policy.SweepBatchSize)
		if err != nil {
			return expired, fmt.Errorf("list expired keys: %w", err)
		}
		for _, k := range batch {
			if _, err := m.Expire(ctx, k.ID); err != nil {
				return expired, err
			}
			expired++
		}
		if len(batch) < m.policy.SweepBatchSize {
			break
		}
	}
	if expired > 0 {
		m.logger.Info().Int("count", expired).Msg("expired api keys")
	}
	return expired, nil
}

// WarnExpiring publishes one advisory event per key entering the warning window.
func (m *Manager) WarnExpiring(ctx context.Context) (int, error) {
	now := m.now()
	batch, err := m.keys.ListExpiring(ctx, now, m.policy.WarningBeforeExpiry, m.policy.SweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list expiring keys: %w", err)
	}

	warned := 0
	warnedAt := &now
	for i := range batch {
		key := &batch[i]
		if err := m.keys.Update(ctx, key.ID, store.Patch{ExpiryWarnedAt: &warnedAt}); err != nil {
			return warned, fmt.Errorf("mark expiry warning: %w", err)
		}
		m.publisher.Publish(events.EventKeyExpiring, events.Payload{
			"key_id":     key.ID,
			"owner_id":   key.OwnerID,
			"name":       key.Name,
			"expires_at": key.ExpiresAt,
			"expires_in": key.ExpiresAt.Sub(now).Round(time.Second).String(),
		})
		warned++
	}
	return warned, nil
}

// UpdateRequest changes mutable key metadata. Security counters and secrets are not part of it.
type UpdateRequest struct {
	Name               *string
	Description        *string
	Scopes             *models.ScopeSet
	IPWhitelist        *[]string
	DomainRestrictions *[]string
	RateLimit          *models.RateLimit
}

// Update applies metadata and restriction changes.
func (m *Manager) Update(ctx context.Context, keyID string, req UpdateRequest) (*models.APIKey, error) {
	patch := store.Patch{
		Name:        req.Name,
		Description: req.Description,
		Scopes:      req.Scopes,
		RateLimit:   req.RateLimit,
	}
	if req.Name != nil && *req.Name == "" {
		return nil, fmt.Errorf("%w: name cannot be empty", ErrInvalidRequest)
	}
	if req.Scopes != nil && req.Scopes.IsEmpty() {
		return nil, fmt.Errorf("%w: at least one scope is required", ErrInvalidRequest)
	}
	if req.RateLimit != nil {
		if err := validateRateLimit(*req.RateLimit); err != nil {
			return nil, err
		}
	}
	if req.IPWhitelist != nil {
		ips, err := NormalizeIPWhitelist(*req.IPWhitelist)
		if err != nil {
			return nil, err
		}
		patch.IPWhitelist = &ips
	}
	if req.DomainRestrictions != nil {
		domains, err := NormalizeDomains(*req.DomainRestrictions)
		if err != nil {
			return nil, err
		}
		patch.DomainRestrictions = &domains
	}

	key, err := m.keys.Get(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if patch.IsEmpty() {
		return key, nil
	}
	if err := m.keys.Update(ctx, keyID, patch); err != nil {
		return nil, fmt.Errorf("update key: %w", err)
	}
	patch.Apply(key)

	m.invalidate(ctx, keyID)
	m.emit(ctx, events.EventKeyUpdated, "update", key, events.Payload{"scopes": key.Scopes.Names()})
	return key, nil
}

// Get loads a key.
func (m *Manager) Get(ctx context.Context, keyID string) (*models.APIKey, error) {
	return m.keys.Get(ctx, keyID)
}

// List returns the keys of an owner.
func (m *Manager) List(ctx context.Context, ownerID string) ([]models.APIKey, error) {
	return m.keys.ListByOwner(ctx, ownerID)
}

// Delete removes a key record entirely.
func (m *Manager) Delete(ctx context.Context, keyID string) error {
	key, err := m.keys.Get(ctx, keyID)
	if err != nil {
		return err
	}
	if err := m.keys.Delete(ctx, keyID); err != nil {
		return fmt.Errorf("delete key: %w", err)
	}
	m.invalidate(ctx, keyID)
	m.emit(ctx, events.EventKeyDeleted, "delete", key, nil)
	return nil
}

func (m *Manager) resolveTTL(ttl time.Duration) (time.Duration, error) {
	switch {
	case ttl < 0:
		return 0, fmt.Errorf("%w: ttl must be positive", ErrInvalidRequest)
	case ttl == 0:
		return m.policy.DefaultTTL, nil
	case ttl > m.policy.MaxTTL:
		return 0, ErrTTLExceedsMax
	default:
		return ttl, nil
	}
}

func validateRateLimit(rl models.RateLimit) error {
	if rl.RequestsPerMinute < 0 || rl.RequestsPerDay < 0 || rl.BurstThreshold < 0 {
		return fmt.Errorf("%w: rate limits cannot be negative", ErrInvalidRequest)
	}
	return nil
}

// invalidate drops the cached record. A failure is logged only: cached entries expire on
// their own within the cache TTL.
func (m *Manager) invalidate(ctx context.Context, keyID string) {
	if m.cache == nil {
		return
	}
	if err := m.cache.InvalidateKey(ctx, keyID); err != nil {
		m.logger.Warn().Err(err).Str("key_id", keyID).Msg("failed to invalidate cached key record")
	}
}

func (m *Manager) emit(ctx context.Context, eventType events.EventType, operation string, key *models.APIKey, extra events.Payload) {
	telemetry.KeyLifecycleTotal.WithLabelValues(operation).Inc()

	payload := events.Payload{
		"key_id":     key.ID,
		"owner_id":   key.OwnerID,
		"key_prefix": key.KeyPrefix,
		"status":     string(key.Status),
		"actor_id":   ActorFromContext(ctx),
	}
	for k, v := range extra {
		payload[k] = v
	}
	m.publisher.Publish(eventType, payload)
}
