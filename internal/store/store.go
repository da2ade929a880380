/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package store defines the credential and counter store adapters consumed by the key
// service, with gorm, Redis and in-memory implementations.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/friendsincode/crybkeys/internal/models"
)

// ErrNotFound is returned when a key record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when a record collides with an existing one.
var ErrConflict = errors.New("record already exists")

// ErrUnavailable wraps store failures (timeouts, connection loss) that prevent an answer.
var ErrUnavailable = errors.New("store unavailable")

// unavailable marks err as an availability failure while keeping the cause.
func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// Patch is a partial update of a key record. Nil fields are left untouched.
type Patch struct {
	Name                    *string
	Description             *string
	Scopes                  *models.ScopeSet
	IPWhitelist             *[]string
	DomainRestrictions      *[]string
	RateLimit               *models.RateLimit
	Status                  *models.KeyStatus
	SecretHash              *string
	PreviousSecretHash      *string
	PreviousSecretExpiresAt **time.Time
	ExpiresAt               *time.Time
	LastRotatedAt           *time.Time
	LastUsedAt              *time.Time
	RevokedAt               *time.Time
	RevokeReason            *string
	ExpiryWarnedAt          **time.Time
	FailureCount            *int64
	SuspicionScore          *int64
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return len(p.columns()) == 0
}

// columns maps the patch onto column names.
func (p Patch) columns() map[string]any {
	cols := make(map[string]any)
	if p.Name != nil {
		cols["name"] = *p.Name
	}
	if p.Description != nil {
		cols["description"] = *p.Description
	}
	if p.Scopes != nil {
		cols["scopes"] = *p.Scopes
	}
	if p.IPWhitelist != nil {
		cols["ip_whitelist"] = jsonList(*p.IPWhitelist)
	}
	if p.DomainRestrictions != nil {
		cols["domain_restrictions"] = jsonList(*p.DomainRestrictions)
	}
	if p.RateLimit != nil {
		cols["rate_requests_per_minute"] = p.RateLimit.RequestsPerMinute
		cols["rate_requests_per_day"] = p.RateLimit.RequestsPerDay
		cols["rate_burst_threshold"] = p.RateLimit.BurstThreshold
	}
	if p.Status != nil {
		cols["status"] = *p.Status
	}
	if p.SecretHash != nil {
		cols["secret_hash"] = *p.SecretHash
	}
	if p.PreviousSecretHash != nil {
		cols["previous_secret_hash"] = *p.PreviousSecretHash
	}
	if p.PreviousSecretExpiresAt != nil {
		cols["previous_secret_expires_at"] = *p.PreviousSecretExpiresAt
	}
	if p.ExpiresAt != nil {
		cols["expires_at"] = *p.ExpiresAt
	}
	if p.LastRotatedAt != nil {
		cols["last_rotated_at"] = *p.LastRotatedAt
	}
	if p.LastUsedAt != nil {
		cols["last_used_at"] = *p.LastUsedAt
	}
	if p.RevokedAt != nil {
		cols["revoked_at"] = *p.RevokedAt
	}
	if p.RevokeReason != nil {
		cols["revoke_reason"] = *p.RevokeReason
	}
	if p.ExpiryWarnedAt != nil {
		cols["expiry_warned_at"] = *p.ExpiryWarnedAt
	}
	if p.FailureCount != nil {
		cols["failure_count"] = *p.FailureCount
	}
	if p.SuspicionScore != nil {
		cols["suspicion_score"] = *p.SuspicionScore
	}
	return cols
}

// jsonList encodes a list column the same way the json serializer on the model does.
func jsonList(list []string) string {
	if list == nil {
		list = []string{}
	}
	data, _ := json.Marshal(list)
	return string(data)
}

// Apply copies the patch onto an in-memory record.
func (p Patch) Apply(k *models.APIKey) {
	if p.Name != nil {
		k.Name = *p.Name
	}
	if p.Description != nil {
		k.Description = *p.Description
	}
	if p.Scopes != nil {
		k.Scopes = *p.Scopes
	}
	if p.IPWhitelist != nil {
		k.IPWhitelist = *p.IPWhitelist
	}
	if p.DomainRestrictions != nil {
		k.DomainRestrictions = *p.DomainRestrictions
	}
	if p.RateLimit != nil {
		k.RateLimit = *p.RateLimit
	}
	if p.Status != nil {
		k.Status = *p.Status
	}
	if p.SecretHash != nil {
		k.SecretHash = *p.SecretHash
	}
	if p.PreviousSecretHash != nil {
		k.PreviousSecretHash = *p.PreviousSecretHash
	}
	if p.PreviousSecretExpiresAt != nil {
		k.PreviousSecretExpiresAt = *p.PreviousSecretExpiresAt
	}
	if p.ExpiresAt != nil {
		k.ExpiresAt = *p.ExpiresAt
	}
	if p.LastRotatedAt != nil {
		k.LastRotatedAt = p.LastRotatedAt
	}
	if p.LastUsedAt != nil {
		k.LastUsedAt = p.LastUsedAt
	}
	if p.RevokedAt != nil {
		k.RevokedAt = p.RevokedAt
	}
	if p.RevokeReason != nil {
		k.RevokeReason = *p.RevokeReason
	}
	if p.ExpiryWarnedAt != nil {
		k.ExpiryWarnedAt = *p.ExpiryWarnedAt
	}
	if p.FailureCount != nil {
		k.FailureCount = *p.FailureCount
	}
	if p.SuspicionScore != nil {
		k.SuspicionScore = *p.SuspicionScore
	}
}

// KeyStats summarizes the key population.
type KeyStats struct {
	Total      int64 `json:"total"`
	Active     int64 `json:"active"`
	Revoked    int64 `json:"revoked"`
	Expired    int64 `json:"expired"`
	Suspicious int64 `json:"suspicious"`
}

// CredentialStore persists key records.
type CredentialStore interface {
	Get(ctx context.Context, id string) (*models.APIKey, error)
	Create(ctx context.Context, key *models.APIKey) error
	Update(ctx context.Context, id string, patch Patch) error
	Delete(ctx context.Context, id string) error
	ListByOwner(ctx context.Context, ownerID string) ([]models.APIKey, error)
	CountByOwner(ctx context.Context, ownerID string) (int64, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]models.APIKey, error)
	ListExpiring(ctx context.Context, now time.Time, within time.Duration, limit int) ([]models.APIKey, error)
	Stats(ctx context.Context, suspicionThreshold int64) (KeyStats, error)
}

// CounterStore is an atomic, TTL-capable counter store. A missing counter reads as zero.
type CounterStore interface {
	// IncrementWithTTL adds one to key and returns the new value. The TTL is set when the
	// counter is created and is not extended by later increments.
	IncrementWithTTL(ctx context.Context, key string, window time.Duration) (int64, error)
	// IncrementByWithTTL adds delta to key with the same TTL semantics.
	IncrementByWithTTL(ctx context.Context, key string, delta int64, window time.Duration) (int64, error)
	Get(ctx context.Context, key string) (int64, error)
	// TTL returns the remaining lifetime of key, or zero when it does not exist.
	TTL(ctx context.Context, key string) (time.Duration, error)
	Delete(ctx context.Context, key string) error
}
