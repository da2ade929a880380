/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Scope is a capability granted to an API key.
type Scope uint8

const (
	ScopeRead Scope = 1 << iota
	ScopeWrite
	ScopeDelete
	ScopeAdmin
)

var scopeNames = []struct {
	scope Scope
	name  string
}{
	{ScopeRead, "read"},
	{ScopeWrite, "write"},
	{ScopeDelete, "delete"},
	{ScopeAdmin, "admin"},
}

// String returns the wire name of a single scope.
func (s Scope) String() string {
	for _, sn := range scopeNames {
		if sn.scope == s {
			return sn.name
		}
	}
	return fmt.Sprintf("scope(%d)", uint8(s))
}

// ParseScope parses a scope name.
func ParseScope(name string) (Scope, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, sn := range scopeNames {
		if sn.name == name {
			return sn.scope, nil
		}
	}
	return 0, fmt.Errorf("unknown scope %q", name)
}

// ScopeSet is a closed set of scopes stored as a bitmask.
type ScopeSet uint8

// NewScopeSet builds a set from individual scopes.
func NewScopeSet(scopes ...Scope) ScopeSet {
	var set ScopeSet
	for _, s := range scopes {
		set |= ScopeSet(s)
	}
	return set
}

// ParseScopeSet parses scope names into a set.
func ParseScopeSet(names []string) (ScopeSet, error) {
	var set ScopeSet
	for _, n := range names {
		if strings.TrimSpace(n) == "" {
			continue
		}
		s, err := ParseScope(n)
		if err != nil {
			return 0, err
		}
		set |= ScopeSet(s)
	}
	return set, nil
}

// Has reports whether the scope is literally present in the set.
func (set ScopeSet) Has(s Scope) bool {
	return set&ScopeSet(s) != 0
}

// Grants reports whether the set authorizes the scope. Admin implies every other scope.
func (set ScopeSet) Grants(s Scope) bool {
	return set.Has(s) || set.Has(ScopeAdmin)
}

// IsEmpty reports whether no scope is present.
func (set ScopeSet) IsEmpty() bool {
	return set == 0
}

// Names lists the scopes in canonical order.
func (set ScopeSet) Names() []string {
	names := make([]string, 0, len(scopeNames))
	for _, sn := range scopeNames {
		if set.Has(sn.scope) {
			names = append(names, sn.name)
		}
	}
	return names
}

func (set ScopeSet) String() string {
	return strings.Join(set.Names(), ",")
}

// MarshalJSON encodes the set as a list of names.
func (set ScopeSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(set.Names())
}

// UnmarshalJSON decodes a list of names.
func (set *ScopeSet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	parsed, err := ParseScopeSet(names)
	if err != nil {
		return err
	}
	*set = parsed
	return nil
}

// Value stores the set as a comma separated list.
func (set ScopeSet) Value() (driver.Value, error) {
	return set.String(), nil
}

// Scan reads a comma separated list.
func (set *ScopeSet) Scan(value any) error {
	var raw string
	switch v := value.(type) {
	case nil:
		*set = 0
		return nil
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("scan scope set: unsupported type %T", value)
	}
	parsed, err := ParseScopeSet(strings.Split(raw, ","))
	if err != nil {
		return err
	}
	*set = parsed
	return nil
}

// KeyStatus is the stored lifecycle status of a key.
type KeyStatus string

const (
	KeyStatusActive  KeyStatus = "active"
	KeyStatusRevoked KeyStatus = "revoked"
	KeyStatusExpired KeyStatus = "expired"
)

// RateLimit holds the per-key request budgets. Zero disables a budget.
type RateLimit struct {
	RequestsPerMinute int `gorm:"not null;default:0" json:"requests_per_minute"`
	RequestsPerDay    int `gorm:"not null;default:0" json:"requests_per_day"`
	BurstThreshold    int `gorm:"not null;default:0" json:"burst_threshold"`
}

// APIKey represents an issued API credential.
type APIKey struct {
	ID                      string     `gorm:"type:varchar(64);primaryKey" json:"id"`
	OwnerID                 string     `gorm:"type:varchar(64);index;not null" json:"owner_id"`
	Name                    string     `gorm:"not null" json:"name"`
	Description             string     `json:"description"`
	KeyPrefix               string     `gorm:"size:16" json:"key_prefix"`
	SecretHash              string     `gorm:"not null" json:"-"`
	PreviousSecretHash      string     `json:"-"`
	PreviousSecretExpiresAt *time.Time `json:"-"`
	Scopes                  ScopeSet   `gorm:"type:varchar(64);not null" json:"scopes"`
	IPWhitelist             []string   `gorm:"serializer:json" json:"ip_whitelist"`
	DomainRestrictions      []string   `gorm:"serializer:json" json:"domain_restrictions"`
	RateLimit               RateLimit  `gorm:"embedded;embeddedPrefix:rate_" json:"rate_limit"`
	Status                  KeyStatus  `gorm:"type:varchar(16);index;not null" json:"status"`
	ExpiresAt               time.Time  `gorm:"index;not null" json:"expires_at"`
	LastRotatedAt           *time.Time `json:"last_rotated_at,omitempty"`
	LastUsedAt              *time.Time `json:"last_used_at,omitempty"`
	RevokedAt               *time.Time `json:"revoked_at,omitempty"`
	RevokeReason            string     `json:"revoke_reason,omitempty"`
	ExpiryWarnedAt          *time.Time `json:"-"`
	FailureCount            int64      `gorm:"not null;default:0" json:"failure_count"`
	SuspicionScore          int64      `gorm:"not null;default:0" json:"suspicion_score"`
	CreatedAt               time.Time  `json:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at"`
}

// TableName returns the table name for GORM.
func (APIKey) TableName() string {
	return "api_keys"
}

// IsExpiredAt reports whether the key is past its expiry at t.
func (k *APIKey) IsExpiredAt(t time.Time) bool {
	return !t.Before(k.ExpiresAt)
}

// IsRevoked returns true if the API key has been revoked.
func (k *APIKey) IsRevoked() bool {
	return k.Status == KeyStatusRevoked
}

// IsUsableAt reports whether the key may authenticate at t. Stored status alone is not
// trusted: an active key past its expiry is unusable.
func (k *APIKey) IsUsableAt(t time.Time) bool {
	return k.Status == KeyStatusActive && !k.IsExpiredAt(t)
}

// InGracePeriodAt reports whether the pre-rotation secret is still accepted at t.
func (k *APIKey) InGracePeriodAt(t time.Time) bool {
	return k.PreviousSecretHash != "" && k.PreviousSecretExpiresAt != nil && t.Before(*k.PreviousSecretExpiresAt)
}
