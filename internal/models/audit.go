/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// AuditAction defines the type of audited action.
type AuditAction string

// Audit action constants for key lifecycle and security signals.
const (
	AuditActionAPIKeyCreate     AuditAction = "apikey.create"
	AuditActionAPIKeyUpdate     AuditAction = "apikey.update"
	AuditActionAPIKeyRotate     AuditAction = "apikey.rotate"
	AuditActionAPIKeyRevoke     AuditAction = "apikey.revoke"
	AuditActionAPIKeyExpire     AuditAction = "apikey.expire"
	AuditActionAPIKeyDelete     AuditAction = "apikey.delete"
	AuditActionAPIKeyExpiring   AuditAction = "apikey.expiring"
	AuditActionSuspiciousKey    AuditAction = "security.suspicious"
	AuditActionRepeatedFailures AuditAction = "security.repeated_failures"
	AuditActionUnknownKeySpike  AuditAction = "security.unattributed_failures"
)

// AuditLog records sensitive operations for security and compliance.
type AuditLog struct {
	ID           string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	Timestamp    time.Time      `gorm:"index:idx_audit_timestamp;not null" json:"timestamp"`
	ActorID      *string        `gorm:"type:varchar(64);index:idx_audit_actor" json:"actor_id,omitempty"` // NULL for system actions
	OwnerID      *string        `gorm:"type:varchar(64);index:idx_audit_owner" json:"owner_id,omitempty"`
	Action       AuditAction    `gorm:"type:varchar(64);index:idx_audit_action;not null" json:"action"`
	ResourceType string         `gorm:"type:varchar(64)" json:"resource_type"`
	ResourceID   string         `gorm:"type:varchar(64);index:idx_audit_resource" json:"resource_id"`
	Details      map[string]any `gorm:"serializer:json" json:"details"`
	IPAddress    string         `gorm:"type:varchar(45)" json:"ip_address,omitempty"`
	UserAgent    string         `gorm:"type:varchar(512)" json:"user_agent,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// TableName returns the table name for GORM.
func (AuditLog) TableName() string {
	return "audit_logs"
}

// AllModels lists every persisted model for auto-migration.
func AllModels() []any {
	return []any{
		&APIKey{},
		&UsageRecord{},
		&UsageStatusCount{},
		&AuditLog{},
	}
}
