/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// UsageGranularity is the width of a usage bucket.
type UsageGranularity string

const (
	UsageHourly UsageGranularity = "hour"
	UsageDaily  UsageGranularity = "day"
)

// UsageRecord aggregates request counts and response timing for one key in one bucket.
// ResponseTimeMinMs is zero until the bucket holds a response.
type UsageRecord struct {
	ID                  uint             `gorm:"primaryKey" json:"-"`
	KeyID               string           `gorm:"type:varchar(64);not null;uniqueIndex:idx_usage_bucket" json:"key_id"`
	Bucket              time.Time        `gorm:"not null;uniqueIndex:idx_usage_bucket" json:"bucket"`
	Granularity         UsageGranularity `gorm:"type:varchar(8);not null;uniqueIndex:idx_usage_bucket" json:"granularity"`
	TotalRequests       int64            `gorm:"not null;default:0" json:"total_requests"`
	ResponseCount       int64            `gorm:"not null;default:0" json:"response_count"`
	ResponseTimeTotalMs int64            `gorm:"not null;default:0" json:"response_time_total_ms"`
	ResponseTimeMaxMs   int64            `gorm:"not null;default:0" json:"response_time_max_ms"`
	ResponseTimeMinMs   int64            `gorm:"not null;default:0" json:"response_time_min_ms"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// TableName returns the table name for GORM.
func (UsageRecord) TableName() string {
	return "api_key_usage"
}

// AverageResponseTimeMs returns the mean response time of the bucket.
func (u *UsageRecord) AverageResponseTimeMs() float64 {
	if u.ResponseCount == 0 {
		return 0
	}
	return float64(u.ResponseTimeTotalMs) / float64(u.ResponseCount)
}

// UsageStatusCount is one row of the per-bucket status code histogram.
type UsageStatusCount struct {
	ID          uint             `gorm:"primaryKey" json:"-"`
	KeyID       string           `gorm:"type:varchar(64);not null;uniqueIndex:idx_usage_status" json:"key_id"`
	Bucket      time.Time        `gorm:"not null;uniqueIndex:idx_usage_status" json:"bucket"`
	Granularity UsageGranularity `gorm:"type:varchar(8);not null;uniqueIndex:idx_usage_status" json:"granularity"`
	StatusCode  int              `gorm:"not null;uniqueIndex:idx_usage_status" json:"status_code"`
	Count       int64            `gorm:"not null;default:0" json:"count"`
}

// TableName returns the table name for GORM.
func (UsageStatusCount) TableName() string {
	return "api_key_usage_status"
}
