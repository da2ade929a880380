/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/friendsincode/crybkeys/internal/models"
)

// GormCredentialStore persists key records through gorm.
type GormCredentialStore struct {
	db *gorm.DB
}

// NewGormCredentialStore creates a credential store on db.
func NewGormCredentialStore(db *gorm.DB) *GormCredentialStore {
	return &GormCredentialStore{db: db}
}

// Get loads a key by id.
func (s *GormCredentialStore) Get(ctx context.Context, id string) (*models.APIKey, error) {
	var key models.APIKey
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get api key", err)
	}
	return &key, nil
}

// Create inserts a new key record.
func (s *GormCredentialStore) Create(ctx context.Context, key *models.APIKey) error {
	if err := s.db.WithContext(ctx).Create(key).Error; err != nil {
		if errors.Is(s.translate(err), gorm.ErrDuplicatedKey) {
			return fmt.Errorf("create api key %s: %w", key.ID, ErrConflict)
		}
		return unavailable("create api key", err)
	}
	return nil
}

// translate maps driver errors onto gorm's portable errors when the session did not.
func (s *GormCredentialStore) translate(err error) error {
	if t, ok := s.db.Dialector.(gorm.ErrorTranslator); ok {
		return t.Translate(err)
	}
	return err
}

// Update applies patch to the record in a single UPDATE statement.
func (s *GormCredentialStore) Update(ctx context.Context, id string, patch Patch) error {
	cols := patch.columns()
	if len(cols) == 0 {
		return nil
	}
	cols["updated_at"] = time.Now()

	result := s.db.WithContext(ctx).Model(&models.APIKey{}).Where("id = ?", id).Updates(cols)
	if result.Error != nil {
		return unavailable("update api key", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete permanently removes a key record.
func (s *GormCredentialStore) Delete(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.APIKey{})
	if result.Error != nil {
		return unavailable("delete api key", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByOwner returns all keys of an owner, newest first.
func (s *GormCredentialStore) ListByOwner(ctx context.Context, ownerID string) ([]models.APIKey, error) {
	var keys []models.APIKey
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Find(&keys).Error
	if err != nil {
		return nil, unavailable("list api keys", err)
	}
	return keys, nil
}

// CountByOwner counts the active keys of an owner.
func (s *GormCredentialStore) CountByOwner(ctx context.Context, ownerID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.APIKey{}).
		Where("owner_id = ? AND status = ?", ownerID, models.KeyStatusActive).
		Count(&count).Error
	if err != nil {
		return 0, unavailable("count api keys", err)
	}
	return count, nil
}

// ListExpired returns active keys whose expiry has passed.
func (s *GormCredentialStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]models.APIKey, error) {
	var keys []models.APIKey
	err := s.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", models.KeyStatusActive, now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&keys).Error
	if err != nil {
		return nil, unavailable("list expired api keys", err)
	}
	return keys, nil
}

// ListExpiring returns active, not yet warned keys expiring within the window.
func (s *GormCredentialStore) ListExpiring(ctx context.Context, now time.Time, within time.Duration, limit int) ([]models.APIKey, error) {
	var keys []models.APIKey
	err := s.db.WithContext(ctx).
		Where("status = ? AND expires_at > ? AND expires_at <= ? AND expiry_warned_at IS NULL",
			models.KeyStatusActive, now, now.Add(within)).
		Order("expires_at ASC").
		Limit(limit).
		Find(&keys).Error
	if err != nil {
		return nil, unavailable("list expiring api keys", err)
	}
	return keys, nil
}

// Stats counts keys by status.
func (s *GormCredentialStore) Stats(ctx context.Context, suspicionThreshold int64) (KeyStats, error) {
	var stats KeyStats

	type statusCount struct {
		Status models.KeyStatus
		Count  int64
	}
	var rows []statusCount
	err := s.db.WithContext(ctx).Model(&models.APIKey{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return stats, unavailable("count keys by status", err)
	}
	for _, row := range rows {
		stats.Total += row.Count
		switch row.Status {
		case models.KeyStatusActive:
			stats.Active = row.Count
		case models.KeyStatusRevoked:
			stats.Revoked = row.Count
		case models.KeyStatusExpired:
			stats.Expired = row.Count
		}
	}

	if err := s.db.WithContext(ctx).Model(&models.APIKey{}).
		Where("suspicion_score >= ?", suspicionThreshold).
		Count(&stats.Suspicious).Error; err != nil {
		return stats, unavailable("count suspicious keys", err)
	}
	return stats, nil
}
