/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/friendsincode/crybkeys/internal/models"
)

// Migrate applies database schema migrations using GORM auto-migrate.
func Migrate(database *gorm.DB) error {
	if err := database.AutoMigrate(models.AllModels()...); err != nil {
		return err
	}

	if err := applyPostgresSweepIndex(database); err != nil {
		return err
	}

	return nil
}

// applyPostgresSweepIndex adds a partial index covering the expiry sweep and warning scans,
// which only ever look at active keys.
func applyPostgresSweepIndex(database *gorm.DB) error {
	if database.Dialector.Name() != "postgres" {
		return nil
	}

	stmt := `CREATE INDEX IF NOT EXISTS idx_api_keys_active_expiry
ON api_keys (expires_at)
WHERE status = 'active'`
	if err := database.Exec(stmt).Error; err != nil {
		return fmt.Errorf("apply postgres sweep index: %w", err)
	}
	return nil
}
