/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/friendsincode/crybkeys/internal/cache"
	"github.com/friendsincode/crybkeys/internal/db"
	"github.com/friendsincode/crybkeys/internal/server"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	Long: `Apply the schema for keys, usage records and the audit log.

Migrations are additive and safe to run repeatedly. The serve command applies
them on startup as well. When Redis is reachable the key record cache is
flushed so no instance serves records cached under the previous schema.`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	database, err := db.Connect(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close(database) }()

	if err := db.Migrate(database); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info().Str("backend", string(cfg.DBBackend)).Msg("schema up to date")

	if client := server.ConnectRedis(cfg, logger); client != nil {
		defer func() { _ = client.Close() }()
		if err := cache.New(client, cache.DefaultConfig(), logger).FlushAll(cmd.Context()); err != nil {
			return fmt.Errorf("flush record cache: %w", err)
		}
	}
	return nil
}
