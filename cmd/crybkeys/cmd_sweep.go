/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"github.com/spf13/cobra"

	"github.com/friendsincode/crybkeys/internal/lifecycle"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire overdue keys and send expiry warnings once",
	Long: `Run a single expiry sweep: keys past their expiry are marked expired and
keys inside the warning window get one expiry warning. Running instances do
this on their own schedule; use this from cron when no instance is running.`,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx := lifecycle.WithActor(cmd.Context(), "sweeper")
	manager, closeFn, err := openManager(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	return lifecycle.NewSweeper(manager, cfg.SweepInterval, nil, logger).RunOnce(ctx)
}
