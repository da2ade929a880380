/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/friendsincode/crybkeys/internal/audit"
	"github.com/friendsincode/crybkeys/internal/cache"
	"github.com/friendsincode/crybkeys/internal/db"
	"github.com/friendsincode/crybkeys/internal/events"
	"github.com/friendsincode/crybkeys/internal/keycodec"
	"github.com/friendsincode/crybkeys/internal/lifecycle"
	"github.com/friendsincode/crybkeys/internal/models"
	"github.com/friendsincode/crybkeys/internal/server"
	"github.com/friendsincode/crybkeys/internal/store"
)

const cliActor = "cli"

var (
	keyOwner       string
	keyName        string
	keyDescription string
	keyScopes      []string
	keyIPs         []string
	keyDomains     []string
	keyExpiresDays int
	keyRPM         int
	keyRPD         int
	keyBurst       int
	keyGrace       time.Duration
	keyReason      string
	keyJSON        bool
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage API keys from the command line",
	Long: `Issue, list, rotate and revoke API keys directly against the database.

Every change is written to the audit log with actor "cli". When Redis is
reachable, cached copies of changed keys are dropped immediately; otherwise
running instances notice within the cache TTL.`,
}

var keysCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Issue a new key",
	Long: `Issue a new key and print its token. The token is shown once and cannot be
recovered later.

Examples:
  crybkeys keys create --owner svc-billing --name billing-prod --scopes read,write
  crybkeys keys create --owner ci --name deploy --scopes read --ip 10.0.0.0/8 --expires-in-days 30`,
	RunE: runKeysCreate,
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the keys of an owner",
	RunE:  runKeysList,
}

var keysRotateCmd = &cobra.Command{
	Use:   "rotate KEY_ID",
	Short: "Replace the secret of a key",
	Long: `Replace the secret of a key and print the new token. With --grace the old
secret keeps working for that long.`,
	Args: cobra.ExactArgs(1),
	RunE: runKeysRotate,
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke KEY_ID",
	Short: "Revoke a key permanently",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeysRevoke,
}

func init() {
	keysCreateCmd.Flags().StringVar(&keyOwner, "owner", "", "Owner the key is issued to (required)")
	keysCreateCmd.Flags().StringVar(&keyName, "name", "", "Human readable key name (required)")
	keysCreateCmd.Flags().StringVar(&keyDescription, "description", "", "Optional description")
	keysCreateCmd.Flags().StringSliceVar(&keyScopes, "scopes", []string{"read"}, "Scopes: read, write, delete, admin")
	keysCreateCmd.Flags().StringSliceVar(&keyIPs, "ip", nil, "Allowed source address or CIDR (repeatable)")
	keysCreateCmd.Flags().StringSliceVar(&keyDomains, "domain", nil, "Allowed origin domain, *.example.com for subdomains (repeatable)")
	keysCreateCmd.Flags().IntVar(&keyExpiresDays, "expires-in-days", 0, "Lifetime in days (0 = policy default)")
	keysCreateCmd.Flags().IntVar(&keyRPM, "rpm", -1, "Requests per minute (-1 = policy default, 0 = unlimited)")
	keysCreateCmd.Flags().IntVar(&keyRPD, "rpd", -1, "Requests per day (-1 = policy default, 0 = unlimited)")
	keysCreateCmd.Flags().IntVar(&keyBurst, "burst", -1, "Burst threshold (-1 = policy default, 0 = unlimited)")
	_ = keysCreateCmd.MarkFlagRequired("owner")
	_ = keysCreateCmd.MarkFlagRequired("name")

	keysListCmd.Flags().StringVar(&keyOwner, "owner", "", "Owner whose keys to list (required)")
	keysListCmd.Flags().BoolVar(&keyJSON, "json", false, "Print JSON instead of a table")
	_ = keysListCmd.MarkFlagRequired("owner")

	keysRotateCmd.Flags().DurationVar(&keyGrace, "grace", 0, "Keep the previous secret valid for this long")
	keysRotateCmd.Flags().IntVar(&keyExpiresDays, "expires-in-days", 0, "Restart the lifetime with this many days (0 = keep expiry)")

	keysRevokeCmd.Flags().StringVar(&keyReason, "reason", "", "Reason recorded on the key and in the audit log")

	keysCmd.AddCommand(keysCreateCmd, keysListCmd, keysRotateCmd, keysRevokeCmd)
	rootCmd.AddCommand(keysCmd)
}

// openManager builds a lifecycle manager that audits synchronously.
func openManager(ctx context.Context) (*lifecycle.Manager, func(), error) {
	if err := loadConfig(); err != nil {
		return nil, nil, err
	}
	database, err := db.Connect(cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Migrate(database); err != nil {
		_ = db.Close(database)
		return nil, nil, err
	}
	closers := []func(){func() { _ = db.Close(database) }}

	var invalidator lifecycle.Invalidator
	if client := server.ConnectRedis(cfg, logger); client != nil {
		closers = append(closers, func() { _ = client.Close() })
		cacheCfg := cache.DefaultConfig()
		cacheCfg.RecordTTL = cfg.CacheTTL
		invalidator = cache.New(client, cacheCfg, logger)
	}

	manager := newManager(ctx, database, invalidator)
	return manager, func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}, nil
}

func newManager(ctx context.Context, database *gorm.DB, invalidator lifecycle.Invalidator) *lifecycle.Manager {
	auditSvc := audit.NewService(database, events.NewBus(), logger)
	return lifecycle.NewManager(
		store.NewGormCredentialStore(database),
		keycodec.New(cfg.TokenPrefix, cfg.SecretBytes),
		invalidator,
		auditSvc.Direct(ctx),
		server.LifecyclePolicy(cfg.Policy),
		logger,
	)
}

func runKeysCreate(cmd *cobra.Command, args []string) error {
	ctx := lifecycle.WithActor(cmd.Context(), cliActor)
	manager, closeFn, err := openManager(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	scopes, err := models.ParseScopeSet(keyScopes)
	if err != nil {
		return err
	}
	req := lifecycle.CreateRequest{
		Name:               keyName,
		Description:        keyDescription,
		Scopes:             scopes,
		IPWhitelist:        keyIPs,
		DomainRestrictions: keyDomains,
		TTL:                time.Duration(keyExpiresDays) * 24 * time.Hour,
	}
	if keyRPM >= 0 || keyRPD >= 0 || keyBurst >= 0 {
		rl := manager.Policy().DefaultRateLimit
		if keyRPM >= 0 {
			rl.RequestsPerMinute = keyRPM
		}
		if keyRPD >= 0 {
			rl.RequestsPerDay = keyRPD
		}
		if keyBurst >= 0 {
			rl.BurstThreshold = keyBurst
		}
		req.RateLimit = &rl
	}

	key, token, err := manager.Create(ctx, keyOwner, req)
	if err != nil {
		return fmt.Errorf("create key: %w", err)
	}
	printIssued(cmd.OutOrStdout(), key, token)
	return nil
}

func runKeysList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	manager, closeFn, err := openManager(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	keys, err := manager.List(ctx, keyOwner)
	if err != nil {
		return fmt.Errorf("list keys: %w", err)
	}
	if keyJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(keys)
	}
	printKeyTable(cmd.OutOrStdout(), keys, time.Now())
	return nil
}

func runKeysRotate(cmd *cobra.Command, args []string) error {
	ctx := lifecycle.WithActor(cmd.Context(), cliActor)
	manager, closeFn, err := openManager(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	key, token, err := manager.Rotate(ctx, args[0], lifecycle.RotateRequest{
		GracePeriod: keyGrace,
		TTL:         time.Duration(keyExpiresDays) * 24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("rotate key: %w", err)
	}
	printIssued(cmd.OutOrStdout(), key, token)
	return nil
}

func runKeysRevoke(cmd *cobra.Command, args []string) error {
	ctx := lifecycle.WithActor(cmd.Context(), cliActor)
	manager, closeFn, err := openManager(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	key, err := manager.Revoke(ctx, args[0], keyReason)
	if err != nil {
		return fmt.Errorf("revoke key: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s (%s)\n", key.ID, key.Name)
	return nil
}

func printIssued(out io.Writer, key *models.APIKey, token string) {
	fmt.Fprintf(out, "Key ID:   %s\n", key.ID)
	fmt.Fprintf(out, "Owner:    %s\n", key.OwnerID)
	fmt.Fprintf(out, "Scopes:   %s\n", strings.Join(key.Scopes.Names(), ","))
	fmt.Fprintf(out, "Expires:  %s\n", key.ExpiresAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(out, "Token:    %s\n", token)
	fmt.Fprintln(out, "\nStore the token now; it cannot be shown again.")
}

func printKeyTable(out io.Writer, keys []models.APIKey, now time.Time) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tSCOPES\tEXPIRES\tLAST USED")
	for _, k := range keys {
		status := string(k.Status)
		if k.Status == models.KeyStatusActive && k.IsExpiredAt(now) {
			status = string(models.KeyStatusExpired)
		}
		lastUsed := "never"
		if k.LastUsedAt != nil {
			lastUsed = k.LastUsedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			k.ID, k.Name, status, strings.Join(k.Scopes.Names(), ","), k.ExpiresAt.UTC().Format(time.RFC3339), lastUsed)
	}
	_ = tw.Flush()
}
