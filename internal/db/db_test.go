package db

import (
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/friendsincode/crybkeys/internal/config"
	"github.com/friendsincode/crybkeys/internal/models"
	"github.com/friendsincode/crybkeys/internal/telemetry"
)

func TestConnectAndMigrateSQLite(t *testing.T) {
	cfg := &config.Config{
		Environment: "test",
		DBBackend:   config.DatabaseSQLite,
		DBDSN:       filepath.Join(t.TempDir(), "keys.db"),
	}
	database, err := Connect(cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = Close(database) })

	if err := Migrate(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// idempotent
	if err := Migrate(database); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	for _, m := range models.AllModels() {
		if !database.Migrator().HasTable(m) {
			t.Fatalf("missing table for %T", m)
		}
	}

	var n int64
	if err := database.Model(&models.APIKey{}).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if testutil.CollectAndCount(telemetry.DatabaseQueryDuration) == 0 {
		t.Fatal("expected query duration to be observed")
	}
}

func TestConnectRejectsUnknownBackend(t *testing.T) {
	if _, err := Connect(&config.Config{DBBackend: "oracle", DBDSN: "x"}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
