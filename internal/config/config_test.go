package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("CRYBKEYS_DB_DSN", "host=localhost user=test dbname=test sslmode=disable")
	t.Setenv("CRYBKEYS_JWT_SIGNING_KEY", "supersecret")
	t.Setenv("CRYBKEYS_ENV", "development")
}

func TestLoadReadsCriticalEnvKeys(t *testing.T) {
	setRequired(t)
	t.Setenv("CRYBKEYS_STORE_TIMEOUT", "100ms")
	t.Setenv("CRYBKEYS_FAIL_OPEN", "yes")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DBDSN == "" {
		t.Fatal("expected DB DSN to be set")
	}
	if cfg.JWTSigningKey != "supersecret" {
		t.Fatalf("unexpected jwt signing key: %q", cfg.JWTSigningKey)
	}
	if cfg.StoreTimeout != 100*time.Millisecond {
		t.Fatalf("store timeout = %s", cfg.StoreTimeout)
	}
	if !cfg.FailOpen {
		t.Fatal("expected fail open to be enabled")
	}
	if cfg.Policy != DefaultPolicy() {
		t.Fatalf("expected default policy, got %+v", cfg.Policy)
	}
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"unknown backend", "CRYBKEYS_DB_BACKEND", "oracle"},
		{"missing dsn", "CRYBKEYS_DB_DSN", ""},
		{"missing jwt key", "CRYBKEYS_JWT_SIGNING_KEY", ""},
		{"zero validation timeout", "CRYBKEYS_VALIDATION_TIMEOUT", "0s"},
		{"short secret", "CRYBKEYS_SECRET_BYTES", "8"},
		{"sample rate", "CRYBKEYS_TRACING_SAMPLE_RATE", "2"},
		{"empty token prefix", "CRYBKEYS_TOKEN_PREFIX", ""},
		{"dotted token prefix", "CRYBKEYS_TOKEN_PREFIX", "cryb.v2_"},
		{"spaced token prefix", "CRYBKEYS_TOKEN_PREFIX", "cryb _"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tc.key, tc.val)
			if _, err := Load(); err == nil {
				t.Fatalf("expected %s=%q to be rejected", tc.key, tc.val)
			}
		})
	}
}

func TestLoadProductionRequiresStrongSigningKey(t *testing.T) {
	setRequired(t)
	t.Setenv("CRYBKEYS_ENV", "production")

	if _, err := Load(); err == nil {
		t.Fatal("expected short signing key to be rejected in production")
	}

	t.Setenv("CRYBKEYS_JWT_SIGNING_KEY", "0123456789abcdef0123456789abcdef")
	if _, err := Load(); err != nil {
		t.Fatalf("expected production config with strong key to load: %v", err)
	}
}

func TestPolicyFileOverlaysDefaults(t *testing.T) {
	setRequired(t)
	path := filepath.Join(t.TempDir(), "policy.yaml")
	data := []byte(`
max_ttl: 720h
max_rotation_grace: 1h
default_rate_limit:
  requests_per_minute: 5
rate_limit_algorithm: sliding
suspicion_threshold: 30
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	t.Setenv("CRYBKEYS_POLICY_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	p := cfg.Policy
	if p.MaxTTL != 720*time.Hour || p.MaxRotationGrace != time.Hour {
		t.Fatalf("durations not applied: %+v", p)
	}
	if p.DefaultRateLimit.RequestsPerMinute != 5 || p.DefaultRateLimit.RequestsPerDay != 10000 {
		t.Fatalf("rate limit overlay wrong: %+v", p.DefaultRateLimit)
	}
	if p.RateLimitAlgorithm != "sliding" || p.SuspicionThreshold != 30 {
		t.Fatalf("unexpected policy %+v", p)
	}
	if p.DefaultTTL != DefaultPolicy().DefaultTTL {
		t.Fatal("unset keys should keep their defaults")
	}
}

func TestPolicyFileValidated(t *testing.T) {
	setRequired(t)
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("default_ttl: 800h\nmax_ttl: 100h\n"), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	t.Setenv("CRYBKEYS_POLICY_FILE", path)

	if _, err := Load(); err == nil {
		t.Fatal("expected default_ttl above max_ttl to be rejected")
	}
}
