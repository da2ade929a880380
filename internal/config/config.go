/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment   string
	HTTPBind      string
	HTTPPort      int
	DBBackend     DatabaseBackend
	DBDSN         string
	JWTSigningKey string
	MetricsBind   string

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	// Multi-instance configuration
	LeaderElectionEnabled bool
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	InstanceID            string

	// External alerting; empty NATSURL disables forwarding
	NATSURL          string
	NATSToken        string
	NATSAlertSubject string

	// Validation path
	StoreTimeout      time.Duration
	ValidationTimeout time.Duration
	CacheTTL          time.Duration
	FailOpen          bool

	// Usage recording
	UsageFlushInterval time.Duration
	UsageQueueSize     int

	// Background work
	SweepInterval time.Duration

	// Token format
	TokenPrefix string
	SecretBytes int

	PolicyFile string
	Policy     Policy
}

// RateLimitPolicy is the budget applied to keys created without explicit limits.
type RateLimitPolicy struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	RequestsPerDay    int `yaml:"requests_per_day"`
	BurstThreshold    int `yaml:"burst_threshold"`
}

// Policy holds the tunable key policies. Values come from defaults, overlaid by the optional
// YAML policy file.
type Policy struct {
	DefaultTTL       time.Duration   `yaml:"default_ttl"`
	MaxTTL           time.Duration   `yaml:"max_ttl"`
	ExpiryWarning    time.Duration   `yaml:"expiry_warning"`
	MaxRotationGrace time.Duration   `yaml:"max_rotation_grace"`
	MaxKeysPerOwner  int             `yaml:"max_keys_per_owner"`
	DefaultRateLimit RateLimitPolicy `yaml:"default_rate_limit"`

	RateLimitAlgorithm string        `yaml:"rate_limit_algorithm"`
	BurstWindow        time.Duration `yaml:"burst_window"`

	SuspicionThreshold int64         `yaml:"suspicion_threshold"`
	AuthFailureWeight  int64         `yaml:"auth_failure_weight"`
	RepeatWeight       int64         `yaml:"repeat_weight"`
	RepeatWindow       time.Duration `yaml:"repeat_window"`
}

// DefaultPolicy returns the built-in key policies.
func DefaultPolicy() Policy {
	return Policy{
		DefaultTTL:       90 * 24 * time.Hour,
		MaxTTL:           365 * 24 * time.Hour,
		ExpiryWarning:    7 * 24 * time.Hour,
		MaxRotationGrace: 24 * time.Hour,
		DefaultRateLimit: RateLimitPolicy{RequestsPerMinute: 60, RequestsPerDay: 10000, BurstThreshold: 20},

		RateLimitAlgorithm: "fixed",
		BurstWindow:        10 * time.Second,

		SuspicionThreshold: 50,
		AuthFailureWeight:  10,
		RepeatWeight:       2,
		RepeatWindow:       time.Minute,
	}
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment:   getEnvAny([]string{"CRYBKEYS_ENV", "ENVIRONMENT"}, "development"),
		HTTPBind:      getEnv("CRYBKEYS_HTTP_BIND", "0.0.0.0"),
		HTTPPort:      getEnvInt("CRYBKEYS_HTTP_PORT", 8080),
		DBBackend:     DatabaseBackend(getEnv("CRYBKEYS_DB_BACKEND", string(DatabasePostgres))),
		DBDSN:         getEnv("CRYBKEYS_DB_DSN", ""),
		JWTSigningKey: getEnv("CRYBKEYS_JWT_SIGNING_KEY", ""),
		MetricsBind:   getEnv("CRYBKEYS_METRICS_BIND", "127.0.0.1:9000"),

		// Tracing configuration
		TracingEnabled:    getEnvBoolAny([]string{"CRYBKEYS_TRACING_ENABLED"}, false),
		OTLPEndpoint:      getEnvAny([]string{"CRYBKEYS_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT"}, "localhost:4317"),
		TracingSampleRate: getEnvFloatAny([]string{"CRYBKEYS_TRACING_SAMPLE_RATE"}, 1.0),

		// Multi-instance configuration
		LeaderElectionEnabled: getEnvBoolAny([]string{"CRYBKEYS_LEADER_ELECTION_ENABLED"}, false),
		RedisAddr:             getEnv("CRYBKEYS_REDIS_ADDR", "localhost:6379"),
		RedisPassword:         getEnv("CRYBKEYS_REDIS_PASSWORD", ""),
		RedisDB:               getEnvInt("CRYBKEYS_REDIS_DB", 0),
		InstanceID:            getEnv("CRYBKEYS_INSTANCE_ID", ""),

		NATSURL:          getEnvAny([]string{"CRYBKEYS_NATS_URL", "NATS_URL"}, ""),
		NATSToken:        getEnvAny([]string{"CRYBKEYS_NATS_TOKEN", "NATS_TOKEN"}, ""),
		NATSAlertSubject: getEnv("CRYBKEYS_NATS_ALERT_SUBJECT", "crybkeys.events"),

		StoreTimeout:      getEnvDuration("CRYBKEYS_STORE_TIMEOUT", 250*time.Millisecond),
		ValidationTimeout: getEnvDuration("CRYBKEYS_VALIDATION_TIMEOUT", 300*time.Millisecond),
		CacheTTL:          getEnvDuration("CRYBKEYS_CACHE_TTL", 5*time.Second),
		FailOpen:          getEnvBoolAny([]string{"CRYBKEYS_FAIL_OPEN"}, false),

		UsageFlushInterval: getEnvDuration("CRYBKEYS_USAGE_FLUSH_INTERVAL", 5*time.Second),
		UsageQueueSize:     getEnvInt("CRYBKEYS_USAGE_QUEUE_SIZE", 4096),

		SweepInterval: getEnvDuration("CRYBKEYS_SWEEP_INTERVAL", time.Minute),

		TokenPrefix: lookupEnv("CRYBKEYS_TOKEN_PREFIX", "cryb_"),
		SecretBytes: getEnvInt("CRYBKEYS_SECRET_BYTES", 32),

		PolicyFile: getEnv("CRYBKEYS_POLICY_FILE", ""),
		Policy:     DefaultPolicy(),
	}

	if cfg.DBBackend != DatabasePostgres && cfg.DBBackend != DatabaseMySQL && cfg.DBBackend != DatabaseSQLite {
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}

	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("CRYBKEYS_DB_DSN must be provided")
	}

	if cfg.JWTSigningKey == "" {
		return nil, fmt.Errorf("CRYBKEYS_JWT_SIGNING_KEY must be provided")
	}
	if strings.EqualFold(cfg.Environment, "production") && len(cfg.JWTSigningKey) < 32 {
		return nil, fmt.Errorf("CRYBKEYS_JWT_SIGNING_KEY must be at least 32 bytes in production")
	}

	if cfg.PolicyFile != "" {
		if err := cfg.loadPolicyFile(cfg.PolicyFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadPolicyFile overlays the YAML file onto the current policy. Keys absent from the file keep
// their values.
func (c *Config) loadPolicyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}
	if err := yaml.Unmarshal(data, &c.Policy); err != nil {
		return fmt.Errorf("parse policy file %s: %w", path, err)
	}
	return nil
}

func (c *Config) validate() error {
	positive := map[string]time.Duration{
		"CRYBKEYS_STORE_TIMEOUT":        c.StoreTimeout,
		"CRYBKEYS_VALIDATION_TIMEOUT":   c.ValidationTimeout,
		"CRYBKEYS_USAGE_FLUSH_INTERVAL": c.UsageFlushInterval,
		"CRYBKEYS_SWEEP_INTERVAL":       c.SweepInterval,
	}
	for name, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("CRYBKEYS_CACHE_TTL must not be negative")
	}
	if c.TokenPrefix == "" {
		return fmt.Errorf("CRYBKEYS_TOKEN_PREFIX must not be empty")
	}
	if strings.ContainsAny(c.TokenPrefix, ". \t\r\n") {
		return fmt.Errorf("CRYBKEYS_TOKEN_PREFIX %q must not contain dots or whitespace", c.TokenPrefix)
	}
	if c.SecretBytes < 16 {
		return fmt.Errorf("CRYBKEYS_SECRET_BYTES must be at least 16")
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		return fmt.Errorf("CRYBKEYS_TRACING_SAMPLE_RATE must be between 0 and 1")
	}

	p := c.Policy
	if p.DefaultTTL <= 0 || p.MaxTTL <= 0 {
		return fmt.Errorf("policy: default_ttl and max_ttl must be positive")
	}
	if p.DefaultTTL > p.MaxTTL {
		return fmt.Errorf("policy: default_ttl %s exceeds max_ttl %s", p.DefaultTTL, p.MaxTTL)
	}
	if p.ExpiryWarning < 0 || p.MaxRotationGrace < 0 || p.MaxKeysPerOwner < 0 {
		return fmt.Errorf("policy: expiry_warning, max_rotation_grace and max_keys_per_owner must not be negative")
	}
	rl := p.DefaultRateLimit
	if rl.RequestsPerMinute < 0 || rl.RequestsPerDay < 0 || rl.BurstThreshold < 0 {
		return fmt.Errorf("policy: rate limits must not be negative")
	}
	if p.RateLimitAlgorithm != "fixed" && p.RateLimitAlgorithm != "sliding" {
		return fmt.Errorf("policy: unknown rate_limit_algorithm %q", p.RateLimitAlgorithm)
	}
	if p.SuspicionThreshold <= 0 {
		return fmt.Errorf("policy: suspicion_threshold must be positive")
	}
	return nil
}

// HTTPAddr returns the listen address of the API server.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.HTTPBind, c.HTTPPort)
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// lookupEnv is getEnv for settings where an explicitly empty value must reach validation.
func lookupEnv(key, def string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

// getEnvDuration accepts Go duration strings ("250ms", "5s").
func getEnvDuration(key string, def time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return def
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// getEnvBoolAny returns the first set boolean environment variable value from keys, or def.
func getEnvBoolAny(keys []string, def bool) bool {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "true" || v == "1" || v == "yes" {
				return true
			}
			if v == "false" || v == "0" || v == "no" {
				return false
			}
		}
	}
	return def
}

// getEnvFloatAny returns the first set float environment variable value from keys, or def.
func getEnvFloatAny(keys []string, def float64) float64 {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				return parsed
			}
		}
	}
	return def
}
