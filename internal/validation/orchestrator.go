/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package validation turns a presented API key token into an authorization decision.
package validation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/friendsincode/crybkeys/internal/access"
	"github.com/friendsincode/crybkeys/internal/anomaly"
	"github.com/friendsincode/crybkeys/internal/keycodec"
	"github.com/friendsincode/crybkeys/internal/models"
	"github.com/friendsincode/crybkeys/internal/ratelimit"
	"github.com/friendsincode/crybkeys/internal/store"
	"github.com/friendsincode/crybkeys/internal/telemetry"
)

// Code is the stable result code of a validation.
type Code string

const (
	CodeOK                    Code = "ok"
	CodeMalformedToken        Code = "malformed_token"
	CodeUnknownKey            Code = "unknown_key"
	CodeAuthFailure           Code = "auth_failure"
	CodeKeyInactive           Code = "key_inactive"
	CodeAccessDenied          Code = "access_denied"
	CodeRateLimited           Code = "rate_limited"
	CodeValidationUnavailable Code = "validation_unavailable"
)

var messages = map[Code]string{
	CodeOK:                    "API key is valid",
	CodeMalformedToken:        "API key is malformed",
	CodeUnknownKey:            "API key is not recognized",
	CodeAuthFailure:           "API key is not valid",
	CodeKeyInactive:           "API key is revoked or expired",
	CodeAccessDenied:          "API key is not permitted to make this request",
	CodeRateLimited:           "rate limit exceeded",
	CodeValidationUnavailable: "key validation is temporarily unavailable",
}

// Message returns the human readable text for c.
func (c Code) Message() string {
	if m, ok := messages[c]; ok {
		return m
	}
	return string(c)
}

// RequestContext describes the request a key is presented with.
type RequestContext struct {
	SourceIP      string
	Origin        string
	RequiredScope models.Scope
}

// RateLimitInfo is the rate limit envelope returned to callers.
type RateLimitInfo struct {
	Window    ratelimit.Window `json:"window,omitempty"`
	Limit     int64            `json:"limit"`
	Remaining int64            `json:"remaining"`
	ResetAt   time.Time        `json:"reset_time"`
	Warning   string           `json:"warning,omitempty"`
}

// Result is the outcome of a validation. It never carries the secret or its hash.
type Result struct {
	Allowed           bool            `json:"allowed"`
	Code              Code            `json:"code"`
	Message           string          `json:"message"`
	KeyID             string          `json:"key_id,omitempty"`
	OwnerID           string          `json:"owner_id,omitempty"`
	Scopes            models.ScopeSet `json:"scopes,omitempty"`
	Reason            access.Reason   `json:"reason,omitempty"`
	RetryAfterSeconds int64           `json:"retry_after_seconds,omitempty"`
	RateLimit         *RateLimitInfo  `json:"rate_limit,omitempty"`

	// Err is the underlying failure of a validation_unavailable result.
	Err error `json:"-"`
}

func result(code Code) Result {
	return Result{Allowed: code == CodeOK, Code: code, Message: code.Message()}
}

// KeyCache is a short-lived cache of key records.
type KeyCache interface {
	GetKey(ctx context.Context, id string) (*models.APIKey, bool)
	SetKey(ctx context.Context, key *models.APIKey) error
}

// Limiter consumes rate limit budget.
type Limiter interface {
	Consume(ctx context.Context, keyID string, limits models.RateLimit) (ratelimit.Decision, error)
}

// AnomalyRecorder receives security relevant outcomes.
type AnomalyRecorder interface {
	RecordOutcome(ctx context.Context, keyID string, outcome anomaly.Outcome) (anomaly.Assessment, error)
	RecordUnattributed(ctx context.Context, sourceIP string) error
}

// UsageSink is notified of successful validations. It must not block.
type UsageSink interface {
	RecordValidation(keyID string, at time.Time)
}

// Config bounds validation latency.
type Config struct {
	// Timeout bounds a whole validation, store round trips included.
	Timeout time.Duration
	// AnomalyTimeout bounds the detached anomaly write that follows a terminal outcome.
	AnomalyTimeout time.Duration
}

// DefaultConfig returns the default timeouts.
func DefaultConfig() Config {
	return Config{Timeout: 300 * time.Millisecond, AnomalyTimeout: 2 * time.Second}
}

// Orchestrator runs the validation state machine.
type Orchestrator struct {
	codec   *keycodec.Codec
	keys    store.CredentialStore
	cache   KeyCache
	limiter Limiter
	anomaly AnomalyRecorder
	usage   UsageSink
	cfg     Config
	logger  zerolog.Logger
	now     func() time.Time

	pending sync.WaitGroup
}

// Deps are the collaborators of an Orchestrator. Cache, Anomaly and Usage are optional.
type Deps struct {
	Codec   *keycodec.Codec
	Keys    store.CredentialStore
	Cache   KeyCache
	Limiter Limiter
	Anomaly AnomalyRecorder
	Usage   UsageSink
}

// New creates an orchestrator.
func New(deps Deps, cfg Config, logger zerolog.Logger) *Orchestrator {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.AnomalyTimeout <= 0 {
		cfg.AnomalyTimeout = def.AnomalyTimeout
	}
	if deps.Codec == nil {
		deps.Codec = keycodec.Default()
	}
	return &Orchestrator{
		codec:   deps.Codec,
		keys:    deps.Keys,
		cache:   deps.Cache,
		limiter: deps.Limiter,
		anomaly: deps.Anomaly,
		usage:   deps.Usage,
		cfg:     cfg,
		logger:  logger.With().Str("component", "validation").Logger(),
		now:     time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Wait blocks until every detached anomaly write has finished.
func (o *Orchestrator) Wait() {
	o.pending.Wait()
}

// Validate decides whether rawToken may make the request described by req. Every outcome is
// reported through Result; there is no error return.
func (o *Orchestrator) Validate(ctx context.Context, rawToken string, req RequestContext) Result {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "validation.Validate",
		attribute.String("validation.required_scope", req.RequiredScope.String()))

	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	res := o.validate(ctx, rawToken, req)
	cancel()

	telemetry.ValidationsTotal.WithLabelValues(string(res.Code)).Inc()
	telemetry.ValidationDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.String("validation.code", string(res.Code)),
		attribute.String("api_key.id", res.KeyID),
	)
	telemetry.EndSpan(span, res.Err)

	switch {
	case res.Code == CodeValidationUnavailable:
		o.logger.Error().Err(res.Err).Str("key_id", res.KeyID).Msg("key validation unavailable")
	case !res.Allowed:
		o.logger.Debug().
			Str("code", string(res.Code)).
			Str("key_id", res.KeyID).
			Str("reason", string(res.Reason)).
			Str("source_ip", req.SourceIP).
			Msg("key validation denied")
	}
	return res
}

func (o *Orchestrator) validate(ctx context.Context, rawToken string, req RequestContext) Result {
	tok, err := o.codec.Decode(rawToken)
	if err != nil {
		return result(CodeMalformedToken)
	}

	key, err := o.lookup(ctx, tok.ID)
	if errors.Is(err, store.ErrNotFound) {
		o.detached(ctx, func(ctx context.Context) error {
			return o.anomaly.RecordUnattributed(ctx, req.SourceIP)
		})
		return result(CodeUnknownKey)
	}
	if err != nil {
		return unavailable(tok.ID, err)
	}

	now := o.now()
	if !o.secretMatches(key, tok.Secret, now) {
		o.recordOutcome(ctx, key.ID, anomaly.OutcomeAuthFailure)
		res := result(CodeAuthFailure)
		res.KeyID = key.ID
		return res
	}

	// Past-expiry keys are refused whatever their stored status.
	if !key.IsUsableAt(now) {
		o.recordOutcome(ctx, key.ID, anomaly.OutcomeAccessDenied)
		res := result(CodeKeyInactive)
		res.KeyID = key.ID
		return res
	}

	decision := access.CheckAccess(key, access.Request{
		RequiredScope: req.RequiredScope,
		SourceIP:      req.SourceIP,
		Origin:        req.Origin,
	})
	if !decision.Allowed {
		telemetry.AccessDeniedTotal.WithLabelValues(string(decision.Reason)).Inc()
		o.recordOutcome(ctx, key.ID, anomaly.OutcomeAccessDenied)
		res := result(CodeAccessDenied)
		res.KeyID, res.Reason = key.ID, decision.Reason
		res.Message = res.Message + ": " + string(decision.Reason)
		return res
	}

	limit, err := o.limiter.Consume(ctx, key.ID, key.RateLimit)
	if err != nil {
		telemetry.CounterStoreErrorsTotal.Inc()
		return unavailable(key.ID, err)
	}
	info := rateLimitInfo(limit)
	if !limit.Allowed {
		telemetry.RateLimitDeniedTotal.WithLabelValues(string(limit.Window)).Inc()
		o.recordOutcome(ctx, key.ID, anomaly.OutcomeRateLimited)
		res := result(CodeRateLimited)
		res.KeyID = key.ID
		res.RetryAfterSeconds = limit.RetryAfterSeconds()
		res.RateLimit = info
		return res
	}

	o.recordOutcome(ctx, key.ID, anomaly.OutcomeSuccess)
	if o.usage != nil {
		o.usage.RecordValidation(key.ID, now)
	}

	res := result(CodeOK)
	res.KeyID, res.OwnerID, res.Scopes = key.ID, key.OwnerID, key.Scopes
	res.RateLimit = info
	return res
}

// lookup reads the record from the cache, falling back to the credential store.
func (o *Orchestrator) lookup(ctx context.Context, id string) (*models.APIKey, error) {
	if o.cache != nil {
		if key, ok := o.cache.GetKey(ctx, id); ok {
			telemetry.RecordCacheTotal.WithLabelValues("hit").Inc()
			return key, nil
		}
		telemetry.RecordCacheTotal.WithLabelValues("miss").Inc()
	}

	key, err := o.keys.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.cache != nil {
		if err := o.cache.SetKey(ctx, key); err != nil {
			o.logger.Debug().Err(err).Str("key_id", id).Msg("failed to cache key record")
		}
	}
	return key, nil
}

// secretMatches checks the current hash and, inside a rotation grace period, the previous one.
// Both comparisons run whenever a previous hash exists.
func (o *Orchestrator) secretMatches(key *models.APIKey, secret string, now time.Time) bool {
	current := keycodec.CompareSecret(key.SecretHash, secret)
	if key.PreviousSecretHash == "" {
		return current
	}
	previous := keycodec.CompareSecret(key.PreviousSecretHash, secret)
	return current || (previous && key.InGracePeriodAt(now))
}

// recordOutcome reports to the anomaly detector without holding up the caller.
func (o *Orchestrator) recordOutcome(ctx context.Context, keyID string, outcome anomaly.Outcome) {
	o.detached(ctx, func(ctx context.Context) error {
		_, err := o.anomaly.RecordOutcome(ctx, keyID, outcome)
		return err
	})
}

// detached runs fn on a context that survives cancellation of the request, bounded by
// AnomalyTimeout.
func (o *Orchestrator) detached(parent context.Context, fn func(ctx context.Context) error) {
	if o.anomaly == nil {
		return
	}
	o.pending.Add(1)
	go func() {
		defer o.pending.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), o.cfg.AnomalyTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			telemetry.CounterStoreErrorsTotal.Inc()
			o.logger.Warn().Err(err).Msg("failed to record anomaly outcome")
		}
	}()
}

func unavailable(keyID string, err error) Result {
	res := result(CodeValidationUnavailable)
	res.KeyID, res.Err = keyID, err
	return res
}

func rateLimitInfo(d ratelimit.Decision) *RateLimitInfo {
	if d.Unlimited {
		return nil
	}
	return &RateLimitInfo{
		Window:    d.Window,
		Limit:     d.Limit,
		Remaining: d.Remaining,
		ResetAt:   d.ResetAt,
		Warning:   d.Warning,
	}
}
