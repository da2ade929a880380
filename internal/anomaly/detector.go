/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package anomaly tracks failed validations per key and raises security events when a key's
// suspicion score crosses the configured threshold. It never revokes keys.
package anomaly

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/crybkeys/internal/events"
	"github.com/friendsincode/crybkeys/internal/store"
	"github.com/friendsincode/crybkeys/internal/telemetry"
)

// Outcome is the result of a validation as seen by the detector.
type Outcome string

const (
	OutcomeSuccess      Outcome = "success"
	OutcomeAuthFailure  Outcome = "auth_failure"
	OutcomeAccessDenied Outcome = "access_denied"
	OutcomeRateLimited  Outcome = "rate_limited"
)

// Config holds the scoring rules.
type Config struct {
	SuspicionThreshold int64
	AuthFailureWeight  int64
	// RepeatWeight is added for an AccessDenied or RateLimited outcome that repeats within
	// RepeatWindow. The first occurrence scores nothing.
	RepeatWeight int64
	RepeatWindow time.Duration
	// ScoreTTL bounds how long a suspicion score survives without being reset.
	ScoreTTL     time.Duration
	FailureTTL   time.Duration
	FailureAlert int64

	UnattributedWindow    time.Duration
	UnattributedThreshold int64
}

// DefaultConfig returns the default scoring rules.
func DefaultConfig() Config {
	return Config{
		SuspicionThreshold:    50,
		AuthFailureWeight:     10,
		RepeatWeight:          2,
		RepeatWindow:          time.Minute,
		ScoreTTL:              24 * time.Hour,
		FailureTTL:            24 * time.Hour,
		FailureAlert:          5,
		UnattributedWindow:    5 * time.Minute,
		UnattributedThreshold: 20,
	}
}

// Assessment is the state of a key after recording an outcome.
type Assessment struct {
	FailureCount   int64
	SuspicionScore int64
	// Alerted is true when this outcome pushed the score across the threshold.
	Alerted bool
}

// Detector records validation outcomes.
type Detector struct {
	counters  store.CounterStore
	keys      store.CredentialStore
	publisher events.Publisher
	cfg       Config
	logger    zerolog.Logger
}

// NewDetector creates a detector. keys may be nil, in which case counters are not mirrored to
// the key record.
func NewDetector(counters store.CounterStore, keys store.CredentialStore, publisher events.Publisher, cfg Config, logger zerolog.Logger) *Detector {
	def := DefaultConfig()
	if cfg.SuspicionThreshold <= 0 {
		cfg.SuspicionThreshold = def.SuspicionThreshold
	}
	if cfg.AuthFailureWeight <= 0 {
		cfg.AuthFailureWeight = def.AuthFailureWeight
	}
	if cfg.RepeatWeight <= 0 {
		cfg.RepeatWeight = def.RepeatWeight
	}
	if cfg.RepeatWindow <= 0 {
		cfg.RepeatWindow = def.RepeatWindow
	}
	if cfg.ScoreTTL <= 0 {
		cfg.ScoreTTL = def.ScoreTTL
	}
	if cfg.FailureTTL <= 0 {
		cfg.FailureTTL = def.FailureTTL
	}
	if cfg.FailureAlert <= 0 {
		cfg.FailureAlert = def.FailureAlert
	}
	if cfg.UnattributedWindow <= 0 {
		cfg.UnattributedWindow = def.UnattributedWindow
	}
	if cfg.UnattributedThreshold <= 0 {
		cfg.UnattributedThreshold = def.UnattributedThreshold
	}
	if publisher == nil {
		publisher = events.Discard
	}
	return &Detector{
		counters:  counters,
		keys:      keys,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.With().Str("component", "anomaly").Logger(),
	}
}

// Threshold returns the suspicion threshold in effect.
func (d *Detector) Threshold() int64 {
	return d.cfg.SuspicionThreshold
}

func failuresKey(keyID string) string  { return "anomaly:" + keyID + ":failures" }
func suspicionKey(keyID string) string { return "anomaly:" + keyID + ":suspicion" }
func repeatKey(keyID string, o Outcome) string {
	return "anomaly:" + keyID + ":repeat:" + string(o)
}

// RecordOutcome updates the failure streak and suspicion score of keyID. Every counter change is
// an atomic increment in the counter store.
func (d *Detector) RecordOutcome(ctx context.Context, keyID string, outcome Outcome) (Assessment, error) {
	telemetry.AnomalyOutcomesTotal.WithLabelValues(string(outcome)).Inc()

	if outcome == OutcomeSuccess {
		return d.recordSuccess(ctx, keyID)
	}

	failures, err := d.counters.IncrementWithTTL(ctx, failuresKey(keyID), d.cfg.FailureTTL)
	if err != nil {
		return Assessment{}, fmt.Errorf("record failure: %w", err)
	}

	delta, err := d.weight(ctx, keyID, outcome)
	if err != nil {
		return Assessment{}, err
	}

	var score int64
	if delta > 0 {
		score, err = d.counters.IncrementByWithTTL(ctx, suspicionKey(keyID), delta, d.cfg.ScoreTTL)
	} else {
		score, err = d.counters.Get(ctx, suspicionKey(keyID))
	}
	if err != nil {
		return Assessment{}, fmt.Errorf("update suspicion score: %w", err)
	}

	a := Assessment{FailureCount: failures, SuspicionScore: score}

	// Only the increment that moves the score across the threshold alerts, so concurrent
	// failures raise a single event.
	if delta > 0 && score-delta < d.cfg.SuspicionThreshold && score >= d.cfg.SuspicionThreshold {
		a.Alerted = true
		telemetry.SuspiciousKeysTotal.Inc()
		d.logger.Warn().
			Str("key_id", keyID).
			Int64("suspicion_score", score).
			Int64("threshold", d.cfg.SuspicionThreshold).
			Msg("suspicion threshold crossed")
		d.publisher.Publish(events.EventSecuritySuspicious, events.Payload{
			"key_id":          keyID,
			"suspicion_score": score,
			"threshold":       d.cfg.SuspicionThreshold,
			"failure_count":   failures,
			"last_outcome":    string(outcome),
			"detected_at":     time.Now().UTC(),
		})
	}

	if failures == d.cfg.FailureAlert {
		d.publisher.Publish(events.EventSecurityRepeatedFailures, events.Payload{
			"key_id":        keyID,
			"failure_count": failures,
			"last_outcome":  string(outcome),
			"detected_at":   time.Now().UTC(),
		})
	}

	d.mirror(ctx, keyID, store.Patch{FailureCount: &a.FailureCount, SuspicionScore: &a.SuspicionScore})
	return a, nil
}

// weight returns the score delta for a failure outcome.
func (d *Detector) weight(ctx context.Context, keyID string, outcome Outcome) (int64, error) {
	switch outcome {
	case OutcomeAuthFailure:
		return d.cfg.AuthFailureWeight, nil
	case OutcomeAccessDenied, OutcomeRateLimited:
		n, err := d.counters.IncrementWithTTL(ctx, repeatKey(keyID, outcome), d.cfg.RepeatWindow)
		if err != nil {
			return 0, fmt.Errorf("track repeated %s: %w", outcome, err)
		}
		if n > 1 {
			return d.cfg.RepeatWeight, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("unknown outcome %q", outcome)
	}
}

func (d *Detector) recordSuccess(ctx context.Context, keyID string) (Assessment, error) {
	failures, err := d.counters.Get(ctx, failuresKey(keyID))
	if err != nil {
		return Assessment{}, fmt.Errorf("read failure streak: %w", err)
	}
	if failures == 0 {
		return Assessment{}, nil
	}
	if err := d.counters.Delete(ctx, failuresKey(keyID)); err != nil {
		return Assessment{}, fmt.Errorf("reset failure streak: %w", err)
	}

	var zero int64
	d.mirror(ctx, keyID, store.Patch{FailureCount: &zero})
	return Assessment{}, nil
}

// mirror copies counter values onto the key record. Losing a mirror write only delays what
// listings show; the counter store stays authoritative.
func (d *Detector) mirror(ctx context.Context, keyID string, patch store.Patch) {
	if d.keys == nil {
		return
	}
	if err := d.keys.Update(ctx, keyID, patch); err != nil {
		d.logger.Debug().Err(err).Str("key_id", keyID).Msg("failed to mirror anomaly counters")
	}
}

// Score reads the current suspicion score of keyID.
func (d *Detector) Score(ctx context.Context, keyID string) (int64, error) {
	return d.counters.Get(ctx, suspicionKey(keyID))
}

// RecordUnattributed counts a failure that names no existing key, by source address.
func (d *Detector) RecordUnattributed(ctx context.Context, sourceIP string) error {
	telemetry.AnomalyOutcomesTotal.WithLabelValues("unattributed").Inc()

	if sourceIP == "" {
		sourceIP = "unknown"
	}
	n, err := d.counters.IncrementWithTTL(ctx, "anomaly:ip:"+sourceIP+":unknown_key", d.cfg.UnattributedWindow)
	if err != nil {
		return fmt.Errorf("record unattributed failure: %w", err)
	}
	if n == d.cfg.UnattributedThreshold {
		d.logger.Warn().Str("source_ip", sourceIP).Int64("count", n).Msg("repeated unknown key attempts")
		d.publisher.Publish(events.EventSecurityUnattributedFails, events.Payload{
			"source_ip":   sourceIP,
			"count":       n,
			"window":      d.cfg.UnattributedWindow.String(),
			"detected_at": time.Now().UTC(),
		})
	}
	return nil
}
