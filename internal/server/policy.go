/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"github.com/friendsincode/crybkeys/internal/anomaly"
	"github.com/friendsincode/crybkeys/internal/config"
	"github.com/friendsincode/crybkeys/internal/lifecycle"
	"github.com/friendsincode/crybkeys/internal/models"
	"github.com/friendsincode/crybkeys/internal/ratelimit"
)

// LifecyclePolicy maps configured key policies onto the lifecycle manager.
func LifecyclePolicy(p config.Policy) lifecycle.Policy {
	policy := lifecycle.DefaultPolicy()
	policy.DefaultTTL = p.DefaultTTL
	policy.MaxTTL = p.MaxTTL
	policy.WarningBeforeExpiry = p.ExpiryWarning
	policy.MaxRotationGrace = p.MaxRotationGrace
	policy.MaxKeysPerOwner = p.MaxKeysPerOwner
	policy.DefaultRateLimit = models.RateLimit{
		RequestsPerMinute: p.DefaultRateLimit.RequestsPerMinute,
		RequestsPerDay:    p.DefaultRateLimit.RequestsPerDay,
		BurstThreshold:    p.DefaultRateLimit.BurstThreshold,
	}
	return policy
}

// LimiterConfig maps configured rate limit settings onto the limiter.
func LimiterConfig(p config.Policy) ratelimit.Config {
	cfg := ratelimit.DefaultConfig()
	if p.RateLimitAlgorithm != "" {
		cfg.Algorithm = ratelimit.Algorithm(p.RateLimitAlgorithm)
	}
	if p.BurstWindow > 0 {
		cfg.BurstWindow = p.BurstWindow
	}
	return cfg
}

// AnomalyConfig maps configured scoring rules onto the detector. Unset values keep the
// detector defaults.
func AnomalyConfig(p config.Policy) anomaly.Config {
	cfg := anomaly.DefaultConfig()
	if p.SuspicionThreshold > 0 {
		cfg.SuspicionThreshold = p.SuspicionThreshold
	}
	if p.AuthFailureWeight > 0 {
		cfg.AuthFailureWeight = p.AuthFailureWeight
	}
	if p.RepeatWeight > 0 {
		cfg.RepeatWeight = p.RepeatWeight
	}
	if p.RepeatWindow > 0 {
		cfg.RepeatWindow = p.RepeatWindow
	}
	return cfg
}
