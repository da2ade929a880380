/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package lifecycle

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/crybkeys/internal/telemetry"
)

// LeaderChecker reports whether this instance may run cluster-wide maintenance.
type LeaderChecker interface {
	IsLeader() bool
}

// Sweeper periodically expires keys past their expiry and publishes expiry warnings.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
	leader   LeaderChecker
	logger   zerolog.Logger
}

// NewSweeper creates a sweeper. With a nil leader every instance sweeps, which is safe but
// repeats work.
func NewSweeper(manager *Manager, interval time.Duration, leader LeaderChecker, logger zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		manager:  manager,
		interval: interval,
		leader:   leader,
		logger:   logger.With().Str("component", "sweeper").Logger(),
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info().Dur("interval", s.interval).Msg("expiry sweeper started")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("expiry sweeper stopped")
			return
		case <-ticker.C:
			if s.leader != nil && !s.leader.IsLeader() {
				continue
			}
			_ = s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep and warning pass.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	expired, err := s.manager.Sweep(ctx)
	telemetry.SweeperExpiredTotal.Add(float64(expired))
	if err != nil {
		telemetry.SweeperRunsTotal.WithLabelValues("error").Inc()
		s.logger.Error().Err(err).Int("expired", expired).Msg("expiry sweep failed")
		return err
	}

	warned, err := s.manager.WarnExpiring(ctx)
	if err != nil {
		telemetry.SweeperRunsTotal.WithLabelValues("error").Inc()
		s.logger.Error().Err(err).Msg("expiry warning pass failed")
		return err
	}

	telemetry.SweeperRunsTotal.WithLabelValues("ok").Inc()
	if expired > 0 || warned > 0 {
		s.logger.Info().Int("expired", expired).Int("warned", warned).Msg("expiry sweep complete")
	}
	return nil
}
