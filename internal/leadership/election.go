/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package leadership elects a single instance to run background maintenance such as the
// expiry sweeper.
package leadership

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/friendsincode/crybkeys/internal/telemetry"
)

const (
	// Default election key in Redis
	defaultElectionKey = "crybkeys:leader:sweeper"

	// Default lease duration - leader must renew before this expires
	defaultLeaseDuration = 15 * time.Second

	// Default retry interval - how often the lease is renewed or contested
	defaultRetryInterval = 5 * time.Second
)

// renewScript extends the lease only while this instance still owns it.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`)

// releaseScript deletes the lease only while this instance still owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// ElectionConfig configures leader election behavior
type ElectionConfig struct {
	// ElectionKey is the Redis key used for leader election
	ElectionKey string

	// LeaseDuration is how long the leader lease is valid
	LeaseDuration time.Duration

	// RetryInterval is how often the lease is renewed or contested
	RetryInterval time.Duration

	// InstanceID uniquely identifies this instance
	InstanceID string
}

// DefaultConfig returns default election configuration
func DefaultConfig() ElectionConfig {
	return ElectionConfig{
		ElectionKey:   defaultElectionKey,
		LeaseDuration: defaultLeaseDuration,
		RetryInterval: defaultRetryInterval,
		InstanceID:    uuid.New().String(),
	}
}

// Election manages distributed leader election using a Redis lease.
type Election struct {
	client redis.UniversalClient
	logger zerolog.Logger
	config ElectionConfig

	isLeader atomic.Bool
	leaderCh chan bool

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewElection creates a leader election manager on a shared Redis client.
func NewElection(client redis.UniversalClient, config ElectionConfig, logger zerolog.Logger) *Election {
	if config.ElectionKey == "" {
		config.ElectionKey = defaultElectionKey
	}
	if config.LeaseDuration <= 0 {
		config.LeaseDuration = defaultLeaseDuration
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = defaultRetryInterval
	}
	if config.InstanceID == "" {
		config.InstanceID = uuid.New().String()
	}

	return &Election{
		client:   client,
		logger:   logger.With().Str("component", "leader_election").Str("instance_id", config.InstanceID).Logger(),
		config:   config,
		leaderCh: make(chan bool, 1),
		done:     make(chan struct{}),
	}
}

// Start begins campaigning in the background. The first attempt happens immediately.
func (e *Election) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.logger.Info().Dur("lease_duration", e.config.LeaseDuration).Msg("starting leader election")
	go e.campaignLoop(ctx)
}

// Stop ends the campaign and releases the lease if held.
func (e *Election) Stop() {
	e.stopOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
			<-e.done
		}
		if e.isLeader.Load() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := e.release(ctx); err != nil {
				e.logger.Error().Err(err).Msg("failed to release leadership lock")
			}
			e.setLeader(false)
		}
	})
}

// IsLeader reports whether this instance holds the lease.
func (e *Election) IsLeader() bool {
	return e.isLeader.Load()
}

// LeaderCh receives leadership status changes.
func (e *Election) LeaderCh() <-chan bool {
	return e.leaderCh
}

// InstanceID returns this instance's campaign identity.
func (e *Election) InstanceID() string {
	return e.config.InstanceID
}

// GetLeader returns the current leader instance ID, or "" when there is none.
func (e *Election) GetLeader(ctx context.Context) (string, error) {
	leaderID, err := e.client.Get(ctx, e.config.ElectionKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get leader: %w", err)
	}
	return leaderID, nil
}

func (e *Election) campaignLoop(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(e.config.RetryInterval)
	defer ticker.Stop()

	for {
		e.Campaign(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Campaign makes one attempt to acquire or renew the lease.
func (e *Election) Campaign(ctx context.Context) bool {
	held, err := e.acquire(ctx)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Error().Err(err).Msg("leader election attempt failed")
		}
		// without Redis nobody can prove leadership
		held = false
	}

	if held != e.isLeader.Load() {
		if held {
			e.logger.Info().Msg("acquired leadership")
		} else {
			e.logger.Warn().Msg("lost leadership")
		}
		e.setLeader(held)
	}
	return held
}

func (e *Election) acquire(ctx context.Context) (bool, error) {
	ok, err := e.client.SetNX(ctx, e.config.ElectionKey, e.config.InstanceID, e.config.LeaseDuration).Result()
	if err != nil {
		return false, fmt.Errorf("set lock: %w", err)
	}
	if ok {
		return true, nil
	}

	renewed, err := renewScript.Run(ctx, e.client, []string{e.config.ElectionKey},
		e.config.InstanceID, e.config.LeaseDuration.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("renew lock: %w", err)
	}
	return renewed == 1, nil
}

func (e *Election) release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, e.client, []string{e.config.ElectionKey}, e.config.InstanceID).Err(); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	e.logger.Info().Msg("released leadership lock")
	return nil
}

func (e *Election) setLeader(isLeader bool) {
	e.isLeader.Store(isLeader)

	transition := "lost"
	status := 0.0
	if isLeader {
		transition, status = "acquired", 1
	}
	telemetry.LeaderElectionStatus.WithLabelValues(e.config.InstanceID).Set(status)
	telemetry.LeaderElectionChanges.WithLabelValues(e.config.InstanceID, transition).Inc()

	select {
	case e.leaderCh <- isLeader:
	default:
	}
}
