/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package eventbus carries lifecycle and security events between service instances.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/friendsincode/crybkeys/internal/events"
)

// RedisBus fans events out to every instance through Redis pub/sub. Local subscribers are always
// served by an in-process bus; Redis only carries events between nodes.
type RedisBus struct {
	client redis.UniversalClient
	local  *events.Bus
	cfg    RedisConfig
	nodeID string
	logger zerolog.Logger

	out chan redisMessage

	mu       sync.Mutex
	channels map[events.EventType]*redis.PubSub
	refs     map[events.EventType]int

	// Circuit breaker state
	failCount     int
	degradedUntil time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// RedisConfig tunes the Redis bus.
type RedisConfig struct {
	ChannelPrefix  string
	PublishTimeout time.Duration
	OutboundBuffer int

	// Circuit breaker
	MaxFailures   int
	RetryInterval time.Duration
}

// DefaultRedisConfig returns default Redis bus configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		ChannelPrefix:  "crybkeys:events:",
		PublishTimeout: 2 * time.Second,
		OutboundBuffer: 256,
		MaxFailures:    5,
		RetryInterval:  30 * time.Second,
	}
}

// NewRedisBus creates a Redis-backed event bus on an existing client. The client is owned by the
// caller and is not closed by Close.
func NewRedisBus(client redis.UniversalClient, cfg RedisConfig, nodeID string, logger zerolog.Logger) *RedisBus {
	def := DefaultRedisConfig()
	if cfg.ChannelPrefix == "" {
		cfg.ChannelPrefix = def.ChannelPrefix
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	if cfg.OutboundBuffer <= 0 {
		cfg.OutboundBuffer = def.OutboundBuffer
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if nodeID == "" {
		nodeID = NodeID()
	}

	ctx, cancel := context.WithCancel(context.Background())
	rb := &RedisBus{
		client:   client,
		local:    events.NewBus(),
		cfg:      cfg,
		nodeID:   nodeID,
		logger:   logger.With().Str("component", "redis_bus").Logger(),
		out:      make(chan redisMessage, cfg.OutboundBuffer),
		channels: make(map[events.EventType]*redis.PubSub),
		refs:     make(map[events.EventType]int),
		ctx:      ctx,
		cancel:   cancel,
	}

	rb.wg.Add(1)
	go rb.sendLoop()

	rb.logger.Info().Str("node_id", nodeID).Msg("Redis event bus initialized")
	return rb
}

func (rb *RedisBus) channel(eventType events.EventType) string {
	return rb.cfg.ChannelPrefix + string(eventType)
}

// Subscribe registers a local subscriber and makes sure events of this type from other nodes
// are relayed to it.
func (rb *RedisBus) Subscribe(eventType events.EventType) events.Subscriber {
	sub := rb.local.Subscribe(eventType)

	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.refs[eventType]++
	if _, exists := rb.channels[eventType]; exists {
		return sub
	}

	pubsub := rb.client.Subscribe(rb.ctx, rb.channel(eventType))
	ctx, cancel := context.WithTimeout(rb.ctx, rb.cfg.PublishTimeout)
	_, err := pubsub.Receive(ctx)
	cancel()
	if err != nil {
		// local delivery still works; remote events for this type are missed
		rb.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("Redis subscribe failed")
	}
	rb.channels[eventType] = pubsub

	rb.wg.Add(1)
	go rb.receiveMessages(eventType, pubsub)

	return sub
}

// receiveMessages relays messages published by other nodes to local subscribers.
func (rb *RedisBus) receiveMessages(eventType events.EventType, pubsub *redis.PubSub) {
	defer rb.wg.Done()

	ch := pubsub.Channel()
	rb.logger.Debug().Str("event_type", string(eventType)).Msg("started Redis message receiver")

	for {
		select {
		case <-rb.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				rb.logger.Debug().Str("event_type", string(eventType)).Msg("Redis subscription closed")
				return
			}

			redisMsg, err := unmarshalMessage([]byte(msg.Payload))
			if err != nil {
				rb.logger.Error().Err(err).Msg("failed to unmarshal Redis message")
				continue
			}
			// Skip messages from ourselves (prevent echo)
			if redisMsg.NodeID == rb.nodeID {
				continue
			}

			rb.local.Publish(redisMsg.EventType, redisMsg.Payload)
			rb.logger.Debug().
				Str("event_type", string(eventType)).
				Str("source_node", redisMsg.NodeID).
				Msg("delivered Redis event to local subscribers")
		}
	}
}

// Publish delivers the event locally and queues it for the other nodes. It never blocks; when
// the outbound queue is full the remote copy is dropped.
func (rb *RedisBus) Publish(eventType events.EventType, payload events.Payload) {
	rb.local.Publish(eventType, payload)

	select {
	case <-rb.ctx.Done():
		return
	default:
	}

	msg := redisMessage{EventType: eventType, Payload: payload, Timestamp: time.Now().UTC(), NodeID: rb.nodeID}
	select {
	case rb.out <- msg:
	default:
		rb.logger.Warn().Str("event_type", string(eventType)).Msg("Redis outbound queue full, dropping remote delivery")
	}
}

func (rb *RedisBus) sendLoop() {
	defer rb.wg.Done()
	for {
		select {
		case <-rb.ctx.Done():
			return
		case msg := <-rb.out:
			rb.send(msg)
		}
	}
}

func (rb *RedisBus) send(msg redisMessage) {
	if rb.degraded() {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		rb.logger.Error().Err(err).Msg("failed to marshal Redis message")
		return
	}

	ctx, cancel := context.WithTimeout(rb.ctx, rb.cfg.PublishTimeout)
	defer cancel()

	if err := rb.client.Publish(ctx, rb.channel(msg.EventType), data).Err(); err != nil {
		rb.logger.Error().Err(err).Str("event_type", string(msg.EventType)).Msg("failed to publish to Redis")
		rb.handleFailure()
		return
	}

	rb.mu.Lock()
	rb.failCount = 0
	rb.mu.Unlock()
}

// Unsubscribe removes a local subscriber and drops the Redis subscription when it was the last.
func (rb *RedisBus) Unsubscribe(eventType events.EventType, sub events.Subscriber) {
	rb.local.Unsubscribe(eventType, sub)

	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.refs[eventType] > 0 {
		rb.refs[eventType]--
	}
	if rb.refs[eventType] > 0 {
		return
	}
	if pubsub, exists := rb.channels[eventType]; exists {
		_ = pubsub.Close()
		delete(rb.channels, eventType)
		rb.logger.Debug().Str("event_type", string(eventType)).Msg("closed Redis subscription")
	}
}

// Close stops the relay goroutines and closes all pub/sub subscriptions.
func (rb *RedisBus) Close() error {
	rb.cancel()

	rb.mu.Lock()
	for eventType, pubsub := range rb.channels {
		_ = pubsub.Close()
		delete(rb.channels, eventType)
	}
	rb.mu.Unlock()

	rb.wg.Wait()
	rb.logger.Info().Msg("Redis event bus closed")
	return nil
}

// handleFailure implements circuit breaker logic: after MaxFailures consecutive publish errors,
// remote delivery pauses for RetryInterval.
func (rb *RedisBus) handleFailure() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.failCount++
	if rb.failCount >= rb.cfg.MaxFailures {
		rb.logger.Warn().
			Int("fail_count", rb.failCount).
			Dur("retry_in", rb.cfg.RetryInterval).
			Msg("Redis failure threshold reached, delivering locally only")
		rb.degradedUntil = time.Now().Add(rb.cfg.RetryInterval)
		rb.failCount = 0
	}
}

func (rb *RedisBus) degraded() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return time.Now().Before(rb.degradedUntil)
}

// redisMessage represents a message published to Redis.
type redisMessage struct {
	EventType events.EventType `json:"event_type"`
	Payload   events.Payload   `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
	NodeID    string           `json:"node_id"`
}

func unmarshalMessage(data []byte) (*redisMessage, error) {
	var msg redisMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal redis message: %w", err)
	}
	return &msg, nil
}

// NodeID returns an identifier for this process: hostname plus a random suffix.
func NodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	return host + "-" + uuid.NewString()[:8]
}
