/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/friendsincode/crybkeys/internal/events"
)

// NATSConfig contains NATS connection configuration.
type NATSConfig struct {
	URL   string
	Token string
	// Subject prefix; events go to <Subject>.<event type>.
	Subject string

	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// DefaultNATSConfig returns default NATS configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Subject:       "crybkeys.events",
		MaxReconnects: -1, // Unlimited
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// Conn is the part of a NATS connection the forwarder needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

// ConnectNATS dials NATS with reconnect handling logged through logger.
func ConnectNATS(cfg NATSConfig, logger zerolog.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("crybkeys"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

// Forwarder republishes selected events from a broker onto NATS subjects for external alerting.
type Forwarder struct {
	conn    Conn
	source  events.Broker
	subject string
	types   []events.EventType
	nodeID  string
	logger  zerolog.Logger

	mu        sync.Mutex
	forwarded int
}

// NewForwarder creates a forwarder. With no types it forwards the security events.
func NewForwarder(conn Conn, source events.Broker, subject string, logger zerolog.Logger, types ...events.EventType) *Forwarder {
	if subject == "" {
		subject = DefaultNATSConfig().Subject
	}
	if len(types) == 0 {
		types = events.SecurityEvents()
	}
	return &Forwarder{
		conn:    conn,
		source:  source,
		subject: subject,
		types:   types,
		nodeID:  NodeID(),
		logger:  logger.With().Str("component", "nats_forwarder").Logger(),
	}
}

// Subject returns the NATS subject used for an event type.
func (f *Forwarder) Subject(eventType events.EventType) string {
	return f.subject + "." + string(eventType)
}

// Run forwards events until ctx is cancelled.
func (f *Forwarder) Run(ctx context.Context) {
	type delivery struct {
		eventType events.EventType
		payload   events.Payload
	}

	merged := make(chan delivery, 64)
	var wg sync.WaitGroup
	for _, et := range f.types {
		sub := f.source.Subscribe(et)
		defer f.source.Unsubscribe(et, sub)

		wg.Add(1)
		go func(et events.EventType, sub events.Subscriber) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case payload, ok := <-sub:
					if !ok {
						return
					}
					select {
					case merged <- delivery{et, payload}:
					case <-ctx.Done():
						return
					}
				}
			}
		}(et, sub)
	}
	defer wg.Wait()

	f.logger.Info().Int("event_types", len(f.types)).Str("subject", f.subject).Msg("forwarding events to NATS")

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-merged:
			if err := f.forward(d.eventType, d.payload); err != nil {
				f.logger.Error().Err(err).Str("event_type", string(d.eventType)).Msg("failed to forward event")
			}
		}
	}
}

func (f *Forwarder) forward(eventType events.EventType, payload events.Payload) error {
	data, err := json.Marshal(natsMessage{
		EventType: eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		NodeID:    f.nodeID,
		MessageID: uuid.NewString(),
	})
	if err != nil {
		return fmt.Errorf("marshal nats message: %w", err)
	}
	if err := f.conn.Publish(f.Subject(eventType), data); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	f.mu.Lock()
	f.forwarded++
	f.mu.Unlock()
	return nil
}

// Forwarded returns how many events were handed to NATS.
func (f *Forwarder) Forwarded() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forwarded
}

// natsMessage represents a message published to NATS.
type natsMessage struct {
	EventType events.EventType `json:"event_type"`
	Payload   events.Payload   `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
	NodeID    string           `json:"node_id"`
	MessageID string           `json:"message_id"` // For deduplication
}
