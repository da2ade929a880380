/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import "sync"

// EventType enumerates event categories.
type EventType string

const (
	// Key lifecycle events
	EventKeyCreated  EventType = "key.created"
	EventKeyUpdated  EventType = "key.updated"
	EventKeyRotated  EventType = "key.rotated"
	EventKeyRevoked  EventType = "key.revoked"
	EventKeyExpired  EventType = "key.expired"
	EventKeyDeleted  EventType = "key.deleted"
	EventKeyExpiring EventType = "key.expiring"

	// Security events, consumed by alerting
	EventSecuritySuspicious        EventType = "security.suspicious"
	EventSecurityRepeatedFailures  EventType = "security.repeated_failures"
	EventSecurityUnattributedFails EventType = "security.unattributed_failures"
)

// KeyEvents lists the lifecycle event types.
func KeyEvents() []EventType {
	return []EventType{
		EventKeyCreated, EventKeyUpdated, EventKeyRotated, EventKeyRevoked,
		EventKeyExpired, EventKeyDeleted, EventKeyExpiring,
	}
}

// SecurityEvents lists the security event types.
func SecurityEvents() []EventType {
	return []EventType{
		EventSecuritySuspicious, EventSecurityRepeatedFailures, EventSecurityUnattributedFails,
	}
}

// Payload generic event payload.
type Payload map[string]any

// Subscriber receives event payloads.
type Subscriber chan Payload

// Publisher emits events. Publishing never blocks the caller.
type Publisher interface {
	Publish(eventType EventType, payload Payload)
}

// Broker is a Publisher that also delivers events to local subscribers.
type Broker interface {
	Publisher
	Subscribe(eventType EventType) Subscriber
	Unsubscribe(eventType EventType, sub Subscriber)
}

// Bus implements a simple in-process pubsub.
type Bus struct {
	mu   sync.RWMutex
	subs map[EventType][]Subscriber
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[EventType][]Subscriber)}
}

// Subscribe registers a subscriber for event type.
func (b *Bus) Subscribe(eventType EventType) Subscriber {
	ch := make(Subscriber, 32)
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], ch)
	b.mu.Unlock()
	return ch
}

// Publish sends payload to subscribers. Full subscribers miss the event. The read lock is held
// while sending so Unsubscribe cannot close a channel mid-send.
func (b *Bus) Publish(eventType EventType, payload Payload) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[eventType] {
		select {
		case sub <- payload:
		default:
		}
	}
}

// Unsubscribe removes the subscriber and closes it.
func (b *Bus) Unsubscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventType]
	for i, candidate := range subs {
		if candidate == sub {
			subs = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}
	b.subs[eventType] = subs
}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(EventType, Payload) {}

// Fanout publishes every event to each publisher in order.
type Fanout []Publisher

// Publish implements Publisher.
func (f Fanout) Publish(eventType EventType, payload Payload) {
	for _, p := range f {
		p.Publish(eventType, payload)
	}
}
