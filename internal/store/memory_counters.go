/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package store

import (
	"context"
	"sync"
	"time"
)

type memoryCounter struct {
	value     int64
	expiresAt time.Time
}

// MemoryCounterStore is a single-process counter store. Limits are per instance when it is used
// behind more than one replica.
type MemoryCounterStore struct {
	mu       sync.Mutex
	counters map[string]*memoryCounter
	now      func() time.Time
}

// NewMemoryCounterStore creates an empty in-memory counter store.
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{
		counters: make(map[string]*memoryCounter),
		now:      time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (s *MemoryCounterStore) WithClock(now func() time.Time) *MemoryCounterStore {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
	return s
}

// live returns the unexpired counter for key. Callers hold s.mu.
func (s *MemoryCounterStore) live(key string, now time.Time) *memoryCounter {
	c, ok := s.counters[key]
	if !ok {
		return nil
	}
	if !now.Before(c.expiresAt) {
		delete(s.counters, key)
		return nil
	}
	return c
}

// IncrementWithTTL adds one to key.
func (s *MemoryCounterStore) IncrementWithTTL(ctx context.Context, key string, window time.Duration) (int64, error) {
	return s.IncrementByWithTTL(ctx, key, 1, window)
}

// IncrementByWithTTL adds delta to key, creating it with the window as TTL.
func (s *MemoryCounterStore) IncrementByWithTTL(ctx context.Context, key string, delta int64, window time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable("increment counter", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c := s.live(key, now)
	if c == nil {
		c = &memoryCounter{expiresAt: now.Add(window)}
		s.counters[key] = c
	}
	c.value += delta
	return c.value, nil
}

// Get returns the counter value, zero when absent or expired.
func (s *MemoryCounterStore) Get(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable("get counter", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c := s.live(key, s.now()); c != nil {
		return c.value, nil
	}
	return 0, nil
}

// TTL returns the remaining lifetime of key.
func (s *MemoryCounterStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable("ttl counter", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if c := s.live(key, now); c != nil {
		return c.expiresAt.Sub(now), nil
	}
	return 0, nil
}

// Delete removes key.
func (s *MemoryCounterStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return unavailable("delete counter", err)
	}

	s.mu.Lock()
	delete(s.counters, key)
	s.mu.Unlock()
	return nil
}

// Sweep drops expired counters. It returns the number removed.
func (s *MemoryCounterStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, c := range s.counters {
		if !now.Before(c.expiresAt) {
			delete(s.counters, key)
			removed++
		}
	}
	return removed
}
