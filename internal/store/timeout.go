/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package store

import (
	"context"
	"errors"
	"time"

	"github.com/friendsincode/crybkeys/internal/models"
)

// bounded runs fn under a per-call deadline and reports a blown deadline as ErrUnavailable.
func bounded[T any](ctx context.Context, timeout time.Duration, op string, fn func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	v, err := fn(ctx)
	if err != nil && !errors.Is(err, ErrUnavailable) && errors.Is(err, context.DeadlineExceeded) {
		err = unavailable(op, err)
	}
	return v, err
}

// TimeoutCredentialStore bounds every call to the wrapped store.
type TimeoutCredentialStore struct {
	next    CredentialStore
	timeout time.Duration
}

// WithCredentialTimeout wraps next so each call gives up after timeout.
func WithCredentialTimeout(next CredentialStore, timeout time.Duration) *TimeoutCredentialStore {
	return &TimeoutCredentialStore{next: next, timeout: timeout}
}

func (s *TimeoutCredentialStore) Get(ctx context.Context, id string) (*models.APIKey, error) {
	return bounded(ctx, s.timeout, "get api key", func(ctx context.Context) (*models.APIKey, error) {
		return s.next.Get(ctx, id)
	})
}

func (s *TimeoutCredentialStore) Create(ctx context.Context, key *models.APIKey) error {
	_, err := bounded(ctx, s.timeout, "create api key", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.next.Create(ctx, key)
	})
	return err
}

func (s *TimeoutCredentialStore) Update(ctx context.Context, id string, patch Patch) error {
	_, err := bounded(ctx, s.timeout, "update api key", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.next.Update(ctx, id, patch)
	})
	return err
}

func (s *TimeoutCredentialStore) Delete(ctx context.Context, id string) error {
	_, err := bounded(ctx, s.timeout, "delete api key", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.next.Delete(ctx, id)
	})
	return err
}

func (s *TimeoutCredentialStore) ListByOwner(ctx context.Context, ownerID string) ([]models.APIKey, error) {
	return bounded(ctx, s.timeout, "list api keys", func(ctx context.Context) ([]models.APIKey, error) {
		return s.next.ListByOwner(ctx, ownerID)
	})
}

func (s *TimeoutCredentialStore) CountByOwner(ctx context.Context, ownerID string) (int64, error) {
	return bounded(ctx, s.timeout, "count api keys", func(ctx context.Context) (int64, error) {
		return s.next.CountByOwner(ctx, ownerID)
	})
}

func (s *TimeoutCredentialStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]models.APIKey, error) {
	return bounded(ctx, s.timeout, "list expired api keys", func(ctx context.Context) ([]models.APIKey, error) {
		return s.next.ListExpired(ctx, now, limit)
	})
}

func (s *TimeoutCredentialStore) ListExpiring(ctx context.Context, now time.Time, within time.Duration, limit int) ([]models.APIKey, error) {
	return bounded(ctx, s.timeout, "list expiring api keys", func(ctx context.Context) ([]models.APIKey, error) {
		return s.next.ListExpiring(ctx, now, within, limit)
	})
}

func (s *TimeoutCredentialStore) Stats(ctx context.Context, suspicionThreshold int64) (KeyStats, error) {
	return bounded(ctx, s.timeout, "key stats", func(ctx context.Context) (KeyStats, error) {
		return s.next.Stats(ctx, suspicionThreshold)
	})
}

// TimeoutCounterStore bounds every call to the wrapped counter store.
type TimeoutCounterStore struct {
	next    CounterStore
	timeout time.Duration
}

// WithCounterTimeout wraps next so each call gives up after timeout.
func WithCounterTimeout(next CounterStore, timeout time.Duration) *TimeoutCounterStore {
	return &TimeoutCounterStore{next: next, timeout: timeout}
}

func (s *TimeoutCounterStore) IncrementWithTTL(ctx context.Context, key string, window time.Duration) (int64, error) {
	return bounded(ctx, s.timeout, "increment counter", func(ctx context.Context) (int64, error) {
		return s.next.IncrementWithTTL(ctx, key, window)
	})
}

func (s *TimeoutCounterStore) IncrementByWithTTL(ctx context.Context, key string, delta int64, window time.Duration) (int64, error) {
	return bounded(ctx, s.timeout, "increment counter", func(ctx context.Context) (int64, error) {
		return s.next.IncrementByWithTTL(ctx, key, delta, window)
	})
}

func (s *TimeoutCounterStore) Get(ctx context.Context, key string) (int64, error) {
	return bounded(ctx, s.timeout, "get counter", func(ctx context.Context) (int64, error) {
		return s.next.Get(ctx, key)
	})
}

func (s *TimeoutCounterStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	return bounded(ctx, s.timeout, "ttl counter", func(ctx context.Context) (time.Duration, error) {
		return s.next.TTL(ctx, key)
	})
}

func (s *TimeoutCounterStore) Delete(ctx context.Context, key string) error {
	_, err := bounded(ctx, s.timeout, "delete counter", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.next.Delete(ctx, key)
	})
	return err
}
