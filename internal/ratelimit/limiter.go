/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package ratelimit enforces per-key minute, day and burst budgets on top of a shared atomic
// counter store.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/friendsincode/crybkeys/internal/models"
	"github.com/friendsincode/crybkeys/internal/store"
)

// Window identifies one of the per-key counters.
type Window string

const (
	WindowMinute Window = "minute"
	WindowDay    Window = "day"
	WindowBurst  Window = "burst"
)

// Algorithm selects how a window's count is derived.
type Algorithm string

const (
	// AlgorithmFixed counts requests in aligned buckets.
	AlgorithmFixed Algorithm = "fixed"
	// AlgorithmSliding weights the previous bucket by how much of it still overlaps the
	// trailing window.
	AlgorithmSliding Algorithm = "sliding"
)

// Defaults.
const (
	DefaultBurstWindow     = 10 * time.Second
	DefaultWarningFraction = 0.10
)

// Config tunes the limiter.
type Config struct {
	Algorithm       Algorithm
	BurstWindow     time.Duration
	WarningFraction float64
}

// DefaultConfig returns the fixed-window configuration with a 10s burst window.
func DefaultConfig() Config {
	return Config{
		Algorithm:       AlgorithmFixed,
		BurstWindow:     DefaultBurstWindow,
		WarningFraction: DefaultWarningFraction,
	}
}

// WindowState is the observed state of one window after a request.
type WindowState struct {
	Window    Window    `json:"window"`
	Limit     int64     `json:"limit"`
	Count     int64     `json:"count"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`

	// retryAt is when one more request would fit. It equals ResetAt for fixed windows.
	retryAt time.Time
}

func (w WindowState) exceeded() bool {
	return w.Count > w.Limit
}

// Decision is the result of Consume or Status.
type Decision struct {
	Allowed bool
	// Unlimited is set when no window has a budget; the remaining fields are then zero.
	Unlimited  bool
	Window     Window
	Limit      int64
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration
	Warning    string
	Windows    []WindowState
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, at least 1 when denied.
func (d Decision) RetryAfterSeconds() int64 {
	if d.Allowed {
		return 0
	}
	secs := int64(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Limiter applies rate limits through a counter store.
type Limiter struct {
	counters store.CounterStore
	cfg      Config
	now      func() time.Time
}

// New creates a limiter. Zero config fields take their defaults.
func New(counters store.CounterStore, cfg Config) *Limiter {
	if cfg.Algorithm == "" {
		cfg.Algorithm = AlgorithmFixed
	}
	if cfg.BurstWindow <= 0 {
		cfg.BurstWindow = DefaultBurstWindow
	}
	if cfg.WarningFraction <= 0 {
		cfg.WarningFraction = DefaultWarningFraction
	}
	return &Limiter{counters: counters, cfg: cfg, now: time.Now}
}

// WithClock replaces the time source, for tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

type window struct {
	kind   Window
	limit  int64
	length time.Duration
}

func (l *Limiter) windows(limits models.RateLimit) []window {
	all := []window{
		{WindowMinute, int64(limits.RequestsPerMinute), time.Minute},
		{WindowDay, int64(limits.RequestsPerDay), 24 * time.Hour},
		{WindowBurst, int64(limits.BurstThreshold), l.cfg.BurstWindow},
	}
	active := all[:0]
	for _, w := range all {
		if w.limit > 0 {
			active = append(active, w)
		}
	}
	return active
}

// counterKey names the counter of a window bucket: rl:{keyID}:{window}:{bucket}.
func counterKey(keyID string, kind Window, bucket int64) string {
	return fmt.Sprintf("rl:%s:%s:%d", keyID, kind, bucket)
}

func bucketOf(now time.Time, length time.Duration) (bucket int64, start, end time.Time) {
	bucket = now.UnixNano() / int64(length)
	start = time.Unix(0, bucket*int64(length))
	return bucket, start, start.Add(length)
}

// Consume counts one request against every configured window and decides. Increments happen
// before comparison and are kept even when the request is denied.
func (l *Limiter) Consume(ctx context.Context, keyID string, limits models.RateLimit) (Decision, error) {
	return l.evaluate(ctx, keyID, limits, true)
}

// Status reports the current window state without counting a request.
func (l *Limiter) Status(ctx context.Context, keyID string, limits models.RateLimit) (Decision, error) {
	return l.evaluate(ctx, keyID, limits, false)
}

func (l *Limiter) evaluate(ctx context.Context, keyID string, limits models.RateLimit, consume bool) (Decision, error) {
	windows := l.windows(limits)
	if len(windows) == 0 {
		return Decision{Allowed: true, Unlimited: true}, nil
	}

	now := l.now()
	states := make([]WindowState, 0, len(windows))
	for _, w := range windows {
		state, err := l.observe(ctx, keyID, w, now, consume)
		if err != nil {
			return Decision{}, fmt.Errorf("rate limit %s window: %w", w.kind, err)
		}
		states = append(states, state)
	}

	d := decide(states, now, consume)
	d.Warning = l.warning(states)
	return d, nil
}

func (l *Limiter) observe(ctx context.Context, keyID string, w window, now time.Time, consume bool) (WindowState, error) {
	bucket, start, end := bucketOf(now, w.length)
	key := counterKey(keyID, w.kind, bucket)

	ttl := end.Sub(now)
	if l.cfg.Algorithm == AlgorithmSliding {
		// keep the bucket readable as the previous one
		ttl += w.length
	}

	var (
		count int64
		err   error
	)
	if consume {
		count, err = l.counters.IncrementWithTTL(ctx, key, ttl)
	} else {
		count, err = l.counters.Get(ctx, key)
	}
	if err != nil {
		return WindowState{}, err
	}

	retryAt := end
	if l.cfg.Algorithm == AlgorithmSliding {
		prev, err := l.counters.Get(ctx, counterKey(keyID, w.kind, bucket-1))
		if err != nil {
			return WindowState{}, err
		}
		overlap := 1 - float64(now.Sub(start))/float64(w.length)
		retryAt = slidingRetryAt(w.limit, count, prev, start, w.length)
		count += int64(math.Floor(float64(prev) * overlap))
	}

	remaining := w.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return WindowState{
		Window:    w.kind,
		Limit:     w.limit,
		Count:     count,
		Remaining: remaining,
		ResetAt:   end,
		retryAt:   retryAt,
	}, nil
}

// slidingRetryAt returns the earliest time the weighted estimate leaves room for one more
// request, given the raw counts of the current and previous buckets.
func slidingRetryAt(limit, cur, prev int64, start time.Time, length time.Duration) time.Time {
	var at time.Time
	if cur < limit && prev > 0 {
		// the previous bucket's weight must drop below the headroom of this one
		frac := 1 - float64(limit-cur)/float64(prev)
		at = start.Add(time.Duration(frac * float64(length)))
	} else {
		// this bucket becomes the previous one and must decay below the limit
		frac := 1 - float64(limit)/float64(max(cur, 1))
		if frac < 0 {
			frac = 0
		}
		at = start.Add(length).Add(time.Duration(frac * float64(length)))
	}
	// the boundary itself still counts as over
	return at.Add(time.Millisecond)
}

// decide picks the binding window. When denied it is the exceeded window that admits a request last;
// when allowed it is the window closest to its limit.
func decide(states []WindowState, now time.Time, consume bool) Decision {
	var (
		binding WindowState
		found   bool
	)
	for _, s := range states {
		over := s.exceeded() || (!consume && s.Count >= s.Limit)
		if !over {
			continue
		}
		if !found || s.retryAt.After(binding.retryAt) {
			binding, found = s, true
		}
	}

	if found {
		retry := binding.retryAt.Sub(now)
		if retry < 0 {
			retry = 0
		}
		return Decision{
			Allowed:    false,
			Window:     binding.Window,
			Limit:      binding.Limit,
			Remaining:  0,
			ResetAt:    binding.ResetAt,
			RetryAfter: retry,
			Windows:    states,
		}
	}

	binding = states[0]
	for _, s := range states[1:] {
		if fraction(s) < fraction(binding) {
			binding = s
		}
	}
	return Decision{
		Allowed:   true,
		Window:    binding.Window,
		Limit:     binding.Limit,
		Remaining: binding.Remaining,
		ResetAt:   binding.ResetAt,
		Windows:   states,
	}
}

func fraction(s WindowState) float64 {
	return float64(s.Remaining) / float64(s.Limit)
}

// warning flags the minute window when its remaining budget drops under the warning fraction.
func (l *Limiter) warning(states []WindowState) string {
	for _, s := range states {
		if s.Window != WindowMinute || s.exceeded() {
			continue
		}
		if float64(s.Remaining) < float64(s.Limit)*l.cfg.WarningFraction {
			return fmt.Sprintf("approaching rate limit: %d of %d requests per minute remaining", s.Remaining, s.Limit)
		}
	}
	return ""
}
