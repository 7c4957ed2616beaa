// Package ratelimit tracks per-endpoint rate-limit windows reported by the source API.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// Store persists the last observed reset time per endpoint.
type Store interface {
	RateLimitReset(ctx context.Context, endpoint string) (resetAt int64, ok bool, err error)
	SetRateLimitReset(ctx context.Context, endpoint string, resetAt int64) error
}

// Tracker gates outbound calls on persisted reset timestamps.
type Tracker struct {
	store   Store
	logger  *slog.Logger
	limiter *rate.Limiter
	now     func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithPacing spaces every call at least interval apart, across all endpoints.
func WithPacing(interval time.Duration) Option {
	return func(t *Tracker) {
		if interval > 0 {
			t.limiter = rate.NewLimiter(rate.Every(interval), 1)
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// New creates a tracker backed by store.
func New(store Store, logger *slog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// CanCall reports whether endpoint may be called now. No record means unrestricted.
func (t *Tracker) CanCall(ctx context.Context, endpoint string) (bool, error) {
	resetAt, ok, err := t.store.RateLimitReset(ctx, endpoint)
	if err != nil {
		return false, fmt.Errorf("load rate limit for %s: %w", endpoint, err)
	}
	if !ok {
		return true, nil
	}
	return t.now().Unix() >= resetAt, nil
}

// ResetAt returns the persisted reset time for endpoint, if any.
func (t *Tracker) ResetAt(ctx context.Context, endpoint string) (time.Time, bool, error) {
	resetAt, ok, err := t.store.RateLimitReset(ctx, endpoint)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("load rate limit for %s: %w", endpoint, err)
	}
	if !ok {
		return time.Time{}, false, nil
	}
	return time.Unix(resetAt, 0), true, nil
}

// RecordReset stores resetAt (unix seconds) for endpoint, replacing any previous value.
func (t *Tracker) RecordReset(ctx context.Context, endpoint string, resetAt int64) error {
	if err := t.store.SetRateLimitReset(ctx, endpoint, resetAt); err != nil {
		return fmt.Errorf("record rate limit for %s: %w", endpoint, err)
	}
	t.logger.Debug("Rate limit recorded", "endpoint", endpoint, "reset_at", time.Unix(resetAt, 0).UTC())
	return nil
}

// WaitUntilAllowed blocks until endpoint's window has reset, then applies pacing.
// It returns ctx.Err() if the context ends first.
func (t *Tracker) WaitUntilAllowed(ctx context.Context, endpoint string) error {
	resetAt, ok, err := t.store.RateLimitReset(ctx, endpoint)
	if err != nil {
		return fmt.Errorf("load rate limit for %s: %w", endpoint, err)
	}

	if ok {
		if wait := time.Unix(resetAt, 0).Sub(t.now()); wait > 0 {
			t.logger.Info("Waiting for rate limit reset",
				"endpoint", endpoint,
				"wait_seconds", int64(wait.Round(time.Second).Seconds()))
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}

	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("pace %s: %w", endpoint, err)
		}
	}
	return nil
}
