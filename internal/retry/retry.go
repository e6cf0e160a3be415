// Event Processor - Horizontally-Scaled Event Ingestion and Processing
// Copyright 2026 lausan029
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lausan029/event-processor

// Package retry implements bounded retry with exponential backoff and
// jitter for transient backend failures.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy controls retry behavior.
type Policy struct {
	// MaxAttempts is the number of attempts after the initial try.
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration

	// Jitter is the fractional random spread applied to each delay.
	// 0.3 means each delay is multiplied by a factor in [0.7, 1.3].
	Jitter float64
}

// DefaultPolicy returns the standard policy for backend round-trips.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Jitter:      0.3,
	}
}

// Backoff computes the delay before retry number attempt (0-based).
// The exponential term is capped at MaxDelay before jitter is applied.
func (p Policy) Backoff(attempt int) time.Duration {
	base := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if capped := float64(p.MaxDelay); base > capped {
		base = capped
	}
	if p.Jitter > 0 {
		// rand.Float64 in [0,1) mapped to [-Jitter, +Jitter).
		spread := (rand.Float64()*2 - 1) * p.Jitter
		base *= 1 + spread
	}
	if base < 0 {
		base = 0
	}
	return time.Duration(base)
}

// Do runs op, retrying on error per the policy. Permanent errors wrapped
// with Permanent stop retries immediately. Context cancellation aborts the
// wait and returns the context error.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if pe, ok := err.(*permanentError); ok {
			return pe.err
		}
		if attempt >= p.MaxAttempts {
			return err
		}

		timer := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an error as non-retryable. Do returns the wrapped error
// unchanged without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}
