// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// ErrRetriesExhausted is returned when every attempt conflicted.
var ErrRetriesExhausted = errors.New("store: conflict retries exhausted")

// RetryConfig configures conflict retries with exponential backoff.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including initial).
	// Default: 8
	MaxAttempts int

	// InitialBackoff is the wait before the first retry.
	// Default: 2ms
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between retries.
	// Default: 200ms
	MaxBackoff time.Duration

	// JitterFactor is the maximum jitter as a fraction of backoff (0-1).
	// Default: 0.5
	JitterFactor float64
}

// DefaultRetryConfig returns defaults tuned for short store transactions.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    8,
		InitialBackoff: 2 * time.Millisecond,
		MaxBackoff:     200 * time.Millisecond,
		JitterFactor:   0.5,
	}
}

// Retry runs fn until it succeeds, fails with an error other than
// ErrConflict, or runs out of attempts.
//
// # Description
//
// fn must rebuild all of its state on every attempt: a conflict means the
// data it read is stale. onConflict, when non-nil, is called once per
// conflicting attempt (used for metrics).
//
// # Outputs
//
//   - int: number of attempts made.
//   - error: nil, the first non-conflict error, ctx.Err(), or
//     ErrRetriesExhausted wrapping ErrConflict.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error, onConflict func()) (int, error) {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	backoff := cfg.InitialBackoff

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}

		err := fn(ctx)
		if err == nil || !errors.Is(err, ErrConflict) {
			return attempt, err
		}
		if onConflict != nil {
			onConflict()
		}
		if attempt >= cfg.MaxAttempts {
			return attempt, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, err)
		}

		select {
		case <-ctx.Done():
			return attempt, ctx.Err()
		case <-time.After(withJitter(backoff, cfg.JitterFactor)):
		}
		backoff = min(backoff*2, cfg.MaxBackoff)
	}
}

func withJitter(base time.Duration, factor float64) time.Duration {
	if factor <= 0 || base <= 0 {
		return base
	}
	jitter := (rand.Float64()*2 - 1) * factor
	return time.Duration(float64(base) * (1 + jitter))
}
