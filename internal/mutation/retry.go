// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package mutation

import (
	"context"
	"time"

	"github.com/jeranaias/wellsync/internal/syncerr"
)

// Retry defaults.
const (
	DefaultAttempts  = 3
	DefaultBaseDelay = time.Second
	DefaultMaxDelay  = 30 * time.Second
)

// Policy bounds a retry loop. The wait after failed attempt i (0-based) is
// BaseDelay·2^i, capped at MaxDelay. No wait follows the last attempt.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Retryable decides whether an error is worth another attempt.
	// Nil means syncerr.Retryable.
	Retryable func(error) bool
}

// DefaultPolicy is three attempts waiting 1s then 2s.
func DefaultPolicy() Policy {
	return Policy{Attempts: DefaultAttempts, BaseDelay: DefaultBaseDelay, MaxDelay: DefaultMaxDelay}
}

func (p Policy) withDefaults() Policy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultAttempts
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.Retryable == nil {
		p.Retryable = syncerr.Retryable
	}
	return p
}

// Delay returns the wait that follows failed attempt i.
func (p Policy) Delay(i int) time.Duration {
	p = p.withDefaults()
	d := p.BaseDelay
	for ; i > 0 && d < p.MaxDelay; i-- {
		d *= 2
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// SleepFunc waits d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the real SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retry calls fn until it succeeds, returns an error the policy does not
// retry, or the attempt budget runs out. Running out yields an
// *syncerr.ExhaustedError wrapping the last error.
func Retry[T any](ctx context.Context, p Policy, sleep SleepFunc, fn func(context.Context) (T, error)) (T, error) {
	p = p.withDefaults()
	if sleep == nil {
		sleep = Sleep
	}

	var zero T
	var lastErr error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, p.Delay(attempt-1)); err != nil {
				return zero, err
			}
		}
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		if !p.Retryable(err) {
			return zero, err
		}
		lastErr = err
	}
	return zero, &syncerr.ExhaustedError{Attempts: p.Attempts, Err: lastErr}
}
