// Package retry provides a reusable exponential retry policy whose waits run on an
// injected clock, so callers and tests share one definition of the schedule.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"
)

// ErrExhausted is wrapped into the error returned by Do once every attempt failed.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Policy describes a bounded exponential schedule.
type Policy struct {
	// MaxAttempts counts the first call; zero means retry until the context ends.
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	// MaxDelay caps a single wait; zero means uncapped.
	MaxDelay time.Duration
}

// NewBackOff returns a fresh, deterministic (no jitter) delay generator for the policy.
func (p Policy) NewBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	eb.RandomizationFactor = 0
	eb.Multiplier = p.Multiplier
	if eb.Multiplier < 1 {
		eb.Multiplier = 1
	}
	eb.MaxInterval = p.MaxDelay
	if eb.MaxInterval <= 0 {
		eb.MaxInterval = time.Duration(math.MaxInt64)
	}
	eb.MaxElapsedTime = 0
	eb.Reset()
	if p.MaxAttempts > 0 {
		return backoff.WithMaxRetries(eb, uint64(p.MaxAttempts-1))
	}
	return eb
}

// Permanent marks err as not worth retrying; Do returns the unwrapped error at once.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do calls fn until it succeeds, returns a Permanent error, the attempts run out or
// ctx ends. Waits between attempts are timers on clock tagged "retry".
func (p Policy) Do(ctx context.Context, clock quartz.Clock, fn func(ctx context.Context, attempt int) error) error {
	if clock == nil {
		clock = quartz.NewReal()
	}
	b := p.NewBackOff()
	for attempt := 1; ; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return permanent.Err
		}
		next := b.NextBackOff()
		if next == backoff.Stop {
			return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, err)
		}
		timer := clock.NewTimer(next, "retry")
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry interrupted after %d attempts: %w", attempt, errors.Join(err, ctx.Err()))
		case <-timer.C:
		}
	}
}
