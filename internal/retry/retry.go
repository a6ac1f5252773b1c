// Package retry provides the bounded retry policy used by polling and
// throttle-retry loops that talk to eventually-consistent cloud providers.
// It is a thin layer over cenkalti/backoff that adds a typed Policy and
// keeps cancellation on the caller's context.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy bounds a retry loop.
type Policy struct {
	// MaxAttempts is the total number of calls, including the first. Values
	// below 1 are treated as 1.
	MaxAttempts int
	// Delay is the wait before the second attempt.
	Delay time.Duration
	// Multiplier grows the delay between attempts; values <= 1 keep it constant.
	Multiplier float64
	// MaxDelay caps the grown delay; zero means uncapped.
	MaxDelay time.Duration
}

// Constant returns a fixed-delay policy.
func Constant(attempts int, delay time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Delay: delay}
}

// Budget is an upper bound of the time the policy spends sleeping.
func (p Policy) Budget() time.Duration {
	var total time.Duration
	d := p.Delay
	for i := 1; i < p.attempts(); i++ {
		total += d
		if p.Multiplier > 1 {
			d = time.Duration(float64(d) * p.Multiplier)
			if p.MaxDelay > 0 && d > p.MaxDelay {
				d = p.MaxDelay
			}
		}
	}
	return total
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) backOff() backoff.BackOff {
	if p.Multiplier <= 1 {
		return backoff.NewConstantBackOff(p.Delay)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Delay
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval == 0 {
		b.MaxInterval = time.Duration(1<<62 - 1)
	}
	return b
}

// Permanent marks err as not worth retrying; Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do calls fn until it succeeds, returns a Permanent error, the attempts are
// exhausted, or ctx is done. It returns the last error fn produced.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := Value(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	return backoff.Retry(ctx,
		func() (T, error) { return fn(ctx) },
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(p.attempts())),
		backoff.WithMaxElapsedTime(p.Budget()+time.Hour),
	)
}
