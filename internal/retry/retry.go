// Package retry provides a declarative retry policy shared by transaction
// submission, receipt polling, and the startup connectivity probe.
package retry

import (
	"context"
	"fmt"
	"time"
)

// BackoffStrategy yields the delay to wait after a failed attempt.
// attempt is 1-based: Delay(1) is the wait between the first and second try.
type BackoffStrategy interface {
	Delay(attempt int) time.Duration
}

// Fixed waits the same interval between every attempt.
type Fixed time.Duration

// Delay implements BackoffStrategy.
func (f Fixed) Delay(int) time.Duration {
	return time.Duration(f)
}

// Exponential doubles the wait after each attempt, capped at Max.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay implements BackoffStrategy.
func (e Exponential) Delay(attempt int) time.Duration {
	d := e.Initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if e.Max > 0 && d >= e.Max {
			return e.Max
		}
	}
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// Policy bounds how often an operation is attempted and how long to wait
// between attempts. The zero value performs a single attempt with no waiting.
type Policy struct {
	MaxAttempts int
	Backoff     BackoffStrategy
}

// attempts normalizes MaxAttempts: anything below one means one attempt.
func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Do runs op until it succeeds, the attempt budget is exhausted, or ctx is
// done. The last error is wrapped with the attempt count on exhaustion.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	max := p.attempts()

	var lastErr error
	for attempt := 1; attempt <= max; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == max {
			break
		}

		var delay time.Duration
		if p.Backoff != nil {
			delay = p.Backoff.Delay(attempt)
		}
		if delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return fmt.Errorf("after %d attempts: %w", max, lastErr)
}
