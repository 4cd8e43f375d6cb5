// Package ratelimit paces scheduled submissions against wall-clock time.
package ratelimit

import (
	"context"
	"time"
)

// Pacer walks a run's planned offsets in real time. The schedule fixes each
// transaction's due instant relative to the run start; the pacer sleeps out
// the remaining gap and reports how far past due the caller resumed.
//
// A past-due offset never blocks: late submissions proceed immediately, and
// the remaining offsets stay anchored to the original start rather than
// drifting with accumulated delay.
type Pacer struct {
	start time.Time
}

// NewPacer creates a Pacer anchored at the given run start. A zero start
// anchors at the current time.
func NewPacer(start time.Time) *Pacer {
	if start.IsZero() {
		start = time.Now()
	}
	return &Pacer{start: start}
}

// Start returns the anchor instant offsets are measured from.
func (p *Pacer) Start() time.Time {
	return p.start
}

// Due returns the wall-clock due time for an offset.
func (p *Pacer) Due(offset time.Duration) time.Time {
	return p.start.Add(offset)
}

// WaitUntil blocks until the offset's due instant or ctx cancellation.
// It returns the submission lateness: zero when the wait completed on
// schedule, otherwise how far past due the caller resumed.
func (p *Pacer) WaitUntil(ctx context.Context, offset time.Duration) (time.Duration, error) {
	due := p.start.Add(offset)
	now := time.Now()

	if wait := due.Sub(now); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-timer.C:
			return 0, nil
		}
	}

	return now.Sub(due), nil
}
