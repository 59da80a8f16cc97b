package retry

import (
	"context"
	"time"
)

// Clock is the time source for backoff and request pacing.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in that case.
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock uses the wall clock.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time { return time.Now() }

// Sleep waits for d unless ctx ends first.
func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Pacer enforces a minimum interval between consecutive calls.
// It is not safe for concurrent use.
type Pacer struct {
	clock    Clock
	interval time.Duration
	last     time.Time
}

// NewPacer creates a pacer; a nil clock uses SystemClock.
func NewPacer(clock Clock, interval time.Duration) *Pacer {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Pacer{clock: clock, interval: interval}
}

// Wait blocks until interval has elapsed since the previous Wait returned,
// then marks the current time as the start of the next call.
func (p *Pacer) Wait(ctx context.Context) error {
	if !p.last.IsZero() && p.interval > 0 {
		if remaining := p.interval - p.clock.Now().Sub(p.last); remaining > 0 {
			if err := p.clock.Sleep(ctx, remaining); err != nil {
				return err
			}
		}
	}
	p.last = p.clock.Now()
	return nil
}

// Interval returns the configured minimum gap.
func (p *Pacer) Interval() time.Duration {
	return p.interval
}
