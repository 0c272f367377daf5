package reconcile

import (
	"context"
	"time"
)

// DefaultDelay spaces successive provider calls of one run.
const DefaultDelay = 500 * time.Millisecond

// Throttle is consulted before every provider call except the first of a run.
type Throttle interface {
	Wait(ctx context.Context) error
}

// Fixed waits the same delay every time. Zero disables throttling.
type Fixed time.Duration

func (f Fixed) Wait(ctx context.Context) error { return sleep(ctx, time.Duration(f)) }

// Adaptive waits at least Floor, longer when Hint reports that the provider
// asked callers to back off.
type Adaptive struct {
	Floor time.Duration
	Hint  func() time.Duration
}

func (a Adaptive) Wait(ctx context.Context) error {
	d := a.Floor
	if a.Hint != nil {
		if h := a.Hint(); h > d {
			d = h
		}
	}
	return sleep(ctx, d)
}

func sleep(ctx context.Context, d time.Duration) error {
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
