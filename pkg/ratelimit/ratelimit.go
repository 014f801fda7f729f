// Package ratelimit paces outbound requests with context-aware sleeps and
// randomised delays.
package ratelimit

import (
	"context"
	"math/rand/v2"
	"time"
)

// Sleep blocks for d or until ctx is done. A non-positive d returns at once.
func Sleep(ctx context.Context, d time.Duration) error {
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

// Between returns a uniformly random duration in [lo, hi).
func Between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo)
}

// Stagger returns the start delay for the index-th item of a batch: a random
// duration in [0, step*index). The first item starts at once.
func Stagger(index int, step time.Duration) time.Duration {
	if index <= 0 || step <= 0 {
		return 0
	}
	return rand.N(step * time.Duration(index))
}
