package engine

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes exponential retry delays.
type Backoff struct {
	// Base is the delay before the first retry.
	Base time.Duration

	// Max caps any single delay.
	Max time.Duration
}

// DefaultBackoff returns the delays used for executor retries.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Max: time.Minute}
}

// Delay returns the wait before retry number attempt (0-based). Throttled errors
// start from a longer base, conflicts from a shorter one.
func (b Backoff) Delay(attempt int, err error) time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	if IsThrottled(err) {
		base *= 5
	} else if IsConflict(err) {
		base /= 2
	}

	delay := base * time.Duration(math.Pow(2, float64(attempt)))
	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}

	// Up to 25% jitter.
	if delay > 0 {
		delay += time.Duration(rand.Int64N(int64(delay)/4 + 1))
	}
	return delay
}

// Wait sleeps for the delay of attempt or returns early when ctx is done.
func (b Backoff) Wait(ctx context.Context, attempt int, err error) error {
	t := time.NewTimer(b.Delay(attempt, err))
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
