package queue

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes the pause before retry attempt n (1-indexed).
type Backoff interface {
	Delay(attempt int) time.Duration
}

// JitterBackoff is exponential with full jitter:
// a random value in [0, min(Initial * 2^(attempt-1), Max)].
type JitterBackoff struct {
	Initial time.Duration
	Max     time.Duration
}

func (b JitterBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(b.Initial) * math.Pow(2, float64(attempt-1))
	if b.Max > 0 && base > float64(b.Max) {
		base = float64(b.Max)
	}
	return time.Duration(rand.Float64() * base) //nolint:gosec // jitter does not need crypto rand
}

type noBackoff struct{}

func (noBackoff) Delay(int) time.Duration { return 0 }

func sleepContext(ctx context.Context, d time.Duration) error {
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
