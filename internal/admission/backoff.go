package admission

import (
	"math"
	"time"
)

// Backoff computes contention delays for queued waiters.
//
// The ceiling doubles per failed attempt and scales with how far the live waiter
// count exceeds Threshold, capped at Max. Delay uses equal jitter: half the ceiling
// is fixed and half is random, so waiters spread out without ever retrying at once.
type Backoff struct {
	Base      time.Duration
	Max       time.Duration
	Threshold int
}

const maxBackoffExponent = 16

// Delay returns the wait before the next attempt. r must be in [0, 1).
//
// It returns zero while waiters is at or below the threshold.
func (b Backoff) Delay(waiters, attempt int, r float64) time.Duration {
	if b.Base <= 0 || waiters <= b.Threshold {
		return 0
	}
	attempt = min(max(attempt, 0), maxBackoffExponent)
	r = min(max(r, 0), 1)

	ceiling := float64(b.Base) * math.Exp2(float64(attempt))
	ceiling *= float64(waiters) / float64(max(b.Threshold, 1))
	if b.Max > 0 {
		ceiling = math.Min(ceiling, float64(b.Max))
	}

	half := ceiling / 2
	return time.Duration(half + r*half)
}
