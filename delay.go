package outbox

import (
	"math"
	"time"
)

// DelayFunc returns the cooldown before the next relay cycle after the given
// number of consecutive failed cycles (starting at 1 for the first failure).
type DelayFunc func(failures int) time.Duration

// Fixed returns a DelayFunc that returns the same delay regardless of failures.
func Fixed(delay time.Duration) DelayFunc {
	return func(int) time.Duration {
		return delay
	}
}

// Exponential returns a DelayFunc that doubles the delay for every consecutive failure.
//
// For example, with initialDelay of 1 second and maxDelay of 1 minute:
//
// Delay after failure 1: 1s
// Delay after failure 2: 2s
// Delay after failure 3: 4s
// Delay after failure 4: 8s
// Delay after failure 5: 16s
// Delay after failure 6: 32s
// Delay after failure 7: 1m0s
// ...
func Exponential(delay time.Duration, maxDelay time.Duration) DelayFunc {
	// Pre-calculate max shifts to prevent overflow
	logDelay := math.Floor(math.Log2(float64(delay)))
	var maxShifts uint
	if delay <= 0 || logDelay >= 62 {
		maxShifts = 0
	} else {
		maxShifts = 62 - uint(logDelay)
	}

	return func(failures int) time.Duration {
		if failures <= 1 {
			return min(delay, maxDelay)
		}

		// nolint:gosec
		n := min(uint(failures-1), maxShifts)

		return min(delay<<n, maxDelay)
	}
}
