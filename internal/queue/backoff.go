package queue

import (
	"math/rand/v2"
	"time"
)

// retryDelay computes the wait before retry number attempt (1-based):
// exponential doubling from base, capped at max, with ±25% jitter so
// simultaneous failures don't retry in lockstep.
func retryDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	if d > max {
		d = max
	}

	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * jitter)
}
