package poller

import "time"

// Backoff lengthens the wait between refreshes after repeated failures.
// The first After-1 failures keep the normal interval; from then on the
// wait starts at Base and doubles per failure up to Max.
type Backoff struct {
	After int
	Base  time.Duration
	Max   time.Duration
}

// DefaultBackoff starts backing off at the third failure, from 30s up to 5m.
func DefaultBackoff() Backoff {
	return Backoff{
		After: 3,
		Base:  30 * time.Second,
		Max:   5 * time.Minute,
	}
}

// Delay returns how long to wait after the given number of consecutive failures.
func (b Backoff) Delay(interval time.Duration, failures int) time.Duration {
	if b.After <= 0 || failures < b.After || b.Base <= 0 {
		return interval
	}

	maxDuration := b.Max
	if maxDuration < b.Base {
		maxDuration = b.Base
	}

	delay := b.Base
	for i := b.After; i < failures; i++ {
		// Check before multiplication to prevent overflow
		if delay >= maxDuration/2 {
			delay = maxDuration
			break
		}
		delay *= 2
	}
	if delay > maxDuration {
		delay = maxDuration
	}
	if delay < interval {
		return interval
	}
	return delay
}
