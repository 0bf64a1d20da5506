package queue

import "time"

// Backoff is a table of retry delays. The delay after the n-th failed attempt
// is entry n-1, clamped to the last entry.
type Backoff []time.Duration

// DefaultBackoff is 5s, 15s, 60s, 5m, 15m.
var DefaultBackoff = Backoff{
	5 * time.Second,
	15 * time.Second,
	60 * time.Second,
	5 * time.Minute,
	15 * time.Minute,
}

// Delay returns the wait before the next attempt after retryCount failures.
func (b Backoff) Delay(retryCount int) time.Duration {
	if len(b) == 0 {
		return 0
	}
	i := retryCount - 1
	if i < 0 {
		i = 0
	}
	if i >= len(b) {
		i = len(b) - 1
	}
	return b[i]
}
