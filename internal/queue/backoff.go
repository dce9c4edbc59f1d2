package queue

import (
	"math/rand/v2"
	"time"
)

const (
	defaultBaseDelay  = time.Second
	defaultMaxDelay   = 5 * time.Minute
	defaultMaxRetries = 5
)

// Backoff is base * 2^(retryCount-1), capped at max. With jitter the delay is
// drawn from [d/2, d], which keeps it within a factor of two of the schedule.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter bool
}

func (b Backoff) Delay(retryCount int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = defaultBaseDelay
	}
	limit := b.Max
	if limit <= 0 {
		limit = defaultMaxDelay
	}
	if retryCount < 1 {
		retryCount = 1
	}

	d := base
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= limit || d <= 0 {
			d = limit
			break
		}
	}
	if d > limit {
		d = limit
	}
	if b.Jitter && d > 1 {
		half := d / 2
		d = half + time.Duration(rand.Int64N(int64(d-half)+1))
	}
	return d
}
