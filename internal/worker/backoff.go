package worker

import "time"

const (
	defaultBackoffBase = time.Second
	defaultBackoffCap  = 30 * time.Second
)

// Backoff computes retry delays: min(Base * 2^retryCount, Cap).
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// DefaultBackoff is 1s doubling up to 30s.
func DefaultBackoff() Backoff {
	return Backoff{Base: defaultBackoffBase, Cap: defaultBackoffCap}
}

// Delay returns the wait before retrying a job that has failed retryCount times before.
func (b Backoff) Delay(retryCount int) time.Duration {
	base, limit := b.Base, b.Cap
	if base <= 0 {
		base = defaultBackoffBase
	}
	if limit <= 0 {
		limit = defaultBackoffCap
	}
	if retryCount < 0 {
		retryCount = 0
	}
	wait := base
	for i := 0; i < retryCount; i++ {
		if wait >= limit {
			break
		}
		wait *= 2
	}
	if wait > limit {
		wait = limit
	}
	return wait
}
