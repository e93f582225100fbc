package utils

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// BackoffManager manages exponential backoff for polling intervals
type BackoffManager struct {
	currentInterval time.Duration
	maxInterval     time.Duration
	initialInterval time.Duration
}

// NewBackoffManager initializes a new BackoffManager with the given intervals.
func NewBackoffManager(initialInterval, maxInterval time.Duration) *BackoffManager {
	if maxInterval < initialInterval {
		maxInterval = initialInterval
	}
	return &BackoffManager{
		currentInterval: initialInterval,
		maxInterval:     maxInterval,
		initialInterval: initialInterval,
	}
}

// GetInterval returns the current interval
func (b *BackoffManager) GetInterval() time.Duration {
	return b.currentInterval
}

// IncreaseInterval increases the current interval exponentially up to maxInterval
func (b *BackoffManager) IncreaseInterval() {
	newInterval := b.currentInterval * 2
	if newInterval > b.maxInterval || newInterval <= 0 {
		newInterval = b.maxInterval
	}
	b.currentInterval = newInterval
}

// ResetInterval resets the interval back to the initial value
func (b *BackoffManager) ResetInterval() {
	b.currentInterval = b.initialInterval
}

// RetryPolicy computes the delay before a retry attempt: Base doubled per
// attempt, stretched by up to Jitter (a fraction in [0,1)), capped at Max.
// Max <= 0 means no cap.
type RetryPolicy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	// Rand returns a value in [0,1); nil uses math/rand.
	Rand func() float64
}

const maxDelay = time.Duration(math.MaxInt64)

// Delay returns the wait before retry number attempt (1-based).
// Delays never decrease as attempt grows.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	limit := maxDelay
	if p.Max > 0 {
		limit = p.Max
	}
	d := p.Base
	for i := 1; i < attempt && d < limit; i++ {
		if d > maxDelay/2 {
			d = maxDelay
			break
		}
		d *= 2
	}
	if jitter := min(max(p.Jitter, 0), 0.999); jitter > 0 {
		r := rand.Float64
		if p.Rand != nil {
			r = p.Rand
		}
		stretched := float64(d) * (1 + jitter*r())
		if stretched >= float64(maxDelay) {
			d = maxDelay
		} else {
			d = time.Duration(stretched)
		}
	}
	return min(d, limit)
}

// Sleep waits for d or until ctx is done; it reports whether the full wait elapsed
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
