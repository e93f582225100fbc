package utils

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffManager(t *testing.T) {
	b := NewBackoffManager(time.Second, 5*time.Second)
	assert.Equal(t, time.Second, b.GetInterval())

	b.IncreaseInterval()
	assert.Equal(t, 2*time.Second, b.GetInterval())
	b.IncreaseInterval()
	b.IncreaseInterval()
	assert.Equal(t, 5*time.Second, b.GetInterval())

	b.ResetInterval()
	assert.Equal(t, time.Second, b.GetInterval())
}

func TestRetryPolicyDelayWithoutJitter(t *testing.T) {
	p := RetryPolicy{Base: time.Second, Max: 10 * time.Second}

	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 8*time.Second, p.Delay(4))
	assert.Equal(t, 10*time.Second, p.Delay(5))
	assert.Equal(t, 10*time.Second, p.Delay(50))
}

func TestRetryPolicyDelayIsMonotonicWithJitter(t *testing.T) {
	vals := []float64{0.99, 0.0, 0.5, 0.99, 0.0, 0.7, 0.1, 0.2, 0.3}
	i := 0
	p := RetryPolicy{
		Base:   100 * time.Millisecond,
		Max:    5 * time.Second,
		Jitter: 0.5,
		Rand: func() float64 {
			v := vals[i%len(vals)]
			i++
			return v
		},
	}

	prev := time.Duration(0)
	for attempt := 1; attempt <= 12; attempt++ {
		d := p.Delay(attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d, p.Max)
		prev = d
	}
	assert.Equal(t, p.Max, prev)
}

func TestRetryPolicyWithoutCapKeepsGrowing(t *testing.T) {
	p := RetryPolicy{Base: time.Second}

	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 8*time.Second, p.Delay(4))
	assert.Equal(t, 512*time.Second, p.Delay(10))
	assert.Positive(t, p.Delay(500), "saturates instead of overflowing")
}

func TestRetryPolicyClampsJitter(t *testing.T) {
	high := RetryPolicy{Base: time.Second, Jitter: 3, Rand: func() float64 { return 0.99 }}
	low := RetryPolicy{Base: time.Second, Jitter: 3, Rand: func() float64 { return 0 }}

	for attempt := 1; attempt < 20; attempt++ {
		assert.Less(t, high.Delay(attempt), low.Delay(attempt+1), "attempt %d", attempt)
	}
	assert.Less(t, high.Delay(1), 2*time.Second)

	negative := RetryPolicy{Base: time.Second, Jitter: -1, Rand: func() float64 { return 0.99 }}
	assert.Equal(t, time.Second, negative.Delay(1))
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, Sleep(ctx, time.Hour))
	assert.True(t, Sleep(context.Background(), time.Millisecond))
}
