package syncer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextDelayDoublesAndClamps(t *testing.T) {
	p := RetryPolicy{MaxRetries: 5, BaseDelay: time.Second, MaxDelay: 10 * time.Second}

	assert.Equal(t, time.Second, p.NextDelay(0))
	assert.Equal(t, 2*time.Second, p.NextDelay(1))
	assert.Equal(t, 4*time.Second, p.NextDelay(2))
	assert.Equal(t, 8*time.Second, p.NextDelay(3))
	assert.Equal(t, 10*time.Second, p.NextDelay(4))
	assert.Equal(t, 10*time.Second, p.NextDelay(200))
	assert.Equal(t, time.Second, p.NextDelay(-1))
}

func TestNextDelayJitter(t *testing.T) {
	p := DefaultRetryPolicy()
	p.rand = func(n int64) int64 { return n - 1 }
	assert.Equal(t, 2*time.Second-time.Nanosecond, p.NextDelay(0))

	p.rand = nil
	for i := 0; i < 50; i++ {
		d := p.NextDelay(5)
		assert.GreaterOrEqual(t, d, p.MaxDelay)
		assert.Less(t, d, p.MaxBackoff())
	}
}

func TestWithDefaults(t *testing.T) {
	p := RetryPolicy{Jitter: -time.Second}.withDefaults()
	assert.Equal(t, 3, p.MaxRetries)
	assert.Equal(t, time.Second, p.BaseDelay)
	assert.Equal(t, 10*time.Second, p.MaxDelay)
	assert.Equal(t, time.Duration(0), p.Jitter)
}
