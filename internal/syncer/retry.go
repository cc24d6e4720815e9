package syncer

import (
	"math"
	"math/rand/v2"
	"time"

	"taskflow/internal/models"
)

// RetryPolicy defines exponential backoff parameters for sync batches.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Jitter is the upper bound of the random delay added to every backoff.
	Jitter time.Duration

	// rand returns a value in [0, n); tests replace it.
	rand func(n int64) int64
}

// DefaultRetryPolicy mirrors the client defaults: 3 attempts, 1s base,
// 10s ceiling, up to 1s jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: models.DefaultMaxRetries,
		BaseDelay:  models.DefaultBaseDelay,
		MaxDelay:   models.DefaultMaxDelay,
		Jitter:     models.DefaultJitter,
	}
}

func (r RetryPolicy) withDefaults() RetryPolicy {
	if r.MaxRetries <= 0 {
		r.MaxRetries = models.DefaultMaxRetries
	}
	if r.BaseDelay <= 0 {
		r.BaseDelay = models.DefaultBaseDelay
	}
	if r.MaxDelay <= 0 {
		r.MaxDelay = models.DefaultMaxDelay
	}
	if r.Jitter < 0 {
		r.Jitter = 0
	}
	return r
}

// NextDelay returns the wait after the failed attempt with the given
// zero-based index: min(MaxDelay, BaseDelay*2^attempt) plus jitter.
func (r RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(r.BaseDelay) * math.Pow(2, float64(attempt))
	d := time.Duration(delay)
	if delay > float64(math.MaxInt64) || d > r.MaxDelay {
		d = r.MaxDelay
	}
	if r.Jitter > 0 {
		d += time.Duration(r.randN(int64(r.Jitter)))
	}
	return d
}

// MaxBackoff is the longest delay NextDelay can return.
func (r RetryPolicy) MaxBackoff() time.Duration {
	return r.MaxDelay + r.Jitter
}

func (r RetryPolicy) randN(n int64) int64 {
	if r.rand != nil {
		return r.rand(n)
	}
	return rand.Int64N(n)
}
