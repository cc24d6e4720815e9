package api

import (
	"context"
	"sync"

	"taskflow/internal/config"
	"taskflow/internal/domain"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// rateLimiter enforces a request budget per user. With a shared backend
// every instance counts against one fixed window; otherwise each process
// keeps a token bucket per user.
type rateLimiter struct {
	limiters sync.Map // map[string]*rate.Limiter
	cfg      config.RateLimitConfig
	shared   domain.RateLimiter
	log      zerolog.Logger
}

func newRateLimiter(cfg config.RateLimitConfig, shared domain.RateLimiter, logger zerolog.Logger) *rateLimiter {
	if !cfg.Shared {
		shared = nil
	}
	return &rateLimiter{cfg: cfg, shared: shared, log: logger}
}

func (l *rateLimiter) enabled() bool {
	if l.shared != nil {
		return l.cfg.Limit > 0 && l.cfg.Window > 0
	}
	return l.cfg.RPS > 0
}

// Allow reports whether userID may issue another request. Backend failures
// let the request through.
func (l *rateLimiter) Allow(ctx context.Context, userID string) bool {
	if !l.enabled() {
		return true
	}
	if l.shared != nil {
		ok, err := l.shared.CheckRateLimit(ctx, userID, l.cfg.Limit, l.cfg.Window)
		if err != nil {
			l.log.Warn().Err(err).Str("user_id", userID).Msg("Shared rate limit check failed")
			return true
		}
		return ok
	}
	return l.getLimiter(userID).Allow()
}

func (l *rateLimiter) getLimiter(key string) *rate.Limiter {
	if v, ok := l.limiters.Load(key); ok {
		if lim, ok := v.(*rate.Limiter); ok {
			return lim
		}
	}

	burst := l.cfg.Burst
	if burst <= 0 {
		burst = 5
	}

	lim := rate.NewLimiter(rate.Limit(l.cfg.RPS), burst)
	actual, loaded := l.limiters.LoadOrStore(key, lim)
	if loaded {
		if actualLim, ok := actual.(*rate.Limiter); ok {
			return actualLim
		}
	}
	return lim
}
