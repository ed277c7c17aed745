package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/telecare/telecare/internal/platform/auth"
)

// RateLimitConfig bounds request throughput per caller.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		BurstSize:         200,
	}
}

// bucket is one caller's token-bucket state. Access is guarded by the
// owning limiter's mutex.
type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// limiter keys token buckets by caller. Buckets idle past staleAfter are
// evicted during lookups, which matters for the webhook route where keys
// are source IPs and otherwise grow without bound.
type limiter struct {
	cfg        RateLimitConfig
	staleAfter time.Duration
	now        func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

func newLimiter(cfg RateLimitConfig) *limiter {
	return &limiter{
		cfg:        cfg,
		staleAfter: 10 * time.Minute,
		now:        time.Now,
		buckets:    make(map[string]*bucket),
	}
}

// take refills the caller's bucket for the elapsed time and spends one
// token. When the bucket is empty it returns false and the seconds to wait
// before a token becomes available.
func (l *limiter) take(key string) (bool, int) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= l.staleAfter {
		l.sweep(now)
		l.lastSweep = now
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.cfg.BurstSize)}
		l.buckets[key] = b
	} else {
		b.tokens += now.Sub(b.lastSeen).Seconds() * l.cfg.RequestsPerSecond
		if max := float64(l.cfg.BurstSize); b.tokens > max {
			b.tokens = max
		}
	}
	b.lastSeen = now

	if b.tokens < 1 {
		if l.cfg.RequestsPerSecond <= 0 {
			return false, 1
		}
		return false, int(math.Ceil((1 - b.tokens) / l.cfg.RequestsPerSecond))
	}
	b.tokens--
	return true, 0
}

func (l *limiter) sweep(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) >= l.staleAfter {
			delete(l.buckets, key)
		}
	}
}

// RateLimit limits authenticated callers per user id and anonymous ones,
// the provider webhook included, per source IP.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	l := newLimiter(cfg)
	limitHeader := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', 0, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.RealIP()
			if uid := auth.UserIDFromContext(c.Request().Context()); uid != "" {
				key = uid
			}

			ok, wait := l.take(key)
			c.Response().Header().Set("X-RateLimit-Limit", limitHeader)
			if !ok {
				c.Response().Header().Set("Retry-After", strconv.Itoa(wait))
				c.Response().Header().Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
