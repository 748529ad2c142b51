package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/clinic/clinic/internal/platform/auth"
)

// RateLimitConfig sizes the per-caller token buckets.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleTTL drops buckets untouched for this long. It is raised to the
	// full-refill time when shorter, so eviction never resets a debt early.
	IdleTTL time.Duration
	Now     func() time.Time
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{RequestsPerSecond: 100, BurstSize: 200, IdleTTL: 10 * time.Minute}
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// limiter keeps one bucket per caller key under a single mutex. Idle buckets
// are swept lazily, at most once per idle period.
type limiter struct {
	mu        sync.Mutex
	rate      float64
	burst     float64
	idle      time.Duration
	buckets   map[string]*bucket
	lastSweep time.Time
}

func newLimiter(cfg RateLimitConfig, now time.Time) *limiter {
	idle := cfg.IdleTTL
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	if cfg.RequestsPerSecond > 0 {
		refill := time.Duration(float64(cfg.BurstSize) / cfg.RequestsPerSecond * float64(time.Second))
		if refill > idle {
			idle = refill
		}
	}
	return &limiter{
		rate:      cfg.RequestsPerSecond,
		burst:     float64(cfg.BurstSize),
		idle:      idle,
		buckets:   make(map[string]*bucket),
		lastSweep: now,
	}
}

// take spends a token of key. When none is left it reports how long until
// the next one.
func (l *limiter) take(key string, now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= l.idle {
		for k, b := range l.buckets {
			if now.Sub(b.seen) >= l.idle {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.burst, seen: now}
		l.buckets[key] = b
	}
	b.tokens = math.Min(l.burst, b.tokens+now.Sub(b.seen).Seconds()*l.rate)
	b.seen = now
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	if l.rate <= 0 {
		return false, time.Second
	}
	return false, time.Duration((1 - b.tokens) / l.rate * float64(time.Second))
}

func (l *limiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func callerKey(c echo.Context) string {
	if actor, ok := auth.ActorFromContext(c.Request().Context()); ok {
		return "actor:" + actor.ID
	}
	return "ip:" + c.RealIP()
}

// RateLimit throttles each authenticated actor, or each client IP for
// anonymous requests. Install it after authentication so actors behind a
// shared proxy are not throttled together.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	l := newLimiter(cfg, now())
	limit := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', -1, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limit)
			ok, wait := l.take(callerKey(c), now())
			if !ok {
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				h.Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
