package echoapi

import (
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// subjectRateLimiter keeps one token bucket per authenticated user.
type subjectRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
	now      func() time.Time
}

func newSubjectRateLimiter(rps float64, burst int) *subjectRateLimiter {
	return &subjectRateLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
		now:      time.Now,
	}
}

func (rl *subjectRateLimiter) allow(subject string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	// forget idle users on the way
	for s, v := range rl.visitors {
		if now.Sub(v.lastSeen) > limiterIdleTTL {
			delete(rl.visitors, s)
		}
	}

	v, ok := rl.visitors[subject]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.visitors[subject] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// rateLimitMiddleware must run after the JWT middleware. A non-positive rps disables it.
func rateLimitMiddleware(rps float64, burst int) echo.MiddlewareFunc {
	if rps <= 0 {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	if burst < 1 {
		burst = 1
	}
	rl := newSubjectRateLimiter(rps, burst)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			claims, err := getContextClaims(ctx)
			if err != nil {
				return err
			}
			if !rl.allow(claims.Subject) {
				return errTooManyRequests
			}
			return next(ctx)
		}
	}
}
