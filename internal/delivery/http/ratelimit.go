package http

import (
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/FilipeAphrody/sentinel-guard/internal/clock"
	"github.com/FilipeAphrody/sentinel-guard/internal/domain"
	"github.com/FilipeAphrody/sentinel-guard/internal/usecase"
)

// limiterIdleTTL is how long an idle client's bucket is kept.
const limiterIdleTTL = 10 * time.Minute

// RateLimiter applies a token bucket per client IP. Rejections are reported
// to the security monitor as RATE_LIMIT_EXCEEDED so bursts escalate into blocks.
type RateLimiter struct {
	mu       sync.Mutex
	visitors *cache.Cache
	rps      rate.Limit
	burst    int
	clock    clock.Clock
	auth     *usecase.AuthUsecase
	log      logrus.FieldLogger
}

// NewRateLimiter returns nil when rps is not positive, which disables limiting.
func NewRateLimiter(rps float64, burst int, clk clock.Clock, u *usecase.AuthUsecase, log logrus.FieldLogger) *RateLimiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		visitors: cache.New(limiterIdleTTL, limiterIdleTTL),
		rps:      rate.Limit(rps),
		burst:    burst,
		clock:    clk,
		auth:     u,
		log:      log.WithField("component", "rate_limiter"),
	}
}

func (rl *RateLimiter) limiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if v, ok := rl.visitors.Get(ip); ok {
		l := v.(*rate.Limiter)
		rl.visitors.SetDefault(ip, l)
		return l
	}
	l := rate.NewLimiter(rl.rps, rl.burst)
	rl.visitors.SetDefault(ip, l)
	return l
}

// Allow reports whether ip may make another request now.
func (rl *RateLimiter) Allow(ip string) bool {
	return rl.limiter(ip).AllowN(rl.clock.Now(), 1)
}

// Middleware returns the echo middleware; a nil limiter lets everything through.
func (rl *RateLimiter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if rl == nil {
			return next
		}
		return func(c echo.Context) error {
			ip := c.RealIP()
			if rl.Allow(ip) {
				return next(c)
			}

			_, err := rl.auth.ReportEvent(c.Request().Context(), domain.EventRateLimitExceeded, ip, "", map[string]string{
				"path":   c.Path(),
				"method": c.Request().Method,
			})
			if err != nil {
				rl.log.WithError(err).WithField("ip", ip).Warn("rate limit escalation failed")
			}
			c.Response().Header().Set("Retry-After", "1")
			return c.JSON(http.StatusTooManyRequests, echo.Map{"error": "too many requests"})
		}
	}
}
