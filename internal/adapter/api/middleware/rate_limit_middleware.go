package middleware

import (
	"math"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"marketchat/internal/infrastructure/ratelimit"
	"marketchat/pkg/errors"
	"marketchat/pkg/logger"
	"marketchat/pkg/response"
)

// Limiter is satisfied by ratelimit.RateLimiter.
type Limiter interface {
	Allow(key, action string) (bool, time.Duration)
}

type RateLimitMiddleware struct {
	limiter Limiter
}

func NewRateLimitMiddleware(limiter Limiter) *RateLimitMiddleware {
	return &RateLimitMiddleware{limiter: limiter}
}

// PerIP limits REST traffic by client address. Websocket frames are limited
// per user inside the conversation use case instead.
func (m *RateLimitMiddleware) PerIP(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ip := c.RealIP()
		allowed, wait := m.limiter.Allow(ip, ratelimit.ActionHTTPRequest)
		if !allowed {
			logger.Warn("RATE LIMIT: blocked request from IP %s (retry in %v)", ip, wait)
			c.Response().Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			return response.Error(c, errors.TooManyRequests("Rate limit exceeded"))
		}
		return next(c)
	}
}
