package httpapi

import (
	"log/slog"

	"github.com/labstack/echo/v4"

	"github.com/instantcocoa/kos/pkg/cache"
)

// RateLimit enforces a per-client request limit using a redis-backed
// counter. Redis failures log a warning and let the request through.
func RateLimit(limiter *cache.RateLimiter, logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			allowed, err := limiter.Allow(c.Request().Context(), c.RealIP())
			if err != nil {
				logger.WarnContext(c.Request().Context(), "rate limiter unavailable",
					"error", err,
				)
				return next(c)
			}
			if !allowed {
				return RateLimitedError()
			}
			return next(c)
		}
	}
}
