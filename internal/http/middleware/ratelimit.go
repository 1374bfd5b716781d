package middleware

import (
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

// RateLimitConfig configures the Redis-backed fixed-window limiter applied to
// the inbound delivery endpoint, keyed per topic.
type RateLimitConfig struct {
	Redis          *redis.Client
	RPS            int
	KeyPrefix      string // e.g. "rl:topic:"
	Window         time.Duration
	RetryAfterHint bool
}

// RateLimitMiddleware applies a fixed-window per-topic RPS limit. With no
// redis client or a zero limit it is a pass-through.
func RateLimitMiddleware(cfg RateLimitConfig) echo.MiddlewareFunc {
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "rl:topic:"
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.RPS <= 0 || cfg.Redis == nil {
				return next(c)
			}

			topic := c.Param("topic")
			if topic == "" {
				return next(c)
			}

			now := time.Now()
			key := cfg.KeyPrefix + topic + ":" + strconv.FormatInt(now.Unix(), 10)

			ctx := c.Request().Context()
			n, err := cfg.Redis.Incr(ctx, key).Result()
			if err != nil {
				// limiter outage must not block deliveries
				return next(c)
			}
			if n == 1 {
				_ = cfg.Redis.Expire(ctx, key, cfg.Window+time.Second).Err()
			}

			if n > int64(cfg.RPS) {
				if cfg.RetryAfterHint {
					c.Response().Header().Set("Retry-After", "1")
				}
				return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
			}
			return next(c)
		}
	}
}
