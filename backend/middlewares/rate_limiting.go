package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ravigill3969/fitscan/backend/logger"
	"github.com/ravigill3969/fitscan/backend/utils"
)

const rateLimitWindow = 1 * time.Minute

// GlobalRateLimiter allows maxRequests per client IP per window. Redis failures let the
// request through.
func GlobalRateLimiter(redisClient redis.Cmdable, maxRequests int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := fmt.Sprintf("rate_limit:site:%s", getIP(r))

			allowed, err := checkRateLimit(r.Context(), redisClient, key, maxRequests)
			if err != nil {
				logger.FromContext(r.Context()).Warn("rate limiter unavailable", zap.Error(err))
			} else if !allowed {
				w.Header().Set("Retry-After", fmt.Sprint(int(rateLimitWindow.Seconds())))
				utils.RespondError(w, http.StatusTooManyRequests, "Too many requests, wait for one minute!")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func getIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func checkRateLimit(ctx context.Context, redisClient redis.Cmdable, key string, maxRequests int) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	count, err := redisClient.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		if err := redisClient.Expire(ctx, key, rateLimitWindow).Err(); err != nil {
			return false, err
		}
	}

	return count <= int64(maxRequests), nil
}
