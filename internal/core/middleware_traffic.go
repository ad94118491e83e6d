package core

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"rotarydesk/internal/types"
)

// RateLimit limits an actor to limit requests per window. Mount it on the
// routes that trigger sends. Store errors fail open.
func (s *Server) RateLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := types.GetActor(r.Context())
			if s.RateLimiter == nil || !ok {
				next.ServeHTTP(w, r)
				return
			}

			key := string(actor.Type) + ":" + actor.ID + ":" + r.URL.Path
			result, err := s.RateLimiter.IncrementAndCheck(r.Context(), key, limit, window)
			if err != nil {
				s.Logger.ErrorContext(r.Context(), "rate limit store error",
					slog.String("key", key),
					slog.String("error", err.Error()),
				)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			if !result.Allowed {
				retryAfter := int(time.Until(result.ResetAt).Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				s.Logger.WarnContext(r.Context(), "rate limit exceeded", slog.String("key", key))
				Error(w, r, types.NewAppError(types.ErrCodeRateLimited, "Rate limit exceeded, retry later", nil))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RedisRateLimitStore implements RateLimitStore with one INCR counter per
// key and window.
type RedisRateLimitStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewRedisRateLimitStore creates a RedisRateLimitStore.
func NewRedisRateLimitStore(client redis.UniversalClient) *RedisRateLimitStore {
	return &RedisRateLimitStore{client: client, now: time.Now}
}

// IncrementAndCheck implements RateLimitStore.
func (s *RedisRateLimitStore) IncrementAndCheck(ctx context.Context, key string, limit int, window time.Duration) (RateLimitResult, error) {
	bucket := s.now().Truncate(window)
	redisKey := "ratelimit:" + key + ":" + strconv.FormatInt(bucket.Unix(), 10)

	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, redisKey)
		p.Expire(ctx, redisKey, window)
		return nil
	})
	if err != nil {
		return RateLimitResult{}, err
	}

	n := int(incr.Val())
	remaining := limit - n
	if remaining < 0 {
		remaining = 0
	}
	return RateLimitResult{
		Allowed:   n <= limit,
		Remaining: remaining,
		ResetAt:   bucket.Add(window),
	}, nil
}
