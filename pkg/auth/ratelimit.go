package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Rezilient-Labs/restore-control/core/pkg/contracts"
)

// CounterStore counts requests per actor within a fixed window. The first
// increment of a window starts its expiry.
type CounterStore interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// RedisCounter is the shared counter used when the service runs more than
// one replica.
type RedisCounter struct {
	client *redis.Client
}

// NewRedisCounter wraps an existing redis client.
func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

func (c *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("auth: rate counter: %w", err)
	}
	return incr.Val(), nil
}

// MemoryCounter is the single-replica fallback.
type MemoryCounter struct {
	mu      sync.Mutex
	windows map[string]*memoryWindow
	now     func() time.Time
}

type memoryWindow struct {
	count     int64
	expiresAt time.Time
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{windows: make(map[string]*memoryWindow), now: time.Now}
}

func (c *MemoryCounter) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	w, ok := c.windows[key]
	if !ok || now.After(w.expiresAt) {
		w = &memoryWindow{expiresAt: now.Add(window)}
		c.windows[key] = w
	}
	w.count++
	return w.count, nil
}

// RateLimitPolicy caps requests per actor per minute.
type RateLimitPolicy struct {
	RequestsPerMinute int64
}

// RateLimitMiddleware enforces a fixed per-minute window keyed by the claim
// triple, falling back to the remote address for unauthenticated paths.
// Counter errors fail open so a limiter outage never blocks traffic.
func RateLimitMiddleware(counter CounterStore, policy RateLimitPolicy) func(http.Handler) http.Handler {
	const window = time.Minute
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if counter == nil || policy.RequestsPerMinute <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			actor := r.RemoteAddr
			if claims, err := ClaimsFrom(r.Context()); err == nil {
				actor = claims.TenantID + "/" + claims.InstanceID + "/" + claims.Subject
			}

			count, err := counter.Incr(r.Context(), "ratelimit:"+actor, window)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			if count > policy.RequestsPerMinute {
				retryAfter := int(60 / policy.RequestsPerMinute)
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(&contracts.Fault{
					Code:    "too_many_requests",
					Message: "rate limit exceeded, retry after the indicated interval",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
