/**
 * @description
 * Request rate limiting for unauthenticated endpoints such as login. This is a
 * coarse flood guard in front of the security ledger; it does not replace the
 * ledger's per-account and per-IP lockout.
 *
 * @dependencies
 * - github.com/redis/go-redis/v9: distributed fixed-window counters.
 * - golang.org/x/time/rate: in-process token buckets when Redis is not configured.
 */
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter decides whether subject may make another request in scope.
type Limiter interface {
	Allow(ctx context.Context, scope, subject string) (allowed bool, retryAfter time.Duration, err error)
}

var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisLimiter counts requests per key in a fixed window shared by every replica.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
}

// NewRedisLimiter allows limit requests per window for each (scope, subject).
func NewRedisLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration) *RedisLimiter {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "waitlist:rate_limit"
	}
	return &RedisLimiter{client: client, prefix: trimmedPrefix, limit: limit, window: window}
}

func (r *RedisLimiter) Allow(ctx context.Context, scope, subject string) (bool, time.Duration, error) {
	if r == nil || r.client == nil || r.limit <= 0 || r.window <= 0 {
		return true, 0, nil
	}
	scope, subject = strings.TrimSpace(scope), strings.TrimSpace(subject)
	if scope == "" || subject == "" {
		return true, 0, nil
	}

	windowMs := r.window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	key := fmt.Sprintf("%s:%s:%s", r.prefix, scope, subject)
	raw, err := fixedWindowScript.Run(ctx, r.client, []string{key}, windowMs).Result()
	if err != nil {
		return false, 0, err
	}
	count, retryAfter, err := parseScriptResult(raw, windowMs)
	if err != nil {
		return false, 0, err
	}
	if count > r.limit {
		return false, retryAfter, nil
	}
	return true, 0, nil
}

// parseScriptResult decodes {count, ttlMs} and rounds the ttl up to whole seconds.
func parseScriptResult(raw interface{}, windowMs int64) (int, time.Duration, error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected redis limiter response shape: %T", raw)
	}
	count, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}
	ttlMs, ok := values[1].(int64)
	if !ok {
		return int(count), 0, fmt.Errorf("unexpected redis limiter ttl type: %T", values[1])
	}
	if ttlMs < 0 {
		ttlMs = windowMs
	}
	seconds := int(math.Ceil(float64(ttlMs) / 1000.0))
	if seconds < 1 {
		seconds = 1
	}
	return int(count), time.Duration(seconds) * time.Second, nil
}

// MemoryLimiter keeps a token bucket per (scope, subject) in process memory.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const memorySweepThreshold = 10000

// NewMemoryLimiter allows limit requests per window, refilled evenly. A nil clock uses time.Now.
func NewMemoryLimiter(limit int, window time.Duration, now func() time.Time) *MemoryLimiter {
	if now == nil {
		now = time.Now
	}
	m := &MemoryLimiter{
		buckets: make(map[string]*bucket),
		burst:   limit,
		idleTTL: 2 * window,
		now:     now,
	}
	if limit > 0 && window > 0 {
		m.limit = rate.Every(window / time.Duration(limit))
	}
	return m
}

func (m *MemoryLimiter) Allow(_ context.Context, scope, subject string) (bool, time.Duration, error) {
	if m.burst <= 0 || m.limit == 0 {
		return true, 0, nil
	}
	key := strings.TrimSpace(scope) + ":" + strings.TrimSpace(subject)
	now := m.now()

	m.mu.Lock()
	b, ok := m.buckets[key]
	if !ok {
		if len(m.buckets) >= memorySweepThreshold {
			m.sweep(now)
		}
		b = &bucket{limiter: rate.NewLimiter(m.limit, m.burst)}
		m.buckets[key] = b
	}
	b.lastSeen = now
	m.mu.Unlock()

	res := b.limiter.ReserveN(now, 1)
	if !res.OK() {
		return false, m.idleTTL, nil
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay, nil
	}
	return true, 0, nil
}

// sweep drops buckets idle for longer than idleTTL. Callers hold m.mu.
func (m *MemoryLimiter) sweep(now time.Time) {
	for key, b := range m.buckets {
		if now.Sub(b.lastSeen) > m.idleTTL {
			delete(m.buckets, key)
		}
	}
}
