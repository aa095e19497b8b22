package app

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

const mintRateLimitScope = "pt_mint"

// MintRateLimiter bounds how often a claimant may attempt a mint.
type MintRateLimiter interface {
	Allow(ctx context.Context, subject string) (allowed bool, retryAfterSeconds int, err error)
}

var mintRateLimitScript = redis.NewScript(`
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

// RedisMintRateLimiter implements a fixed-window limit shared by every replica.
type RedisMintRateLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
}

func NewRedisMintRateLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration) *RedisMintRateLimiter {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "ptmint:rate_limit"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisMintRateLimiter{
		client: client,
		prefix: trimmedPrefix,
		limit:  limit,
		window: window,
	}
}

func (r *RedisMintRateLimiter) Allow(ctx context.Context, subject string) (bool, int, error) {
	count, retryAfter, err := r.consume(ctx, mintRateLimitScope, subject)
	if err != nil {
		return true, 0, err
	}
	if count > r.limit {
		return false, retryAfter, nil
	}
	return true, 0, nil
}

func (r *RedisMintRateLimiter) key(scope, subject string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, scope, strings.ToLower(subject))
}

func (r *RedisMintRateLimiter) consume(ctx context.Context, scope, subject string) (count int, retryAfterSeconds int, err error) {
	if r == nil || r.client == nil || r.limit <= 0 || r.window <= 0 {
		return 0, 0, nil
	}

	normalizedSubject := strings.TrimSpace(subject)
	if normalizedSubject == "" {
		return 0, 0, nil
	}

	windowMs := r.window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	rawResult, err := mintRateLimitScript.Run(ctx, r.client, []string{r.key(scope, normalizedSubject)}, windowMs).Result()
	if err != nil {
		return 0, 0, err
	}

	values, ok := rawResult.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected redis limiter response shape: %T", rawResult)
	}

	currentCount, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}

	ttlMs, ok := values[1].(int64)
	if !ok {
		return int(currentCount), 0, fmt.Errorf("unexpected redis limiter ttl type: %T", values[1])
	}
	if ttlMs < 0 {
		ttlMs = windowMs
	}

	return int(currentCount), retryAfterFromMillis(ttlMs), nil
}

func retryAfterFromMillis(ttlMs int64) int {
	retryAfter := int(math.Ceil(float64(ttlMs) / 1000.0))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return retryAfter
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LocalMintRateLimiter is the in-process token bucket used when Redis is not configured.
type LocalMintRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	idleTTL  time.Duration
	now      func() time.Time
}

func NewLocalMintRateLimiter(perMinute int) *LocalMintRateLimiter {
	if perMinute <= 0 {
		perMinute = 1
	}
	return &LocalMintRateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    perMinute,
		idleTTL:  5 * time.Minute,
		now:      time.Now,
	}
}

func (l *LocalMintRateLimiter) Allow(ctx context.Context, subject string) (bool, int, error) {
	subject = strings.ToLower(strings.TrimSpace(subject))
	if subject == "" {
		return true, 0, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.evictIdle(now)

	entry, ok := l.visitors[subject]
	if !ok {
		entry = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[subject] = entry
	}
	entry.lastSeen = now

	reservation := entry.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, 60, nil
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, retryAfterFromMillis(delay.Milliseconds()), nil
	}
	return true, 0, nil
}

func (l *LocalMintRateLimiter) evictIdle(now time.Time) {
	for subject, entry := range l.visitors {
		if now.Sub(entry.lastSeen) > l.idleTTL {
			delete(l.visitors, subject)
		}
	}
}
