// Package ratelimit provides weighted sliding-window limits shared across workers.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// =============================================================================
// SlidingWindowLimiter - Redis sliding window with weighted entries
// =============================================================================

// Each ZSET member ends with ":<cost>" so one call can consume many units,
// e.g. estimated tokens for a tokens-per-minute budget.
var allowNScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window_ms = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])
	local cost = tonumber(ARGV[4])
	local member = ARGV[5]

	redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window_ms)

	local entries = redis.call('ZRANGE', key, 0, -1, 'WITHSCORES')
	local used = 0
	local oldest = nil
	for i = 1, #entries, 2 do
		local n = tonumber(string.match(entries[i], ':(%d+)$')) or 1
		used = used + n
		if oldest == nil then
			oldest = tonumber(entries[i + 1])
		end
	end

	-- An oversized request still passes against an empty window.
	if used + cost <= limit or used == 0 then
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, window_ms * 2)
		return {1, 0}
	end

	local wait = window_ms
	if oldest ~= nil then
		wait = oldest + window_ms - now
	end
	return {0, wait}
`)

// SlidingWindowLimiter implements out.RateLimiter on Redis. When Redis errors it
// falls back to a process-local window so a Redis outage degrades to per-process
// limits instead of no limits.
type SlidingWindowLimiter struct {
	redis    *redis.Client
	fallback *MemoryLimiter
	log      zerolog.Logger
	now      func() time.Time
}

// NewSlidingWindowLimiter creates a limiter. A nil client uses only the local window.
func NewSlidingWindowLimiter(client *redis.Client, log zerolog.Logger) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		redis:    client,
		fallback: NewMemoryLimiter(),
		log:      log.With().Str("component", "ratelimit").Logger(),
		now:      time.Now,
	}
}

// AllowN consumes n units of key's budget of limit per window.
func (l *SlidingWindowLimiter) AllowN(ctx context.Context, key string, limit int, window time.Duration, n int) (bool, time.Duration, error) {
	if err := checkArgs(limit, window, n); err != nil {
		return false, 0, err
	}
	if l.redis == nil {
		return l.fallback.AllowN(ctx, key, limit, window, n)
	}

	now := l.now()
	member := fmt.Sprintf("%d-%s:%d", now.UnixMilli(), uuid.NewString(), n)
	res, err := allowNScript.Run(ctx, l.redis, []string{"ratelimit:" + key},
		now.UnixMilli(),
		window.Milliseconds(),
		limit,
		n,
		member,
	).Int64Slice()
	if err != nil || len(res) != 2 {
		if ctx.Err() != nil {
			return false, 0, ctx.Err()
		}
		l.log.Warn().Err(err).Str("key", key).Msg("redis limiter unavailable, using local window")
		return l.fallback.AllowN(ctx, key, limit, window, n)
	}

	if res[0] == 1 {
		return true, 0, nil
	}
	wait := time.Duration(res[1]) * time.Millisecond
	if wait <= 0 {
		wait = time.Millisecond
	}
	return false, wait, nil
}

// =============================================================================
// MemoryLimiter - process-local sliding window
// =============================================================================

type entry struct {
	at   time.Time
	cost int
}

// MemoryLimiter is the in-process variant of SlidingWindowLimiter.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string][]entry
	now     func() time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{windows: make(map[string][]entry), now: time.Now}
}

func (m *MemoryLimiter) AllowN(_ context.Context, key string, limit int, window time.Duration, n int) (bool, time.Duration, error) {
	if err := checkArgs(limit, window, n); err != nil {
		return false, 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cutoff := now.Add(-window)
	kept := m.windows[key][:0]
	used := 0
	for _, e := range m.windows[key] {
		if e.at.After(cutoff) {
			kept = append(kept, e)
			used += e.cost
		}
	}

	if used+n <= limit || used == 0 {
		m.windows[key] = append(kept, entry{at: now, cost: n})
		return true, 0, nil
	}
	m.windows[key] = kept

	wait := kept[0].at.Add(window).Sub(now)
	if wait <= 0 {
		wait = time.Millisecond
	}
	return false, wait, nil
}

func checkArgs(limit int, window time.Duration, n int) error {
	if limit <= 0 || window <= 0 || n <= 0 {
		return fmt.Errorf("ratelimit: limit, window and n must be positive (got %d, %s, %d)", limit, window, n)
	}
	return nil
}
