package out

import (
	"context"
	"time"
)

// Cache defines the outbound port for caching derived state such as the learned model.
type Cache interface {
	// GetJSON decodes the value at key into dest. It reports false on a miss.
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	// Invalidate deletes every key starting with prefix and returns how many went.
	Invalidate(ctx context.Context, prefix string) (int64, error)
}

// RateLimiter throttles calls against a shared budget.
type RateLimiter interface {
	// AllowN consumes n units from key's budget. When denied it returns the wait
	// until enough budget frees up.
	AllowN(ctx context.Context, key string, limit int, window time.Duration, n int) (bool, time.Duration, error)
}
