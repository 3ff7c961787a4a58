package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triage_server/pkg/apperr"
)

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 5 * time.Second, Multiplier: 2, MaxAttempts: 5}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func fastBackoff(attempts int) Backoff {
	return Backoff{Initial: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 2, MaxAttempts: attempts}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastBackoff(4), func(context.Context, int) error {
		calls++
		if calls < 3 {
			return apperr.API("openai", errors.New("502"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_StopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastBackoff(4), func(context.Context, int) error {
		calls++
		return apperr.Permission("openai", errors.New("401"))
	})
	assert.True(t, apperr.IsCode(err, apperr.CodePermission))
	assert.Equal(t, 1, calls)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastBackoff(3), func(_ context.Context, attempt int) error {
		calls++
		assert.Equal(t, calls, attempt)
		return apperr.Quota("openai", errors.New("429"))
	})
	assert.True(t, apperr.IsCode(err, apperr.CodeQuota))
	assert.Equal(t, 3, calls)
}

func TestRetry_HonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := Backoff{Initial: time.Hour, MaxAttempts: 3}

	calls := 0
	err := Retry(ctx, b, func(context.Context, int) error {
		calls++
		cancel()
		return apperr.API("anthropic", errors.New("overloaded"))
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, apperr.IsRetryable(err))
	assert.Equal(t, 1, calls)
}

func TestCircuitBreaker_TripsOnRetryableOnly(t *testing.T) {
	cfg := &CircuitBreakerConfig{Name: "ai", FailureThreshold: 2, Timeout: time.Minute}
	cb := NewCircuitBreaker(cfg, zerolog.Nop())

	invalid := func() (interface{}, error) { return nil, apperr.Validation("bad request") }
	for i := 0; i < 5; i++ {
		_, _ = cb.Execute(invalid)
	}
	assert.Equal(t, gobreaker.StateClosed, cb.State())

	failing := func() (interface{}, error) { return nil, apperr.API("ai", errors.New("down")) }
	_, _ = cb.Execute(failing)
	_, _ = cb.Execute(failing)
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	_, err := cb.Execute(func() (interface{}, error) { return "ok", nil })
	assert.True(t, IsOpen(err))
}
