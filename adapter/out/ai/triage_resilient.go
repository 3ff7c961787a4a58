package ai

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"triage_server/core/port/out"
	"triage_server/pkg/apperr"
	"triage_server/pkg/resilience"
)

// ResilientConfig bounds how hard a classifier may be driven.
type ResilientConfig struct {
	Name              string
	RequestsPerMinute int
	TokensPerMinute   int
	// MaxWait is the longest we block for budget before giving up with QUOTA.
	MaxWait time.Duration
	// CallTimeout bounds one provider call. Zero leaves it to ctx.
	CallTimeout time.Duration
	Backoff     resilience.Backoff
	Breaker     *resilience.CircuitBreakerConfig
}

func DefaultResilientConfig(name string) ResilientConfig {
	return ResilientConfig{
		Name:              name,
		RequestsPerMinute: 60,
		TokensPerMinute:   90000,
		MaxWait:           10 * time.Second,
		CallTimeout:       60 * time.Second,
		Backoff:           resilience.DefaultBackoff(),
		Breaker:           resilience.DefaultCircuitBreakerConfig(name),
	}
}

// ResilientClassifier wraps a classifier with shared rate limits, bounded
// retries and a circuit breaker. Every failure it returns is an apperr, and
// exhausted retries surface as a retryable API or QUOTA error.
type ResilientClassifier struct {
	inner   out.AIClassifier
	limiter out.RateLimiter
	breaker *gobreaker.CircuitBreaker
	cfg     ResilientConfig
	log     zerolog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewResilientClassifier(inner out.AIClassifier, limiter out.RateLimiter, cfg ResilientConfig, log zerolog.Logger) *ResilientClassifier {
	if cfg.Name == "" {
		cfg.Name = "ai"
	}
	if cfg.Breaker == nil {
		cfg.Breaker = resilience.DefaultCircuitBreakerConfig(cfg.Name)
	}
	log = log.With().Str("component", "ai").Str("provider", cfg.Name).Logger()
	return &ResilientClassifier{
		inner:   inner,
		limiter: limiter,
		breaker: resilience.NewCircuitBreaker(cfg.Breaker, log),
		cfg:     cfg,
		log:     log,
		sleep:   sleepCtx,
	}
}

func (r *ResilientClassifier) ClassifyEmail(ctx context.Context, req *out.AIClassifyRequest) (*out.AIClassifyResponse, error) {
	if req == nil {
		return nil, apperr.Validation("classify request is required")
	}
	tokens := EstimateTokens(req)

	var resp *out.AIClassifyResponse
	err := resilience.Retry(ctx, r.cfg.Backoff, func(ctx context.Context, attempt int) error {
		if err := r.acquire(ctx, tokens); err != nil {
			return err
		}

		result, err := r.breaker.Execute(func() (interface{}, error) {
			callCtx := ctx
			if r.cfg.CallTimeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, r.cfg.CallTimeout)
				defer cancel()
			}
			return r.inner.ClassifyEmail(callCtx, req)
		})
		if err != nil {
			if resilience.IsOpen(err) {
				err = apperr.API(r.cfg.Name, err)
			}
			if apperr.IsRetryable(err) {
				r.log.Warn().Err(err).Int("attempt", attempt).Str("email_id", req.EmailID).Msg("classifier call failed")
			}
			return err
		}
		resp = result.(*out.AIClassifyResponse)
		return nil
	})
	if err != nil {
		if !apperr.IsAppError(err) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			err = apperr.API(r.cfg.Name, err)
		}
		return nil, err
	}
	return resp, nil
}

// acquire takes one request and the estimated tokens from the shared budgets,
// waiting up to MaxWait for each.
func (r *ResilientClassifier) acquire(ctx context.Context, tokens int) error {
	if r.limiter == nil {
		return nil
	}
	budgets := []struct {
		key   string
		limit int
		n     int
	}{
		{r.cfg.Name + ":rpm", r.cfg.RequestsPerMinute, 1},
		{r.cfg.Name + ":tpm", r.cfg.TokensPerMinute, tokens},
	}
	for _, b := range budgets {
		if b.limit <= 0 {
			continue
		}
		if err := r.take(ctx, b.key, b.limit, b.n); err != nil {
			return err
		}
	}
	return nil
}

func (r *ResilientClassifier) take(ctx context.Context, key string, limit, n int) error {
	deadline := r.cfg.MaxWait
	for {
		ok, wait, err := r.limiter.AllowN(ctx, key, limit, time.Minute, n)
		if err != nil {
			return apperr.API(r.cfg.Name, err)
		}
		if ok {
			return nil
		}
		if wait > deadline {
			return apperr.Quota(r.cfg.Name, errors.New("local rate budget exhausted")).
				WithDetail("budget", key).
				WithDetail("retry_after", wait.String())
		}
		deadline -= wait
		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
