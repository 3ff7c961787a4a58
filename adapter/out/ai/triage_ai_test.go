package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triage_server/core/domain"
	"triage_server/core/port/out"
	"triage_server/pkg/apperr"
	"triage_server/pkg/ratelimit"
	"triage_server/pkg/resilience"
)

var (
	_ out.AIClassifier = (*OpenAIClassifier)(nil)
	_ out.AIClassifier = (*AnthropicClassifier)(nil)
	_ out.AIClassifier = (*ResilientClassifier)(nil)
)

const answer = `{"priority":"high","category":"Finance","labels":["invoice"],"needs_reply":true,` +
	`"sentiment":"urgent","key_topics":["invoice"],"suggested_actions":[{"type":"reply","confidence":1.4},` +
	`{"type":"teleport","confidence":0.9}],"confidence":0.82,"reasoning":"overdue invoice"}`

func testRequest() *out.AIClassifyRequest {
	return &out.AIClassifyRequest{
		EmailID:         "m-1",
		Subject:         "Invoice overdue",
		From:            "billing@vendor.example",
		To:              []string{"me@example.com"},
		Body:            "Please pay invoice 42 by Friday.",
		KnownCategories: []string{"work", "finance"},
	}
}

func TestParseResponse(t *testing.T) {
	t.Run("sanitises fields", func(t *testing.T) {
		resp, err := parseResponse("openai", "```json\n"+answer+"\n```")
		require.NoError(t, err)
		assert.Equal(t, domain.PriorityHigh, resp.Priority)
		assert.Equal(t, "finance", resp.Category)
		assert.Equal(t, domain.SentimentUrgent, resp.Sentiment)
		assert.True(t, resp.NeedsReply)
		assert.InDelta(t, 0.82, resp.Confidence, 1e-9)
		require.Len(t, resp.SuggestedActions, 1)
		assert.Equal(t, "REPLY", resp.SuggestedActions[0].Type)
		assert.Equal(t, 1.0, resp.SuggestedActions[0].Confidence)
	})

	t.Run("unknown sentiment becomes neutral", func(t *testing.T) {
		resp, err := parseResponse("openai", `{"priority":"LOW","sentiment":"meh","confidence":2}`)
		require.NoError(t, err)
		assert.Equal(t, domain.SentimentNeutral, resp.Sentiment)
		assert.Equal(t, domain.CategoryOther, resp.Category)
		assert.Equal(t, 1.0, resp.Confidence)
	})

	for name, raw := range map[string]string{
		"empty":        "  ",
		"not json":     "I think this is important",
		"bad priority": `{"priority":"URGENT!!"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := parseResponse("openai", raw)
			assert.True(t, apperr.IsCode(err, apperr.CodeAPI), "got %v", err)
		})
	}
}

func TestBuildUserPrompt(t *testing.T) {
	req := testRequest()
	req.Body = strings.Repeat("x", maxBodyChars+100)
	req.HasAttachments = true

	prompt := buildUserPrompt(req)
	assert.Contains(t, prompt, "Subject: Invoice overdue")
	assert.Contains(t, prompt, "Has attachments: yes")
	assert.Contains(t, prompt, "work, finance")
	assert.NotContains(t, prompt, strings.Repeat("x", maxBodyChars+1))
	assert.Greater(t, EstimateTokens(req), maxBodyChars/4)
}

func openAIServer(t *testing.T, status int, content string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), `"json_object"`)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			fmt.Fprintf(w, `{"error":{"message":"nope","type":"error","code":"%d"}}`, status)
			return
		}
		payload, _ := json.Marshal(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   DefaultOpenAIModel,
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
		})
		w.Write(payload)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIClassifier(t *testing.T) {
	_, err := NewOpenAIClassifier(OpenAIConfig{})
	assert.True(t, apperr.IsCode(err, apperr.CodeConfiguration))

	srv := openAIServer(t, http.StatusOK, answer)
	c, err := NewOpenAIClassifier(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1"})
	require.NoError(t, err)

	resp, err := c.ClassifyEmail(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityHigh, resp.Priority)
	assert.Equal(t, "finance", resp.Category)
}

func TestOpenAIClassifier_ErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		code   string
	}{
		{http.StatusTooManyRequests, apperr.CodeQuota},
		{http.StatusUnauthorized, apperr.CodePermission},
		{http.StatusForbidden, apperr.CodePermission},
		{http.StatusBadGateway, apperr.CodeAPI},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := openAIServer(t, tt.status, "")
			c, err := NewOpenAIClassifier(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1"})
			require.NoError(t, err)

			_, err = c.ClassifyEmail(context.Background(), testRequest())
			assert.Equal(t, tt.code, apperr.CodeOf(err))
		})
	}
}

func anthropicServer(t *testing.T, status int, text string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant-test", r.Header.Get("X-Api-Key"))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			w.Write([]byte(`{"type":"error","error":{"type":"authentication_error","message":"bad key"}}`))
			return
		}
		payload, _ := json.Marshal(map[string]any{
			"id":            "msg_1",
			"type":          "message",
			"role":          "assistant",
			"model":         DefaultAnthropicModel,
			"content":       []map[string]any{{"type": "text", "text": text}},
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"usage":         map[string]any{"input_tokens": 120, "output_tokens": 60},
		})
		w.Write(payload)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAnthropicClassifier(t *testing.T) {
	_, err := NewAnthropicClassifier(AnthropicConfig{})
	assert.True(t, apperr.IsCode(err, apperr.CodeConfiguration))

	srv := anthropicServer(t, http.StatusOK, answer)
	c, err := NewAnthropicClassifier(AnthropicConfig{APIKey: "sk-ant-test", BaseURL: srv.URL + "/"})
	require.NoError(t, err)

	resp, err := c.ClassifyEmail(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityHigh, resp.Priority)
	assert.True(t, resp.NeedsReply)

	denied := anthropicServer(t, http.StatusUnauthorized, "")
	c, err = NewAnthropicClassifier(AnthropicConfig{APIKey: "sk-ant-test", BaseURL: denied.URL + "/"})
	require.NoError(t, err)
	_, err = c.ClassifyEmail(context.Background(), testRequest())
	assert.True(t, apperr.IsCode(err, apperr.CodePermission), "got %v", err)
}

// --- ResilientClassifier ---

type scriptedClassifier struct {
	errs  []error
	calls int
}

func (s *scriptedClassifier) ClassifyEmail(context.Context, *out.AIClassifyRequest) (*out.AIClassifyResponse, error) {
	s.calls++
	if s.calls <= len(s.errs) && s.errs[s.calls-1] != nil {
		return nil, s.errs[s.calls-1]
	}
	return &out.AIClassifyResponse{Priority: domain.PriorityMedium, Confidence: 0.7}, nil
}

func resilientConfig() ResilientConfig {
	cfg := DefaultResilientConfig("openai")
	cfg.Backoff = resilience.Backoff{Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 2, MaxAttempts: 3}
	cfg.Breaker = &resilience.CircuitBreakerConfig{Name: "openai", FailureThreshold: 10, Timeout: time.Minute}
	return cfg
}

func transient() error { return apperr.API("openai", errors.New("502 bad gateway")) }

func TestResilientClassifier_RetriesTransientFailures(t *testing.T) {
	inner := &scriptedClassifier{errs: []error{transient(), apperr.Quota("openai", errors.New("429"))}}
	r := NewResilientClassifier(inner, nil, resilientConfig(), zerolog.Nop())

	resp, err := r.ClassifyEmail(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityMedium, resp.Priority)
	assert.Equal(t, 3, inner.calls)
}

func TestResilientClassifier_GivesUpWithRetryableError(t *testing.T) {
	inner := &scriptedClassifier{errs: []error{transient(), transient(), transient(), transient()}}
	r := NewResilientClassifier(inner, nil, resilientConfig(), zerolog.Nop())

	_, err := r.ClassifyEmail(context.Background(), testRequest())
	assert.True(t, apperr.IsRetryable(err))
	assert.Equal(t, 3, inner.calls)
}

func TestResilientClassifier_PermissionIsNotRetried(t *testing.T) {
	inner := &scriptedClassifier{errs: []error{apperr.Permission("openai", errors.New("401"))}}
	r := NewResilientClassifier(inner, nil, resilientConfig(), zerolog.Nop())

	_, err := r.ClassifyEmail(context.Background(), testRequest())
	assert.True(t, apperr.IsCode(err, apperr.CodePermission))
	assert.Equal(t, 1, inner.calls)
}

func TestResilientClassifier_BreakerOpens(t *testing.T) {
	cfg := resilientConfig()
	cfg.Breaker.FailureThreshold = 2
	cfg.Backoff.MaxAttempts = 4
	inner := &scriptedClassifier{errs: []error{transient(), transient(), transient(), transient()}}
	r := NewResilientClassifier(inner, nil, cfg, zerolog.Nop())

	_, err := r.ClassifyEmail(context.Background(), testRequest())
	assert.True(t, apperr.IsCode(err, apperr.CodeAPI))
	assert.True(t, resilience.IsOpen(err))
	assert.Equal(t, 2, inner.calls)
}

func TestResilientClassifier_RequestBudget(t *testing.T) {
	cfg := resilientConfig()
	cfg.RequestsPerMinute = 1
	cfg.MaxWait = 0
	inner := &scriptedClassifier{}
	r := NewResilientClassifier(inner, ratelimit.NewMemoryLimiter(), cfg, zerolog.Nop())

	_, err := r.ClassifyEmail(context.Background(), testRequest())
	require.NoError(t, err)

	_, err = r.ClassifyEmail(context.Background(), testRequest())
	assert.True(t, apperr.IsCode(err, apperr.CodeQuota))
	assert.Equal(t, 1, inner.calls)
}

type stepLimiter struct {
	denials int
	wait    time.Duration
	keys    []string
}

func (s *stepLimiter) AllowN(_ context.Context, key string, _ int, _ time.Duration, _ int) (bool, time.Duration, error) {
	s.keys = append(s.keys, key)
	if s.denials > 0 {
		s.denials--
		return false, s.wait, nil
	}
	return true, 0, nil
}

func TestResilientClassifier_WaitsForBudget(t *testing.T) {
	limiter := &stepLimiter{denials: 2, wait: 3 * time.Second}
	inner := &scriptedClassifier{}
	r := NewResilientClassifier(inner, limiter, resilientConfig(), zerolog.Nop())

	var slept []time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	_, err := r.ClassifyEmail(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second}, slept)
	assert.Equal(t, []string{"openai:rpm", "openai:rpm", "openai:rpm", "openai:tpm"}, limiter.keys)
}

func TestResilientClassifier_CancelledWhileWaiting(t *testing.T) {
	limiter := &stepLimiter{denials: 1, wait: time.Second}
	r := NewResilientClassifier(&scriptedClassifier{}, limiter, resilientConfig(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	r.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := r.ClassifyEmail(ctx, testRequest())
	assert.ErrorIs(t, err, context.Canceled)
}
