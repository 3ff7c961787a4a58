// Package ai adapts hosted language models to the AIClassifier port.
package ai

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"triage_server/core/domain"
	"triage_server/core/port/out"
	"triage_server/pkg/apperr"
)

const (
	maxBodyChars = 4000
	maxTokens    = 1024
)

const systemPrompt = `You triage email for a busy professional.
Answer with a single JSON object and nothing else, using exactly these fields:
{
  "priority": "CRITICAL" | "HIGH" | "MEDIUM" | "LOW",
  "category": string,
  "labels": [string],
  "needs_reply": boolean,
  "sentiment": "POSITIVE" | "NEUTRAL" | "NEGATIVE" | "URGENT" | "ANGRY",
  "key_topics": [string],
  "suggested_actions": [{"type": "REPLY" | "FOLLOW_UP" | "ARCHIVE" | "LABEL" | "ESCALATE" | "SNOOZE" | "DELEGATE", "value": string, "confidence": number, "reason": string}],
  "confidence": number between 0 and 1,
  "reasoning": string
}
CRITICAL is reserved for mail that needs action within hours.`

func buildUserPrompt(req *out.AIClassifyRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\n", req.From)
	if len(req.To) > 0 {
		fmt.Fprintf(&b, "To: %s\n", strings.Join(req.To, ", "))
	}
	fmt.Fprintf(&b, "Subject: %s\n", req.Subject)
	if len(req.Labels) > 0 {
		fmt.Fprintf(&b, "Labels: %s\n", strings.Join(req.Labels, ", "))
	}
	if req.HasAttachments {
		b.WriteString("Has attachments: yes\n")
	}
	if len(req.KnownCategories) > 0 {
		fmt.Fprintf(&b, "Prefer one of these categories: %s\n", strings.Join(req.KnownCategories, ", "))
	}
	b.WriteString("\n")
	b.WriteString(truncate(req.Body, maxBodyChars))
	return b.String()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// EstimateTokens approximates the prompt plus answer size at four characters per token.
func EstimateTokens(req *out.AIClassifyRequest) int {
	chars := len(systemPrompt) + len(buildUserPrompt(req))
	return chars/4 + maxTokens/4
}

// stripFences removes a ```json ... ``` wrapper some models add.
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// parseResponse decodes and sanitises a model answer. Malformed output is an API
// error so callers can degrade or retry.
func parseResponse(service, raw string) (*out.AIClassifyResponse, error) {
	body := stripFences(raw)
	if body == "" {
		return nil, apperr.API(service, errors.New("empty completion"))
	}

	var resp out.AIClassifyResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return nil, apperr.API(service, fmt.Errorf("decode completion: %w", err))
	}

	p, err := domain.ParsePriority(string(resp.Priority))
	if err != nil {
		return nil, apperr.API(service, fmt.Errorf("completion priority: %w", err))
	}
	resp.Priority = p

	resp.Sentiment = domain.Sentiment(strings.ToUpper(string(resp.Sentiment)))
	if !resp.Sentiment.IsValid() {
		resp.Sentiment = domain.SentimentNeutral
	}
	resp.Category = strings.ToLower(strings.TrimSpace(resp.Category))
	if resp.Category == "" {
		resp.Category = domain.CategoryOther
	}
	resp.Confidence = clamp01(resp.Confidence)

	actions := resp.SuggestedActions[:0]
	for _, a := range resp.SuggestedActions {
		a.Type = strings.ToUpper(a.Type)
		if !domain.ActionType(a.Type).IsValid() {
			continue
		}
		a.Confidence = clamp01(a.Confidence)
		actions = append(actions, a)
	}
	resp.SuggestedActions = actions
	return &resp, nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// statusError maps a provider HTTP status onto the error taxonomy.
func statusError(service string, status int, err error) error {
	switch {
	case status == http.StatusTooManyRequests:
		return apperr.Quota(service, err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperr.Permission(service, err)
	default:
		return apperr.API(service, err)
	}
}
