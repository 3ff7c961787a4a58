package ai

import (
	"context"
	"errors"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"triage_server/core/port/out"
	"triage_server/pkg/apperr"
)

const DefaultAnthropicModel = "claude-3-5-haiku-latest"

type AnthropicConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// AnthropicClassifier asks a Claude model for a JSON classification.
type AnthropicClassifier struct {
	client anthropic.Client
	model  string
}

func NewAnthropicClassifier(cfg AnthropicConfig) (*AnthropicClassifier, error) {
	if cfg.APIKey == "" {
		return nil, apperr.Configuration("ANTHROPIC_API_KEY is required for the anthropic classifier")
	}
	model := cfg.Model
	if model == "" {
		model = DefaultAnthropicModel
	}
	// Retries belong to ResilientClassifier.
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicClassifier{
		client: anthropic.NewClient(opts...),
		model:  model,
	}, nil
}

func (c *AnthropicClassifier) ClassifyEmail(ctx context.Context, req *out.AIClassifyRequest) (*out.AIClassifyResponse, error) {
	message, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt, CacheControl: anthropic.NewCacheControlEphemeralParam()},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildUserPrompt(req))),
		},
	})
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, statusError("anthropic", apiErr.StatusCode, err)
		}
		return nil, apperr.API("anthropic", err)
	}

	for _, block := range message.Content {
		if block.Type == "text" {
			return parseResponse("anthropic", block.Text)
		}
	}
	return nil, apperr.API("anthropic", errors.New("no text content in response"))
}
