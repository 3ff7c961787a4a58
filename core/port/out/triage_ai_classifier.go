package out

import (
	"context"

	"triage_server/core/domain"
)

// AIClassifyRequest is what the engine sends to an external classifier.
type AIClassifyRequest struct {
	EmailID        string
	Subject        string
	From           string
	To             []string
	Body           string
	Labels         []string
	HasAttachments bool
	// Categories the caller already knows about, offered as a vocabulary.
	KnownCategories []string
}

// AISuggestedAction is an action proposed by the AI.
type AISuggestedAction struct {
	Type       string  `json:"type"`
	Value      string  `json:"value,omitempty"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
}

// AIClassifyResponse is the parsed classifier answer.
type AIClassifyResponse struct {
	Priority         domain.Priority     `json:"priority"`
	Category         string              `json:"category"`
	Labels           []string            `json:"labels"`
	NeedsReply       bool                `json:"needs_reply"`
	Sentiment        domain.Sentiment    `json:"sentiment"`
	KeyTopics        []string            `json:"key_topics"`
	SuggestedActions []AISuggestedAction `json:"suggested_actions"`
	Confidence       float64             `json:"confidence"`
	Reasoning        string              `json:"reasoning"`
}

// AIClassifier is an external email classifier. Implementations return apperr
// errors coded API, QUOTA or PERMISSION.
type AIClassifier interface {
	ClassifyEmail(ctx context.Context, req *AIClassifyRequest) (*AIClassifyResponse, error)
}
