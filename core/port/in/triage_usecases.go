package in

import (
	"context"
	"time"

	"triage_server/core/domain"
)

// ClassificationService classifies emails.
type ClassificationService interface {
	Classify(ctx context.Context, ec *domain.EmailContext, cfg *domain.ClassificationConfig) (*domain.ClassificationResult, error)
	ClassifyManual(ctx context.Context, ec *domain.EmailContext, priority domain.Priority, category string, labels []string, cfg *domain.ClassificationConfig) (*domain.ClassificationResult, error)
}

// VIPRegistry manages VIP senders.
type VIPRegistry interface {
	Lookup(ctx context.Context, sender string) (*domain.VIPStatus, error)
	Add(ctx context.Context, sender string, tier domain.VIPTier, name string) error
	Remove(ctx context.Context, sender string) error
	List(ctx context.Context) ([]*domain.VIPSender, error)
}

// LearningService turns user feedback into adjusted weights and category hints.
type LearningService interface {
	RecordFeedback(ctx context.Context, emailID string, classification *domain.ClassificationResult, feedback *domain.ClassificationFeedback) error
	RebuildModel(ctx context.Context) (*domain.LearnedModel, error)
	Weights(ctx context.Context) domain.PriorityFactors
	Accuracy(ctx context.Context) float64
	SuggestCategoryForEmail(ctx context.Context, subject, from, body string) *domain.CategorySuggestion
}

// FollowUpQueue is the user-facing side of the follow-up queue. Enqueueing and
// sweeping are driven by the worker.
type FollowUpQueue interface {
	Get(ctx context.Context, id string) (*domain.FollowUpItem, error)
	List(ctx context.Context, filter *domain.FollowUpFilter) ([]*domain.FollowUpItem, error)

	// === Transitions ===
	Snooze(ctx context.Context, id string, until time.Time) (*domain.FollowUpItem, error)
	MarkWaiting(ctx context.Context, id string) (*domain.FollowUpItem, error)
	Resume(ctx context.Context, id string) (*domain.FollowUpItem, error)
	Complete(ctx context.Context, id string) (*domain.FollowUpItem, error)
	Archive(ctx context.Context, id string) (*domain.FollowUpItem, error)
	Escalate(ctx context.Context, id, why string) (*domain.FollowUpItem, error)

	// === Updates ===
	RecordAction(ctx context.Context, id string) (*domain.FollowUpItem, error)
	UpdatePriority(ctx context.Context, id string, priority domain.Priority) (*domain.FollowUpItem, error)
	ApplyFeedback(ctx context.Context, id string, fb *domain.ClassificationFeedback) (*domain.FollowUpItem, error)
}

// SnoozeAdvisor suggests wake-up times.
type SnoozeAdvisor interface {
	Suggest(ctx context.Context, email *domain.Email, cls *domain.ClassificationResult, loc *time.Location, wh *domain.WorkingHours) (*domain.SnoozeSuggestion, error)
}
