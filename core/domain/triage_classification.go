package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"triage_server/pkg/apperr"
)

// Priority is the severity of a classified email.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityMedium   Priority = "MEDIUM"
	PriorityLow      Priority = "LOW"
)

// Severity maps CRITICAL=4 down to LOW=1. Unknown priorities are 0.
func (p Priority) Severity() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

func (p Priority) IsValid() bool {
	return p.Severity() > 0
}

// PriorityFromSeverity is the inverse of Severity, clamping out-of-range input.
func PriorityFromSeverity(s int) Priority {
	switch {
	case s >= 4:
		return PriorityCritical
	case s == 3:
		return PriorityHigh
	case s == 2:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// MaxPriority returns the more severe of a and b.
func MaxPriority(a, b Priority) Priority {
	if b.Severity() > a.Severity() {
		return b
	}
	return a
}

// ParsePriority accepts any casing.
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToUpper(strings.TrimSpace(s)))
	if !p.IsValid() {
		return "", apperr.InvalidInput("priority", fmt.Sprintf("unknown priority %q", s))
	}
	return p, nil
}

// Sentiment of the message body.
type Sentiment string

const (
	SentimentPositive Sentiment = "POSITIVE"
	SentimentNeutral  Sentiment = "NEUTRAL"
	SentimentNegative Sentiment = "NEGATIVE"
	SentimentUrgent   Sentiment = "URGENT"
	SentimentAngry    Sentiment = "ANGRY"
)

func (s Sentiment) IsValid() bool {
	switch s {
	case SentimentPositive, SentimentNeutral, SentimentNegative, SentimentUrgent, SentimentAngry:
		return true
	}
	return false
}

// ClassificationMethod records which source decided the result.
type ClassificationMethod string

const (
	MethodAI     ClassificationMethod = "AI"
	MethodRules  ClassificationMethod = "RULES"
	MethodHybrid ClassificationMethod = "HYBRID"
	MethodVIP    ClassificationMethod = "VIP"
	MethodManual ClassificationMethod = "MANUAL"
)

// ActionType is a suggested follow-up action.
type ActionType string

const (
	ActionReply    ActionType = "REPLY"
	ActionFollowUp ActionType = "FOLLOW_UP"
	ActionArchive  ActionType = "ARCHIVE"
	ActionLabel    ActionType = "LABEL"
	ActionEscalate ActionType = "ESCALATE"
	ActionSnooze   ActionType = "SNOOZE"
	ActionDelegate ActionType = "DELEGATE"
)

func (a ActionType) IsValid() bool {
	switch a {
	case ActionReply, ActionFollowUp, ActionArchive, ActionLabel, ActionEscalate, ActionSnooze, ActionDelegate:
		return true
	}
	return false
}

// Action is one suggested action. AutoExecute is only ever set by the engine.
type Action struct {
	Type        ActionType `json:"type"`
	Value       string     `json:"value,omitempty"`
	Confidence  float64    `json:"confidence"`
	AutoExecute bool       `json:"auto_execute"`
	Reason      string     `json:"reason,omitempty"`
}

// ClassificationResult is the output of one classification pass. Treat as immutable.
type ClassificationResult struct {
	Priority            Priority             `json:"priority"`
	Category            string               `json:"category"`
	Labels              []string             `json:"labels"`
	NeedsReply          bool                 `json:"needs_reply"`
	WaitingOnOthers     bool                 `json:"waiting_on_others"`
	IsRecurring         bool                 `json:"is_recurring"`
	IsNewsletter        bool                 `json:"is_newsletter"`
	IsAutomated         bool                 `json:"is_automated"`
	Sentiment           Sentiment            `json:"sentiment"`
	Importance          float64              `json:"importance"`
	Urgency             float64              `json:"urgency"`
	SuggestedActions    []Action             `json:"suggested_actions"`
	Confidence          float64              `json:"confidence"`
	Method              ClassificationMethod `json:"method"`
	Reasoning           string               `json:"reasoning"`
	AppliedRules        []string             `json:"applied_rules"`
	KeyTopics           []string             `json:"key_topics,omitempty"`
	IsVIP               bool                 `json:"is_vip"`
	VIPTier             *VIPTier             `json:"vip_tier,omitempty"`
	VIPSLA              *time.Time           `json:"vip_sla,omitempty"`
	FeedbackRequired    bool                 `json:"feedback_required"`
	LearningOpportunity bool                 `json:"learning_opportunity"`
	// Degraded is set when the AI was requested but unavailable.
	Degraded            bool                 `json:"degraded,omitempty"`
	ClassifiedAt        time.Time            `json:"classified_at"`
}

// HasLabel reports whether label is in the result's label set.
func (r *ClassificationResult) HasLabel(label string) bool {
	for _, l := range r.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// MergeLabels returns the sorted union of both sets.
func MergeLabels(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, set := range [][]string{a, b} {
		for _, l := range set {
			if l == "" {
				continue
			}
			if _, ok := seen[l]; ok {
				continue
			}
			seen[l] = struct{}{}
			out = append(out, l)
		}
	}
	sort.Strings(out)
	return out
}

// MergePolicy decides how AI and rule priorities combine.
type MergePolicy string

const (
	// MergeUpgradeOnly lets rules raise the AI baseline but never lower it.
	MergeUpgradeOnly MergePolicy = "upgrade-only"
	// MergePreferAI ignores rule priorities when the AI answered.
	MergePreferAI MergePolicy = "prefer-ai"
)

// ClassificationConfig holds the per-run switches and thresholds.
type ClassificationConfig struct {
	UseAI               bool        `json:"use_ai" yaml:"use_ai"`
	VIPOverride         bool        `json:"vip_override" yaml:"vip_override"`
	LearningEnabled     bool        `json:"learning_enabled" yaml:"learning_enabled"`
	ConfidenceThreshold float64     `json:"confidence_threshold" yaml:"confidence_threshold"`
	AutoActionThreshold float64     `json:"auto_action_threshold" yaml:"auto_action_threshold"`
	MergePolicy         MergePolicy `json:"merge_policy" yaml:"merge_policy"`
}

func DefaultClassificationConfig() *ClassificationConfig {
	return &ClassificationConfig{
		UseAI:               true,
		VIPOverride:         true,
		LearningEnabled:     true,
		ConfidenceThreshold: 0.7,
		AutoActionThreshold: 0.9,
		MergePolicy:         MergeUpgradeOnly,
	}
}

// Validate returns a CONFIGURATION error for unusable settings.
func (c *ClassificationConfig) Validate() error {
	if c == nil {
		return apperr.Configuration("classification config is missing")
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return apperr.Configuration("confidence_threshold must be within [0,1]").
			WithDetail("value", c.ConfidenceThreshold)
	}
	if c.AutoActionThreshold < 0 || c.AutoActionThreshold > 1 {
		return apperr.Configuration("auto_action_threshold must be within [0,1]").
			WithDetail("value", c.AutoActionThreshold)
	}
	switch c.MergePolicy {
	case "", MergeUpgradeOnly, MergePreferAI:
	default:
		return apperr.Configuration(fmt.Sprintf("unknown merge policy %q", c.MergePolicy))
	}
	return nil
}
