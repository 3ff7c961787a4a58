package domain

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/goccy/go-json"

	"triage_server/pkg/apperr"
)

// Priority factor names.
const (
	FactorSenderImportance   = "senderImportance"
	FactorKeywordUrgency     = "keywordUrgency"
	FactorDeadlineProximity  = "deadlineProximity"
	FactorVIPStatus          = "vipStatus"
	FactorHistoricalResponse = "historicalResponse"
	FactorSentimentUrgency   = "sentimentUrgency"
	FactorContextualClues    = "contextualClues"
)

// AllFactors lists the factor names in a fixed order.
var AllFactors = []string{
	FactorSenderImportance,
	FactorKeywordUrgency,
	FactorDeadlineProximity,
	FactorVIPStatus,
	FactorHistoricalResponse,
	FactorSentimentUrgency,
	FactorContextualClues,
}

// PriorityFactors maps each factor to a non-negative weight. The weights sum to 1.
type PriorityFactors map[string]float64

// DefaultPriorityWeights is the cold-start weighting.
func DefaultPriorityWeights() PriorityFactors {
	return PriorityFactors{
		FactorSenderImportance:   0.20,
		FactorKeywordUrgency:     0.15,
		FactorDeadlineProximity:  0.15,
		FactorVIPStatus:          0.20,
		FactorHistoricalResponse: 0.10,
		FactorSentimentUrgency:   0.10,
		FactorContextualClues:    0.10,
	}
}

func (f PriorityFactors) Clone() PriorityFactors {
	out := make(PriorityFactors, len(AllFactors))
	for _, name := range AllFactors {
		out[name] = f[name]
	}
	return out
}

func (f PriorityFactors) Sum() float64 {
	var s float64
	for _, name := range AllFactors {
		s += f[name]
	}
	return s
}

// Normalize floors every weight at min and rescales so the seven weights sum to 1.
// A degenerate vector is reset to the defaults.
func (f PriorityFactors) Normalize(min float64) {
	for _, name := range AllFactors {
		v := f[name]
		if math.IsNaN(v) || v < min {
			v = min
		}
		f[name] = v
	}
	sum := f.Sum()
	if sum <= 0 || math.IsInf(sum, 0) {
		for k, v := range DefaultPriorityWeights() {
			f[k] = v
		}
		return
	}
	for _, name := range AllFactors {
		f[name] /= sum
	}
	for k := range f {
		if !isFactor(k) {
			delete(f, k)
		}
	}
}

func isFactor(name string) bool {
	for _, n := range AllFactors {
		if n == name {
			return true
		}
	}
	return false
}

// FactorSignals holds per-email factor values in [0,1].
type FactorSignals map[string]float64

// urgencyFactors are the time-critical subset used for the urgency score.
var urgencyFactors = []string{
	FactorKeywordUrgency,
	FactorDeadlineProximity,
	FactorSentimentUrgency,
}

// Score is the weighted dot-product of signals, scaled to [0,100].
func (f PriorityFactors) Score(signals FactorSignals) float64 {
	var total float64
	for _, name := range AllFactors {
		total += f[name] * signals[name]
	}
	return clampScore(total * 100)
}

// UrgencyScore applies the same weights to the time-critical factors only,
// renormalized over their combined weight.
func (f PriorityFactors) UrgencyScore(signals FactorSignals) float64 {
	var total, mass float64
	for _, name := range urgencyFactors {
		total += f[name] * signals[name]
		mass += f[name]
	}
	if mass <= 0 {
		return 0
	}
	return clampScore(total / mass * 100)
}

func clampScore(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// CategoryHint is the learned signature of one category.
type CategoryHint struct {
	Category        string         `json:"category" yaml:"category"`
	Keywords        []string       `json:"keywords" yaml:"keywords"`
	KeywordCounts   map[string]int `json:"keyword_counts,omitempty" yaml:"-"`
	SenderPatterns  []string       `json:"sender_patterns,omitempty" yaml:"sender_patterns,omitempty"`
	SubjectPatterns []string       `json:"subject_patterns,omitempty" yaml:"subject_patterns,omitempty"`
	BodyPatterns    []string       `json:"body_patterns,omitempty" yaml:"body_patterns,omitempty"`
	Weight          float64        `json:"weight" yaml:"weight"`
	UpdatedAt       time.Time      `json:"updated_at" yaml:"-"`
}

// ObserveKeywords adds term counts and recomputes Keywords as the top n by frequency.
func (h *CategoryHint) ObserveKeywords(terms []string, n int) {
	if h.KeywordCounts == nil {
		h.KeywordCounts = make(map[string]int, len(h.Keywords)+len(terms))
		for _, k := range h.Keywords {
			h.KeywordCounts[k] = 1
		}
	}
	for _, t := range terms {
		h.KeywordCounts[t]++
	}
	h.Keywords = TopTerms(h.KeywordCounts, n)
}

// AddSenderPattern appends p unless already present.
func (h *CategoryHint) AddSenderPattern(p string) {
	if p == "" {
		return
	}
	for _, existing := range h.SenderPatterns {
		if existing == p {
			return
		}
	}
	h.SenderPatterns = append(h.SenderPatterns, p)
}

// TopTerms returns the n most frequent terms, ties broken alphabetically.
func TopTerms(counts map[string]int, n int) []string {
	terms := make([]string, 0, len(counts))
	for t := range counts {
		terms = append(terms, t)
	}
	sort.Slice(terms, func(i, j int) bool {
		if counts[terms[i]] != counts[terms[j]] {
			return counts[terms[i]] > counts[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if len(terms) > n {
		terms = terms[:n]
	}
	return terms
}

// FeedbackType classifies user feedback on a classification.
type FeedbackType string

const (
	FeedbackCorrect       FeedbackType = "CORRECT"
	FeedbackWrongPriority FeedbackType = "WRONG_PRIORITY"
	FeedbackWrongCategory FeedbackType = "WRONG_CATEGORY"
	FeedbackWrongLabels   FeedbackType = "WRONG_LABELS"
	FeedbackMissingAction FeedbackType = "MISSING_ACTION"
)

func (t FeedbackType) IsValid() bool {
	switch t {
	case FeedbackCorrect, FeedbackWrongPriority, FeedbackWrongCategory, FeedbackWrongLabels, FeedbackMissingAction:
		return true
	}
	return false
}

// Correction is the corrected value carried by feedback. One concrete type per
// feedback type; the set is closed.
type Correction interface {
	feedbackType() FeedbackType
}

type PriorityCorrection struct {
	Priority Priority `json:"priority"`
}

type CategoryCorrection struct {
	Category string `json:"category"`
}

type LabelsCorrection struct {
	Labels []string `json:"labels"`
}

type ActionCorrection struct {
	Action ActionType `json:"action"`
}

func (PriorityCorrection) feedbackType() FeedbackType { return FeedbackWrongPriority }
func (CategoryCorrection) feedbackType() FeedbackType { return FeedbackWrongCategory }
func (LabelsCorrection) feedbackType() FeedbackType   { return FeedbackWrongLabels }
func (ActionCorrection) feedbackType() FeedbackType   { return FeedbackMissingAction }

// ClassificationFeedback is a user's verdict on one classification.
type ClassificationFeedback struct {
	// ID makes redelivery of the same feedback a no-op.
	ID         string
	Type       FeedbackType
	Correction Correction
	UserAction string
}

// Validate checks that the correction, when present, belongs to the feedback type.
func (f *ClassificationFeedback) Validate() error {
	if f == nil {
		return apperr.Validation("feedback is required")
	}
	if !f.Type.IsValid() {
		return apperr.InvalidInput("feedback_type", fmt.Sprintf("unknown type %q", f.Type))
	}
	switch f.Type {
	case FeedbackWrongPriority:
		c, ok := f.Correction.(PriorityCorrection)
		if !ok || !c.Priority.IsValid() {
			return apperr.InvalidInput("correct_value", "WRONG_PRIORITY needs a priority correction")
		}
	case FeedbackWrongCategory:
		c, ok := f.Correction.(CategoryCorrection)
		if !ok || c.Category == "" {
			return apperr.InvalidInput("correct_value", "WRONG_CATEGORY needs a category correction")
		}
	case FeedbackCorrect:
		if f.Correction != nil {
			return apperr.InvalidInput("correct_value", "CORRECT takes no correction")
		}
	default:
		if f.Correction != nil && f.Correction.feedbackType() != f.Type {
			return apperr.InvalidInput("correct_value", fmt.Sprintf("correction does not match %s", f.Type))
		}
	}
	return nil
}

type correctValueWire struct {
	Priority Priority   `json:"priority,omitempty"`
	Category string     `json:"category,omitempty"`
	Labels   []string   `json:"labels,omitempty"`
	Action   ActionType `json:"action,omitempty"`
}

type feedbackWire struct {
	ID           string            `json:"id,omitempty"`
	FeedbackType FeedbackType      `json:"feedback_type"`
	CorrectValue *correctValueWire `json:"correct_value,omitempty"`
	UserAction   string            `json:"user_action,omitempty"`
}

func (f ClassificationFeedback) MarshalJSON() ([]byte, error) {
	w := feedbackWire{ID: f.ID, FeedbackType: f.Type, UserAction: f.UserAction}
	if f.Correction != nil {
		w.CorrectValue = &correctValueWire{}
		switch c := f.Correction.(type) {
		case PriorityCorrection:
			w.CorrectValue.Priority = c.Priority
		case CategoryCorrection:
			w.CorrectValue.Category = c.Category
		case LabelsCorrection:
			w.CorrectValue.Labels = c.Labels
		case ActionCorrection:
			w.CorrectValue.Action = c.Action
		}
	}
	return json.Marshal(w)
}

func (f *ClassificationFeedback) UnmarshalJSON(data []byte) error {
	var w feedbackWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	f.ID = w.ID
	f.Type = w.FeedbackType
	f.UserAction = w.UserAction
	f.Correction = nil
	if w.CorrectValue == nil {
		return nil
	}
	switch w.FeedbackType {
	case FeedbackWrongPriority:
		f.Correction = PriorityCorrection{Priority: w.CorrectValue.Priority}
	case FeedbackWrongCategory:
		f.Correction = CategoryCorrection{Category: w.CorrectValue.Category}
	case FeedbackWrongLabels:
		f.Correction = LabelsCorrection{Labels: w.CorrectValue.Labels}
	case FeedbackMissingAction:
		f.Correction = ActionCorrection{Action: w.CorrectValue.Action}
	}
	return nil
}

// LearningOutcome summarizes how a classification fared.
type LearningOutcome string

const (
	OutcomeSuccess   LearningOutcome = "SUCCESS"
	OutcomeCorrected LearningOutcome = "CORRECTED"
	OutcomeIgnored   LearningOutcome = "IGNORED"
)

// OutcomeFor maps feedback to its outcome. Nil feedback is IGNORED.
func OutcomeFor(f *ClassificationFeedback) LearningOutcome {
	switch {
	case f == nil:
		return OutcomeIgnored
	case f.Type == FeedbackCorrect:
		return OutcomeSuccess
	default:
		return OutcomeCorrected
	}
}

// LearningData is one append-only feedback record.
type LearningData struct {
	ID                     string                  `json:"id"`
	EmailID                string                  `json:"email_id"`
	Subject                string                  `json:"subject,omitempty"`
	From                   string                  `json:"from,omitempty"`
	Snippet                string                  `json:"snippet,omitempty"`
	OriginalClassification ClassificationResult    `json:"original_classification"`
	Feedback               *ClassificationFeedback `json:"user_feedback,omitempty"`
	Outcome                LearningOutcome         `json:"outcome"`
	Timestamp              time.Time               `json:"timestamp"`
}

// LearnedModel is the derived projection of the learning log.
type LearnedModel struct {
	Weights          PriorityFactors          `json:"weights"`
	Hints            map[string]*CategoryHint `json:"hints"`
	Accuracy         float64                  `json:"accuracy"`
	CategoryAccuracy map[string]float64       `json:"category_accuracy,omitempty"`
	PriorityAccuracy map[Priority]float64     `json:"priority_accuracy,omitempty"`
	SampleCount      int                      `json:"sample_count"`
	BuiltAt          time.Time                `json:"built_at"`
}

// NewLearnedModel returns a cold-start model.
func NewLearnedModel(accuracy float64, now time.Time) *LearnedModel {
	return &LearnedModel{
		Weights:          DefaultPriorityWeights(),
		Hints:            make(map[string]*CategoryHint),
		Accuracy:         accuracy,
		CategoryAccuracy: make(map[string]float64),
		PriorityAccuracy: make(map[Priority]float64),
		BuiltAt:          now,
	}
}

// Clone deep-copies the model so callers can mutate freely.
func (m *LearnedModel) Clone() *LearnedModel {
	out := &LearnedModel{
		Weights:          m.Weights.Clone(),
		Hints:            make(map[string]*CategoryHint, len(m.Hints)),
		Accuracy:         m.Accuracy,
		CategoryAccuracy: make(map[string]float64, len(m.CategoryAccuracy)),
		PriorityAccuracy: make(map[Priority]float64, len(m.PriorityAccuracy)),
		SampleCount:      m.SampleCount,
		BuiltAt:          m.BuiltAt,
	}
	for k, h := range m.Hints {
		c := *h
		c.Keywords = append([]string(nil), h.Keywords...)
		c.SenderPatterns = append([]string(nil), h.SenderPatterns...)
		c.SubjectPatterns = append([]string(nil), h.SubjectPatterns...)
		c.BodyPatterns = append([]string(nil), h.BodyPatterns...)
		if h.KeywordCounts != nil {
			c.KeywordCounts = make(map[string]int, len(h.KeywordCounts))
			for t, n := range h.KeywordCounts {
				c.KeywordCounts[t] = n
			}
		}
		out.Hints[k] = &c
	}
	for k, v := range m.CategoryAccuracy {
		out.CategoryAccuracy[k] = v
	}
	for k, v := range m.PriorityAccuracy {
		out.PriorityAccuracy[k] = v
	}
	return out
}

// CategorySuggestion is the best learned category for an email.
type CategorySuggestion struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

// LearningRepository is the append-only feedback log.
type LearningRepository interface {
	// Append returns ErrDuplicate when a record with the same ID exists.
	Append(ctx context.Context, record *LearningData) error
	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]*LearningData, error)
	Count(ctx context.Context) (int64, error)
}
