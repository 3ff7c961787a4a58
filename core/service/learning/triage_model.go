package learning

import (
	"time"

	"triage_server/core/domain"
)

// newHintWeight is the weight a category hint starts with before its first update.
const newHintWeight = 0.5

// update is one feedback event as seen by the model.
type update struct {
	classification *domain.ClassificationResult
	feedback       *domain.ClassificationFeedback
	terms          []string
	senderPattern  string
	at             time.Time
}

// applyUpdate mutates m in place. Callers pass a clone.
func applyUpdate(m *domain.LearnedModel, cfg *Config, u update) {
	cls := u.classification
	fb := u.feedback

	switch fb.Type {
	case domain.FeedbackWrongPriority:
		actual := fb.Correction.(domain.PriorityCorrection).Priority
		delta := float64(actual.Severity()-cls.Priority.Severity()) / 4
		switch {
		case cls.IsVIP && delta > 0:
			m.Weights[domain.FactorVIPStatus] += delta * cfg.LearningRate
		case !cls.IsVIP && delta != 0:
			m.Weights[domain.FactorKeywordUrgency] += delta * cfg.LearningRate
		}
		m.Weights.Normalize(cfg.MinWeight)

	case domain.FeedbackWrongCategory:
		target := fb.Correction.(domain.CategoryCorrection).Category
		hint := upsertHint(m, target, u.at)
		hint.Weight = capWeight(hint.Weight + cfg.LearningRate)
		hint.ObserveKeywords(u.terms, cfg.TopKeywords)
		hint.AddSenderPattern(u.senderPattern)

	case domain.FeedbackCorrect:
		if cls.Category != "" {
			hint := upsertHint(m, cls.Category, u.at)
			hint.Weight = capWeight(hint.Weight + cfg.LearningRate*0.5)
			hint.ObserveKeywords(u.terms, cfg.TopKeywords)
		}

	case domain.FeedbackMissingAction, domain.FeedbackWrongLabels:
		// recorded in the log only
	}

	wasCorrect := 0.0
	if fb.Type == domain.FeedbackCorrect {
		wasCorrect = 1.0
	}
	m.Accuracy = 0.1*wasCorrect + 0.9*m.Accuracy
	m.SampleCount++
}

func upsertHint(m *domain.LearnedModel, category string, now time.Time) *domain.CategoryHint {
	hint, ok := m.Hints[category]
	if !ok {
		hint = &domain.CategoryHint{Category: category, Weight: newHintWeight}
		m.Hints[category] = hint
	}
	hint.UpdatedAt = now
	return hint
}

func capWeight(w float64) float64 {
	if w > 1.0 {
		return 1.0
	}
	if w < 0 {
		return 0
	}
	return w
}

// ratioTracker accumulates correct/total counts per key.
type ratioTracker struct {
	correct map[string]int
	total   map[string]int
}

func newRatioTracker() *ratioTracker {
	return &ratioTracker{correct: make(map[string]int), total: make(map[string]int)}
}

func (r *ratioTracker) add(key string, correct bool) {
	if key == "" {
		return
	}
	r.total[key]++
	if correct {
		r.correct[key]++
	}
}

func (r *ratioTracker) ratios() map[string]float64 {
	out := make(map[string]float64, len(r.total))
	for k, n := range r.total {
		out[k] = float64(r.correct[k]) / float64(n)
	}
	return out
}
