// Package classification turns an email into a ClassificationResult.
//
// Sources, in order of authority:
//
//	VIP registry   → forces priority by tier when the override is enabled
//	External AI    → baseline priority, category and sentiment
//	Rules catalog  → may raise the priority, adds labels and actions
//	Heuristics     → fill whatever the sources above left empty
//
// Importance and urgency are always scored from the learned factor weights.
package classification

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"triage_server/core/domain"
	"triage_server/core/port/out"
	"triage_server/pkg/apperr"
	"triage_server/pkg/logger"

	"github.com/rs/zerolog"
)

// heuristicConfidence is used when no source contributed.
const heuristicConfidence = 0.4

// VIPLookup is the part of the VIP manager the engine needs.
type VIPLookup interface {
	Lookup(ctx context.Context, sender string) (*domain.VIPStatus, error)
}

// Learner is the part of the learning system the engine needs.
type Learner interface {
	CalculatePriorityScore(ctx context.Context, signals domain.FactorSignals) float64
	CalculateUrgencyScore(ctx context.Context, signals domain.FactorSignals) float64
	SuggestCategoryForEmail(ctx context.Context, subject, from, body string) *domain.CategorySuggestion
}

// DeadlineCalculator computes SLA deadlines for VIP results.
type DeadlineCalculator interface {
	ComputeDeadline(priority domain.Priority, tier *domain.VIPTier, createdAt time.Time) time.Time
}

// EngineDeps holds dependencies for creating an Engine.
type EngineDeps struct {
	Rules     *RulesEngine
	VIP       VIPLookup
	Learner   Learner
	AI        out.AIClassifier
	Deadlines DeadlineCalculator
	Logger    zerolog.Logger
}

// Engine orchestrates rules, VIP, AI and learned weights.
type Engine struct {
	rules     *RulesEngine
	vip       VIPLookup
	learner   Learner
	ai        out.AIClassifier
	deadlines DeadlineCalculator
	log       zerolog.Logger
	now       func() time.Time
}

func NewEngine(deps *EngineDeps) *Engine {
	rules := deps.Rules
	if rules == nil {
		rules, _ = NewRulesEngine(nil)
	}
	return &Engine{
		rules:     rules,
		vip:       deps.VIP,
		learner:   deps.Learner,
		ai:        deps.AI,
		deadlines: deps.Deadlines,
		log:       deps.Logger.With().Str("component", "classification").Logger(),
		now:       time.Now,
	}
}

// Classify runs one classification pass.
func (e *Engine) Classify(ctx context.Context, ec *domain.EmailContext, cfg *domain.ClassificationConfig) (*domain.ClassificationResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ec == nil {
		return nil, apperr.Validation("email context is required")
	}
	start := e.now()

	matches := e.rules.Evaluate(ec)
	vip := e.lookupVIP(ctx, ec)
	sig := analyzeEmail(ec, vip)

	var contribs []contribution
	if len(matches) > 0 {
		contribs = append(contribs, rulesContribution{matches: matches})
	}

	degraded := false
	switch {
	case vip != nil && cfg.VIPOverride:
		contribs = append(contribs, vipContribution{tier: vip.Tier})
	case cfg.UseAI:
		resp, err := e.callAI(ctx, ec)
		switch {
		case err == nil:
			contribs = append(contribs, aiContribution{resp: resp})
		case apperr.IsCode(err, apperr.CodePermission):
			return nil, err
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			degraded = true
			e.log.Warn().Err(err).Str("email_id", ec.Email.ID).Msg("ai classifier unavailable, using rules only")
		}
	}

	m, err := merge(contribs, cfg.MergePolicy)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return e.finish(ctx, ec, cfg, m, sig, vip, degraded, len(contribs) == 0, start), nil
}

// ClassifyManual records a user-assigned classification.
func (e *Engine) ClassifyManual(ctx context.Context, ec *domain.EmailContext, priority domain.Priority, category string, labels []string, cfg *domain.ClassificationConfig) (*domain.ClassificationResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ec == nil {
		return nil, apperr.Validation("email context is required")
	}
	if !priority.IsValid() {
		return nil, apperr.InvalidInput("priority", "a valid priority is required")
	}
	vip := e.lookupVIP(ctx, ec)
	sig := analyzeEmail(ec, vip)
	m, err := merge([]contribution{manualContribution{priority: priority, category: category, labels: labels}}, cfg.MergePolicy)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return e.finish(ctx, ec, cfg, m, sig, vip, false, false, e.now()), nil
}

func (e *Engine) finish(
	ctx context.Context,
	ec *domain.EmailContext,
	cfg *domain.ClassificationConfig,
	m *merged,
	sig emailSignals,
	vip *domain.VIPStatus,
	degraded, noSources bool,
	start time.Time,
) *domain.ClassificationResult {
	importance, urgency := e.score(ctx, sig.factors)

	var suggestion *domain.CategorySuggestion
	if cfg.LearningEnabled && e.learner != nil {
		suggestion = e.learner.SuggestCategoryForEmail(ctx, ec.Email.Subject, ec.Email.From, ec.Email.Body)
	}

	if m.priority == "" {
		m.priority = heuristicPriority(importance)
		m.reasoning = append(m.reasoning, "priority from importance score")
	}
	if m.category == "" {
		if suggestion != nil {
			m.category = suggestion.Category
			m.reasoning = append(m.reasoning, "category from learned hints")
		} else {
			m.category = heuristicCategory(sig)
		}
	}
	if m.sentiment == "" {
		m.sentiment = sig.sentiment
	}

	confidence := m.confidence
	if noSources {
		confidence = heuristicConfidence
		if suggestion != nil && suggestion.Confidence > confidence {
			confidence = suggestion.Confidence
		}
	}
	confidence = clamp01(confidence)

	result := &domain.ClassificationResult{
		Priority:         m.priority,
		Category:         m.category,
		Labels:           domain.MergeLabels(m.labels, nil),
		NeedsReply:       m.needsReply || sig.needsReply,
		WaitingOnOthers:  m.waiting || sig.waitingOnOthers,
		IsRecurring:      sig.isRecurring,
		IsNewsletter:     sig.isNewsletter,
		IsAutomated:      sig.isAutomated,
		Sentiment:        m.sentiment,
		Importance:       importance,
		Urgency:          urgency,
		Confidence:       confidence,
		Method:           m.method,
		AppliedRules:     m.appliedRules,
		KeyTopics:        m.keyTopics,
		FeedbackRequired: confidence < cfg.ConfidenceThreshold,
		ClassifiedAt:     start,
	}
	if degraded {
		result.Method = domain.MethodRules
		result.Degraded = true
		result.FeedbackRequired = true
		m.reasoning = append(m.reasoning, "ai unavailable")
	}

	if vip != nil {
		tier := vip.Tier
		result.IsVIP = true
		result.VIPTier = &tier
		if e.deadlines != nil {
			deadline := e.deadlines.ComputeDeadline(result.Priority, &tier, start)
			result.VIPSLA = &deadline
		}
	}

	result.SuggestedActions = e.buildActions(result, m.actions, cfg.AutoActionThreshold)

	result.LearningOpportunity = m.disagreement || degraded ||
		(suggestion != nil && suggestion.Category != result.Category) ||
		math.Abs(confidence-cfg.ConfidenceThreshold) < 0.1
	result.Reasoning = strings.Join(m.reasoning, "; ")

	e.log.Debug().
		Str("email_id", ec.Email.ID).
		Str("priority", string(result.Priority)).
		Str("method", string(result.Method)).
		Float64("confidence", result.Confidence).
		Dur("took", e.now().Sub(start)).
		Msg("classified")
	return result
}

// buildActions appends derived actions, drops duplicates and applies the
// auto-execute threshold. Nothing is auto-executable below the threshold.
func (e *Engine) buildActions(r *domain.ClassificationResult, actions []domain.Action, threshold float64) []domain.Action {
	derived := make([]domain.Action, 0, 3)
	if r.NeedsReply {
		derived = append(derived, domain.Action{Type: domain.ActionReply, Confidence: r.Confidence * 0.8, Reason: "reply requested"})
	}
	if r.WaitingOnOthers {
		derived = append(derived, domain.Action{Type: domain.ActionFollowUp, Confidence: r.Confidence * 0.8, Reason: "waiting on others"})
	}
	if r.Priority == domain.PriorityCritical {
		derived = append(derived, domain.Action{Type: domain.ActionEscalate, Confidence: r.Confidence * 0.9, Reason: "critical priority"})
	}
	if (r.IsNewsletter || r.IsAutomated) && r.Priority == domain.PriorityLow && !r.NeedsReply {
		derived = append(derived, domain.Action{Type: domain.ActionArchive, Confidence: r.Confidence, Reason: "low priority bulk mail"})
	}

	seen := make(map[string]struct{})
	out := make([]domain.Action, 0, len(actions)+len(derived))
	for _, a := range append(actions, derived...) {
		key := string(a.Type) + "|" + a.Value
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		a.Confidence = clamp01(a.Confidence)
		a.AutoExecute = a.Confidence >= threshold
		out = append(out, a)
	}
	return out
}

func (e *Engine) score(ctx context.Context, signals domain.FactorSignals) (importance, urgency float64) {
	if e.learner == nil {
		w := domain.DefaultPriorityWeights()
		return w.Score(signals), w.UrgencyScore(signals)
	}
	return e.learner.CalculatePriorityScore(ctx, signals), e.learner.CalculateUrgencyScore(ctx, signals)
}

func (e *Engine) lookupVIP(ctx context.Context, ec *domain.EmailContext) *domain.VIPStatus {
	if e.vip == nil {
		return nil
	}
	status, err := e.vip.Lookup(ctx, ec.Email.From)
	if err != nil {
		e.log.Warn().Err(err).Str("sender", logger.RedactEmail(ec.Email.SenderAddress())).Msg("vip lookup failed")
		return nil
	}
	if status == nil || !status.IsVIP {
		return nil
	}
	return status
}

func (e *Engine) callAI(ctx context.Context, ec *domain.EmailContext) (*out.AIClassifyResponse, error) {
	if e.ai == nil {
		return nil, apperr.API("ai", errors.New("no classifier configured"))
	}
	req := &out.AIClassifyRequest{
		EmailID:         ec.Email.ID,
		Subject:         ec.Email.Subject,
		From:            ec.Email.From,
		To:              ec.Email.To,
		Body:            ec.Email.Body,
		Labels:          ec.Email.Labels,
		HasAttachments:  ec.Email.HasAttachments,
		KnownCategories: e.knownCategories(),
	}
	resp, err := e.ai.ClassifyEmail(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, apperr.API("ai", errors.New("empty response"))
	}
	return resp, nil
}

func (e *Engine) knownCategories() []string {
	cats := []string{
		domain.CategoryWork, domain.CategoryPersonal, domain.CategoryFinance, domain.CategoryTravel,
		domain.CategoryShopping, domain.CategoryNewsletter, domain.CategoryNotification,
		domain.CategorySecurity, domain.CategoryDeveloper, domain.CategoryOther,
	}
	seen := make(map[string]struct{}, len(cats))
	for _, c := range cats {
		seen[c] = struct{}{}
	}
	for _, r := range e.rules.Rules() {
		for _, a := range r.Actions {
			if a.Type != domain.RuleActionSetCategory {
				continue
			}
			if _, ok := seen[a.Value]; !ok {
				seen[a.Value] = struct{}{}
				cats = append(cats, a.Value)
			}
		}
	}
	return cats
}
