package classification

import (
	"context"
	"errors"
	"testing"
	"time"

	"triage_server/core/domain"
	"triage_server/core/port/out"
	"triage_server/pkg/apperr"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAI struct {
	resp  *out.AIClassifyResponse
	err   error
	calls int
}

func (s *stubAI) ClassifyEmail(context.Context, *out.AIClassifyRequest) (*out.AIClassifyResponse, error) {
	s.calls++
	return s.resp, s.err
}

type fixedDeadlines struct{}

func (fixedDeadlines) ComputeDeadline(_ domain.Priority, _ *domain.VIPTier, createdAt time.Time) time.Time {
	return createdAt.Add(time.Hour)
}

type engineFixture struct {
	engine *Engine
	ai     *stubAI
	vips   *VIPManager
}

func newEngineFixture(t *testing.T, rules []domain.ProcessingRule, ai *stubAI) *engineFixture {
	t.Helper()
	re, err := NewRulesEngine(rules)
	require.NoError(t, err)
	vips := NewVIPManager(newMemVIPRepo())
	deps := &EngineDeps{
		Rules:     re,
		VIP:       vips,
		Deadlines: fixedDeadlines{},
		Logger:    zerolog.Nop(),
	}
	if ai != nil {
		deps.AI = ai
	}
	e := NewEngine(deps)
	e.now = func() time.Time { return time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) }
	return &engineFixture{engine: e, ai: ai, vips: vips}
}

func priorityRule(id, subjectWord string, p domain.Priority) domain.ProcessingRule {
	return domain.ProcessingRule{
		ID: id, Enabled: true,
		Conditions: []domain.RuleCondition{cond(domain.ConditionFieldSubject, domain.OperatorContains, subjectWord)},
		Actions: []domain.RuleAction{
			{Type: domain.RuleActionSetPriority, Value: string(p)},
			{Type: domain.RuleActionAddLabel, Value: id},
		},
	}
}

func aiAnswer(p domain.Priority, confidence float64) *stubAI {
	return &stubAI{resp: &out.AIClassifyResponse{
		Priority:   p,
		Category:   "Work",
		Sentiment:  domain.SentimentNeutral,
		Confidence: confidence,
		Reasoning:  "looks like work",
	}}
}

func TestClassify_VIPOverridesAI(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, nil, aiAnswer(domain.PriorityMedium, 0.9))
	require.NoError(t, f.vips.Add(ctx, "ceo@corp.example.com", domain.VIPTier1, "CEO"))

	res, err := f.engine.Classify(ctx, testEmail("CEO <ceo@corp.example.com>", "quick sync", "free at 3?"), domain.DefaultClassificationConfig())
	require.NoError(t, err)

	assert.Equal(t, domain.PriorityCritical, res.Priority)
	assert.Equal(t, domain.MethodVIP, res.Method)
	assert.True(t, res.IsVIP)
	require.NotNil(t, res.VIPTier)
	assert.Equal(t, domain.VIPTier1, *res.VIPTier)
	require.NotNil(t, res.VIPSLA)
	assert.Equal(t, res.ClassifiedAt.Add(time.Hour), *res.VIPSLA)
	assert.Equal(t, 0, f.ai.calls)
	assert.False(t, res.FeedbackRequired)
}

func TestClassify_VIPWithoutOverrideStillFlagsSender(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, nil, aiAnswer(domain.PriorityMedium, 0.9))
	require.NoError(t, f.vips.Add(ctx, "@corp.example.com", domain.VIPTier2, ""))

	cfg := domain.DefaultClassificationConfig()
	cfg.VIPOverride = false
	res, err := f.engine.Classify(ctx, testEmail("cfo@corp.example.com", "numbers", "attached"), cfg)
	require.NoError(t, err)

	assert.Equal(t, domain.MethodAI, res.Method)
	assert.Equal(t, domain.PriorityMedium, res.Priority)
	assert.True(t, res.IsVIP)
	assert.Equal(t, 1, f.ai.calls)
}

func TestClassify_RulesUpgradeAIBaseline(t *testing.T) {
	f := newEngineFixture(t, []domain.ProcessingRule{priorityRule("outage", "outage", domain.PriorityHigh)}, aiAnswer(domain.PriorityMedium, 0.8))

	res, err := f.engine.Classify(context.Background(), testEmail("ops@example.com", "Outage in eu-west", "db is down"), domain.DefaultClassificationConfig())
	require.NoError(t, err)

	assert.Equal(t, domain.MethodHybrid, res.Method)
	assert.Equal(t, domain.PriorityHigh, res.Priority)
	assert.Equal(t, "work", res.Category)
	assert.Equal(t, []string{"outage"}, res.AppliedRules)
	assert.True(t, res.HasLabel("outage"))
	assert.Equal(t, 1.0, res.Confidence)
	assert.False(t, res.FeedbackRequired)
}

func TestClassify_RulesNeverDowngrade(t *testing.T) {
	f := newEngineFixture(t, []domain.ProcessingRule{priorityRule("fyi", "fyi", domain.PriorityMedium)}, aiAnswer(domain.PriorityHigh, 0.8))

	res, err := f.engine.Classify(context.Background(), testEmail("a@example.com", "FYI contract", "see attached"), domain.DefaultClassificationConfig())
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityHigh, res.Priority)
}

func TestClassify_PreferAIPolicy(t *testing.T) {
	f := newEngineFixture(t, []domain.ProcessingRule{priorityRule("outage", "outage", domain.PriorityHigh)}, aiAnswer(domain.PriorityMedium, 0.8))
	cfg := domain.DefaultClassificationConfig()
	cfg.MergePolicy = domain.MergePreferAI

	res, err := f.engine.Classify(context.Background(), testEmail("ops@example.com", "outage report", ""), cfg)
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityMedium, res.Priority)
	assert.Equal(t, domain.MethodHybrid, res.Method)
}

func TestClassify_DisagreementHalvesConfidence(t *testing.T) {
	f := newEngineFixture(t, []domain.ProcessingRule{priorityRule("pager", "pager", domain.PriorityCritical)}, aiAnswer(domain.PriorityLow, 0.9))

	res, err := f.engine.Classify(context.Background(), testEmail("alerts@example.com", "pager fired", ""), domain.DefaultClassificationConfig())
	require.NoError(t, err)

	assert.Equal(t, domain.PriorityCritical, res.Priority)
	assert.InDelta(t, 0.5, res.Confidence, 1e-9)
	assert.True(t, res.FeedbackRequired)
	assert.True(t, res.LearningOpportunity)
}

func TestClassify_DegradesToRulesWhenAIUnavailable(t *testing.T) {
	ai := &stubAI{err: apperr.API("openai", errors.New("503"))}
	f := newEngineFixture(t, []domain.ProcessingRule{priorityRule("outage", "outage", domain.PriorityHigh)}, ai)

	res, err := f.engine.Classify(context.Background(), testEmail("ops@example.com", "outage", ""), domain.DefaultClassificationConfig())
	require.NoError(t, err)

	assert.Equal(t, domain.MethodRules, res.Method)
	assert.Equal(t, domain.PriorityHigh, res.Priority)
	assert.True(t, res.FeedbackRequired)
	assert.True(t, res.Degraded)
}

func TestClassify_PermissionErrorsSurface(t *testing.T) {
	ai := &stubAI{err: apperr.Permission("openai", errors.New("401"))}
	f := newEngineFixture(t, nil, ai)

	_, err := f.engine.Classify(context.Background(), testEmail("a@example.com", "hi", ""), domain.DefaultClassificationConfig())
	assert.True(t, apperr.IsCode(err, apperr.CodePermission))
}

func TestClassify_InvalidConfig(t *testing.T) {
	f := newEngineFixture(t, nil, aiAnswer(domain.PriorityLow, 0.9))

	_, err := f.engine.Classify(context.Background(), testEmail("a@example.com", "hi", ""), nil)
	assert.True(t, apperr.IsCode(err, apperr.CodeConfiguration))

	cfg := domain.DefaultClassificationConfig()
	cfg.ConfidenceThreshold = 1.5
	_, err = f.engine.Classify(context.Background(), testEmail("a@example.com", "hi", ""), cfg)
	assert.True(t, apperr.IsCode(err, apperr.CodeConfiguration))
	assert.Equal(t, 0, f.ai.calls)
}

func TestClassify_AutoExecuteRespectsThreshold(t *testing.T) {
	rules := []domain.ProcessingRule{
		{
			ID: "promo", Enabled: true,
			Conditions: []domain.RuleCondition{cond(domain.ConditionFieldSubject, domain.OperatorContains, "sale")},
			Actions:    []domain.RuleAction{{Type: domain.RuleActionSuggestAction, Value: "archive"}},
		},
		{
			ID: "maybe-receipt", Enabled: true,
			Conditions: []domain.RuleCondition{
				cond(domain.ConditionFieldSubject, domain.OperatorContains, "sale"),
				{Field: domain.ConditionFieldBody, Operator: domain.OperatorContains, Value: "receipt", Optional: true},
			},
			Actions: []domain.RuleAction{{Type: domain.RuleActionAddLabel, Value: "receipts"}},
		},
	}
	cfg := domain.DefaultClassificationConfig()
	cfg.UseAI = false
	f := newEngineFixture(t, rules, nil)

	res, err := f.engine.Classify(context.Background(), testEmail("shop@example.com", "Big sale", "deals inside"), cfg)
	require.NoError(t, err)

	byType := map[domain.ActionType]domain.Action{}
	for _, a := range res.SuggestedActions {
		byType[a.Type] = a
		assert.Equal(t, a.Confidence >= cfg.AutoActionThreshold, a.AutoExecute)
	}
	require.Contains(t, byType, domain.ActionArchive)
	assert.True(t, byType[domain.ActionArchive].AutoExecute)
	require.Contains(t, byType, domain.ActionLabel)
	assert.False(t, byType[domain.ActionLabel].AutoExecute)
}

func TestClassify_NoSourcesUsesHeuristics(t *testing.T) {
	cfg := domain.DefaultClassificationConfig()
	cfg.UseAI = false
	f := newEngineFixture(t, nil, nil)

	res, err := f.engine.Classify(context.Background(),
		testEmail("news@letters.example.com", "Weekly digest", "Top stories. Unsubscribe here."), cfg)
	require.NoError(t, err)

	assert.Equal(t, domain.MethodRules, res.Method)
	assert.Equal(t, heuristicConfidence, res.Confidence)
	assert.Equal(t, domain.CategoryNewsletter, res.Category)
	assert.True(t, res.IsNewsletter)
	assert.True(t, res.IsRecurring)
	assert.False(t, res.NeedsReply)
	assert.Equal(t, domain.PriorityLow, res.Priority)
	assert.True(t, res.FeedbackRequired)
}

func TestClassifyManual(t *testing.T) {
	f := newEngineFixture(t, nil, aiAnswer(domain.PriorityLow, 0.9))

	res, err := f.engine.ClassifyManual(context.Background(), testEmail("a@example.com", "hi", ""),
		domain.PriorityHigh, "personal", []string{"family"}, domain.DefaultClassificationConfig())
	require.NoError(t, err)
	assert.Equal(t, domain.MethodManual, res.Method)
	assert.Equal(t, domain.PriorityHigh, res.Priority)
	assert.Equal(t, "personal", res.Category)
	assert.Equal(t, 1.0, res.Confidence)
	assert.Equal(t, 0, f.ai.calls)

	_, err = f.engine.ClassifyManual(context.Background(), testEmail("a@example.com", "hi", ""),
		domain.Priority("NOPE"), "", nil, domain.DefaultClassificationConfig())
	assert.True(t, apperr.IsCode(err, apperr.CodeValidation))
}
