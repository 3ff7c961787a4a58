package classification

import (
	"fmt"
	"strings"

	"triage_server/core/domain"
	"triage_server/core/port/out"
)

// vipConfidence is the confidence of a registry-backed VIP decision.
const vipConfidence = 0.98

// contribution is one source's opinion about an email. The set of implementations
// is closed; merge switches over all of them.
type contribution interface {
	method() domain.ClassificationMethod
	confidence() float64
	isContribution()
}

type vipContribution struct {
	tier domain.VIPTier
}

type aiContribution struct {
	resp *out.AIClassifyResponse
}

type rulesContribution struct {
	matches []domain.RuleMatch
}

type manualContribution struct {
	priority domain.Priority
	category string
	labels   []string
}

func (vipContribution) method() domain.ClassificationMethod    { return domain.MethodVIP }
func (aiContribution) method() domain.ClassificationMethod     { return domain.MethodAI }
func (rulesContribution) method() domain.ClassificationMethod  { return domain.MethodRules }
func (manualContribution) method() domain.ClassificationMethod { return domain.MethodManual }

func (vipContribution) confidence() float64    { return vipConfidence }
func (manualContribution) confidence() float64 { return 1.0 }
func (c aiContribution) confidence() float64   { return clamp01(c.resp.Confidence) }
func (c rulesContribution) confidence() float64 {
	if len(c.matches) == 0 {
		return 0
	}
	return c.matches[0].Confidence
}

func (vipContribution) isContribution()    {}
func (aiContribution) isContribution()     {}
func (rulesContribution) isContribution()  {}
func (manualContribution) isContribution() {}

// priority returns the highest priority any match sets.
func (c rulesContribution) priority() (domain.Priority, bool) {
	var best domain.Priority
	for i := range c.matches {
		if p, ok := c.matches[i].Priority(); ok {
			best = domain.MaxPriority(best, p)
		}
	}
	return best, best.IsValid()
}

// category returns the category of the best ranked match that sets one.
func (c rulesContribution) category() (string, bool) {
	for i := range c.matches {
		if cat, ok := c.matches[i].Category(); ok {
			return cat, true
		}
	}
	return "", false
}

func (c rulesContribution) labels() []string {
	var labels []string
	for i := range c.matches {
		labels = append(labels, c.matches[i].Labels()...)
	}
	return labels
}

func (c rulesContribution) has(t domain.RuleActionType) bool {
	for i := range c.matches {
		if c.matches[i].Has(t) {
			return true
		}
	}
	return false
}

func (c rulesContribution) actions() []domain.Action {
	var actions []domain.Action
	for i := range c.matches {
		m := &c.matches[i]
		for _, a := range m.Actions {
			if a.Type != domain.RuleActionSuggestAction {
				continue
			}
			t := domain.ActionType(strings.ToUpper(a.Value))
			if !t.IsValid() {
				continue
			}
			actions = append(actions, domain.Action{
				Type:       t,
				Confidence: m.Confidence,
				Reason:     "rule " + m.RuleID,
			})
		}
		for _, l := range m.Labels() {
			actions = append(actions, domain.Action{
				Type:       domain.ActionLabel,
				Value:      l,
				Confidence: m.Confidence,
				Reason:     "rule " + m.RuleID,
			})
		}
	}
	return actions
}

func (c rulesContribution) ruleIDs() []string {
	ids := make([]string, 0, len(c.matches))
	for i := range c.matches {
		ids = append(ids, c.matches[i].RuleID)
	}
	return ids
}

// merged is the combined opinion before scoring.
type merged struct {
	method       domain.ClassificationMethod
	priority     domain.Priority
	category     string
	labels       []string
	sentiment    domain.Sentiment
	needsReply   bool
	waiting      bool
	actions      []domain.Action
	keyTopics    []string
	appliedRules []string
	confidence   float64
	disagreement bool
	reasoning    []string
}

// merge folds contributions together. The caller fills any field left empty here
// (priority, category, sentiment) from heuristics.
func merge(contribs []contribution, policy domain.MergePolicy) (*merged, error) {
	var (
		vip    *vipContribution
		ai     *aiContribution
		rules  *rulesContribution
		manual *manualContribution
	)
	m := &merged{}
	for _, c := range contribs {
		switch v := c.(type) {
		case vipContribution:
			vip = &v
		case aiContribution:
			ai = &v
		case rulesContribution:
			rules = &v
		case manualContribution:
			manual = &v
		default:
			return nil, fmt.Errorf("unknown contribution %T", c)
		}
		if conf := c.confidence(); conf > m.confidence {
			m.confidence = conf
		}
	}

	switch {
	case manual != nil:
		m.method = domain.MethodManual
	case vip != nil:
		m.method = domain.MethodVIP
	case ai != nil && rules != nil:
		m.method = domain.MethodHybrid
	case ai != nil:
		m.method = domain.MethodAI
	default:
		m.method = domain.MethodRules
	}

	if ai != nil {
		m.priority = ai.resp.Priority
		if !m.priority.IsValid() {
			m.priority = ""
		}
		m.category = strings.ToLower(strings.TrimSpace(ai.resp.Category))
		if ai.resp.Sentiment.IsValid() {
			m.sentiment = ai.resp.Sentiment
		}
		m.needsReply = ai.resp.NeedsReply
		m.labels = append(m.labels, ai.resp.Labels...)
		m.keyTopics = ai.resp.KeyTopics
		for _, sa := range ai.resp.SuggestedActions {
			t := domain.ActionType(strings.ToUpper(sa.Type))
			if !t.IsValid() {
				continue
			}
			m.actions = append(m.actions, domain.Action{
				Type:       t,
				Value:      sa.Value,
				Confidence: clamp01(sa.Confidence),
				Reason:     sa.Reason,
			})
		}
		m.reasoning = append(m.reasoning, fmt.Sprintf("ai: %s (%.2f)", orDash(ai.resp.Reasoning), ai.confidence()))
	}

	if rules != nil {
		m.appliedRules = rules.ruleIDs()
		m.labels = append(m.labels, rules.labels()...)
		m.actions = append(m.actions, rules.actions()...)
		if rules.has(domain.RuleActionNeedsReply) {
			m.needsReply = true
		}
		if rules.has(domain.RuleActionWaiting) {
			m.waiting = true
		}
		if rp, ok := rules.priority(); ok {
			switch {
			case m.priority == "":
				m.priority = rp
			case policy == domain.MergePreferAI:
			default:
				m.priority = domain.MaxPriority(m.priority, rp)
			}
			if ai != nil && ai.resp.Priority.IsValid() {
				gap := ai.resp.Priority.Severity() - rp.Severity()
				if gap > 1 || gap < -1 {
					m.disagreement = true
				}
			}
		}
		if m.category == "" {
			if cat, ok := rules.category(); ok {
				m.category = cat
			}
		}
		m.reasoning = append(m.reasoning, "rules: "+strings.Join(m.appliedRules, ","))
	}

	if vip != nil {
		m.priority = vip.tier.Priority()
		m.reasoning = append(m.reasoning, fmt.Sprintf("vip tier %d override", vip.tier))
	}

	if manual != nil {
		m.priority = manual.priority
		if manual.category != "" {
			m.category = manual.category
		}
		m.labels = append(m.labels, manual.labels...)
		m.reasoning = append(m.reasoning, "manual classification")
	}

	if m.disagreement {
		m.confidence *= 0.5
		m.reasoning = append(m.reasoning, "ai and rules disagree on priority")
	}
	return m, nil
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
