package classification

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"triage_server/core/domain"
	"triage_server/pkg/apperr"
)

// =============================================================================
// Rules Engine
// =============================================================================

// RulesEngine evaluates the rule catalog against an email. It holds no mutable
// state after construction, so one instance can be shared.
type RulesEngine struct {
	rules    []domain.ProcessingRule
	patterns map[string]*regexp.Regexp
}

// NewRulesEngine compiles the catalog. Disabled rules are kept for ordering but
// never evaluated. A bad regex is a CONFIGURATION error.
func NewRulesEngine(rules []domain.ProcessingRule) (*RulesEngine, error) {
	e := &RulesEngine{
		rules:    append([]domain.ProcessingRule(nil), rules...),
		patterns: make(map[string]*regexp.Regexp),
	}
	seen := make(map[string]struct{}, len(rules))
	for _, rule := range e.rules {
		if rule.ID == "" {
			return nil, apperr.Configuration(fmt.Sprintf("rule %q has no id", rule.Name))
		}
		if _, dup := seen[rule.ID]; dup {
			return nil, apperr.Configuration(fmt.Sprintf("duplicate rule id %q", rule.ID))
		}
		seen[rule.ID] = struct{}{}
		if len(rule.Conditions) == 0 {
			return nil, apperr.Configuration(fmt.Sprintf("rule %q has no conditions", rule.ID))
		}
		for _, cond := range rule.Conditions {
			if err := validateCondition(cond); err != nil {
				return nil, apperr.Configuration(fmt.Sprintf("rule %q: %v", rule.ID, err))
			}
			if cond.Operator != domain.OperatorMatches {
				continue
			}
			if _, ok := e.patterns[cond.Value]; ok {
				continue
			}
			re, err := regexp.Compile("(?i)" + cond.Value)
			if err != nil {
				return nil, apperr.Configuration(fmt.Sprintf("rule %q: invalid pattern %q", rule.ID, cond.Value)).
					WithError(err)
			}
			e.patterns[cond.Value] = re
		}
	}
	return e, nil
}

func validateCondition(cond domain.RuleCondition) error {
	switch cond.Field {
	case domain.ConditionFieldFrom, domain.ConditionFieldTo, domain.ConditionFieldSubject,
		domain.ConditionFieldBody, domain.ConditionFieldDomain, domain.ConditionFieldHasAttach,
		domain.ConditionFieldLabel:
	default:
		return fmt.Errorf("unknown field %q", cond.Field)
	}
	switch cond.Operator {
	case domain.OperatorContains, domain.OperatorNotContains, domain.OperatorEquals,
		domain.OperatorNotEquals, domain.OperatorStartsWith, domain.OperatorEndsWith,
		domain.OperatorMatches:
	default:
		return fmt.Errorf("unknown operator %q", cond.Operator)
	}
	return nil
}

// Rules returns a copy of the catalog in declaration order.
func (e *RulesEngine) Rules() []domain.ProcessingRule {
	return append([]domain.ProcessingRule(nil), e.rules...)
}

// Evaluate returns every matching rule ranked by confidence, ties in declaration order.
func (e *RulesEngine) Evaluate(ec *domain.EmailContext) []domain.RuleMatch {
	if ec == nil {
		return nil
	}
	fields := extractFields(&ec.Email)

	var matches []domain.RuleMatch
	for idx, rule := range e.rules {
		if !rule.Enabled {
			continue
		}
		matched, ok := e.evaluateRule(&rule, fields)
		if !ok {
			continue
		}
		matches = append(matches, domain.RuleMatch{
			RuleID:            rule.ID,
			RuleName:          rule.Name,
			Confidence:        float64(matched) / float64(len(rule.Conditions)),
			MatchedConditions: matched,
			TotalConditions:   len(rule.Conditions),
			Actions:           append([]domain.RuleAction(nil), rule.Actions...),
			Order:             idx,
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Confidence > matches[j].Confidence
	})
	return matches
}

// evaluateRule counts satisfied conditions. ok is false when any required one fails.
func (e *RulesEngine) evaluateRule(rule *domain.ProcessingRule, fields emailFields) (matched int, ok bool) {
	for _, cond := range rule.Conditions {
		if e.evaluateCondition(cond, fields) {
			matched++
			continue
		}
		if !cond.Optional {
			return 0, false
		}
	}
	return matched, matched > 0
}

type emailFields struct {
	from          string
	to            []string
	subject       string
	body          string
	domain        string
	labels        []string
	hasAttachment bool
}

func extractFields(email *domain.Email) emailFields {
	to := make([]string, 0, len(email.To))
	for _, addr := range email.To {
		to = append(to, domain.NormalizeAddress(addr))
	}
	labels := make([]string, 0, len(email.Labels))
	for _, l := range email.Labels {
		labels = append(labels, strings.ToLower(l))
	}
	return emailFields{
		from:          email.SenderAddress(),
		to:            to,
		subject:       strings.ToLower(email.Subject),
		body:          strings.ToLower(email.Body),
		domain:        email.SenderDomain(),
		labels:        labels,
		hasAttachment: email.HasAttachments,
	}
}

func (e *RulesEngine) evaluateCondition(cond domain.RuleCondition, f emailFields) bool {
	switch cond.Field {
	case domain.ConditionFieldFrom:
		return e.compare(cond, f.from)
	case domain.ConditionFieldSubject:
		return e.compare(cond, f.subject)
	case domain.ConditionFieldBody:
		return e.compare(cond, f.body)
	case domain.ConditionFieldDomain:
		return e.compare(cond, f.domain)
	case domain.ConditionFieldTo:
		return e.compareAny(cond, f.to)
	case domain.ConditionFieldLabel:
		return e.compareAny(cond, f.labels)
	case domain.ConditionFieldHasAttach:
		want := strings.EqualFold(cond.Value, "true") || cond.Value == ""
		result := f.hasAttachment == want
		if cond.Operator == domain.OperatorNotEquals {
			return !result
		}
		return result
	default:
		return false
	}
}

// compareAny handles multi-valued fields. Negative operators must hold for every value.
func (e *RulesEngine) compareAny(cond domain.RuleCondition, values []string) bool {
	negative := cond.Operator == domain.OperatorNotContains || cond.Operator == domain.OperatorNotEquals
	if len(values) == 0 {
		return negative
	}
	for _, v := range values {
		hit := e.compare(cond, v)
		if negative && !hit {
			return false
		}
		if !negative && hit {
			return true
		}
	}
	return negative
}

func (e *RulesEngine) compare(cond domain.RuleCondition, value string) bool {
	pattern := strings.ToLower(cond.Value)
	switch cond.Operator {
	case domain.OperatorContains:
		return strings.Contains(value, pattern)
	case domain.OperatorNotContains:
		return !strings.Contains(value, pattern)
	case domain.OperatorEquals:
		return value == pattern
	case domain.OperatorNotEquals:
		return value != pattern
	case domain.OperatorStartsWith:
		return strings.HasPrefix(value, pattern)
	case domain.OperatorEndsWith:
		return strings.HasSuffix(value, pattern)
	case domain.OperatorMatches:
		re, ok := e.patterns[cond.Value]
		return ok && re.MatchString(value)
	default:
		return false
	}
}
