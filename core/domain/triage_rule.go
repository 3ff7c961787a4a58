package domain

// Default category vocabulary. Rules, the AI and learned hints may introduce others.
const (
	CategoryWork         = "work"
	CategoryPersonal     = "personal"
	CategoryFinance      = "finance"
	CategoryTravel       = "travel"
	CategoryShopping     = "shopping"
	CategoryNewsletter   = "newsletter"
	CategoryNotification = "notification"
	CategorySecurity     = "security"
	CategoryDeveloper    = "developer"
	CategoryOther        = "other"
)

// ProcessingRule is one entry of the rule catalog.
type ProcessingRule struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Enabled     bool   `json:"enabled" yaml:"enabled"`

	// Conditions (AND logic over the required ones)
	Conditions []RuleCondition `json:"conditions" yaml:"conditions"`

	Actions []RuleAction `json:"actions" yaml:"actions"`
}

type ConditionField string

const (
	ConditionFieldFrom      ConditionField = "from"
	ConditionFieldTo        ConditionField = "to"
	ConditionFieldSubject   ConditionField = "subject"
	ConditionFieldBody      ConditionField = "body"
	ConditionFieldDomain    ConditionField = "domain"
	ConditionFieldHasAttach ConditionField = "has_attachment"
	ConditionFieldLabel     ConditionField = "label"
)

type ConditionOperator string

const (
	OperatorContains    ConditionOperator = "contains"
	OperatorNotContains ConditionOperator = "not_contains"
	OperatorEquals      ConditionOperator = "equals"
	OperatorNotEquals   ConditionOperator = "not_equals"
	OperatorStartsWith  ConditionOperator = "starts_with"
	OperatorEndsWith    ConditionOperator = "ends_with"
	OperatorMatches     ConditionOperator = "matches" // regex
)

// RuleCondition is a single test. Optional conditions never block a match but
// count toward the match confidence.
type RuleCondition struct {
	Field    ConditionField    `json:"field" yaml:"field"`
	Operator ConditionOperator `json:"operator" yaml:"operator"`
	Value    string            `json:"value" yaml:"value"`
	Optional bool              `json:"optional,omitempty" yaml:"optional,omitempty"`
}

type RuleActionType string

const (
	RuleActionSetPriority   RuleActionType = "set_priority"
	RuleActionSetCategory   RuleActionType = "set_category"
	RuleActionAddLabel      RuleActionType = "add_label"
	RuleActionNeedsReply    RuleActionType = "needs_reply"
	RuleActionWaiting       RuleActionType = "waiting_on_others"
	RuleActionSuggestAction RuleActionType = "suggest_action"
)

type RuleAction struct {
	Type  RuleActionType `json:"type" yaml:"type"`
	Value string         `json:"value" yaml:"value"`
}

// RuleMatch is one rule that fired against an email.
type RuleMatch struct {
	RuleID            string       `json:"rule_id"`
	RuleName          string       `json:"rule_name"`
	Confidence        float64      `json:"confidence"`
	MatchedConditions int          `json:"matched_conditions"`
	TotalConditions   int          `json:"total_conditions"`
	Actions           []RuleAction `json:"actions"`
	// Order is the declaration index in the catalog.
	Order int `json:"order"`
}

// Priority returns the priority set by this match, if any.
func (m *RuleMatch) Priority() (Priority, bool) {
	for _, a := range m.Actions {
		if a.Type == RuleActionSetPriority {
			if p, err := ParsePriority(a.Value); err == nil {
				return p, true
			}
		}
	}
	return "", false
}

// Category returns the category set by this match, if any.
func (m *RuleMatch) Category() (string, bool) {
	for _, a := range m.Actions {
		if a.Type == RuleActionSetCategory && a.Value != "" {
			return a.Value, true
		}
	}
	return "", false
}

// Labels returns every label added by this match.
func (m *RuleMatch) Labels() []string {
	var out []string
	for _, a := range m.Actions {
		if a.Type == RuleActionAddLabel && a.Value != "" {
			out = append(out, a.Value)
		}
	}
	return out
}

func (m *RuleMatch) Has(t RuleActionType) bool {
	for _, a := range m.Actions {
		if a.Type == t {
			return true
		}
	}
	return false
}
