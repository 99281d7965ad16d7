package contracts

// Principal identifies who a step runs as.
type Principal struct {
	Type  string   `json:"type" yaml:"type"`
	ID    string   `json:"id" yaml:"id"`
	Roles []string `json:"roles,omitempty" yaml:"roles,omitempty"`
}

// String renders the principal in the "type:id" form rules match against.
func (p Principal) String() string { return p.Type + ":" + p.ID }

// PolicyCondition is the "when" clause of a rule: an exact or wildcard
// capability match plus an optional risk level equality. No boolean logic,
// no regex, no negation.
type PolicyCondition struct {
	Capability string    `json:"capability" yaml:"capability"`
	RiskLevel  RiskLevel `json:"risk_level,omitempty" yaml:"risk_level,omitempty"`
}

// PolicyRule maps a (principal, when) match to a decision.
type PolicyRule struct {
	When      PolicyCondition `json:"when" yaml:"when"`
	Principal string          `json:"principal" yaml:"principal"`
	Decision  Decision        `json:"decision" yaml:"decision"`
}

// PolicyDocument is a declarative rule set evaluated first-match-wins in
// declaration order, with a configured default for non-matching contexts.
type PolicyDocument struct {
	Default Decision     `json:"default,omitempty" yaml:"default,omitempty"`
	Rules   []PolicyRule `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// PolicyContext is the immutable input to one policy evaluation.
type PolicyContext struct {
	Principal    Principal
	CapabilityID string
	RiskLevel    RiskLevel
	WorkflowID   string
	StepName     string
	Inputs       map[string]any
}
