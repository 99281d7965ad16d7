package contracts

import "fmt"

// ParameterDef is one typed input parameter of a capability.
type ParameterDef struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type" yaml:"type"`
	Required    bool   `json:"required" yaml:"required"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// OutputDef is one typed output of a capability.
type OutputDef struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type" yaml:"type"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// SideEffects declares whether and where a capability touches the world.
type SideEffects struct {
	Reversible bool            `json:"reversible" yaml:"reversible"`
	Scope      SideEffectScope `json:"scope" yaml:"scope"`
}

// CompensationSpec declares how a capability's effects can be undone.
type CompensationSpec struct {
	Supported                bool                 `json:"supported" yaml:"supported"`
	Strategy                 CompensationStrategy `json:"strategy" yaml:"strategy"`
	CompensatingCapabilityID string               `json:"compensating_capability_id,omitempty" yaml:"compensating_capability_id,omitempty"`
}

// RiskSpec is the declared risk posture of a capability.
type RiskSpec struct {
	Level            RiskLevel `json:"level" yaml:"level"`
	Justification    string    `json:"justification,omitempty" yaml:"justification,omitempty"`
	RequiresApproval bool      `json:"requires_approval" yaml:"requires_approval"`
}

// CapabilitySpec is the contract of one atomic executable unit.
// Once registered, a spec is immutable for the registry's lifetime.
type CapabilitySpec struct {
	ID            string           `json:"id" yaml:"id"`
	OperationType OperationType    `json:"operation_type" yaml:"operation_type"`
	Parameters    []ParameterDef   `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Outputs       []OutputDef      `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	SideEffects   SideEffects      `json:"side_effects" yaml:"side_effects"`
	Compensation  CompensationSpec `json:"compensation" yaml:"compensation"`
	Risk          RiskSpec         `json:"risk" yaml:"risk"`

	// ParamsSchema is an optional JSON Schema (draft 2020-12) for the
	// capability's input map, validated at the execute boundary.
	ParamsSchema string `json:"params_schema,omitempty" yaml:"params_schema,omitempty"`
}

// Validate returns structural violations: missing identifier, unknown enum
// values, duplicate parameter names. An empty slice means the spec is
// structurally sound; risk consistency is checked separately.
func (s *CapabilitySpec) Validate() []string {
	var violations []string
	if s.ID == "" {
		violations = append(violations, "capability id is required")
	}
	if !s.OperationType.Valid() {
		violations = append(violations, fmt.Sprintf("unknown operation_type %q", s.OperationType))
	}
	if !s.Risk.Level.Valid() {
		violations = append(violations, fmt.Sprintf("unknown risk level %q", s.Risk.Level))
	}
	switch s.SideEffects.Scope {
	case ScopeLocal, ScopeExternal, ScopeRemote:
	default:
		violations = append(violations, fmt.Sprintf("unknown side_effects scope %q", s.SideEffects.Scope))
	}
	switch s.Compensation.Strategy {
	case StrategyInverse, StrategyRestore, StrategyDelete, StrategyNone:
	default:
		violations = append(violations, fmt.Sprintf("unknown compensation strategy %q", s.Compensation.Strategy))
	}
	if s.Compensation.Supported && s.Compensation.Strategy == StrategyNone && s.Compensation.CompensatingCapabilityID == "" {
		violations = append(violations, "compensation marked supported but no strategy or compensating capability given")
	}
	seen := make(map[string]bool, len(s.Parameters))
	for _, p := range s.Parameters {
		if p.Name == "" {
			violations = append(violations, "parameter with empty name")
			continue
		}
		if seen[p.Name] {
			violations = append(violations, fmt.Sprintf("duplicate parameter %q", p.Name))
		}
		seen[p.Name] = true
	}
	return violations
}

// CheckRiskConsistency enforces the three invariants that make it impossible
// to register a destructive capability with an understated risk label:
//
//  1. irreversible effects require HIGH or CRITICAL risk
//  2. DELETE operations require HIGH or CRITICAL risk
//  3. irreversible effects without compensation require CRITICAL risk
func (s *CapabilitySpec) CheckRiskConsistency() []string {
	var violations []string
	if !s.SideEffects.Reversible && !s.Risk.Level.AtLeast(RiskHigh) {
		violations = append(violations, fmt.Sprintf(
			"rule 1: irreversible capability must declare HIGH or CRITICAL risk, got %s", s.Risk.Level))
	}
	if s.OperationType == OpDelete && !s.Risk.Level.AtLeast(RiskHigh) {
		violations = append(violations, fmt.Sprintf(
			"rule 2: DELETE capability must declare HIGH or CRITICAL risk, got %s", s.Risk.Level))
	}
	if !s.SideEffects.Reversible && !s.Compensation.Supported && s.Risk.Level != RiskCritical {
		violations = append(violations, fmt.Sprintf(
			"rule 3: irreversible capability without compensation must declare CRITICAL risk, got %s", s.Risk.Level))
	}
	return violations
}
