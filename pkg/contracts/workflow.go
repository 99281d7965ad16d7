package contracts

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// DefaultMaxRetries gives every action step three attempts in total.
const DefaultMaxRetries = 2

// WorkflowMetadata carries tags and the audit verbosity for a workflow.
type WorkflowMetadata struct {
	Tags       []string   `json:"tags,omitempty" yaml:"tags,omitempty"`
	AuditLevel AuditLevel `json:"audit_level,omitempty" yaml:"audit_level,omitempty"`
}

// StepCompensation is an explicit, intent-form undo declared in the spec:
// another capability plus its inputs, re-enacted verbatim on rollback.
type StepCompensation struct {
	Capability string         `json:"capability" yaml:"capability"`
	Inputs     map[string]any `json:"inputs,omitempty" yaml:"inputs,omitempty"`
}

// StepSpec is one node of a workflow. Input values may be literals or
// template references of the form {{step_name.output_key}}.
type StepSpec struct {
	Name           string            `json:"name" yaml:"name"`
	Kind           StepKind          `json:"kind" yaml:"kind"`
	Capability     string            `json:"capability,omitempty" yaml:"capability,omitempty"`
	AgentName      string            `json:"agent_name,omitempty" yaml:"agent_name,omitempty"`
	Inputs         map[string]any    `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	DependsOn      []string          `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Compensation   *StepCompensation `json:"compensation,omitempty" yaml:"compensation,omitempty"`
	MaxRetries     *int              `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	RiskLevel      RiskLevel         `json:"risk_level,omitempty" yaml:"risk_level,omitempty"`
	Message        string            `json:"message,omitempty" yaml:"message,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`

	// Steps holds the sub-steps of a PARALLEL group. Sub-steps must be
	// ACTION kind and their names share the workflow-wide namespace.
	Steps []StepSpec `json:"steps,omitempty" yaml:"steps,omitempty"`
}

// Retries returns the configured retry count, or DefaultMaxRetries.
func (s *StepSpec) Retries() int {
	if s.MaxRetries != nil {
		if *s.MaxRetries < 0 {
			return 0
		}
		return *s.MaxRetries
	}
	return DefaultMaxRetries
}

// WorkflowSpec is a declarative sequence of capability invocations forming
// one transactional unit.
type WorkflowSpec struct {
	Name         string           `json:"name" yaml:"name"`
	Version      string           `json:"version" yaml:"version"`
	Owner        string           `json:"owner,omitempty" yaml:"owner,omitempty"`
	Description  string           `json:"description,omitempty" yaml:"description,omitempty"`
	Metadata     WorkflowMetadata `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Steps        []StepSpec       `json:"steps" yaml:"steps"`
	AutoRollback *bool            `json:"auto_rollback,omitempty" yaml:"auto_rollback,omitempty"`
}

// AutoRollbackEnabled reports whether failed runs roll back (default true).
func (w *WorkflowSpec) AutoRollbackEnabled() bool {
	return w.AutoRollback == nil || *w.AutoRollback
}

// ParseWorkflowSpec decodes a YAML workflow document.
func ParseWorkflowSpec(data []byte) (*WorkflowSpec, error) {
	var spec WorkflowSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("contracts: parse workflow spec: %w", err)
	}
	return &spec, nil
}

// Marshal serializes the spec back to YAML. Parse and Marshal round-trip
// structurally.
func (w *WorkflowSpec) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("contracts: marshal workflow spec: %w", err)
	}
	return data, nil
}

// Validate returns structural violations: missing fields, invalid semver,
// duplicate or unknown step names, dependency and kind errors.
func (w *WorkflowSpec) Validate() []string {
	var violations []string
	if w.Name == "" {
		violations = append(violations, "workflow name is required")
	}
	if w.Version == "" {
		violations = append(violations, "workflow version is required")
	} else if _, err := semver.NewVersion(w.Version); err != nil {
		violations = append(violations, fmt.Sprintf("version %q is not valid semver", w.Version))
	}
	if len(w.Steps) == 0 {
		violations = append(violations, "workflow has no steps")
	}

	names := make(map[string]bool)
	var collect func(steps []StepSpec, inParallel bool)
	collect = func(steps []StepSpec, inParallel bool) {
		for i := range steps {
			s := &steps[i]
			if s.Name == "" {
				violations = append(violations, "step with empty name")
				continue
			}
			if names[s.Name] {
				violations = append(violations, fmt.Sprintf("duplicate step name %q", s.Name))
			}
			names[s.Name] = true
			if !s.Kind.Valid() {
				violations = append(violations, fmt.Sprintf("step %q: unknown kind %q", s.Name, s.Kind))
				continue
			}
			switch s.Kind {
			case KindAction:
				if s.Capability == "" {
					violations = append(violations, fmt.Sprintf("step %q: ACTION step needs a capability", s.Name))
				}
			case KindHumanApproval:
				if inParallel {
					violations = append(violations, fmt.Sprintf("step %q: HUMAN_APPROVAL not allowed inside a PARALLEL group", s.Name))
				}
			case KindParallel:
				if inParallel {
					violations = append(violations, fmt.Sprintf("step %q: PARALLEL groups cannot nest", s.Name))
				}
				if len(s.Steps) == 0 {
					violations = append(violations, fmt.Sprintf("step %q: PARALLEL group has no sub-steps", s.Name))
				}
				collect(s.Steps, true)
			}
			if s.RiskLevel != "" && !s.RiskLevel.Valid() {
				violations = append(violations, fmt.Sprintf("step %q: unknown risk level %q", s.Name, s.RiskLevel))
			}
			if s.MaxRetries != nil && *s.MaxRetries < 0 {
				violations = append(violations, fmt.Sprintf("step %q: max_retries must be non-negative", s.Name))
			}
			if s.Compensation != nil && s.Compensation.Capability == "" {
				violations = append(violations, fmt.Sprintf("step %q: compensation needs a capability", s.Name))
			}
		}
	}
	collect(w.Steps, false)

	// depends_on may only reference top-level steps that appear earlier in
	// declaration order; the step list is a DAG by construction.
	declared := make(map[string]bool)
	for i := range w.Steps {
		s := &w.Steps[i]
		for _, dep := range s.DependsOn {
			if dep == s.Name {
				violations = append(violations, fmt.Sprintf("step %q depends on itself", s.Name))
			} else if !declared[dep] {
				violations = append(violations, fmt.Sprintf("step %q depends on %q which is not declared before it", s.Name, dep))
			}
		}
		declared[s.Name] = true
	}
	return violations
}

// Step returns the top-level step with the given name, or nil.
func (w *WorkflowSpec) Step(name string) *StepSpec {
	for i := range w.Steps {
		if w.Steps[i].Name == name {
			return &w.Steps[i]
		}
	}
	return nil
}
