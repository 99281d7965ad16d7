package contracts

import (
	"testing"
)

const deployWorkflowYAML = `
name: deploy-config
version: 1.2.0
owner: platform-team
metadata:
  tags: [deploy]
  audit_level: DETAILED
steps:
  - name: write_config
    kind: ACTION
    capability: io.fs.write_file
    agent_name: deployer
    inputs:
      path: app/config.yaml
      content: "replicas: 3"
  - name: verify
    kind: ACTION
    capability: io.fs.read_file
    depends_on: [write_config]
    inputs:
      path: "{{write_config.path}}"
    max_retries: 0
`

func TestParseWorkflowSpec(t *testing.T) {
	spec, err := ParseWorkflowSpec([]byte(deployWorkflowYAML))
	if err != nil {
		t.Fatal(err)
	}
	if spec.Name != "deploy-config" || spec.Version != "1.2.0" {
		t.Fatalf("unexpected header: %+v", spec)
	}
	if len(spec.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(spec.Steps))
	}
	if spec.Metadata.AuditLevel != AuditDetailed {
		t.Errorf("audit level = %q", spec.Metadata.AuditLevel)
	}
	if v := spec.Validate(); len(v) != 0 {
		t.Fatalf("expected valid spec, got %v", v)
	}

	verify := spec.Step("verify")
	if verify == nil {
		t.Fatal("step verify not found")
	}
	if verify.Retries() != 0 {
		t.Errorf("explicit max_retries: 0 should yield 0 retries, got %d", verify.Retries())
	}
	if spec.Steps[0].Retries() != DefaultMaxRetries {
		t.Errorf("default retries = %d, want %d", spec.Steps[0].Retries(), DefaultMaxRetries)
	}
	if !spec.AutoRollbackEnabled() {
		t.Error("auto rollback should default to enabled")
	}
}

func TestWorkflowMarshalRoundTrip(t *testing.T) {
	spec, err := ParseWorkflowSpec([]byte(deployWorkflowYAML))
	if err != nil {
		t.Fatal(err)
	}
	data, err := spec.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	again, err := ParseWorkflowSpec(data)
	if err != nil {
		t.Fatal(err)
	}
	if again.Name != spec.Name || len(again.Steps) != len(spec.Steps) {
		t.Fatalf("round trip lost structure: %+v", again)
	}
	if again.Steps[1].Inputs["path"] != "{{write_config.path}}" {
		t.Errorf("template reference not preserved: %v", again.Steps[1].Inputs)
	}
}

func TestWorkflowValidateRejects(t *testing.T) {
	cases := []struct {
		name     string
		mutate   func(*WorkflowSpec)
		fragment string
	}{
		{"bad version", func(w *WorkflowSpec) { w.Version = "one" }, "not valid semver"},
		{"duplicate names", func(w *WorkflowSpec) { w.Steps[1].Name = "write_config" }, "duplicate step name"},
		{"forward dependency", func(w *WorkflowSpec) { w.Steps[0].DependsOn = []string{"verify"} }, "not declared before it"},
		{"self dependency", func(w *WorkflowSpec) { w.Steps[1].DependsOn = []string{"verify"} }, "depends on itself"},
		{"action without capability", func(w *WorkflowSpec) { w.Steps[0].Capability = "" }, "needs a capability"},
		{"unknown kind", func(w *WorkflowSpec) { w.Steps[0].Kind = "LOOP" }, "unknown kind"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			spec, err := ParseWorkflowSpec([]byte(deployWorkflowYAML))
			if err != nil {
				t.Fatal(err)
			}
			c.mutate(spec)
			violations := spec.Validate()
			if !containsViolation(violations, c.fragment) {
				t.Fatalf("expected violation containing %q, got %v", c.fragment, violations)
			}
		})
	}
}

func TestWorkflowValidateParallelRules(t *testing.T) {
	sub := StepSpec{Name: "copy_a", Kind: KindAction, Capability: "io.fs.write_file"}
	gate := StepSpec{Name: "gate", Kind: KindHumanApproval}
	nested := StepSpec{Name: "inner", Kind: KindParallel, Steps: []StepSpec{sub}}

	spec := &WorkflowSpec{
		Name:    "parallel-rules",
		Version: "0.1.0",
		Steps: []StepSpec{
			{Name: "fanout", Kind: KindParallel, Steps: []StepSpec{sub, gate, nested}},
		},
	}
	violations := spec.Validate()
	if !containsViolation(violations, "HUMAN_APPROVAL not allowed inside a PARALLEL group") {
		t.Errorf("missing gate-in-parallel violation: %v", violations)
	}
	if !containsViolation(violations, "PARALLEL groups cannot nest") {
		t.Errorf("missing nesting violation: %v", violations)
	}

	empty := &WorkflowSpec{
		Name:    "empty-group",
		Version: "0.1.0",
		Steps:   []StepSpec{{Name: "fanout", Kind: KindParallel}},
	}
	if v := empty.Validate(); !containsViolation(v, "PARALLEL group has no sub-steps") {
		t.Errorf("missing empty-group violation: %v", v)
	}
}

func TestWorkflowStatusTerminal(t *testing.T) {
	terminal := []WorkflowStatus{WorkflowCompleted, WorkflowFailed, WorkflowRolledBack, WorkflowCanceled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []WorkflowStatus{WorkflowPending, WorkflowRunning, WorkflowPaused} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
