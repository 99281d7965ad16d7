package policy

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Mindburn-Labs/capstan/pkg/contracts"
)

const rulesYAML = `
default: DENY
rules:
  - principal: "agent:trusted-*"
    when:
      capability: "io.fs.*"
    decision: ALLOW
  - principal: "agent:*"
    when:
      capability: "io.fs.read_file"
    decision: ALLOW
  - principal: "agent:auditor"
    when:
      capability: "**"
      risk_level: CRITICAL
    decision: REQUIRE_APPROVAL
`

func evalCtx(principalID, capability string, risk contracts.RiskLevel) contracts.PolicyContext {
	return contracts.PolicyContext{
		Principal:    contracts.Principal{Type: "agent", ID: principalID},
		CapabilityID: capability,
		RiskLevel:    risk,
	}
}

func TestFirstMatchWins(t *testing.T) {
	e, err := Parse([]byte(rulesYAML))
	if err != nil {
		t.Fatal(err)
	}

	// First rule matches trusted agents on any fs capability.
	if d := e.Evaluate(evalCtx("trusted-deployer", "io.fs.write_file", contracts.RiskMedium)); d != contracts.DecisionAllow {
		t.Errorf("trusted write = %s, want ALLOW", d)
	}
	// Untrusted agents fall through to the read-only rule.
	if d := e.Evaluate(evalCtx("scratch", "io.fs.read_file", contracts.RiskLow)); d != contracts.DecisionAllow {
		t.Errorf("untrusted read = %s, want ALLOW", d)
	}
	if d := e.Evaluate(evalCtx("scratch", "io.fs.write_file", contracts.RiskMedium)); d != contracts.DecisionDeny {
		t.Errorf("untrusted write = %s, want default DENY", d)
	}
}

func TestRiskConditionIsEquality(t *testing.T) {
	e, err := Parse([]byte(rulesYAML))
	if err != nil {
		t.Fatal(err)
	}
	// The auditor rule names CRITICAL only; HIGH falls to the default.
	if d := e.Evaluate(evalCtx("auditor", "db.drop_table", contracts.RiskCritical)); d != contracts.DecisionRequireApproval {
		t.Errorf("auditor CRITICAL = %s, want REQUIRE_APPROVAL", d)
	}
	if d := e.Evaluate(evalCtx("auditor", "db.drop_table", contracts.RiskMedium)); d != contracts.DecisionDeny {
		t.Errorf("auditor MEDIUM = %s, want DENY", d)
	}
}

func TestAllowEscalatesForHighRisk(t *testing.T) {
	e, err := Parse([]byte(rulesYAML))
	if err != nil {
		t.Fatal(err)
	}
	if d := e.Evaluate(evalCtx("trusted-deployer", "io.fs.delete_file", contracts.RiskHigh)); d != contracts.DecisionRequireApproval {
		t.Errorf("HIGH risk ALLOW = %s, want escalation to REQUIRE_APPROVAL", d)
	}
	if d := e.Evaluate(evalCtx("trusted-deployer", "io.fs.delete_file", contracts.RiskCritical)); d != contracts.DecisionRequireApproval {
		t.Errorf("CRITICAL risk ALLOW = %s, want escalation to REQUIRE_APPROVAL", d)
	}
	// Escalation never weakens a DENY.
	if d := e.Evaluate(evalCtx("scratch", "db.drop_table", contracts.RiskCritical)); d != contracts.DecisionDeny {
		t.Errorf("default DENY at CRITICAL = %s, want DENY", d)
	}
}

func TestDefaultIsNotEscalated(t *testing.T) {
	// Escalation is a property of rule matches. A permissive default is
	// returned as declared, whatever the risk of the request.
	e, err := Parse([]byte("default: ALLOW\nrules: []\n"))
	if err != nil {
		t.Fatal(err)
	}
	for _, risk := range []contracts.RiskLevel{contracts.RiskHigh, contracts.RiskCritical} {
		if d := e.Evaluate(evalCtx("anyone", "db.drop_table", risk)); d != contracts.DecisionAllow {
			t.Errorf("default ALLOW at %s = %s, want ALLOW", risk, d)
		}
	}
}

func TestMissingDefaultFailsClosed(t *testing.T) {
	e, err := Parse([]byte("rules: []\n"))
	if err != nil {
		t.Fatal(err)
	}
	if e.Default() != contracts.DecisionDeny {
		t.Errorf("absent default = %s, want DENY", e.Default())
	}
	if d := e.Evaluate(evalCtx("anyone", "anything", contracts.RiskLow)); d != contracts.DecisionDeny {
		t.Errorf("empty ruleset decision = %s, want DENY", d)
	}
}

func TestParseRejectsMalformedRules(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"bad decision", "default: MAYBE\n"},
		{"missing principal", "rules:\n  - when:\n      capability: a\n    decision: ALLOW\n"},
		{"missing capability", "rules:\n  - principal: 'agent:*'\n    decision: ALLOW\n"},
		{"bad risk", "rules:\n  - principal: 'agent:*'\n    when:\n      capability: a\n      risk_level: EXTREME\n    decision: ALLOW\n"},
		{"bad pattern", "rules:\n  - principal: 'agent:[x'\n    when:\n      capability: a\n    decision: ALLOW\n"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := Parse([]byte(c.doc)); err == nil {
				t.Fatal("expected load error")
			}
		})
	}
}

func TestEvaluateDoesNotMutateContext(t *testing.T) {
	e, err := Parse([]byte(rulesYAML))
	if err != nil {
		t.Fatal(err)
	}
	ctx := evalCtx("trusted-x", "io.fs.write_file", contracts.RiskMedium)
	ctx.Inputs = map[string]any{"path": "a"}
	_ = e.Evaluate(ctx)
	if ctx.Inputs["path"] != "a" || ctx.RiskLevel != contracts.RiskMedium {
		t.Error("evaluation mutated its context")
	}
}

func TestLoadAndRefresh(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte(rulesYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	e, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(e.Rules()) != 3 {
		t.Fatalf("expected 3 rules, got %d", len(e.Rules()))
	}

	// A broken refresh must leave the previous rules in place.
	if err := os.WriteFile(path, []byte("default: MAYBE\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := e.Refresh(); err == nil {
		t.Fatal("expected refresh error")
	}
	if len(e.Rules()) != 3 {
		t.Errorf("failed refresh replaced rules: %d left", len(e.Rules()))
	}

	// A valid refresh swaps them.
	if err := os.WriteFile(path, []byte("default: ALLOW\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := e.Refresh(); err != nil {
		t.Fatal(err)
	}
	if e.Default() != contracts.DecisionAllow || len(e.Rules()) != 0 {
		t.Errorf("refresh did not apply: default=%s rules=%d", e.Default(), len(e.Rules()))
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error")
	}
	var ple *contracts.PolicyLoadError
	if !errors.As(err, &ple) {
		t.Fatalf("expected PolicyLoadError, got %T", err)
	}
	if !strings.Contains(ple.Source, "nope.yaml") {
		t.Errorf("source = %q", ple.Source)
	}
}
