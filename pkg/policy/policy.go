// Package policy evaluates declarative access rules before each workflow
// step. The engine is a gatekeeper, not a commander: it never mutates its
// inputs, never touches the database, and is a pure function of
// (rules, context).
//
// Rules are matched first-match-wins in declaration order. The "when"
// clause allows exact or wildcard capability matches (io.fs.*) and an
// optional risk level equality; principals match a glob over "type:id".
// There is deliberately no boolean logic, no regex, and no negation.
package policy

import (
	"fmt"
	"os"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/capstan/pkg/contracts"
)

// Engine holds a validated rule set. Evaluation is re-entrant and never
// fails; a malformed document is rejected at load time instead.
type Engine struct {
	mu   sync.RWMutex
	doc  contracts.PolicyDocument
	path string
}

// Load reads and validates a YAML policy document from disk.
func Load(path string) (*Engine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &contracts.PolicyLoadError{Source: path, Err: err}
	}
	e, err := Parse(data)
	if err != nil {
		if ple, ok := err.(*contracts.PolicyLoadError); ok {
			ple.Source = path
		}
		return nil, err
	}
	e.path = path
	return e, nil
}

// Parse validates a YAML policy document held in memory.
func Parse(data []byte) (*Engine, error) {
	var doc contracts.PolicyDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &contracts.PolicyLoadError{Source: "inline", Err: err}
	}
	if err := validate(&doc); err != nil {
		return nil, &contracts.PolicyLoadError{Source: "inline", Err: err}
	}
	return &Engine{doc: doc}, nil
}

func validate(doc *contracts.PolicyDocument) error {
	if doc.Default == "" {
		// Fail-closed: absent default means DENY.
		doc.Default = contracts.DecisionDeny
	}
	if !doc.Default.Valid() {
		return fmt.Errorf("unknown default decision %q", doc.Default)
	}
	for i, rule := range doc.Rules {
		if rule.Principal == "" {
			return fmt.Errorf("rule %d: principal pattern is required", i)
		}
		if !doublestar.ValidatePattern(rule.Principal) {
			return fmt.Errorf("rule %d: invalid principal pattern %q", i, rule.Principal)
		}
		if rule.When.Capability == "" {
			return fmt.Errorf("rule %d: when.capability is required", i)
		}
		if !doublestar.ValidatePattern(rule.When.Capability) {
			return fmt.Errorf("rule %d: invalid capability pattern %q", i, rule.When.Capability)
		}
		if rule.When.RiskLevel != "" && !rule.When.RiskLevel.Valid() {
			return fmt.Errorf("rule %d: unknown risk level %q", i, rule.When.RiskLevel)
		}
		if !rule.Decision.Valid() {
			return fmt.Errorf("rule %d: unknown decision %q", i, rule.Decision)
		}
	}
	return nil
}

// Evaluate returns the decision for a context. The first rule in
// declaration order whose principal glob, capability glob, and optional
// risk condition all match wins. A matching ALLOW is escalated to
// REQUIRE_APPROVAL when the context's risk is HIGH or CRITICAL. With no
// match, the configured default applies as declared; escalation applies to
// rule matches only.
func (e *Engine) Evaluate(ctx contracts.PolicyContext) contracts.Decision {
	e.mu.RLock()
	doc := e.doc
	e.mu.RUnlock()

	for _, rule := range doc.Rules {
		if !globMatch(rule.Principal, ctx.Principal.String()) {
			continue
		}
		if !globMatch(rule.When.Capability, ctx.CapabilityID) {
			continue
		}
		if rule.When.RiskLevel != "" && rule.When.RiskLevel != ctx.RiskLevel {
			continue
		}
		return escalate(rule.Decision, ctx.RiskLevel)
	}
	return doc.Default
}

// escalate promotes ALLOW to REQUIRE_APPROVAL for HIGH and CRITICAL risk.
func escalate(d contracts.Decision, risk contracts.RiskLevel) contracts.Decision {
	if d == contracts.DecisionAllow && risk.AtLeast(contracts.RiskHigh) {
		return contracts.DecisionRequireApproval
	}
	return d
}

func globMatch(pattern, name string) bool {
	// Patterns are validated at load time; a match error here means
	// no-match, keeping evaluation infallible.
	ok, err := doublestar.Match(pattern, name)
	return err == nil && ok
}

// Default returns the configured fallback decision.
func (e *Engine) Default() contracts.Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.doc.Default
}

// Rules returns a copy of the rule list, for diagnostics.
func (e *Engine) Rules() []contracts.PolicyRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]contracts.PolicyRule, len(e.doc.Rules))
	copy(out, e.doc.Rules)
	return out
}

// Refresh re-reads the source path. Rules are otherwise loaded once; this
// is the only reload path and it is explicit. A validation failure leaves
// the previous rule set in place.
func (e *Engine) Refresh() error {
	if e.path == "" {
		return &contracts.PolicyLoadError{Source: "inline", Err: fmt.Errorf("engine was not loaded from a file")}
	}
	fresh, err := Load(e.path)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.doc = fresh.doc
	e.mu.Unlock()
	return nil
}
