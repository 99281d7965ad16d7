package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/Mindburn-Labs/capstan/pkg/contracts"
)

func noopHandler(map[string]any) HandlerFunc {
	return func(_ context.Context, _ map[string]any, _ ExecutionContext) (map[string]any, *contracts.CompensationDescriptor, error) {
		return nil, nil, nil
	}
}

func insertSpec() contracts.CapabilitySpec {
	return contracts.CapabilitySpec{
		ID:            "db.insert_record",
		OperationType: contracts.OpWrite,
		Parameters: []contracts.ParameterDef{
			{Name: "table", Type: "string", Required: true},
			{Name: "record", Type: "object", Required: true},
		},
		SideEffects: contracts.SideEffects{Reversible: true, Scope: contracts.ScopeLocal},
		Compensation: contracts.CompensationSpec{
			Supported:                true,
			Strategy:                 contracts.StrategyInverse,
			CompensatingCapabilityID: "db.delete_record",
		},
		Risk: contracts.RiskSpec{Level: contracts.RiskMedium},
	}
}

func TestRegisterAndResolve(t *testing.T) {
	r := New()
	if err := r.Register(insertSpec(), noopHandler(nil)); err != nil {
		t.Fatal(err)
	}

	spec, err := r.Get("db.insert_record")
	if err != nil {
		t.Fatal(err)
	}
	if spec.Risk.Level != contracts.RiskMedium {
		t.Errorf("risk = %s", spec.Risk.Level)
	}

	if _, err := r.ResolveHandler("db.insert_record"); err != nil {
		t.Fatal(err)
	}
	lc, err := r.Lifecycle("db.insert_record")
	if err != nil {
		t.Fatal(err)
	}
	if lc != contracts.LifecycleActive {
		t.Errorf("lifecycle = %s, want ACTIVE", lc)
	}
}

func TestRegisterRejectsRiskInconsistency(t *testing.T) {
	r := New()
	spec := insertSpec()
	spec.SideEffects.Reversible = false // MEDIUM risk now understates

	err := r.Register(spec, noopHandler(nil))
	var sve *contracts.SpecValidationError
	if !errors.As(err, &sve) {
		t.Fatalf("expected SpecValidationError, got %v", err)
	}
	if len(sve.Violations) == 0 {
		t.Fatal("expected violations")
	}
	// No partial state: the id must not be registered.
	if _, err := r.Get(spec.ID); !errors.Is(err, contracts.ErrNotFound) {
		t.Errorf("rejected spec is resolvable: %v", err)
	}
}

func TestRegisterRejectsDuplicateAndNilHandler(t *testing.T) {
	r := New()
	if err := r.Register(insertSpec(), noopHandler(nil)); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(insertSpec(), noopHandler(nil)); err == nil {
		t.Error("duplicate id accepted")
	}

	other := insertSpec()
	other.ID = "db.upsert_record"
	if err := r.Register(other, nil); err == nil {
		t.Error("nil handler accepted")
	}
}

func TestLifecycleTransitions(t *testing.T) {
	r := New()
	if err := r.Register(insertSpec(), noopHandler(nil)); err != nil {
		t.Fatal(err)
	}
	if err := r.Freeze("db.insert_record"); err != nil {
		t.Fatal(err)
	}
	lc, _ := r.Lifecycle("db.insert_record")
	if lc != contracts.LifecycleFrozen {
		t.Errorf("lifecycle = %s, want FROZEN", lc)
	}
	// Frozen capabilities stay resolvable for compensation replay.
	if _, err := r.ResolveHandler("db.insert_record"); err != nil {
		t.Errorf("frozen capability not resolvable: %v", err)
	}

	if err := r.Deprecate("db.insert_record"); err != nil {
		t.Fatal(err)
	}
	lc, _ = r.Lifecycle("db.insert_record")
	if lc != contracts.LifecycleDeprecated {
		t.Errorf("lifecycle = %s, want DEPRECATED", lc)
	}

	if err := r.Freeze("missing"); !errors.Is(err, contracts.ErrNotFound) {
		t.Errorf("freeze missing = %v, want ErrNotFound", err)
	}
}

func TestValidateInputsRequired(t *testing.T) {
	r := New()
	if err := r.Register(insertSpec(), noopHandler(nil)); err != nil {
		t.Fatal(err)
	}
	err := r.ValidateInputs("db.insert_record", map[string]any{"table": "users"})
	if err == nil {
		t.Fatal("missing required parameter accepted")
	}
	if err := r.ValidateInputs("db.insert_record", map[string]any{
		"table":  "users",
		"record": map[string]any{"id": 1},
	}); err != nil {
		t.Fatal(err)
	}
}

func TestValidateInputsSchema(t *testing.T) {
	r := New()
	spec := insertSpec()
	spec.ID = "db.insert_typed"
	spec.ParamsSchema = `{
		"type": "object",
		"properties": {
			"table":  {"type": "string", "minLength": 1},
			"record": {"type": "object"}
		},
		"required": ["table", "record"]
	}`
	if err := r.Register(spec, noopHandler(nil)); err != nil {
		t.Fatal(err)
	}

	if err := r.ValidateInputs("db.insert_typed", map[string]any{
		"table":  "users",
		"record": map[string]any{"id": 1},
	}); err != nil {
		t.Fatal(err)
	}
	if err := r.ValidateInputs("db.insert_typed", map[string]any{
		"table":  "",
		"record": map[string]any{},
	}); err == nil {
		t.Error("schema violation accepted")
	}
}

func TestRegisterRejectsBadSchema(t *testing.T) {
	r := New()
	spec := insertSpec()
	spec.ParamsSchema = `{"type": ["not", 42`
	if err := r.Register(spec, noopHandler(nil)); err == nil {
		t.Fatal("uncompilable schema accepted")
	}
}
