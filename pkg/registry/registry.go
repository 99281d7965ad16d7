// Package registry maintains the validated catalog of capabilities and
// their handlers. Registration enforces the risk consistency invariants and
// full schema validation; a spec that breaches any of them is rejected with
// no partial state. Once registered, a capability spec is immutable; only
// its lifecycle state (ACTIVE → FROZEN/DEPRECATED) can change.
//
// The registry is a passive lookup: it contains no policy or execution
// logic.
package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/capstan/pkg/contracts"
)

// ExecutionContext tells a handler which workflow step is invoking it.
type ExecutionContext struct {
	WorkflowID string
	StepName   string
	AgentName  string
}

// Handler executes one capability invocation. On success it returns the
// step's outputs and, for side-effecting capabilities, a compensation
// descriptor. Handlers should always populate the intent form of the
// descriptor; the closure form alone does not survive a crash.
type Handler interface {
	Execute(ctx context.Context, inputs map[string]any, ec ExecutionContext) (map[string]any, *contracts.CompensationDescriptor, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, inputs map[string]any, ec ExecutionContext) (map[string]any, *contracts.CompensationDescriptor, error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, inputs map[string]any, ec ExecutionContext) (map[string]any, *contracts.CompensationDescriptor, error) {
	return f(ctx, inputs, ec)
}

type entry struct {
	spec      contracts.CapabilitySpec
	handler   Handler
	lifecycle contracts.CapabilityLifecycle
	schema    *jsonschema.Schema
}

// Registry is the concurrency-safe capability catalog.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register validates the spec and binds it to a handler. It fails with a
// SpecValidationError listing every violated rule; on any failure the
// registry is unchanged.
func (r *Registry) Register(spec contracts.CapabilitySpec, h Handler) error {
	violations := spec.Validate()
	violations = append(violations, spec.CheckRiskConsistency()...)
	if len(violations) > 0 {
		return &contracts.SpecValidationError{Subject: "capability " + spec.ID, Violations: violations}
	}
	if h == nil {
		return &contracts.SpecValidationError{Subject: "capability " + spec.ID, Violations: []string{"handler is required"}}
	}

	var compiled *jsonschema.Schema
	if spec.ParamsSchema != "" {
		var err error
		compiled, err = compileParamsSchema(spec.ID, spec.ParamsSchema)
		if err != nil {
			return &contracts.SpecValidationError{
				Subject:    "capability " + spec.ID,
				Violations: []string{fmt.Sprintf("params schema does not compile: %v", err)},
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[spec.ID]; exists {
		return &contracts.SpecValidationError{
			Subject:    "capability " + spec.ID,
			Violations: []string{"capability id already registered"},
		}
	}
	r.entries[spec.ID] = &entry{
		spec:      spec,
		handler:   h,
		lifecycle: contracts.LifecycleActive,
		schema:    compiled,
	}
	return nil
}

func compileParamsSchema(id, schema string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://capstan.schemas.local/capabilities/%s.schema.json", id)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// Get returns the stored spec for a capability id.
func (r *Registry) Get(id string) (contracts.CapabilitySpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return contracts.CapabilitySpec{}, fmt.Errorf("registry: capability %q: %w", id, contracts.ErrNotFound)
	}
	return e.spec, nil
}

// ResolveHandler returns the handler bound at registration.
func (r *Registry) ResolveHandler(id string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("registry: capability %q: %w", id, contracts.ErrNotFound)
	}
	return e.handler, nil
}

// Lifecycle returns the current lifecycle state of a capability.
func (r *Registry) Lifecycle(id string) (contracts.CapabilityLifecycle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return "", fmt.Errorf("registry: capability %q: %w", id, contracts.ErrNotFound)
	}
	return e.lifecycle, nil
}

// Freeze transitions a capability to FROZEN. Frozen capabilities stay
// resolvable so pending compensations can still run, but the engine rejects
// new executions.
func (r *Registry) Freeze(id string) error {
	return r.setLifecycle(id, contracts.LifecycleFrozen)
}

// Deprecate transitions a capability to DEPRECATED.
func (r *Registry) Deprecate(id string) error {
	return r.setLifecycle(id, contracts.LifecycleDeprecated)
}

func (r *Registry) setLifecycle(id string, state contracts.CapabilityLifecycle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("registry: capability %q: %w", id, contracts.ErrNotFound)
	}
	e.lifecycle = state
	return nil
}

// ValidateInputs checks an input map against the capability's declared
// parameters (required flags) and, when present, its compiled JSON Schema.
func (r *Registry) ValidateInputs(id string, inputs map[string]any) error {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("registry: capability %q: %w", id, contracts.ErrNotFound)
	}
	for _, p := range e.spec.Parameters {
		if !p.Required {
			continue
		}
		if _, present := inputs[p.Name]; !present {
			return fmt.Errorf("registry: capability %q: required parameter %q missing", id, p.Name)
		}
	}
	if e.schema != nil {
		normalized := normalizeForSchema(inputs)
		if err := e.schema.Validate(normalized); err != nil {
			return fmt.Errorf("registry: capability %q: input schema validation failed: %w", id, err)
		}
	}
	return nil
}

// normalizeForSchema converts the input map into the generic shape the
// jsonschema validator expects (maps keyed by string, interface values).
func normalizeForSchema(inputs map[string]any) any {
	out := make(map[string]any, len(inputs))
	for k, v := range inputs {
		out[k] = v
	}
	return out
}

// IDs returns the registered capability ids in no particular order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}
