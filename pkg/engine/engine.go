// Package engine is the single mutator of workflow execution state. It
// sequences steps, enforces policy before each one, invokes capabilities
// through the registry, captures compensations, checkpoints progress
// durably, and rolls completed work back in reverse order on failure.
//
// Concurrency model: one logical executor per active workflow. Start and
// Resume drive the execution loop on the calling goroutine and return when
// the workflow reaches a terminal status or pauses at an approval gate.
// Cancellation is a flag checked at the boundary between steps.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/capstan/pkg/approval"
	"github.com/Mindburn-Labs/capstan/pkg/audit"
	"github.com/Mindburn-Labs/capstan/pkg/contracts"
	"github.com/Mindburn-Labs/capstan/pkg/observability"
	"github.com/Mindburn-Labs/capstan/pkg/policy"
	"github.com/Mindburn-Labs/capstan/pkg/registry"
	"github.com/Mindburn-Labs/capstan/pkg/store"
)

// Snapshot is the read-only view returned by Status.
type Snapshot struct {
	WorkflowID     string
	Status         contracts.WorkflowStatus
	CompletedSteps []string
	ErrorMessage   string
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithMetrics attaches an observability provider.
func WithMetrics(p *observability.Provider) Option {
	return func(e *Engine) { e.metrics = p }
}

// WithAutoResume controls whether RecoverOnStartup re-enters the execution
// loop of workflows found RUNNING (default true). Scanning and reattachment
// happen either way.
func WithAutoResume(enabled bool) Option {
	return func(e *Engine) { e.autoResume = enabled }
}

// Engine composes the store, registry, policy engine, approval manager, and
// audit log.
type Engine struct {
	store      *store.Store
	registry   *registry.Registry
	policy     *policy.Engine
	approvals  *approval.Manager
	audit      *audit.Log
	metrics    *observability.Provider
	logger     *slog.Logger
	clock      func() time.Time
	autoResume bool

	mu     sync.Mutex
	active map[string]*execution
}

// New wires an engine from its collaborators. Call RecoverOnStartup before
// accepting new work so crash remnants are reattached first.
func New(st *store.Store, reg *registry.Registry, pol *policy.Engine, appr *approval.Manager, auditLog *audit.Log, opts ...Option) *Engine {
	e := &Engine{
		store:      st,
		registry:   reg,
		policy:     pol,
		approvals:  appr,
		audit:      auditLog,
		logger:     slog.Default(),
		clock:      time.Now,
		autoResume: true,
		active:     make(map[string]*execution),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.audit == nil {
		e.audit = audit.New()
	}
	return e
}

// Submit validates the spec, assigns a workflow id, and persists the
// workflow in PENDING status with the spec serialized verbatim. It does
// not execute anything.
func (e *Engine) Submit(ctx context.Context, spec *contracts.WorkflowSpec) (string, error) {
	if violations := spec.Validate(); len(violations) > 0 {
		return "", &contracts.SpecValidationError{Subject: "workflow " + spec.Name, Violations: violations}
	}
	specYAML, err := spec.Marshal()
	if err != nil {
		return "", err
	}
	id := uuid.New().String()
	if err := e.store.CreateWorkflow(ctx, id, spec.Name, spec.Version, spec.Owner, string(specYAML)); err != nil {
		return "", err
	}
	e.audit.Append(ctx, contracts.AuditWorkflowTransition, spec.Owner, id, "", map[string]any{
		"status": string(contracts.WorkflowPending),
		"name":   spec.Name,
	})
	e.logger.Info("workflow submitted", "workflow_id", id, "name", spec.Name, "steps", len(spec.Steps))
	return id, nil
}

// SubmitYAML parses a YAML workflow document and submits it.
func (e *Engine) SubmitYAML(ctx context.Context, data []byte) (string, error) {
	spec, err := contracts.ParseWorkflowSpec(data)
	if err != nil {
		return "", err
	}
	return e.Submit(ctx, spec)
}

// Start transitions a PENDING workflow to RUNNING and drives its execution
// loop. It returns once the workflow completes, fails, rolls back, or
// pauses at an approval gate. Only persistence and policy-infrastructure
// errors propagate; step failures are resolved internally through rollback.
func (e *Engine) Start(ctx context.Context, workflowID string) error {
	ex, err := e.claim(ctx, workflowID, contracts.WorkflowPending, "start")
	if err != nil {
		return err
	}
	defer e.release(ex)

	if err := e.transition(ctx, ex, contracts.WorkflowRunning, "", nil); err != nil {
		return err
	}
	e.metrics.WorkflowStarted(ctx)
	ctx, span := e.metrics.StartSpan(ctx, "workflow.run", ex.id)
	defer span.End()
	return e.run(ctx, ex)
}

// Resume applies a human decision to a PAUSED workflow: APPROVED continues
// execution from the gated step, REJECTED triggers rollback. Fails with
// InvalidStateError when the workflow is not paused.
func (e *Engine) Resume(ctx context.Context, workflowID string, decision contracts.ApprovalState, approver, rationale string) error {
	ex, err := e.claim(ctx, workflowID, contracts.WorkflowPaused, "resume")
	if err != nil {
		return err
	}
	defer e.release(ex)

	gate := ex.pausedStep
	if gate == "" {
		return &contracts.InvalidStateError{WorkflowID: workflowID, Status: ex.status, Op: "resume"}
	}

	rec, err := e.approvals.RecordDecision(ctx, workflowID, gate, decision, approver, rationale)
	if err != nil {
		if errors.Is(err, contracts.ErrApprovalTimeout) {
			e.audit.Append(ctx, contracts.AuditApprovalEvent, approver, workflowID, gate, map[string]any{
				"state": string(contracts.ApprovalTimeout),
			})
			return e.rejectGate(ctx, ex, gate, contracts.ErrApprovalTimeout)
		}
		return err
	}
	e.audit.Append(ctx, contracts.AuditApprovalEvent, approver, workflowID, gate, map[string]any{
		"state":     string(rec.State),
		"rationale": rationale,
	})

	if rec.State == contracts.ApprovalRejected {
		return e.rejectGate(ctx, ex, gate, contracts.ErrApprovalRejected)
	}

	ex.approved[gate] = true
	ex.pausedStep = ""
	if err := e.transition(ctx, ex, contracts.WorkflowRunning, "", nil); err != nil {
		return err
	}
	ctx, span := e.metrics.StartSpan(ctx, "workflow.resume", ex.id)
	defer span.End()
	return e.run(ctx, ex)
}

// Cancel requests cancellation of a RUNNING or PAUSED workflow. For a
// workflow being driven by another goroutine the request takes effect at
// the next step boundary; a paused or orphaned workflow is rolled back
// immediately.
func (e *Engine) Cancel(ctx context.Context, workflowID, reason string) error {
	e.mu.Lock()
	if ex, ok := e.active[workflowID]; ok && ex.running {
		ex.cancelReason = reason
		ex.cancelRequested.Store(true)
		e.mu.Unlock()
		e.logger.Info("cancel requested", "workflow_id", workflowID, "reason", reason)
		return nil
	}
	e.mu.Unlock()

	ex, err := e.claimAny(ctx, workflowID, "cancel", contracts.WorkflowRunning, contracts.WorkflowPaused)
	if err != nil {
		return err
	}
	defer e.release(ex)
	return e.rollback(ctx, ex, fmt.Errorf("%w: %s", contracts.ErrCanceled, reason))
}

// Status returns a read-only snapshot reconstructed from persistence, which
// is the source of truth even while an executor is active.
func (e *Engine) Status(ctx context.Context, workflowID string) (*Snapshot, error) {
	row, steps, _, err := e.store.LoadWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	completed, _ := replaySteps(steps)
	return &Snapshot{
		WorkflowID:     row.ID,
		Status:         row.Status,
		CompletedSteps: completed,
		ErrorMessage:   row.ErrorMessage,
	}, nil
}

// RecoverOnStartup scans persistence for workflows left RUNNING or PAUSED
// by a previous process and reattaches them. PAUSED workflows wait for
// Resume; RUNNING workflows re-enter the execution loop (in submission
// order) when auto-resume is enabled. No completed step is ever
// re-executed.
func (e *Engine) RecoverOnStartup(ctx context.Context) error {
	rows, err := e.store.ListByStatus(ctx, contracts.WorkflowRunning, contracts.WorkflowPaused)
	if err != nil {
		return err
	}

	var toRun []*execution
	for i := range rows {
		row := &rows[i]
		ex, err := e.rebuild(ctx, row.ID)
		if err != nil {
			e.logger.Error("recovery: could not rebuild workflow", "workflow_id", row.ID, "error", err)
			continue
		}
		e.mu.Lock()
		e.active[ex.id] = ex
		e.mu.Unlock()
		e.logger.Info("recovery: workflow reattached",
			"workflow_id", ex.id, "status", ex.status, "completed_steps", len(ex.completed))
		if ex.status == contracts.WorkflowRunning {
			toRun = append(toRun, ex)
		}
	}

	if !e.autoResume {
		return nil
	}
	for _, ex := range toRun {
		e.mu.Lock()
		if ex.running {
			e.mu.Unlock()
			continue
		}
		ex.running = true
		e.mu.Unlock()
		if err := e.run(ctx, ex); err != nil {
			e.logger.Error("recovery: run failed", "workflow_id", ex.id, "error", err)
		}
		e.release(ex)
	}
	return e.finishInterruptedRollbacks(ctx)
}

// finishInterruptedRollbacks drains the compensation stacks of workflows
// that crashed after being marked FAILED but before their rollback
// finished. Only pending compensation rows identify them.
func (e *Engine) finishInterruptedRollbacks(ctx context.Context) error {
	rows, err := e.store.ListByStatus(ctx, contracts.WorkflowFailed)
	if err != nil {
		return err
	}
	for i := range rows {
		row := &rows[i]
		ex, err := e.rebuild(ctx, row.ID)
		if err != nil {
			e.logger.Error("recovery: could not rebuild failed workflow", "workflow_id", row.ID, "error", err)
			continue
		}
		if len(ex.compStack) == 0 || !ex.spec.AutoRollbackEnabled() {
			continue
		}
		e.logger.Info("recovery: finishing interrupted rollback",
			"workflow_id", ex.id, "pending_compensations", len(ex.compStack))
		cause := errors.New(row.ErrorMessage)
		// A cancel-triggered rollback keeps its CANCELED terminal across the
		// restart; the persisted error message is the only trace of it.
		terminal := contracts.WorkflowRolledBack
		if strings.HasPrefix(row.ErrorMessage, contracts.ErrCanceled.Error()) {
			terminal = contracts.WorkflowCanceled
		}
		if err := e.runCompensations(ctx, ex, cause, terminal); err != nil {
			e.logger.Error("recovery: rollback failed", "workflow_id", ex.id, "error", err)
		}
	}
	return nil
}

// claim takes ownership of a workflow whose status must match want,
// rebuilding execution state from persistence when it is not already
// resident.
func (e *Engine) claim(ctx context.Context, workflowID string, want contracts.WorkflowStatus, op string) (*execution, error) {
	return e.claimAny(ctx, workflowID, op, want)
}

func (e *Engine) claimAny(ctx context.Context, workflowID, op string, want ...contracts.WorkflowStatus) (*execution, error) {
	e.mu.Lock()
	if ex, ok := e.active[workflowID]; ok {
		if ex.running {
			e.mu.Unlock()
			return nil, &contracts.InvalidStateError{WorkflowID: workflowID, Status: ex.status, Op: op}
		}
		if !statusIn(ex.status, want) {
			e.mu.Unlock()
			return nil, &contracts.InvalidStateError{WorkflowID: workflowID, Status: ex.status, Op: op}
		}
		ex.running = true
		e.mu.Unlock()
		return ex, nil
	}
	e.mu.Unlock()

	ex, err := e.rebuild(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !statusIn(ex.status, want) {
		return nil, &contracts.InvalidStateError{WorkflowID: workflowID, Status: ex.status, Op: op}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prior, ok := e.active[workflowID]; ok {
		// Another caller rebuilt it first.
		if prior.running || !statusIn(prior.status, want) {
			return nil, &contracts.InvalidStateError{WorkflowID: workflowID, Status: prior.status, Op: op}
		}
		prior.running = true
		return prior, nil
	}
	ex.running = true
	e.active[workflowID] = ex
	return ex, nil
}

func (e *Engine) release(ex *execution) {
	e.mu.Lock()
	ex.running = false
	if ex.status.Terminal() {
		delete(e.active, ex.id)
	}
	e.mu.Unlock()
}

func statusIn(s contracts.WorkflowStatus, set []contracts.WorkflowStatus) bool {
	for _, want := range set {
		if s == want {
			return true
		}
	}
	return false
}

// transition persists a workflow status change and records it in the audit
// trail.
func (e *Engine) transition(ctx context.Context, ex *execution, status contracts.WorkflowStatus, errorMessage string, completedAt *time.Time) error {
	if err := e.store.UpdateWorkflowStatus(ctx, ex.id, status, errorMessage, completedAt); err != nil {
		return err
	}
	ex.status = status
	payload := map[string]any{"status": string(status)}
	if errorMessage != "" {
		payload["error"] = errorMessage
	}
	e.audit.Append(ctx, contracts.AuditWorkflowTransition, "engine", ex.id, "", payload)
	return nil
}
