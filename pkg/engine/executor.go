package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/capstan/pkg/approval"
	"github.com/Mindburn-Labs/capstan/pkg/contracts"
	"github.com/Mindburn-Labs/capstan/pkg/registry"
	"github.com/Mindburn-Labs/capstan/pkg/store"
)

// compEntry is one frame of the LIFO compensation stack.
type compEntry struct {
	stepName string
	desc     contracts.CompensationDescriptor
	// rowID points at the pending compensation_log row persisted with the
	// step checkpoint; zero for closure-only entries, which have no row
	// until they execute.
	rowID int64
}

// execution is the mutable state of one workflow run. It is owned by
// exactly one executor at a time; the engine's mutex only guards the
// running flag and the active map.
type execution struct {
	id           string
	spec         *contracts.WorkflowSpec
	status       contracts.WorkflowStatus
	stepOutputs  map[string]any
	completed    []string
	completedSet map[string]bool
	compStack    []compEntry
	approved     map[string]bool
	pausedStep   string

	running         bool
	cancelRequested atomic.Bool
	cancelReason    string

	// outputsMu serializes output and stack mutation from PARALLEL
	// sub-step goroutines. Sequential steps never contend on it.
	outputsMu sync.Mutex
}

func newExecution(id string, spec *contracts.WorkflowSpec) *execution {
	return &execution{
		id:           id,
		spec:         spec,
		status:       contracts.WorkflowPending,
		stepOutputs:  make(map[string]any),
		completedSet: make(map[string]bool),
		approved:     make(map[string]bool),
	}
}

func (ex *execution) markCompleted(name string) {
	ex.completed = append(ex.completed, name)
	ex.completedSet[name] = true
}

func (ex *execution) auditLevel() contracts.AuditLevel {
	if ex.spec.Metadata.AuditLevel == "" {
		return contracts.AuditDetailed
	}
	return ex.spec.Metadata.AuditLevel
}

// stepOutcome is the result of attempting one step.
type stepOutcome int

const (
	outcomeProceed stepOutcome = iota
	outcomePaused
	outcomeFailed
)

// run advances the workflow until it completes, pauses, or fails. The
// invariant at every boundary between steps: the persisted state alone is
// sufficient to resume deterministically.
func (e *Engine) run(ctx context.Context, ex *execution) error {
	for {
		if ex.cancelRequested.Load() {
			return e.rollback(ctx, ex, fmt.Errorf("%w: %s", contracts.ErrCanceled, ex.cancelReason))
		}

		step := nextEligible(ex)
		if step == nil {
			if !topLevelDone(ex) {
				// Unsatisfiable dependencies; validation should prevent
				// this, but fail closed rather than spin.
				return e.rollback(ctx, ex, fmt.Errorf("no eligible step among remaining steps"))
			}
			now := e.clock()
			if err := e.transition(ctx, ex, contracts.WorkflowCompleted, "", &now); err != nil {
				return err
			}
			e.metrics.WorkflowFinished(ctx, string(contracts.WorkflowCompleted))
			e.logger.Info("workflow completed", "workflow_id", ex.id, "steps", len(ex.completed))
			return nil
		}

		outcome, stepErr, err := e.executeStep(ctx, ex, step)
		if err != nil {
			// Infrastructure failure: mark FAILED without rollback, since
			// rollback needs the same persistence layer.
			if uerr := e.store.UpdateWorkflowStatus(ctx, ex.id, contracts.WorkflowFailed, err.Error(), nil); uerr != nil {
				e.logger.Error("could not record failure", "workflow_id", ex.id, "error", uerr)
			}
			ex.status = contracts.WorkflowFailed
			return err
		}
		switch outcome {
		case outcomePaused:
			return nil
		case outcomeFailed:
			return e.rollback(ctx, ex, stepErr)
		}
	}
}

// nextEligible returns the first step, in declaration order, that has not
// completed and whose dependencies all have.
func nextEligible(ex *execution) *contracts.StepSpec {
	for i := range ex.spec.Steps {
		step := &ex.spec.Steps[i]
		if ex.completedSet[step.Name] {
			continue
		}
		eligible := true
		for _, dep := range step.DependsOn {
			if !ex.completedSet[dep] {
				eligible = false
				break
			}
		}
		if eligible {
			return step
		}
	}
	return nil
}

func topLevelDone(ex *execution) bool {
	for i := range ex.spec.Steps {
		if !ex.completedSet[ex.spec.Steps[i].Name] {
			return false
		}
	}
	return true
}

// executeStep dispatches on the step kind. The returned error is an
// infrastructure failure (persistence); step-level failures come back as
// (outcomeFailed, stepErr, nil) and feed the rollback path.
func (e *Engine) executeStep(ctx context.Context, ex *execution, step *contracts.StepSpec) (stepOutcome, error, error) {
	switch step.Kind {
	case contracts.KindHumanApproval:
		return e.executeGate(ctx, ex, step)
	case contracts.KindParallel:
		return e.executeParallel(ctx, ex, step)
	default:
		return e.executeAction(ctx, ex, step, false)
	}
}

// executeGate handles a HUMAN_APPROVAL step: pause until a decision, then
// mark the gate completed.
func (e *Engine) executeGate(ctx context.Context, ex *execution, step *contracts.StepSpec) (stepOutcome, error, error) {
	started := e.clock()
	if !ex.approved[step.Name] {
		return e.pauseAt(ctx, ex, step, step.Message, nil)
	}
	now := e.clock()
	cp := store.StepCheckpoint{
		StepName:    step.Name,
		Status:      contracts.StepCompleted,
		Outputs:     map[string]any{"approved": true},
		StartedAt:   started,
		CompletedAt: &now,
	}
	if _, err := e.store.CheckpointStep(ctx, ex.id, cp, nil, nil); err != nil {
		return outcomeFailed, nil, err
	}
	ex.markCompleted(step.Name)
	ex.stepOutputs[step.Name+".approved"] = true
	return outcomeProceed, nil, nil
}

// executeAction runs one ACTION step end to end: lifecycle check, risk
// resolution, template substitution, policy gate, retried invocation,
// compensation capture, and the atomic checkpoint.
func (e *Engine) executeAction(ctx context.Context, ex *execution, step *contracts.StepSpec, inParallel bool) (stepOutcome, error, error) {
	started := e.clock()

	failStep := func(cause error) (stepOutcome, error, error) {
		now := e.clock()
		cp := store.StepCheckpoint{
			StepName:     step.Name,
			Status:       contracts.StepFailed,
			Inputs:       contracts.SanitizePayload(step.Inputs),
			StartedAt:    started,
			CompletedAt:  &now,
			ErrorMessage: cause.Error(),
		}
		if _, err := e.store.CheckpointStep(ctx, ex.id, cp, nil, nil); err != nil {
			return outcomeFailed, nil, err
		}
		if ex.auditLevel() != contracts.AuditBasic {
			e.audit.Append(ctx, contracts.AuditStepResult, step.AgentName, ex.id, step.Name, map[string]any{
				"status": string(contracts.StepFailed),
				"error":  cause.Error(),
			})
		}
		e.metrics.StepExecuted(ctx, step.Capability, false)
		return outcomeFailed, cause, nil
	}

	lc, err := e.registry.Lifecycle(step.Capability)
	if err != nil {
		return failStep(fmt.Errorf("step %q: %w", step.Name, err))
	}
	if lc != contracts.LifecycleActive {
		return failStep(fmt.Errorf("step %q capability %q: %w", step.Name, step.Capability, contracts.ErrCapabilityFrozen))
	}

	risk := e.resolveRisk(step)

	ex.outputsMu.Lock()
	resolved, rerr := resolveInputs(step.Name, step.Inputs, ex.stepOutputs)
	ex.outputsMu.Unlock()
	if rerr != nil {
		return failStep(rerr)
	}

	if !ex.approved[step.Name] {
		decision := e.policy.Evaluate(contracts.PolicyContext{
			Principal:    e.principalFor(ex, step),
			CapabilityID: step.Capability,
			RiskLevel:    risk,
			WorkflowID:   ex.id,
			StepName:     step.Name,
			Inputs:       resolved,
		})
		if ex.auditLevel() != contracts.AuditBasic {
			e.audit.Append(ctx, contracts.AuditPolicyDecision, e.principalFor(ex, step).String(), ex.id, step.Name, map[string]any{
				"capability": step.Capability,
				"risk":       string(risk),
				"decision":   string(decision),
			})
		}
		switch decision {
		case contracts.DecisionDeny:
			return failStep(fmt.Errorf("step %q capability %q: %w", step.Name, step.Capability, contracts.ErrPolicyDenied))
		case contracts.DecisionRequireApproval:
			if inParallel {
				// A parallel group is one unit; it cannot hold half its
				// members at a gate.
				return failStep(fmt.Errorf("step %q requires approval, which a PARALLEL group cannot pause for", step.Name))
			}
			msg := step.Message
			if msg == "" {
				msg = fmt.Sprintf("approval required for %s (%s risk)", step.Capability, risk)
			}
			return e.pauseAt(ctx, ex, step, msg, resolved)
		}
	}

	outputs, handlerComp, execErr := e.invokeWithRetries(ctx, ex, step, resolved)
	if execErr != nil {
		return failStep(execErr)
	}

	// Side effect done; capture the compensation and checkpoint before
	// moving on. An explicit spec compensation takes precedence over the
	// descriptor returned by the handler.
	entry, pending, perr := e.captureCompensation(ex, step, resolved, outputs, handlerComp)
	if perr != nil {
		return failStep(perr)
	}

	now := e.clock()
	cp := store.StepCheckpoint{
		StepName:    step.Name,
		Status:      contracts.StepCompleted,
		Inputs:      contracts.SanitizePayload(resolved),
		Outputs:     outputs,
		StartedAt:   started,
		CompletedAt: &now,
	}
	rowIDs, err := e.store.CheckpointStep(ctx, ex.id, cp, pending, nil)
	if err != nil {
		return outcomeFailed, nil, err
	}

	ex.outputsMu.Lock()
	for k, v := range outputs {
		ex.stepOutputs[step.Name+"."+k] = v
	}
	if entry != nil {
		if len(rowIDs) > 0 {
			entry.rowID = rowIDs[0]
		}
		ex.compStack = append(ex.compStack, *entry)
	}
	ex.markCompleted(step.Name)
	ex.outputsMu.Unlock()

	if ex.auditLevel() != contracts.AuditBasic {
		payload := map[string]any{"status": string(contracts.StepCompleted), "capability": step.Capability}
		if ex.auditLevel() == contracts.AuditForensic {
			payload["inputs"] = resolved
			payload["outputs"] = outputs
		}
		e.audit.Append(ctx, contracts.AuditStepResult, step.AgentName, ex.id, step.Name, payload)
	}
	e.metrics.StepExecuted(ctx, step.Capability, true)
	return outcomeProceed, nil, nil
}

// invokeWithRetries attempts the capability up to max_retries+1 times,
// logging each failure. A step timeout bounds each individual attempt.
func (e *Engine) invokeWithRetries(ctx context.Context, ex *execution, step *contracts.StepSpec, inputs map[string]any) (map[string]any, *contracts.CompensationDescriptor, error) {
	if err := e.registry.ValidateInputs(step.Capability, inputs); err != nil {
		return nil, nil, err
	}
	handler, err := e.registry.ResolveHandler(step.Capability)
	if err != nil {
		return nil, nil, err
	}

	ec := registry.ExecutionContext{
		WorkflowID: ex.id,
		StepName:   step.Name,
		AgentName:  step.AgentName,
	}
	attempts := step.Retries() + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if step.TimeoutSeconds > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutSeconds)*time.Second)
		}
		outputs, comp, err := runAttempt(attemptCtx, handler, inputs, ec)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return outputs, comp, nil
		}
		lastErr = err
		e.logger.Warn("step attempt failed",
			"workflow_id", ex.id, "step", step.Name, "attempt", attempt, "of", attempts, "error", err)
		if ctx.Err() != nil {
			// The workflow's own context is gone; retrying is pointless.
			return nil, nil, &contracts.StepExecutionError{StepName: step.Name, Attempts: attempt, Err: lastErr}
		}
		if attempt < attempts {
			e.metrics.StepRetried(ctx, step.Capability)
		}
	}
	return nil, nil, &contracts.StepExecutionError{StepName: step.Name, Attempts: attempts, Err: lastErr}
}

type attemptResult struct {
	outputs map[string]any
	comp    *contracts.CompensationDescriptor
	err     error
}

// runAttempt invokes the handler in its own goroutine and abandons it when
// the attempt context expires. A handler that ignores cancellation keeps
// running, but its eventual result is discarded; the attempt counts as a
// failure the moment the deadline passes.
func runAttempt(ctx context.Context, handler registry.Handler, inputs map[string]any, ec registry.ExecutionContext) (map[string]any, *contracts.CompensationDescriptor, error) {
	done := make(chan attemptResult, 1)
	go func() {
		outputs, comp, err := handler.Execute(ctx, inputs, ec)
		done <- attemptResult{outputs: outputs, comp: comp, err: err}
	}()
	select {
	case res := <-done:
		return res.outputs, res.comp, res.err
	case <-ctx.Done():
		return nil, nil, fmt.Errorf("attempt abandoned: %w", ctx.Err())
	}
}

// captureCompensation decides what goes onto the stack for a completed
// step. The intent form is always preferred for persistence; a closure
// rides along in memory only.
func (e *Engine) captureCompensation(ex *execution, step *contracts.StepSpec, resolved, outputs map[string]any, handlerComp *contracts.CompensationDescriptor) (*compEntry, []store.PendingCompensation, error) {
	desc := handlerComp
	if step.Compensation != nil {
		// Explicit compensation inputs may reference this step's own
		// outputs, so resolve against the merged view.
		merged := make(map[string]any, len(ex.stepOutputs)+len(outputs))
		ex.outputsMu.Lock()
		for k, v := range ex.stepOutputs {
			merged[k] = v
		}
		ex.outputsMu.Unlock()
		for k, v := range outputs {
			merged[step.Name+"."+k] = v
		}
		compInputs, err := resolveInputs(step.Name, step.Compensation.Inputs, merged)
		if err != nil {
			return nil, nil, err
		}
		desc = &contracts.CompensationDescriptor{
			CapabilityID: step.Compensation.Capability,
			Inputs:       compInputs,
		}
	}
	if desc == nil || (!desc.HasIntent() && !desc.HasClosure()) {
		return nil, nil, nil
	}

	entry := &compEntry{stepName: step.Name, desc: *desc}
	var pending []store.PendingCompensation
	if desc.HasIntent() {
		pending = append(pending, store.PendingCompensation{
			StepName:     step.Name,
			CapabilityID: desc.CapabilityID,
			Inputs:       desc.Inputs,
		})
	}
	return entry, pending, nil
}

// pauseAt requests approval for a step and checkpoints the pause. The
// workflow stays PAUSED until Resume is called, except when webhook
// delivery fails and the fail mode says otherwise.
func (e *Engine) pauseAt(ctx context.Context, ex *execution, step *contracts.StepSpec, message string, inputs map[string]any) (stepOutcome, error, error) {
	rec, delivered, err := e.approvals.RequestApproval(ctx, ex.id, ex.spec.Name, step.Name, message, inputs, step.TimeoutSeconds)
	if err != nil {
		return outcomeFailed, nil, err
	}
	e.metrics.ApprovalRequested(ctx)
	e.audit.Append(ctx, contracts.AuditApprovalEvent, "engine", ex.id, step.Name, map[string]any{
		"state":   string(rec.State),
		"message": message,
	})

	if !delivered {
		switch e.approvals.FailMode() {
		case approval.FailModeAllow:
			if _, err := e.approvals.RecordDecision(ctx, ex.id, step.Name, contracts.ApprovalApproved, "system:webhook-fail-allow", "webhook delivery failed, fail mode ALLOW"); err != nil {
				return outcomeFailed, nil, err
			}
			ex.approved[step.Name] = true
			return outcomeProceed, nil, nil
		case approval.FailModeDeny:
			if _, err := e.approvals.RecordDecision(ctx, ex.id, step.Name, contracts.ApprovalRejected, "system:webhook-fail-deny", "webhook delivery failed, fail mode DENY"); err != nil {
				return outcomeFailed, nil, err
			}
			return outcomeFailed, fmt.Errorf("step %q: webhook delivery failed: %w", step.Name, contracts.ErrApprovalRejected), nil
		}
		// FailModePause: stay paused, resume happens out of band.
	}

	paused := contracts.WorkflowPaused
	cp := store.StepCheckpoint{
		StepName:  step.Name,
		Status:    contracts.StepPaused,
		Inputs:    contracts.SanitizePayload(inputs),
		StartedAt: e.clock(),
	}
	if _, err := e.store.CheckpointStep(ctx, ex.id, cp, nil, &paused); err != nil {
		return outcomeFailed, nil, err
	}
	ex.status = contracts.WorkflowPaused
	ex.pausedStep = step.Name
	e.audit.Append(ctx, contracts.AuditWorkflowTransition, "engine", ex.id, step.Name, map[string]any{
		"status": string(contracts.WorkflowPaused),
	})
	e.logger.Info("workflow paused for approval", "workflow_id", ex.id, "step", step.Name)
	return outcomePaused, nil, nil
}

// rejectGate records the negative resolution of a paused step and rolls
// the workflow back.
func (e *Engine) rejectGate(ctx context.Context, ex *execution, gate string, cause error) error {
	now := e.clock()
	cp := store.StepCheckpoint{
		StepName:     gate,
		Status:       contracts.StepFailed,
		StartedAt:    now,
		CompletedAt:  &now,
		ErrorMessage: cause.Error(),
	}
	if _, err := e.store.CheckpointStep(ctx, ex.id, cp, nil, nil); err != nil {
		return err
	}
	ex.pausedStep = ""
	return e.rollback(ctx, ex, fmt.Errorf("step %q: %w", gate, cause))
}

// executeParallel runs a PARALLEL group. Sub-steps execute concurrently
// and share the parent workflow's compensation stack as one contiguous
// unit; the group succeeds only if every sub-step does. A failing sub-step
// cancels its siblings' contexts, and compensations captured by the
// sub-steps that did finish remain on the stack for rollback.
func (e *Engine) executeParallel(ctx context.Context, ex *execution, group *contracts.StepSpec) (stepOutcome, error, error) {
	started := e.clock()
	g, gctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	var infraErr error

	for i := range group.Steps {
		sub := &group.Steps[i]
		if ex.completedSet[sub.Name] {
			// Already done before a crash; recovery never re-executes.
			continue
		}
		g.Go(func() error {
			outcome, stepErr, err := e.executeAction(gctx, ex, sub, true)
			if err != nil {
				mu.Lock()
				if infraErr == nil {
					infraErr = err
				}
				mu.Unlock()
				return err
			}
			if outcome == outcomeFailed {
				return stepErr
			}
			return nil
		})
	}

	groupErr := g.Wait()
	if infraErr != nil {
		return outcomeFailed, nil, infraErr
	}

	now := e.clock()
	if groupErr != nil {
		cp := store.StepCheckpoint{
			StepName:     group.Name,
			Status:       contracts.StepFailed,
			StartedAt:    started,
			CompletedAt:  &now,
			ErrorMessage: groupErr.Error(),
		}
		if _, err := e.store.CheckpointStep(ctx, ex.id, cp, nil, nil); err != nil {
			return outcomeFailed, nil, err
		}
		return outcomeFailed, fmt.Errorf("parallel group %q: %w", group.Name, groupErr), nil
	}

	cp := store.StepCheckpoint{
		StepName:    group.Name,
		Status:      contracts.StepCompleted,
		StartedAt:   started,
		CompletedAt: &now,
	}
	if _, err := e.store.CheckpointStep(ctx, ex.id, cp, nil, nil); err != nil {
		return outcomeFailed, nil, err
	}
	ex.markCompleted(group.Name)
	return outcomeProceed, nil, nil
}

// resolveRisk applies the fail-safe risk ladder: explicit step level,
// else the capability's registered level, else HIGH.
func (e *Engine) resolveRisk(step *contracts.StepSpec) contracts.RiskLevel {
	if step.RiskLevel != "" {
		return step.RiskLevel
	}
	if spec, err := e.registry.Get(step.Capability); err == nil {
		return spec.Risk.Level
	}
	return contracts.RiskHigh
}

func (e *Engine) principalFor(ex *execution, step *contracts.StepSpec) contracts.Principal {
	id := step.AgentName
	if id == "" {
		id = ex.spec.Owner
	}
	return contracts.Principal{Type: "agent", ID: id}
}
