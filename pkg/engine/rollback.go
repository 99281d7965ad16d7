package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/capstan/pkg/contracts"
	"github.com/Mindburn-Labs/capstan/pkg/registry"
)

// rollback undoes completed work in reverse order. The FAILED status and
// the pending compensation rows are already durable before the first undo
// runs, so a crash mid-rollback resumes from persistence. A compensation
// that fails is recorded and rollback continues with the rest; the terminal
// error message then carries partial_rollback=true.
func (e *Engine) rollback(ctx context.Context, ex *execution, cause error) error {
	canceled := errors.Is(cause, contracts.ErrCanceled)
	e.audit.Append(ctx, contracts.AuditError, "engine", ex.id, "", map[string]any{
		"error": cause.Error(),
	})

	terminal := contracts.WorkflowRolledBack
	if canceled {
		terminal = contracts.WorkflowCanceled
	}

	if !ex.spec.AutoRollbackEnabled() {
		if canceled {
			// No compensation without auto-rollback; cancellation still
			// terminates the workflow.
			now := e.clock()
			if err := e.transition(ctx, ex, contracts.WorkflowCanceled, cause.Error(), &now); err != nil {
				return err
			}
			e.metrics.WorkflowFinished(ctx, string(contracts.WorkflowCanceled))
			return nil
		}
		now := e.clock()
		if err := e.transition(ctx, ex, contracts.WorkflowFailed, cause.Error(), &now); err != nil {
			return err
		}
		e.metrics.WorkflowFinished(ctx, string(contracts.WorkflowFailed))
		e.logger.Info("workflow failed without rollback", "workflow_id", ex.id, "error", cause)
		return nil
	}

	if err := e.transition(ctx, ex, contracts.WorkflowFailed, cause.Error(), nil); err != nil {
		return err
	}
	e.logger.Info("rolling back workflow",
		"workflow_id", ex.id, "compensations", len(ex.compStack), "error", cause)
	return e.runCompensations(ctx, ex, cause, terminal)
}

// runCompensations drains the stack top down and records the terminal
// status. Persistence failures abort: the workflow stays FAILED with its
// remaining pending rows, and startup recovery finishes the job.
func (e *Engine) runCompensations(ctx context.Context, ex *execution, cause error, terminal contracts.WorkflowStatus) error {
	failures := 0
	for len(ex.compStack) > 0 {
		entry := ex.compStack[len(ex.compStack)-1]
		ex.compStack = ex.compStack[:len(ex.compStack)-1]

		execErr := e.executeCompensation(ctx, ex, entry)
		success := execErr == nil
		errMsg := ""
		if execErr != nil {
			errMsg = execErr.Error()
			failures++
			e.logger.Error("compensation failed",
				"workflow_id", ex.id, "step", entry.stepName, "error", execErr)
		}

		now := e.clock()
		action := entry.desc.CapabilityID
		if action == "" {
			action = "closure"
		}
		var perr error
		if entry.rowID > 0 {
			perr = e.store.MarkCompensationExecuted(ctx, entry.rowID, now, success, errMsg)
		} else {
			perr = e.store.LogCompensation(ctx, ex.id, entry.stepName, action, entry.desc.Inputs, now, success, errMsg)
		}
		if perr != nil {
			// Put the entry back so a later recovery pass sees a
			// consistent stack.
			ex.compStack = append(ex.compStack, entry)
			return perr
		}

		e.audit.Append(ctx, contracts.AuditCompensation, "engine", ex.id, entry.stepName, map[string]any{
			"action":  action,
			"success": success,
			"error":   errMsg,
		})
		e.metrics.CompensationRun(ctx, success)
	}

	msg := cause.Error()
	if failures > 0 {
		msg = fmt.Sprintf("%s; partial_rollback=true (%d compensation(s) failed)", msg, failures)
	}
	now := e.clock()
	if err := e.transition(ctx, ex, terminal, msg, &now); err != nil {
		return err
	}
	e.metrics.WorkflowFinished(ctx, string(terminal))
	e.logger.Info("rollback finished",
		"workflow_id", ex.id, "status", terminal, "failed_compensations", failures)
	return nil
}

// executeCompensation runs one undo. The intent form goes through the
// registry regardless of lifecycle state, since freezing a capability must
// not strand the undo of work it already did. The closure form is a direct
// call and only exists for executions that never left this process.
func (e *Engine) executeCompensation(ctx context.Context, ex *execution, entry compEntry) error {
	switch {
	case entry.desc.HasIntent():
		handler, err := e.registry.ResolveHandler(entry.desc.CapabilityID)
		if err != nil {
			return &contracts.CompensationError{StepName: entry.stepName, Err: err}
		}
		ec := registry.ExecutionContext{WorkflowID: ex.id, StepName: entry.stepName, AgentName: "engine"}
		if _, _, err := handler.Execute(ctx, entry.desc.Inputs, ec); err != nil {
			return &contracts.CompensationError{StepName: entry.stepName, Err: err}
		}
		return nil
	case entry.desc.HasClosure():
		if err := entry.desc.Undo(ctx); err != nil {
			return &contracts.CompensationError{StepName: entry.stepName, Err: err}
		}
		return nil
	default:
		return nil
	}
}
