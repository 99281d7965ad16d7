package engine

import (
	"context"

	"github.com/Mindburn-Labs/capstan/pkg/contracts"
	"github.com/Mindburn-Labs/capstan/pkg/store"
)

// rebuild reconstructs execution state from persistence alone: the spec
// from the workflow row, progress from the step rows, and the compensation
// stack from the pending rows. Nothing is re-executed.
func (e *Engine) rebuild(ctx context.Context, workflowID string) (*execution, error) {
	row, steps, comps, err := e.store.LoadWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	spec, err := contracts.ParseWorkflowSpec([]byte(row.SpecYAML))
	if err != nil {
		return nil, err
	}

	ex := newExecution(row.ID, spec)
	ex.status = row.Status

	completed, paused := replaySteps(steps)
	for _, name := range completed {
		ex.markCompleted(name)
	}
	if row.Status == contracts.WorkflowPaused {
		ex.pausedStep = paused
	}

	for name, outputs := range replayOutputs(steps) {
		for k, v := range outputs {
			ex.stepOutputs[name+"."+k] = v
		}
	}

	// Pending rows were inserted in completion order, so appending them in
	// insertion order rebuilds the stack with the most recent step on top.
	for _, c := range comps {
		if c.ExecutedAt != nil {
			continue
		}
		ex.compStack = append(ex.compStack, compEntry{
			stepName: c.StepName,
			desc: contracts.CompensationDescriptor{
				CapabilityID: c.CompensationAction,
				Inputs:       c.Inputs,
			},
			rowID: c.ID,
		})
	}
	return ex, nil
}

// replaySteps folds the append-only step rows into final per-step state:
// the latest row for a step wins. It returns completed step names in the
// order they first finished, plus the name of the step whose latest row is
// PAUSED, if any.
func replaySteps(steps []store.StepRow) (completed []string, paused string) {
	final := make(map[string]contracts.StepStatus, len(steps))
	var order []string
	for _, row := range steps {
		if _, seen := final[row.StepName]; !seen {
			order = append(order, row.StepName)
		}
		final[row.StepName] = row.Status
	}
	for _, name := range order {
		switch final[name] {
		case contracts.StepCompleted:
			completed = append(completed, name)
		case contracts.StepPaused:
			paused = name
		}
	}
	return completed, paused
}

// replayOutputs returns the outputs of the latest COMPLETED row per step.
func replayOutputs(steps []store.StepRow) map[string]map[string]any {
	out := make(map[string]map[string]any)
	for _, row := range steps {
		if row.Status == contracts.StepCompleted && row.Outputs != nil {
			out[row.StepName] = row.Outputs
		} else if row.Status != contracts.StepCompleted {
			delete(out, row.StepName)
		}
	}
	return out
}
