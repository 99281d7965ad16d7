package contracts

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for conditions callers branch on with errors.Is.
var (
	// ErrNotFound reports a registry or store miss.
	ErrNotFound = errors.New("not found")

	// ErrCapabilityFrozen reports that a capability's lifecycle state
	// forbids execution.
	ErrCapabilityFrozen = errors.New("capability is frozen or deprecated")

	// ErrPolicyDenied reports a DENY decision.
	ErrPolicyDenied = errors.New("policy denied")

	// ErrApprovalRejected reports a human rejection at an approval gate.
	ErrApprovalRejected = errors.New("approval rejected")

	// ErrApprovalTimeout reports an approval gate that expired undecided.
	ErrApprovalTimeout = errors.New("approval timed out")

	// ErrCanceled reports a cancel request taking effect between steps.
	ErrCanceled = errors.New("workflow canceled")
)

// SpecValidationError reports schema or risk-consistency violations in a
// capability or workflow spec. The operation that produced it left no
// partial state.
type SpecValidationError struct {
	Subject    string
	Violations []string
}

func (e *SpecValidationError) Error() string {
	return fmt.Sprintf("spec validation failed for %s: %s", e.Subject, strings.Join(e.Violations, "; "))
}

// PolicyLoadError reports a malformed rule set. Fatal at construction.
type PolicyLoadError struct {
	Source string
	Err    error
}

func (e *PolicyLoadError) Error() string {
	return fmt.Sprintf("policy load failed from %s: %v", e.Source, e.Err)
}

func (e *PolicyLoadError) Unwrap() error { return e.Err }

// TemplateResolutionError reports a step input referencing an output that
// is not present. Non-retryable.
type TemplateResolutionError struct {
	StepName  string
	Reference string
}

func (e *TemplateResolutionError) Error() string {
	return fmt.Sprintf("step %q references unresolved output {{%s}}", e.StepName, e.Reference)
}

// StepExecutionError reports a capability handler failure after the retry
// budget is exhausted.
type StepExecutionError struct {
	StepName string
	Attempts int
	Err      error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %q failed after %d attempt(s): %v", e.StepName, e.Attempts, e.Err)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }

// CompensationError reports a failed compensation. Rollback continues past
// it; the workflow ends ROLLED_BACK with partial_rollback recorded.
type CompensationError struct {
	StepName string
	Err      error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("compensation for step %q failed: %v", e.StepName, e.Err)
}

func (e *CompensationError) Unwrap() error { return e.Err }

// ApprovalConflictError reports a decision that contradicts one already
// recorded for the same gate.
type ApprovalConflictError struct {
	WorkflowID string
	StepName   string
	Existing   ApprovalState
	Requested  ApprovalState
}

func (e *ApprovalConflictError) Error() string {
	return fmt.Sprintf("approval for %s/%s already %s, cannot record %s",
		e.WorkflowID, e.StepName, e.Existing, e.Requested)
}

// PersistenceError reports a failed database write. Fatal to the current
// workflow: rollback is not attempted because it could not be persisted.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure in %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// InvalidStateError reports a transition request that does not apply to the
// workflow's current status. No state change occurs.
type InvalidStateError struct {
	WorkflowID string
	Status     WorkflowStatus
	Op         string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s workflow %s in status %s", e.Op, e.WorkflowID, e.Status)
}
