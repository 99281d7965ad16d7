// Package contracts defines the shared data model of the Capstan control
// plane: capability and workflow specifications, policy types, approval
// records, audit events, and the error taxonomy.
//
// Everything in this package is passive data. Components that act on these
// types (registry, store, policy, engine) live in their own packages and
// are injected into each other at construction.
package contracts

// OperationType classifies what a capability does to the world.
type OperationType string

const (
	OpRead    OperationType = "READ"
	OpWrite   OperationType = "WRITE"
	OpDelete  OperationType = "DELETE"
	OpExecute OperationType = "EXECUTE"
	OpNetwork OperationType = "NETWORK"
)

// Valid reports whether the operation type is one of the known values.
func (o OperationType) Valid() bool {
	switch o {
	case OpRead, OpWrite, OpDelete, OpExecute, OpNetwork:
		return true
	}
	return false
}

// RiskLevel is the declared blast radius of a capability or step.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

func (r RiskLevel) rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	}
	return -1
}

// Valid reports whether the risk level is one of the known values.
func (r RiskLevel) Valid() bool { return r.rank() >= 0 }

// AtLeast reports whether r is equal to or more severe than other.
func (r RiskLevel) AtLeast(other RiskLevel) bool {
	return r.rank() >= other.rank()
}

// Decision is the output of a policy evaluation.
type Decision string

const (
	DecisionAllow           Decision = "ALLOW"
	DecisionDeny            Decision = "DENY"
	DecisionRequireApproval Decision = "REQUIRE_APPROVAL"
)

// Valid reports whether the decision is one of the known values.
func (d Decision) Valid() bool {
	switch d {
	case DecisionAllow, DecisionDeny, DecisionRequireApproval:
		return true
	}
	return false
}

// WorkflowStatus is the lifecycle state of a workflow run.
type WorkflowStatus string

const (
	WorkflowPending    WorkflowStatus = "PENDING"
	WorkflowRunning    WorkflowStatus = "RUNNING"
	WorkflowPaused     WorkflowStatus = "PAUSED"
	WorkflowCompleted  WorkflowStatus = "COMPLETED"
	WorkflowFailed     WorkflowStatus = "FAILED"
	WorkflowRolledBack WorkflowStatus = "ROLLED_BACK"
	WorkflowCanceled   WorkflowStatus = "CANCELED"
)

// Terminal reports whether no further transitions are possible.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowRolledBack, WorkflowCanceled:
		return true
	}
	return false
}

// StepStatus is the lifecycle state of a single step execution.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepRunning   StepStatus = "RUNNING"
	StepCompleted StepStatus = "COMPLETED"
	StepPaused    StepStatus = "PAUSED"
	StepFailed    StepStatus = "FAILED"
)

// StepKind distinguishes the three node types of a workflow.
type StepKind string

const (
	KindAction        StepKind = "ACTION"
	KindHumanApproval StepKind = "HUMAN_APPROVAL"
	KindParallel      StepKind = "PARALLEL"
)

// Valid reports whether the kind is one of the known values.
func (k StepKind) Valid() bool {
	switch k {
	case KindAction, KindHumanApproval, KindParallel:
		return true
	}
	return false
}

// SideEffectScope describes where a capability's side effects land.
type SideEffectScope string

const (
	ScopeLocal    SideEffectScope = "local"
	ScopeExternal SideEffectScope = "external"
	ScopeRemote   SideEffectScope = "remote"
)

// CompensationStrategy names how a capability's effects are undone.
type CompensationStrategy string

const (
	StrategyInverse CompensationStrategy = "inverse"
	StrategyRestore CompensationStrategy = "restore"
	StrategyDelete  CompensationStrategy = "delete"
	StrategyNone    CompensationStrategy = "none"
)

// ApprovalState is the lifecycle state of a human approval record.
type ApprovalState string

const (
	ApprovalPending  ApprovalState = "PENDING"
	ApprovalApproved ApprovalState = "APPROVED"
	ApprovalRejected ApprovalState = "REJECTED"
	ApprovalTimeout  ApprovalState = "TIMEOUT"
)

// AuditLevel controls how much detail the audit trail records for a workflow.
type AuditLevel string

const (
	AuditBasic    AuditLevel = "BASIC"
	AuditDetailed AuditLevel = "DETAILED"
	AuditForensic AuditLevel = "FORENSIC"
)

// CapabilityLifecycle is the registration state of a capability.
// FROZEN and DEPRECATED capabilities remain resolvable but the engine
// refuses to execute them.
type CapabilityLifecycle string

const (
	LifecycleActive     CapabilityLifecycle = "ACTIVE"
	LifecycleFrozen     CapabilityLifecycle = "FROZEN"
	LifecycleDeprecated CapabilityLifecycle = "DEPRECATED"
)
