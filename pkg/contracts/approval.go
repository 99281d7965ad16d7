package contracts

import "time"

// ApprovalRecord tracks one human approval gate from request to decision.
type ApprovalRecord struct {
	WorkflowID  string         `json:"workflow_id"`
	StepName    string         `json:"step_name"`
	Message     string         `json:"message,omitempty"`
	RequestedAt time.Time      `json:"requested_at"`
	State       ApprovalState  `json:"state"`
	Approver    string         `json:"approver,omitempty"`
	DecidedAt   *time.Time     `json:"decided_at,omitempty"`
	Rationale   string         `json:"rationale,omitempty"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

// Expired reports whether a pending record has passed its deadline.
func (r *ApprovalRecord) Expired(now time.Time) bool {
	return r.State == ApprovalPending && r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}
