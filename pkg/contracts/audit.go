package contracts

import (
	"strings"
	"time"
)

// AuditEventKind categorizes audit trail entries.
type AuditEventKind string

const (
	AuditWorkflowTransition AuditEventKind = "workflow_transition"
	AuditStepResult         AuditEventKind = "step_result"
	AuditPolicyDecision     AuditEventKind = "policy_decision"
	AuditApprovalEvent      AuditEventKind = "approval"
	AuditCompensation       AuditEventKind = "compensation"
	AuditError              AuditEventKind = "error"
)

// AuditEvent is one immutable entry in the append-only audit trail.
// Entries are hash-chained: EntryHash covers the payload hash and the
// previous entry's hash, so tampering breaks the chain.
type AuditEvent struct {
	ID          string         `json:"id"`
	Sequence    uint64         `json:"sequence"`
	Kind        AuditEventKind `json:"kind"`
	Actor       string         `json:"actor,omitempty"`
	WorkflowID  string         `json:"workflow_id,omitempty"`
	StepName    string         `json:"step_name,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	PayloadHash string         `json:"payload_hash"`
	PrevHash    string         `json:"prev_hash"`
	EntryHash   string         `json:"entry_hash"`
	Timestamp   time.Time      `json:"timestamp"`
}

// sensitiveKeyFragments flags parameter names whose values are masked
// before an event is recorded.
var sensitiveKeyFragments = []string{"token", "key", "password", "secret", "credential"}

const maskedValue = "***"

// SensitiveKey reports whether a parameter name should be masked.
func SensitiveKey(name string) bool {
	lower := strings.ToLower(name)
	for _, frag := range sensitiveKeyFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

// SanitizePayload returns a deep copy of m with sensitive values replaced
// by a fixed mask. The input is never mutated.
func SanitizePayload(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if SensitiveKey(k) {
			out[k] = maskedValue
			continue
		}
		switch nested := v.(type) {
		case map[string]any:
			out[k] = SanitizePayload(nested)
		case []any:
			cp := make([]any, len(nested))
			for i, item := range nested {
				if sub, ok := item.(map[string]any); ok {
					cp[i] = SanitizePayload(sub)
				} else {
					cp[i] = item
				}
			}
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}
