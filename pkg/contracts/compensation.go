package contracts

import "context"

// CompensationDescriptor describes how to undo one completed step.
//
// The intent form (CapabilityID + resolved Inputs) is authoritative: it is
// persisted alongside the step checkpoint and re-enacted on recovery. The
// closure form (Undo) is an in-memory fast path supplied by a handler at
// execution time; it does not survive a crash. A descriptor may carry both,
// in which case rollback prefers the intent.
type CompensationDescriptor struct {
	CapabilityID string         `json:"capability_id,omitempty"`
	Inputs       map[string]any `json:"inputs,omitempty"`

	Undo func(ctx context.Context) error `json:"-" yaml:"-"`
}

// HasIntent reports whether the descriptor can be persisted and replayed.
func (d *CompensationDescriptor) HasIntent() bool {
	return d != nil && d.CapabilityID != ""
}

// HasClosure reports whether an in-memory undo callback is present.
func (d *CompensationDescriptor) HasClosure() bool {
	return d != nil && d.Undo != nil
}
