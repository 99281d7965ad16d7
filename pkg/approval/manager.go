// Package approval pauses workflows at human gates, notifies an external
// approver over a webhook, and records the eventual decision.
//
// Webhook delivery is best-effort: a failed delivery does not by itself
// abort the pause. What happens next is governed by the configured fail
// mode; the default is PAUSE, meaning the workflow stays paused and must
// be resumed out of band.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/capstan/pkg/contracts"
	"github.com/Mindburn-Labs/capstan/pkg/store"
)

// FailMode is the action taken when webhook delivery fails.
type FailMode string

const (
	FailModeAllow FailMode = "ALLOW"
	FailModeDeny  FailMode = "DENY"
	FailModePause FailMode = "PAUSE"
)

// Valid reports whether the fail mode is one of the known values.
func (m FailMode) Valid() bool {
	switch m {
	case FailModeAllow, FailModeDeny, FailModePause:
		return true
	}
	return false
}

// Manager tracks approval gates. Records are persisted so a pause survives
// a process crash; the pending set is keyed by (workflow_id, step_name).
type Manager struct {
	store    *store.Store
	notifier Notifier
	failMode FailMode
	clock    func() time.Time
	logger   *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithNotifier sets the webhook notifier. Without one, notification is
// skipped and pauses must be resumed out of band.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithFailMode overrides the webhook failure action.
func WithFailMode(mode FailMode) Option {
	return func(m *Manager) {
		if mode.Valid() {
			m.failMode = mode
		}
	}
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates an approval manager backed by the given store.
func NewManager(st *store.Store, opts ...Option) *Manager {
	m := &Manager{
		store:    st,
		failMode: FailModePause,
		clock:    time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FailMode returns the configured webhook failure action.
func (m *Manager) FailMode() FailMode { return m.failMode }

// RequestApproval persists a PENDING record and posts the webhook envelope.
// It returns the record plus whether notification was delivered (true when
// no notifier is configured: there is nothing to fail). The returned error
// is a persistence failure only; delivery failures are logged and reported
// through the boolean so the engine can apply the fail mode.
func (m *Manager) RequestApproval(ctx context.Context, workflowID, workflowName, stepName, message string, payload map[string]any, timeoutSeconds int) (*contracts.ApprovalRecord, bool, error) {
	now := m.clock()
	rec := &contracts.ApprovalRecord{
		WorkflowID:  workflowID,
		StepName:    stepName,
		Message:     message,
		RequestedAt: now,
		State:       contracts.ApprovalPending,
		Context:     contracts.SanitizePayload(payload),
	}
	if timeoutSeconds > 0 {
		expires := now.Add(time.Duration(timeoutSeconds) * time.Second)
		rec.ExpiresAt = &expires
	}
	if err := m.store.SaveApproval(ctx, rec); err != nil {
		return nil, false, err
	}

	delivered := true
	if m.notifier != nil {
		err := m.notifier.Notify(ctx, WebhookEnvelope{
			WorkflowID:   workflowID,
			WorkflowName: workflowName,
			StepName:     stepName,
			Message:      message,
			RequestedAt:  now,
			Context:      rec.Context,
		})
		if err != nil {
			delivered = false
			m.logger.Warn("approval webhook delivery failed",
				"workflow_id", workflowID, "step", stepName, "error", err)
		}
	}
	return rec, delivered, nil
}

// RecordDecision updates a gate's record. Repeating an identical decision
// is accepted and returns the stored record; a conflicting decision fails
// with ApprovalConflictError. A pending record past its deadline is
// transitioned to TIMEOUT and reported as ErrApprovalTimeout.
func (m *Manager) RecordDecision(ctx context.Context, workflowID, stepName string, decision contracts.ApprovalState, approver, rationale string) (*contracts.ApprovalRecord, error) {
	if decision != contracts.ApprovalApproved && decision != contracts.ApprovalRejected {
		return nil, fmt.Errorf("approval: decision must be APPROVED or REJECTED, got %s", decision)
	}
	rec, err := m.store.GetApproval(ctx, workflowID, stepName)
	if err != nil {
		return nil, err
	}

	now := m.clock()
	if rec.Expired(now) {
		rec.State = contracts.ApprovalTimeout
		rec.DecidedAt = &now
		if err := m.store.SaveApproval(ctx, rec); err != nil {
			return nil, err
		}
		return rec, fmt.Errorf("approval %s/%s: %w", workflowID, stepName, contracts.ErrApprovalTimeout)
	}

	switch rec.State {
	case contracts.ApprovalPending:
		rec.State = decision
		rec.Approver = approver
		rec.Rationale = rationale
		rec.DecidedAt = &now
		if err := m.store.SaveApproval(ctx, rec); err != nil {
			return nil, err
		}
		return rec, nil
	case decision:
		// Idempotent repeat.
		return rec, nil
	default:
		return nil, &contracts.ApprovalConflictError{
			WorkflowID: workflowID,
			StepName:   stepName,
			Existing:   rec.State,
			Requested:  decision,
		}
	}
}

// GetPending reads PENDING records, optionally scoped to one gate.
func (m *Manager) GetPending(ctx context.Context, workflowID, stepName string) ([]*contracts.ApprovalRecord, error) {
	recs, err := m.store.ListPendingApprovals(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if stepName == "" {
		return recs, nil
	}
	var out []*contracts.ApprovalRecord
	for _, r := range recs {
		if r.StepName == stepName {
			out = append(out, r)
		}
	}
	return out, nil
}

// ExpireOverdue transitions every pending record past its deadline to
// TIMEOUT and returns how many were expired. The engine treats a TIMEOUT
// gate the same as a rejection.
func (m *Manager) ExpireOverdue(ctx context.Context) (int, error) {
	recs, err := m.store.ListPendingApprovals(ctx, "")
	if err != nil {
		return 0, err
	}
	now := m.clock()
	expired := 0
	for _, rec := range recs {
		if !rec.Expired(now) {
			continue
		}
		rec.State = contracts.ApprovalTimeout
		rec.DecidedAt = &now
		if err := m.store.SaveApproval(ctx, rec); err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}
