package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Mindburn-Labs/capstan/pkg/contracts"
)

// SaveApproval inserts or replaces the approval record for a gate. The
// table is keyed by (workflow_id, step_name); a gate has at most one
// record at a time.
func (s *Store) SaveApproval(ctx context.Context, rec *contracts.ApprovalRecord) error {
	contextJSON, err := marshalJSON(rec.Context)
	if err != nil {
		return persistErr("save_approval", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approvals (workflow_id, step_name, message, requested_at, state, approver, decided_at, rationale, expires_at, context_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(workflow_id, step_name) DO UPDATE SET
			message = excluded.message,
			requested_at = excluded.requested_at,
			state = excluded.state,
			approver = excluded.approver,
			decided_at = excluded.decided_at,
			rationale = excluded.rationale,
			expires_at = excluded.expires_at,
			context_json = excluded.context_json`,
		rec.WorkflowID, rec.StepName, nullStr(rec.Message), formatTime(rec.RequestedAt),
		string(rec.State), nullStr(rec.Approver), formatTimePtr(rec.DecidedAt),
		nullStr(rec.Rationale), formatTimePtr(rec.ExpiresAt), contextJSON)
	if err != nil {
		return persistErr("save_approval", err)
	}
	return nil
}

// GetApproval returns the record for one gate.
func (s *Store) GetApproval(ctx context.Context, workflowID, stepName string) (*contracts.ApprovalRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT workflow_id, step_name, message, requested_at, state, approver, decided_at, rationale, expires_at, context_json
		FROM approvals WHERE workflow_id = ? AND step_name = ?`, workflowID, stepName)
	rec, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, persistErr("get_approval",
			fmt.Errorf("approval %s/%s: %w", workflowID, stepName, contracts.ErrNotFound))
	}
	if err != nil {
		return nil, persistErr("get_approval", err)
	}
	return rec, nil
}

// ListPendingApprovals returns PENDING records, optionally filtered by
// workflow.
func (s *Store) ListPendingApprovals(ctx context.Context, workflowID string) ([]*contracts.ApprovalRecord, error) {
	query := `
		SELECT workflow_id, step_name, message, requested_at, state, approver, decided_at, rationale, expires_at, context_json
		FROM approvals WHERE state = ?`
	args := []any{string(contracts.ApprovalPending)}
	if workflowID != "" {
		query += ` AND workflow_id = ?`
		args = append(args, workflowID)
	}
	query += ` ORDER BY requested_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistErr("list_pending_approvals", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.ApprovalRecord
	for rows.Next() {
		rec, err := scanApproval(rows)
		if err != nil {
			return nil, persistErr("list_pending_approvals", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("list_pending_approvals", err)
	}
	return out, nil
}

func scanApproval(r rowScanner) (*contracts.ApprovalRecord, error) {
	var rec contracts.ApprovalRecord
	var requestedAt, state string
	var message, approver, decidedAt, rationale, expiresAt, contextJSON sql.NullString
	if err := r.Scan(&rec.WorkflowID, &rec.StepName, &message, &requestedAt, &state,
		&approver, &decidedAt, &rationale, &expiresAt, &contextJSON); err != nil {
		return nil, err
	}
	rec.Message = strOrEmpty(message)
	rec.State = contracts.ApprovalState(state)
	rec.Approver = strOrEmpty(approver)
	rec.Rationale = strOrEmpty(rationale)
	var err error
	if rec.RequestedAt, err = parseTime(requestedAt); err != nil {
		return nil, err
	}
	if rec.DecidedAt, err = parseTimePtr(decidedAt); err != nil {
		return nil, err
	}
	if rec.ExpiresAt, err = parseTimePtr(expiresAt); err != nil {
		return nil, err
	}
	if rec.Context, err = unmarshalJSON(contextJSON); err != nil {
		return nil, err
	}
	return &rec, nil
}
