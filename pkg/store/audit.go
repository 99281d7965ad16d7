package store

import (
	"context"
	"database/sql"

	"github.com/Mindburn-Labs/capstan/pkg/contracts"
)

// AppendAuditEvent persists one audit trail entry. The table is insert-only;
// there is no update path.
func (s *Store) AppendAuditEvent(ctx context.Context, ev *contracts.AuditEvent) error {
	payload, err := marshalJSON(ev.Payload)
	if err != nil {
		return persistErr("append_audit_event", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, sequence, kind, actor, workflow_id, step_name, payload_json, payload_hash, prev_hash, entry_hash, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Sequence, string(ev.Kind), nullStr(ev.Actor), nullStr(ev.WorkflowID),
		nullStr(ev.StepName), payload, ev.PayloadHash, ev.PrevHash, ev.EntryHash,
		formatTime(ev.Timestamp))
	if err != nil {
		return persistErr("append_audit_event", err)
	}
	return nil
}

// LatestAuditAnchor returns the highest persisted sequence number and its
// entry hash, or zero values for an empty trail. The audit log resumes its
// chain from this anchor after a restart.
func (s *Store) LatestAuditAnchor(ctx context.Context) (uint64, string, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT sequence, entry_hash FROM audit_events ORDER BY sequence DESC LIMIT 1`)
	var seq uint64
	var hash string
	if err := row.Scan(&seq, &hash); err != nil {
		if err == sql.ErrNoRows {
			return 0, "", nil
		}
		return 0, "", persistErr("latest_audit_anchor", err)
	}
	return seq, hash, nil
}

// ListAuditEvents returns the audit trail for a workflow in sequence order.
func (s *Store) ListAuditEvents(ctx context.Context, workflowID string) ([]*contracts.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sequence, kind, actor, workflow_id, step_name, payload_json, payload_hash, prev_hash, entry_hash, timestamp
		FROM audit_events WHERE workflow_id = ? ORDER BY sequence`, workflowID)
	if err != nil {
		return nil, persistErr("list_audit_events", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.AuditEvent
	for rows.Next() {
		var ev contracts.AuditEvent
		var kind, timestamp string
		var actor, wfID, stepName, payload sql.NullString
		if err := rows.Scan(&ev.ID, &ev.Sequence, &kind, &actor, &wfID, &stepName,
			&payload, &ev.PayloadHash, &ev.PrevHash, &ev.EntryHash, &timestamp); err != nil {
			return nil, persistErr("list_audit_events", err)
		}
		ev.Kind = contracts.AuditEventKind(kind)
		ev.Actor = strOrEmpty(actor)
		ev.WorkflowID = strOrEmpty(wfID)
		ev.StepName = strOrEmpty(stepName)
		if ev.Payload, err = unmarshalJSON(payload); err != nil {
			return nil, persistErr("list_audit_events", err)
		}
		if ev.Timestamp, err = parseTime(timestamp); err != nil {
			return nil, persistErr("list_audit_events", err)
		}
		out = append(out, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("list_audit_events", err)
	}
	return out, nil
}
