package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/capstan/pkg/contracts"
)

// WorkflowRow mirrors one row of the workflows table.
type WorkflowRow struct {
	ID           string
	Name         string
	Version      string
	Owner        string
	Status       contracts.WorkflowStatus
	SpecYAML     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
	ErrorMessage string
}

// StepRow mirrors one row of the workflow_steps table. Rows are append-only:
// a step that pauses and later completes has two rows, and the latest row
// wins during recovery replay.
type StepRow struct {
	ID           int64
	WorkflowID   string
	StepName     string
	Status       contracts.StepStatus
	Inputs       map[string]any
	Outputs      map[string]any
	StartedAt    time.Time
	CompletedAt  *time.Time
	ErrorMessage string
}

// CompensationRow mirrors one row of the compensation_log table. A row with
// a null executed_at is a pending undo the recovery path rebuilds the
// compensation stack from.
type CompensationRow struct {
	ID                 int64
	WorkflowID         string
	StepName           string
	CompensationAction string
	Inputs             map[string]any
	ExecutedAt         *time.Time
	Success            *bool
	ErrorMessage       string
}

// StepCheckpoint is the input to CheckpointStep.
type StepCheckpoint struct {
	StepName     string
	Status       contracts.StepStatus
	Inputs       map[string]any
	Outputs      map[string]any
	StartedAt    time.Time
	CompletedAt  *time.Time
	ErrorMessage string
}

// PendingCompensation is an intent-form descriptor persisted with the step
// checkpoint, before rollback ever runs.
type PendingCompensation struct {
	StepName     string
	CapabilityID string
	Inputs       map[string]any
}

// CreateWorkflow inserts the workflow row in PENDING status with the spec
// serialized verbatim.
func (s *Store) CreateWorkflow(ctx context.Context, id, name, version, owner, specYAML string) error {
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, name, version, owner, status, spec_yaml, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, name, version, owner, string(contracts.WorkflowPending), specYAML, now, now)
	if err != nil {
		return persistErr("create_workflow", err)
	}
	return nil
}

// UpdateWorkflowStatus transitions the workflow row, advancing updated_at
// and recording the error message and completion time when given.
func (s *Store) UpdateWorkflowStatus(ctx context.Context, id string, status contracts.WorkflowStatus, errorMessage string, completedAt *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows SET status = ?, updated_at = ?, error_message = ?, completed_at = ?
		WHERE id = ?`,
		string(status), formatTime(time.Now()), nullStr(errorMessage), formatTimePtr(completedAt), id)
	if err != nil {
		return persistErr("update_workflow_status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return persistErr("update_workflow_status", err)
	}
	if n == 0 {
		return persistErr("update_workflow_status", fmt.Errorf("workflow %q: %w", id, contracts.ErrNotFound))
	}
	return nil
}

// CheckpointStep records step progress atomically: the step row, the owning
// workflow's updated_at (and status when wfStatus is non-nil), and any
// pending intent-form compensations, all in one transaction. It returns the
// compensation_log row ids in insertion order so the caller can mark them
// executed during rollback.
func (s *Store) CheckpointStep(ctx context.Context, workflowID string, cp StepCheckpoint, pending []PendingCompensation, wfStatus *contracts.WorkflowStatus) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, persistErr("checkpoint_step", err)
	}
	defer func() { _ = tx.Rollback() }()

	inputs, err := marshalJSON(cp.Inputs)
	if err != nil {
		return nil, persistErr("checkpoint_step", err)
	}
	outputs, err := marshalJSON(cp.Outputs)
	if err != nil {
		return nil, persistErr("checkpoint_step", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO workflow_steps (workflow_id, step_name, status, inputs_json, outputs_json, started_at, completed_at, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		workflowID, cp.StepName, string(cp.Status), inputs, outputs,
		formatTime(cp.StartedAt), formatTimePtr(cp.CompletedAt), nullStr(cp.ErrorMessage)); err != nil {
		return nil, persistErr("checkpoint_step", err)
	}

	now := formatTime(time.Now())
	if wfStatus != nil {
		_, err = tx.ExecContext(ctx, `UPDATE workflows SET status = ?, updated_at = ? WHERE id = ?`,
			string(*wfStatus), now, workflowID)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE workflows SET updated_at = ? WHERE id = ?`, now, workflowID)
	}
	if err != nil {
		return nil, persistErr("checkpoint_step", err)
	}

	ids := make([]int64, 0, len(pending))
	for _, pc := range pending {
		compInputs, err := marshalJSON(pc.Inputs)
		if err != nil {
			return nil, persistErr("checkpoint_step", err)
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO compensation_log (workflow_id, step_name, compensation_action, inputs_json)
			VALUES (?, ?, ?, ?)`,
			workflowID, pc.StepName, pc.CapabilityID, compInputs)
		if err != nil {
			return nil, persistErr("checkpoint_step", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, persistErr("checkpoint_step", err)
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, persistErr("checkpoint_step", err)
	}
	return ids, nil
}

// LogCompensation appends an already-executed compensation entry. Used for
// closure-form compensations, which have no pending row to update.
func (s *Store) LogCompensation(ctx context.Context, workflowID, stepName, action string, inputs map[string]any, executedAt time.Time, success bool, errorMessage string) error {
	inputsJSON, err := marshalJSON(inputs)
	if err != nil {
		return persistErr("log_compensation", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO compensation_log (workflow_id, step_name, compensation_action, inputs_json, executed_at, success, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		workflowID, stepName, action, inputsJSON, formatTime(executedAt), boolToInt(success), nullStr(errorMessage))
	if err != nil {
		return persistErr("log_compensation", err)
	}
	return nil
}

// MarkCompensationExecuted fills in the outcome of a pending undo row.
func (s *Store) MarkCompensationExecuted(ctx context.Context, id int64, executedAt time.Time, success bool, errorMessage string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE compensation_log SET executed_at = ?, success = ?, error_message = ? WHERE id = ?`,
		formatTime(executedAt), boolToInt(success), nullStr(errorMessage), id)
	if err != nil {
		return persistErr("mark_compensation_executed", err)
	}
	return nil
}

// LoadWorkflow returns the workflow row plus its step rows and compensation
// log entries, both in insertion order.
func (s *Store) LoadWorkflow(ctx context.Context, id string) (*WorkflowRow, []StepRow, []CompensationRow, error) {
	wf, err := s.getWorkflow(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}

	steps, err := s.loadSteps(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	comps, err := s.loadCompensations(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	return wf, steps, comps, nil
}

func (s *Store) getWorkflow(ctx context.Context, id string) (*WorkflowRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, version, owner, status, spec_yaml, created_at, updated_at, completed_at, error_message
		FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, persistErr("load_workflow", fmt.Errorf("workflow %q: %w", id, contracts.ErrNotFound))
	}
	if err != nil {
		return nil, persistErr("load_workflow", err)
	}
	return wf, nil
}

// ListByStatus returns workflow rows whose status is in the given set,
// ordered by creation time.
func (s *Store) ListByStatus(ctx context.Context, statuses ...contracts.WorkflowStatus) ([]WorkflowRow, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, version, owner, status, spec_yaml, created_at, updated_at, completed_at, error_message
		FROM workflows WHERE status IN (`+placeholders+`) ORDER BY created_at`, args...)
	if err != nil {
		return nil, persistErr("list_by_status", err)
	}
	defer func() { _ = rows.Close() }()

	var out []WorkflowRow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, persistErr("list_by_status", err)
		}
		out = append(out, *wf)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("list_by_status", err)
	}
	return out, nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanWorkflow(r rowScanner) (*WorkflowRow, error) {
	var wf WorkflowRow
	var status, createdAt, updatedAt string
	var completedAt, errorMessage sql.NullString
	if err := r.Scan(&wf.ID, &wf.Name, &wf.Version, &wf.Owner, &status, &wf.SpecYAML,
		&createdAt, &updatedAt, &completedAt, &errorMessage); err != nil {
		return nil, err
	}
	wf.Status = contracts.WorkflowStatus(status)
	var err error
	if wf.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if wf.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if wf.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	wf.ErrorMessage = strOrEmpty(errorMessage)
	return &wf, nil
}

func (s *Store) loadSteps(ctx context.Context, workflowID string) ([]StepRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, step_name, status, inputs_json, outputs_json, started_at, completed_at, error_message
		FROM workflow_steps WHERE workflow_id = ? ORDER BY id`, workflowID)
	if err != nil {
		return nil, persistErr("load_workflow", err)
	}
	defer func() { _ = rows.Close() }()

	var out []StepRow
	for rows.Next() {
		var sr StepRow
		var status, startedAt string
		var inputs, outputs, completedAt, errorMessage sql.NullString
		if err := rows.Scan(&sr.ID, &sr.WorkflowID, &sr.StepName, &status, &inputs, &outputs,
			&startedAt, &completedAt, &errorMessage); err != nil {
			return nil, persistErr("load_workflow", err)
		}
		sr.Status = contracts.StepStatus(status)
		if sr.Inputs, err = unmarshalJSON(inputs); err != nil {
			return nil, persistErr("load_workflow", err)
		}
		if sr.Outputs, err = unmarshalJSON(outputs); err != nil {
			return nil, persistErr("load_workflow", err)
		}
		if sr.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, persistErr("load_workflow", err)
		}
		if sr.CompletedAt, err = parseTimePtr(completedAt); err != nil {
			return nil, persistErr("load_workflow", err)
		}
		sr.ErrorMessage = strOrEmpty(errorMessage)
		out = append(out, sr)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("load_workflow", err)
	}
	return out, nil
}

func (s *Store) loadCompensations(ctx context.Context, workflowID string) ([]CompensationRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, step_name, compensation_action, inputs_json, executed_at, success, error_message
		FROM compensation_log WHERE workflow_id = ? ORDER BY id`, workflowID)
	if err != nil {
		return nil, persistErr("load_workflow", err)
	}
	defer func() { _ = rows.Close() }()

	var out []CompensationRow
	for rows.Next() {
		var cr CompensationRow
		var inputs, executedAt, errorMessage sql.NullString
		var success sql.NullInt64
		if err := rows.Scan(&cr.ID, &cr.WorkflowID, &cr.StepName, &cr.CompensationAction,
			&inputs, &executedAt, &success, &errorMessage); err != nil {
			return nil, persistErr("load_workflow", err)
		}
		if cr.Inputs, err = unmarshalJSON(inputs); err != nil {
			return nil, persistErr("load_workflow", err)
		}
		if cr.ExecutedAt, err = parseTimePtr(executedAt); err != nil {
			return nil, persistErr("load_workflow", err)
		}
		if success.Valid {
			v := success.Int64 != 0
			cr.Success = &v
		}
		cr.ErrorMessage = strOrEmpty(errorMessage)
		out = append(out, cr)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("load_workflow", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
