package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"signoff/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const approvalColumns = `id,workflow_kind,workflow_ref_id,status,requires_all,current_step_id,requested_by,created_at,updated_at`

func scanApproval(row interface{ Scan(...any) error }) (domain.Approval, error) {
	var a domain.Approval
	var requiresAll int
	var current sql.NullInt64
	err := row.Scan(&a.ID, &a.WorkflowKind, &a.WorkflowRefID, &a.Status, &requiresAll, &current, &a.RequestedByID, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.RequiresAllSteps = requiresAll != 0
	if current.Valid {
		v := current.Int64
		a.CurrentStepID = &v
	}
	return a, nil
}

// InsertApprovalTx inserts the approval row and returns its id. The current
// step pointer is set separately once the step rows exist.
func (r Repo) InsertApprovalTx(ctx context.Context, tx *sql.Tx, a domain.Approval) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO approvals(workflow_kind,workflow_ref_id,status,requires_all,requested_by,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		a.WorkflowKind, a.WorkflowRefID, a.Status, boolToInt(a.RequiresAllSteps), a.RequestedByID, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert approval: %w", err)
	}
	return res.LastInsertId()
}

func (r Repo) InsertStepTx(ctx context.Context, tx *sql.Tx, s domain.ApprovalStep) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO approval_steps(approval_id,step_order,is_required,assigned_to,status) VALUES (?,?,?,?,?)`,
		s.ApprovalID, s.StepOrder, boolToInt(s.IsRequired), s.AssignedToID, s.Status)
	if err != nil {
		return 0, fmt.Errorf("insert step %d: %w", s.StepOrder, err)
	}
	return res.LastInsertId()
}

// SetCurrentStepTx points a freshly created approval at its first step.
func (r Repo) SetCurrentStepTx(ctx context.Context, tx *sql.Tx, approvalID, stepID int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE approvals SET current_step_id=? WHERE id=?`, stepID, approvalID)
	return err
}

func (r Repo) GetApproval(ctx context.Context, id int64) (domain.Approval, error) {
	return scanApproval(r.DB.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id=?`, id))
}

func (r Repo) GetApprovalTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Approval, error) {
	return scanApproval(tx.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id=?`, id))
}

const stepColumns = `s.id,s.approval_id,s.step_order,s.is_required,s.assigned_to,COALESCE(a.display_name,''),s.status,s.comment,s.reason,s.decided_at`

func scanStep(row interface{ Scan(...any) error }) (domain.ApprovalStep, error) {
	var s domain.ApprovalStep
	var required int
	var comment, reason, decidedAt sql.NullString
	err := row.Scan(&s.ID, &s.ApprovalID, &s.StepOrder, &required, &s.AssignedToID, &s.AssignedToName, &s.Status, &comment, &reason, &decidedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.IsRequired = required != 0
	if comment.Valid {
		s.Comment = &comment.String
	}
	if reason.Valid {
		s.Reason = &reason.String
	}
	if decidedAt.Valid {
		s.DecidedAt = &decidedAt.String
	}
	return s, nil
}

const stepQuery = `SELECT ` + stepColumns + ` FROM approval_steps s LEFT JOIN actors a ON a.id=s.assigned_to`

func (r Repo) GetStep(ctx context.Context, id int64) (domain.ApprovalStep, error) {
	return scanStep(r.DB.QueryRowContext(ctx, stepQuery+` WHERE s.id=?`, id))
}

func (r Repo) GetStepTx(ctx context.Context, tx *sql.Tx, id int64) (domain.ApprovalStep, error) {
	return scanStep(tx.QueryRowContext(ctx, stepQuery+` WHERE s.id=?`, id))
}

func stepRows(rows *sql.Rows, err error) ([]domain.ApprovalStep, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ApprovalStep
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r Repo) ListSteps(ctx context.Context, approvalID int64) ([]domain.ApprovalStep, error) {
	rows, err := r.DB.QueryContext(ctx, stepQuery+` WHERE s.approval_id=? ORDER BY s.step_order`, approvalID)
	return stepRows(rows, err)
}

func (r Repo) ListStepsTx(ctx context.Context, tx *sql.Tx, approvalID int64) ([]domain.ApprovalStep, error) {
	rows, err := tx.QueryContext(ctx, stepQuery+` WHERE s.approval_id=? ORDER BY s.step_order`, approvalID)
	return stepRows(rows, err)
}

// ListPendingStepsForActor returns steps the actor is currently waited on,
// i.e. pending steps that are the current step of a pending approval.
func (r Repo) ListPendingStepsForActor(ctx context.Context, actorID string) ([]domain.ApprovalStep, error) {
	rows, err := r.DB.QueryContext(ctx, stepQuery+`
JOIN approvals ap ON ap.id=s.approval_id AND ap.current_step_id=s.id
WHERE s.assigned_to=? AND s.status='PENDING' AND ap.status='PENDING'
ORDER BY s.id`, actorID)
	return stepRows(rows, err)
}

// ApprovalFilter narrows ListApprovals.
type ApprovalFilter struct {
	WorkflowKind  string
	WorkflowRefID string
	Status        string
	Limit         int
}

func (r Repo) ListApprovals(ctx context.Context, f ApprovalFilter) ([]domain.Approval, error) {
	var (
		where []string
		args  []any
	)
	if f.WorkflowKind != "" {
		where = append(where, "workflow_kind=?")
		args = append(args, f.WorkflowKind)
	}
	if f.WorkflowRefID != "" {
		where = append(where, "workflow_ref_id=?")
		args = append(args, f.WorkflowRefID)
	}
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + approvalColumns + ` FROM approvals`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DecideStepTx applies a decision to a step conditioned on it still being
// PENDING. A false return means a concurrent transition won the race (or the
// step was already decided); the caller must treat that as a conflict, never
// retry the write.
func (r Repo) DecideStepTx(ctx context.Context, tx *sql.Tx, stepID int64, status domain.StepStatus, comment, reason *string, decidedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE approval_steps SET status=?, comment=?, reason=?, decided_at=? WHERE id=? AND status='PENDING'`,
		status, nullableString(comment), nullableString(reason), decidedAt, stepID)
	if err != nil {
		return false, fmt.Errorf("decide step: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// FinishApprovalTx marks the approval terminal and clears the current step
// pointer, conditioned on the approval still being pending on fromStepID.
func (r Repo) FinishApprovalTx(ctx context.Context, tx *sql.Tx, approvalID int64, status domain.ApprovalStatus, fromStepID int64, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE approvals SET status=?, current_step_id=NULL, updated_at=? WHERE id=? AND status='PENDING' AND current_step_id=?`,
		status, updatedAt, approvalID, fromStepID)
	if err != nil {
		return false, fmt.Errorf("finish approval: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// AdvanceApprovalTx moves the current step pointer forward, conditioned the
// same way as FinishApprovalTx.
func (r Repo) AdvanceApprovalTx(ctx context.Context, tx *sql.Tx, approvalID, fromStepID, toStepID int64, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE approvals SET current_step_id=?, updated_at=? WHERE id=? AND status='PENDING' AND current_step_id=?`,
		toStepID, updatedAt, approvalID, fromStepID)
	if err != nil {
		return false, fmt.Errorf("advance approval: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableString(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
