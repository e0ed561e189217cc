package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/trinity-controlplane/trinity/internal/common/trinityerr"
	"github.com/trinity-controlplane/trinity/internal/domain"
)

const approvalsSchema = `
CREATE TABLE IF NOT EXISTS approvals (
	run_id      TEXT NOT NULL,
	step_id     TEXT NOT NULL,
	approvers   TEXT NOT NULL DEFAULT '[]',
	status      TEXT NOT NULL,
	resolved_by TEXT,
	created_at  TIMESTAMP NOT NULL,
	resolved_at TIMESTAMP,
	PRIMARY KEY (run_id, step_id)
);
`

type approvalRow struct {
	RunID      string     `db:"run_id"`
	StepID     string     `db:"step_id"`
	Approvers  string     `db:"approvers"`
	Status     string     `db:"status"`
	ResolvedBy string     `db:"resolved_by"`
	CreatedAt  time.Time  `db:"created_at"`
	ResolvedAt *time.Time `db:"resolved_at"`
}

func (r approvalRow) toDomain() (*domain.Approval, error) {
	a := &domain.Approval{
		RunID: r.RunID, StepID: r.StepID, Status: domain.ApprovalStatus(r.Status),
		ResolvedBy: r.ResolvedBy, CreatedAt: r.CreatedAt, ResolvedAt: r.ResolvedAt,
	}
	if err := json.Unmarshal([]byte(r.Approvers), &a.Approvers); err != nil {
		return nil, err
	}
	return a, nil
}

const approvalColumns = `run_id, step_id, approvers, status, resolved_by, created_at, resolved_at`

// ApprovalStore persists the human_approval step bookkeeping that
// outlives the in-memory decision channel internal/approval hands back
// to the Process Engine.
type ApprovalStore struct {
	db *sqlx.DB
}

// NewApprovalStore builds an ApprovalStore over an already-migrated handle.
func NewApprovalStore(db *sqlx.DB) *ApprovalStore { return &ApprovalStore{db: db} }

// Create inserts a pending approval record.
func (s *ApprovalStore) Create(ctx context.Context, runID, stepID string, approvers []string) error {
	encoded, err := json.Marshal(approvers)
	if err != nil {
		return trinityerr.Wrap(trinityerr.Internal, "marshal approvers", err)
	}
	query := s.db.Rebind(`
		INSERT INTO approvals (` + approvalColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query, runID, stepID, string(encoded), string(domain.ApprovalStatusPending), "", time.Now().UTC(), nil)
	if err != nil {
		return trinityerr.Wrap(trinityerr.Conflict, "insert approval", err)
	}
	return nil
}

// Get resolves one step's approval record.
func (s *ApprovalStore) Get(ctx context.Context, runID, stepID string) (*domain.Approval, error) {
	var row approvalRow
	query := s.db.Rebind(`SELECT ` + approvalColumns + ` FROM approvals WHERE run_id = ? AND step_id = ?`)
	if err := s.db.GetContext(ctx, &row, query, runID, stepID); err != nil {
		if err == sql.ErrNoRows {
			return nil, trinityerr.New(trinityerr.NotFound, "approval not found").WithHint(runID + "/" + stepID)
		}
		return nil, trinityerr.Wrap(trinityerr.Internal, "get approval", err)
	}
	return row.toDomain()
}

// Resolve records a terminal decision against a pending approval.
func (s *ApprovalStore) Resolve(ctx context.Context, runID, stepID string, status domain.ApprovalStatus, resolvedBy string) error {
	query := s.db.Rebind(`
		UPDATE approvals SET status = ?, resolved_by = ?, resolved_at = ?
		WHERE run_id = ? AND step_id = ? AND status = ?`)
	result, err := s.db.ExecContext(ctx, query, string(status), resolvedBy, time.Now().UTC(), runID, stepID, string(domain.ApprovalStatusPending))
	if err != nil {
		return trinityerr.Wrap(trinityerr.Internal, "resolve approval", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return trinityerr.New(trinityerr.Conflict, "approval is not pending").WithHint(runID + "/" + stepID)
	}
	return nil
}

// ListPendingForApprover returns every approval awaiting a decision
// where approverID appears in the approvers list.
func (s *ApprovalStore) ListPendingForApprover(ctx context.Context, approverID string) ([]*domain.Approval, error) {
	var rows []approvalRow
	query := s.db.Rebind(`SELECT ` + approvalColumns + ` FROM approvals WHERE status = ? ORDER BY created_at`)
	if err := s.db.SelectContext(ctx, &rows, query, string(domain.ApprovalStatusPending)); err != nil {
		return nil, trinityerr.Wrap(trinityerr.Internal, "list pending approvals", err)
	}
	out := make([]*domain.Approval, 0, len(rows))
	for _, r := range rows {
		a, err := r.toDomain()
		if err != nil {
			return nil, trinityerr.Wrap(trinityerr.Internal, "unmarshal approval", err)
		}
		for _, approver := range a.Approvers {
			if approver == approverID {
				out = append(out, a)
				break
			}
		}
	}
	return out, nil
}
