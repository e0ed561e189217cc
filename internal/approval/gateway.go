// Package approval implements the human_approval step's decision
// channel for the Process Engine (C11): a pending-approval record
// survives in internal/persistence, while the channel the engine
// actually blocks on lives in memory, keyed the same way the gateway's
// terminal-session slots are (internal/gateway's Hub.terminalSlots).
package approval

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/trinity-controlplane/trinity/internal/common/logger"
	"github.com/trinity-controlplane/trinity/internal/common/trinityerr"
	"github.com/trinity-controlplane/trinity/internal/domain"
)

// Store persists approval bookkeeping; satisfied by
// internal/persistence.ApprovalStore.
type Store interface {
	Create(ctx context.Context, runID, stepID string, approvers []string) error
	Get(ctx context.Context, runID, stepID string) (*domain.Approval, error)
	Resolve(ctx context.Context, runID, stepID string, status domain.ApprovalStatus, resolvedBy string) error
	ListPendingForApprover(ctx context.Context, approverID string) ([]*domain.Approval, error)
}

// Gateway implements process.ApprovalGateway. A decision reaches a
// blocked step only through Resolve, called from the API route an
// approver hits; nothing else can unblock a pending step.
type Gateway struct {
	store  Store
	logger *logger.Logger

	mu      sync.Mutex
	pending map[string]chan bool
}

// New builds a Gateway over an already-migrated Store.
func New(store Store, log *logger.Logger) *Gateway {
	return &Gateway{
		store:   store,
		logger:  log.WithFields(zap.String("component", "approval")),
		pending: make(map[string]chan bool),
	}
}

func slotKey(runID, stepID string) string { return runID + "|" + stepID }

// RequestApproval persists a pending record and hands the engine a
// channel it will receive exactly one decision on.
func (g *Gateway) RequestApproval(ctx context.Context, runID, stepID string, approvers []string) (<-chan bool, error) {
	if err := g.store.Create(ctx, runID, stepID, approvers); err != nil {
		return nil, err
	}
	ch := make(chan bool, 1)
	g.mu.Lock()
	g.pending[slotKey(runID, stepID)] = ch
	g.mu.Unlock()
	return ch, nil
}

// CancelApproval withdraws a pending decision, used when the owning run
// is cancelled or the step's wait ceiling elapses.
func (g *Gateway) CancelApproval(ctx context.Context, runID, stepID string) {
	g.mu.Lock()
	ch, ok := g.pending[slotKey(runID, stepID)]
	delete(g.pending, slotKey(runID, stepID))
	g.mu.Unlock()
	if ok {
		close(ch)
	}
	if err := g.store.Resolve(ctx, runID, stepID, domain.ApprovalStatusCancelled, ""); err != nil {
		g.logger.Debug("cancel approval: record already resolved", zap.String("run_id", runID), zap.String("step_id", stepID), zap.Error(err))
	}
}

// Resolve delivers an approver's decision to the blocked step, if one
// is still pending. Returns Forbidden if approverID is not among the
// step's named approvers, Conflict if the approval already resolved.
func (g *Gateway) Resolve(ctx context.Context, runID, stepID string, approved bool, approverID string) error {
	record, err := g.store.Get(ctx, runID, stepID)
	if err != nil {
		return err
	}
	if record.Status != domain.ApprovalStatusPending {
		return trinityerr.New(trinityerr.Conflict, "approval already resolved").WithHint(string(record.Status))
	}
	authorized := false
	for _, approver := range record.Approvers {
		if approver == approverID {
			authorized = true
			break
		}
	}
	if !authorized {
		return trinityerr.New(trinityerr.Forbidden, "not an approver for this step").WithHint(approverID)
	}

	status := domain.ApprovalStatusRejected
	if approved {
		status = domain.ApprovalStatusApproved
	}
	if err := g.store.Resolve(ctx, runID, stepID, status, approverID); err != nil {
		return err
	}

	g.mu.Lock()
	ch, ok := g.pending[slotKey(runID, stepID)]
	delete(g.pending, slotKey(runID, stepID))
	g.mu.Unlock()
	if ok {
		ch <- approved
		close(ch)
	}
	return nil
}

// ListPendingForApprover surfaces the steps awaiting approverID's decision.
func (g *Gateway) ListPendingForApprover(ctx context.Context, approverID string) ([]*domain.Approval, error) {
	return g.store.ListPendingForApprover(ctx, approverID)
}
