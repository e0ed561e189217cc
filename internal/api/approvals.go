package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/trinity-controlplane/trinity/internal/common/httpmw"
	"github.com/trinity-controlplane/trinity/internal/common/trinityerr"
)

type resolveApprovalRequest struct {
	Approved bool `json:"approved"`
}

// resolveApproval implements POST /processes/runs/{runId}/steps/{stepId}/approve:
// delivers one approver's decision to a blocked human_approval step.
func (h *handler) resolveApproval(c *gin.Context) {
	principal, ok := h.principal(c)
	if !ok {
		return
	}
	if principal.Kind != httpmw.PrincipalUser {
		httpmw.RespondError(c, trinityerr.New(trinityerr.Forbidden, "only users may resolve approvals"))
		return
	}

	var req resolveApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.RespondError(c, trinityerr.New(trinityerr.InvalidInput, "malformed approval decision"))
		return
	}

	runID := c.Param("runId")
	stepID := c.Param("stepId")
	if err := h.deps.Approvals.Resolve(c.Request.Context(), runID, stepID, req.Approved, principal.UserID); err != nil {
		httpmw.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": runID, "step_id": stepID, "approved": req.Approved})
}

// listPendingApprovals implements GET /processes/approvals/pending: the
// steps awaiting the caller's own decision.
func (h *handler) listPendingApprovals(c *gin.Context) {
	principal, ok := h.principal(c)
	if !ok {
		return
	}
	pending, err := h.deps.Approvals.ListPendingForApprover(c.Request.Context(), principal.UserID)
	if err != nil {
		httpmw.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pending)
}
