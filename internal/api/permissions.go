package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/trinity-controlplane/trinity/internal/accessmatrix"
	"github.com/trinity-controlplane/trinity/internal/common/httpmw"
	"github.com/trinity-controlplane/trinity/internal/common/trinityerr"
	"github.com/trinity-controlplane/trinity/internal/domain"
)

// getPermissions implements GET /agents/{name}/permissions: the share
// grants attached to an agent, returned under "shares". Agent-to-agent
// invocation grants are not listed.
func (h *handler) getPermissions(c *gin.Context) {
	principal, ok := h.principal(c)
	if !ok {
		return
	}
	name := c.Param("name")
	if !h.authorize(c, principal, accessmatrix.ActionConfigure, accessmatrix.Target{AgentName: name}) {
		return
	}
	shares, err := h.deps.Shares.ListByAgent(c.Request.Context(), name)
	if err != nil {
		httpmw.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"shares": shares})
}

type putPermissionsRequest struct {
	GranteeEmail       string `json:"grantee_email" binding:"required"`
	Revoke             bool   `json:"revoke"`
	InvokerAgentName   string `json:"invoker_agent_name"`
	GrantInvocation    bool   `json:"grant_invocation"`
}

// putPermissions implements PUT /agents/{name}/permissions: grants or
// revokes a share, and optionally grants an agent-to-agent invocation
// permission in the same call.
func (h *handler) putPermissions(c *gin.Context) {
	principal, ok := h.principal(c)
	if !ok {
		return
	}
	name := c.Param("name")
	if !h.authorize(c, principal, accessmatrix.ActionConfigure, accessmatrix.Target{AgentName: name}) {
		return
	}

	var req putPermissionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.RespondError(c, trinityerr.New(trinityerr.InvalidInput, "malformed permissions request"))
		return
	}

	ctx := c.Request.Context()
	if req.Revoke {
		if err := h.deps.Shares.Revoke(ctx, name, req.GranteeEmail); err != nil {
			httpmw.RespondError(c, err)
			return
		}
	} else if req.GranteeEmail != "" {
		if err := h.deps.Shares.Grant(ctx, name, req.GranteeEmail, principal.UserID); err != nil {
			httpmw.RespondError(c, err)
			return
		}
	}

	if req.GrantInvocation && req.InvokerAgentName != "" {
		if err := h.deps.Invocations.Grant(ctx, req.InvokerAgentName, name); err != nil {
			httpmw.RespondError(c, err)
			return
		}
	}

	c.Status(http.StatusNoContent)
}

// getFolders implements GET /agents/{name}/folders: shared folder
// mounts where this agent is the consumer.
func (h *handler) getFolders(c *gin.Context) {
	principal, ok := h.principal(c)
	if !ok {
		return
	}
	name := c.Param("name")
	if !h.authorize(c, principal, accessmatrix.ActionView, accessmatrix.Target{AgentName: name}) {
		return
	}
	mounts, err := h.deps.Folders.ListByConsumer(c.Request.Context(), name)
	if err != nil {
		httpmw.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"folders": mounts})
}

type putFoldersRequest struct {
	ProducerAgentName string `json:"producer_agent_name" binding:"required"`
	Path              string `json:"path" binding:"required"`
	Unmount           bool   `json:"unmount"`
}

// putFolders implements PUT /agents/{name}/folders: mounts or unmounts
// a shared folder from a producer agent into this agent's workspace.
func (h *handler) putFolders(c *gin.Context) {
	principal, ok := h.principal(c)
	if !ok {
		return
	}
	name := c.Param("name")
	if !h.authorize(c, principal, accessmatrix.ActionConfigure, accessmatrix.Target{AgentName: name}) {
		return
	}

	var req putFoldersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.RespondError(c, trinityerr.New(trinityerr.InvalidInput, "malformed folder mount request"))
		return
	}

	mount := domain.SharedFolderMount{
		ProducerAgentID: req.ProducerAgentName,
		ConsumerAgentID: name,
		Path:            req.Path,
	}

	var err error
	if req.Unmount {
		err = h.deps.Folders.Unmount(c.Request.Context(), mount)
	} else {
		err = h.deps.Folders.Mount(c.Request.Context(), mount)
	}
	if err != nil {
		httpmw.RespondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
