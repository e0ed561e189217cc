package api

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/trinity-controlplane/trinity/internal/accessmatrix"
	"github.com/trinity-controlplane/trinity/internal/common/httpmw"
	"github.com/trinity-controlplane/trinity/internal/common/trinityerr"
	"github.com/trinity-controlplane/trinity/internal/domain"
	"github.com/trinity-controlplane/trinity/internal/execqueue"
	"github.com/trinity-controlplane/trinity/internal/lifecycle"
)

// listAgents returns every agent the caller's Access Matrix view
// permits, filtering the full list one Check call at a time rather than
// pushing visibility into the repository layer.
func (h *handler) listAgents(c *gin.Context) {
	principal, ok := h.principal(c)
	if !ok {
		return
	}
	all, err := h.deps.Lifecycle.List(c.Request.Context())
	if err != nil {
		httpmw.RespondError(c, err)
		return
	}
	visible := make([]*domain.Agent, 0, len(all))
	for _, agent := range all {
		if err := h.deps.Matrix.Check(c.Request.Context(), principal, accessmatrix.ActionView, accessmatrix.Target{AgentName: agent.Name}); err == nil {
			visible = append(visible, agent)
		}
	}
	c.JSON(http.StatusOK, gin.H{"agents": visible})
}

type createAgentRequest struct {
	Name            string                `json:"name" binding:"required"`
	TemplateRef     string                `json:"template_ref" binding:"required"`
	AutonomyEnabled bool                  `json:"autonomy_enabled"`
	Resources       domain.ResourceLimits `json:"resources"`
	Env             map[string]string     `json:"env"`
}

// createAgent implements POST /agents. Any authenticated user may
// create an agent; ownership is assigned to the caller.
func (h *handler) createAgent(c *gin.Context) {
	principal, ok := h.principal(c)
	if !ok {
		return
	}
	var req createAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.RespondError(c, trinityerr.New(trinityerr.InvalidInput, "malformed create-agent request"))
		return
	}

	agent, err := h.deps.Lifecycle.CreateAgent(c.Request.Context(), lifecycle.CreateOptions{
		Name:            req.Name,
		TemplateRef:     req.TemplateRef,
		OwnerUserID:     principal.UserID,
		AutonomyEnabled: req.AutonomyEnabled,
		Resources:       req.Resources,
		Env:             req.Env,
	})
	if err != nil {
		httpmw.RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}

func (h *handler) getAgent(c *gin.Context) {
	principal, ok := h.principal(c)
	if !ok {
		return
	}
	name := c.Param("name")
	if !h.authorize(c, principal, accessmatrix.ActionView, accessmatrix.Target{AgentName: name}) {
		return
	}
	agent, err := h.deps.Lifecycle.Get(c.Request.Context(), name)
	if err != nil {
		httpmw.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (h *handler) startAgent(c *gin.Context) {
	principal, ok := h.principal(c)
	if !ok {
		return
	}
	name := c.Param("name")
	if !h.authorize(c, principal, accessmatrix.ActionConfigure, accessmatrix.Target{AgentName: name}) {
		return
	}
	agent, err := h.deps.Lifecycle.StartAgent(c.Request.Context(), name)
	if err != nil {
		httpmw.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (h *handler) stopAgent(c *gin.Context) {
	principal, ok := h.principal(c)
	if !ok {
		return
	}
	name := c.Param("name")
	if !h.authorize(c, principal, accessmatrix.ActionConfigure, accessmatrix.Target{AgentName: name}) {
		return
	}
	agent, err := h.deps.Lifecycle.StopAgent(c.Request.Context(), name)
	if err != nil {
		httpmw.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (h *handler) deleteAgent(c *gin.Context) {
	principal, ok := h.principal(c)
	if !ok {
		return
	}
	name := c.Param("name")
	if !h.authorize(c, principal, accessmatrix.ActionDelete, accessmatrix.Target{AgentName: name}) {
		return
	}
	preserve := c.Query("preserve_workspace") == "true"
	if err := h.deps.Lifecycle.DeleteAgent(c.Request.Context(), name, preserve); err != nil {
		httpmw.RespondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) reloadCredentials(c *gin.Context) {
	principal, ok := h.principal(c)
	if !ok {
		return
	}
	name := c.Param("name")
	if !h.authorize(c, principal, accessmatrix.ActionConfigure, accessmatrix.Target{AgentName: name}) {
		return
	}
	result, err := h.deps.Lifecycle.ReloadCredentials(c.Request.Context(), name, h.deps.Notifier)
	if err != nil {
		httpmw.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"restart_required": result.RestartRequired, "changed": result.Changed})
}

// agentStats implements GET /agents/{name}/stats: rolling session
// context usage and accumulated cost (Session Tracker), merged with the
// agent container's live resource usage (Container Engine Adapter), per
// spec.md §6.
func (h *handler) agentStats(c *gin.Context) {
	principal, ok := h.principal(c)
	if !ok {
		return
	}
	name := c.Param("name")
	if !h.authorize(c, principal, accessmatrix.ActionView, accessmatrix.Target{AgentName: name}) {
		return
	}
	session, err := h.deps.Sessions.Get(c.Request.Context(), name)
	if err != nil {
		httpmw.RespondError(c, err)
		return
	}

	resp := gin.H{"session": session}
	containerStats, err := h.deps.Lifecycle.Stats(c.Request.Context(), name)
	if err != nil {
		h.deps.Logger.Warn("container stats unavailable", zap.String("agent", name), zap.Error(err))
	} else {
		resp["container"] = containerStats
	}
	c.JSON(http.StatusOK, resp)
}

// agentLogs implements GET /agents/{name}/logs?lines=N, streaming the
// agent container's captured stdout/stderr tail.
func (h *handler) agentLogs(c *gin.Context) {
	principal, ok := h.principal(c)
	if !ok {
		return
	}
	name := c.Param("name")
	if !h.authorize(c, principal, accessmatrix.ActionView, accessmatrix.Target{AgentName: name}) {
		return
	}
	tail := c.DefaultQuery("lines", "200")
	reader, err := h.deps.Lifecycle.Logs(c.Request.Context(), name, false, tail)
	if err != nil {
		httpmw.RespondError(c, err)
		return
	}
	defer reader.Close()
	c.Status(http.StatusOK)
	c.Header("Content-Type", "text/plain; charset=utf-8")
	if _, err := io.Copy(c.Writer, reader); err != nil {
		h.deps.Logger.Warn("log stream interrupted", zap.String("agent", name), zap.Error(err))
	}
}

func (h *handler) queueStatus(c *gin.Context) {
	principal, ok := h.principal(c)
	if !ok {
		return
	}
	name := c.Param("name")
	if !h.authorize(c, principal, accessmatrix.ActionView, accessmatrix.Target{AgentName: name}) {
		return
	}
	c.JSON(http.StatusOK, h.deps.Queue.Status(name))
}

func (h *handler) queueClear(c *gin.Context) {
	principal, ok := h.principal(c)
	if !ok {
		return
	}
	name := c.Param("name")
	if !h.authorize(c, principal, accessmatrix.ActionConfigure, accessmatrix.Target{AgentName: name}) {
		return
	}
	dropped := h.deps.Queue.Clear(c.Request.Context(), name)
	c.JSON(http.StatusOK, gin.H{"dropped": dropped})
}

func (h *handler) queueRelease(c *gin.Context) {
	principal, ok := h.principal(c)
	if !ok {
		return
	}
	name := c.Param("name")
	if !h.authorize(c, principal, accessmatrix.ActionConfigure, accessmatrix.Target{AgentName: name}) {
		return
	}
	if err := h.deps.Queue.ForceRelease(c.Request.Context(), name); err != nil {
		httpmw.RespondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type chatRequest struct {
	Message   string `json:"message" binding:"required"`
	SessionID string `json:"session-id"`
	Stream    bool   `json:"stream"`
}

// chat implements POST /agents/{name}/chat. When stream is false (the
// default) it enqueues the request and polls the execution to
// terminality before responding, matching the agent-local server's own
// synchronous chat contract (spec.md §6); streaming clients should poll
// GET /schedules/executions/{id} instead of waiting on this call.
func (h *handler) chat(c *gin.Context) {
	principal, ok := h.principal(c)
	if !ok {
		return
	}
	name := c.Param("name")
	callerAgent := c.Query("caller_agent")
	target := accessmatrix.Target{AgentName: name, CallerAgentName: callerAgent}
	if !h.authorize(c, principal, accessmatrix.ActionInvoke, target) {
		return
	}

	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.RespondError(c, trinityerr.New(trinityerr.InvalidInput, "malformed chat request"))
		return
	}

	var callerAgentPtr *string
	if callerAgent != "" {
		callerAgentPtr = &callerAgent
	}

	executionID, err := h.deps.Queue.Enqueue(c.Request.Context(), execqueue.Request{
		AgentName:     name,
		Origin:        domain.ExecutionOriginAPI,
		CallerUserID:  &principal.UserID,
		CallerAgentID: callerAgentPtr,
		Body:          req.Message,
		WaitForStart:  true,
	})
	if err != nil {
		httpmw.RespondError(c, err)
		return
	}

	if req.Stream {
		c.JSON(http.StatusAccepted, gin.H{"execution_id": executionID, "status": "queued"})
		return
	}

	execution, err := h.awaitTerminal(c, executionID)
	if err != nil {
		httpmw.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"text":   execution.ResponseSummary,
		"usage":  execution.Tokens,
		"cost":   execution.Cost,
		"status": execution.Status,
	})
}

func (h *handler) awaitTerminal(c *gin.Context, executionID string) (*domain.Execution, error) {
	deadline := time.Now().Add(h.deps.ChatWaitLimit)
	for {
		execution, err := h.deps.Executions.Get(c.Request.Context(), executionID)
		if err != nil {
			return nil, err
		}
		switch execution.Status {
		case domain.ExecutionStatusSucceeded, domain.ExecutionStatusFailed,
			domain.ExecutionStatusCancelled, domain.ExecutionStatusTimedOut:
			return execution, nil
		}
		if time.Now().After(deadline) {
			return nil, trinityerr.New(trinityerr.Timeout, "chat did not complete before the wait ceiling").WithHint(executionID)
		}
		select {
		case <-c.Request.Context().Done():
			return nil, trinityerr.Wrap(trinityerr.Cancelled, "chat wait cancelled", c.Request.Context().Err())
		case <-time.After(200 * time.Millisecond):
		}
	}
}
