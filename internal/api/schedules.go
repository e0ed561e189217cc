package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/trinity-controlplane/trinity/internal/accessmatrix"
	"github.com/trinity-controlplane/trinity/internal/common/httpmw"
	"github.com/trinity-controlplane/trinity/internal/common/trinityerr"
	"github.com/trinity-controlplane/trinity/internal/domain"
	"github.com/trinity-controlplane/trinity/internal/execqueue"
)

func (h *handler) listSchedules(c *gin.Context) {
	principal, ok := h.principal(c)
	if !ok {
		return
	}
	name := c.Param("name")
	if !h.authorize(c, principal, accessmatrix.ActionView, accessmatrix.Target{AgentName: name}) {
		return
	}
	schedules, err := h.deps.Schedules.ListByAgent(c.Request.Context(), name)
	if err != nil {
		httpmw.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": schedules})
}

type createScheduleRequest struct {
	CronExpr        string `json:"cron_expr" binding:"required"`
	Timezone        string `json:"timezone"`
	MessageTemplate string `json:"message_template" binding:"required"`
	MaxConcurrency  int    `json:"max_concurrency"`
}

func (h *handler) createSchedule(c *gin.Context) {
	principal, ok := h.principal(c)
	if !ok {
		return
	}
	name := c.Param("name")
	if !h.authorize(c, principal, accessmatrix.ActionConfigure, accessmatrix.Target{AgentName: name}) {
		return
	}

	var req createScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.RespondError(c, trinityerr.New(trinityerr.InvalidInput, "malformed schedule request"))
		return
	}
	timezone := req.Timezone
	if timezone == "" {
		timezone = "UTC"
	}

	sched := &domain.Schedule{
		ID:              uuid.NewString(),
		AgentID:         name,
		CronExpr:        req.CronExpr,
		Timezone:        timezone,
		Enabled:         true,
		MessageTemplate: req.MessageTemplate,
		MaxConcurrency:  req.MaxConcurrency,
	}
	if err := h.deps.Schedules.Create(c.Request.Context(), sched); err != nil {
		httpmw.RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sched)
}

func (h *handler) deleteSchedule(c *gin.Context) {
	principal, ok := h.principal(c)
	if !ok {
		return
	}
	name := c.Param("name")
	if !h.authorize(c, principal, accessmatrix.ActionConfigure, accessmatrix.Target{AgentName: name}) {
		return
	}
	if err := h.deps.Schedules.Delete(c.Request.Context(), c.Param("id")); err != nil {
		httpmw.RespondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// triggerSchedule implements POST /agents/{name}/schedules/{id}/trigger:
// fires a schedule's message template immediately, bypassing the cron
// evaluation but reusing the same execution-queue path a tick would.
func (h *handler) triggerSchedule(c *gin.Context) {
	principal, ok := h.principal(c)
	if !ok {
		return
	}
	name := c.Param("name")
	if !h.authorize(c, principal, accessmatrix.ActionConfigure, accessmatrix.Target{AgentName: name}) {
		return
	}

	sched, err := h.deps.Schedules.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpmw.RespondError(c, err)
		return
	}
	if sched.AgentID != name {
		httpmw.RespondError(c, trinityerr.New(trinityerr.NotFound, "schedule does not belong to agent").WithHint(name))
		return
	}

	executionID, err := h.deps.Queue.Enqueue(c.Request.Context(), execqueue.Request{
		AgentName: name,
		Origin:    domain.ExecutionOriginSchedule,
		Body:      sched.MessageTemplate,
	})
	if err != nil {
		httpmw.RespondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"execution_id": executionID})
}

// getExecution implements GET /schedules/executions/{id}: the current
// state of one queued, running, or terminated execution.
func (h *handler) getExecution(c *gin.Context) {
	principal, ok := h.principal(c)
	if !ok {
		return
	}
	execution, err := h.deps.Executions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpmw.RespondError(c, err)
		return
	}
	if !h.authorize(c, principal, accessmatrix.ActionView, accessmatrix.Target{AgentName: execution.AgentID}) {
		return
	}
	c.JSON(http.StatusOK, execution)
}
