package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/trinity-controlplane/trinity/internal/common/httpmw"
	"github.com/trinity-controlplane/trinity/internal/common/trinityerr"
	"github.com/trinity-controlplane/trinity/internal/domain"
	"github.com/trinity-controlplane/trinity/internal/lifecycle"
)

type deploySystemAgentSpec struct {
	Name            string                `json:"name" binding:"required"`
	TemplateRef     string                `json:"template_ref" binding:"required"`
	AutonomyEnabled bool                  `json:"autonomy_enabled"`
	Resources       domain.ResourceLimits `json:"resources"`
	Env             map[string]string     `json:"env"`
	Start           bool                  `json:"start"`
}

type deploySystemRequest struct {
	Agents []deploySystemAgentSpec `json:"agents" binding:"required,min=1"`
}

type deploySystemAgentResult struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// deploySystem implements POST /systems/deploy: creates (and optionally
// starts) a manifest-defined batch of agents as a single system-scoped
// call. Every agent is created under the caller's ownership; a failure
// partway through does not roll back the agents already created. Each
// CreateAgent call stands on its own; an agent whose name already exists
// fails with a Conflict.
func (h *handler) deploySystem(c *gin.Context) {
	principal, ok := h.principal(c)
	if !ok {
		return
	}

	var req deploySystemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.RespondError(c, trinityerr.New(trinityerr.InvalidInput, "malformed system manifest"))
		return
	}

	results := make([]deploySystemAgentResult, 0, len(req.Agents))
	for _, spec := range req.Agents {
		agent, err := h.deps.Lifecycle.CreateAgent(c.Request.Context(), lifecycle.CreateOptions{
			Name:            spec.Name,
			TemplateRef:     spec.TemplateRef,
			OwnerUserID:     principal.UserID,
			IsSystem:        true,
			AutonomyEnabled: spec.AutonomyEnabled,
			Resources:       spec.Resources,
			Env:             spec.Env,
		})
		if err != nil {
			results = append(results, deploySystemAgentResult{Name: spec.Name, Status: "failed", Error: err.Error()})
			continue
		}

		if spec.Start {
			agent, err = h.deps.Lifecycle.StartAgent(c.Request.Context(), agent.Name)
			if err != nil {
				results = append(results, deploySystemAgentResult{Name: spec.Name, Status: "failed", Error: err.Error()})
				continue
			}
		}
		results = append(results, deploySystemAgentResult{Name: agent.Name, Status: string(agent.Status)})
	}

	c.JSON(http.StatusOK, gin.H{"agents": results})
}
