package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/trinity-controlplane/trinity/internal/common/httpmw"
	"github.com/trinity-controlplane/trinity/internal/common/trinityerr"
	"github.com/trinity-controlplane/trinity/internal/domain"
)

type putProcessDefinitionRequest struct {
	Name          string               `json:"name" binding:"required"`
	Trigger       domain.TriggerKind   `json:"trigger" binding:"required"`
	Steps         []domain.ProcessStep `json:"steps" binding:"required,min=1"`
	InputSchema   map[string]any       `json:"input_schema"`
	OutputBinding map[string]string    `json:"output_binding"`
}

// putProcessDefinition implements POST /processes: publishes a new
// version of a named process definition. Versions are append-only;
// an existing (name, version) pair is never mutated in place.
func (h *handler) putProcessDefinition(c *gin.Context) {
	_, ok := h.principal(c)
	if !ok {
		return
	}

	var req putProcessDefinitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.RespondError(c, trinityerr.New(trinityerr.InvalidInput, "malformed process definition"))
		return
	}

	ctx := c.Request.Context()
	version := 1
	if latest, err := h.deps.Definitions.GetLatest(ctx, req.Name); err == nil {
		version = latest.Version + 1
	}

	def := &domain.ProcessDefinition{
		Name:          req.Name,
		Version:       version,
		Trigger:       req.Trigger,
		Steps:         req.Steps,
		InputSchema:   req.InputSchema,
		OutputBinding: req.OutputBinding,
		CreatedAt:     time.Now(),
	}
	if err := h.deps.Definitions.Put(ctx, def); err != nil {
		httpmw.RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, def)
}

type runProcessRequest struct {
	Version int            `json:"version"`
	Inputs  map[string]any `json:"inputs"`
}

// runProcess implements POST /processes/{name}/run: starts a run of the
// named definition (latest published version unless one is pinned) and
// returns once the engine has created the run record; step execution
// continues asynchronously and is observed via the activity stream.
func (h *handler) runProcess(c *gin.Context) {
	_, ok := h.principal(c)
	if !ok {
		return
	}
	name := c.Param("name")

	var req runProcessRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		httpmw.RespondError(c, trinityerr.New(trinityerr.InvalidInput, "malformed process run request"))
		return
	}

	ctx := c.Request.Context()
	version := req.Version
	if version == 0 {
		latest, err := h.deps.Definitions.GetLatest(ctx, name)
		if err != nil {
			httpmw.RespondError(c, err)
			return
		}
		version = latest.Version
	}

	run, err := h.deps.Process.StartRun(ctx, name, version, req.Inputs)
	if err != nil {
		httpmw.RespondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, run)
}
