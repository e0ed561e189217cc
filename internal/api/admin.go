package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/trinity-controlplane/trinity/internal/common/httpmw"
)

// pauseAllSchedules implements POST /admin/schedules/pause-all: the
// emergency stop for the Scheduler, per spec.md §4.
func (h *handler) pauseAllSchedules(c *gin.Context) {
	h.deps.Scheduler.PauseAll()
	c.JSON(http.StatusOK, gin.H{"emergency_paused": true})
}

// resumeAllSchedules implements POST /admin/schedules/resume-all.
func (h *handler) resumeAllSchedules(c *gin.Context) {
	h.deps.Scheduler.ResumeAll()
	c.JSON(http.StatusOK, gin.H{"emergency_paused": false})
}

// orphanedAgents implements GET /admin/agents/orphaned: containers the
// Container Engine Adapter reports as trinity agents with no matching
// agent record, left behind by a crash or manual host surgery.
func (h *handler) orphanedAgents(c *gin.Context) {
	orphaned, err := h.deps.Lifecycle.OrphanedContainers(c.Request.Context())
	if err != nil {
		httpmw.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"containers": orphaned})
}
