// Package api implements the Public API Surface's HTTP half (C12): the
// REST router over every other component, authenticated uniformly
// through internal/common/httpmw and authorized uniformly through the
// Access Matrix. The WebSocket half lives in internal/gateway.
package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/trinity-controlplane/trinity/internal/accessmatrix"
	"github.com/trinity-controlplane/trinity/internal/activity"
	"github.com/trinity-controlplane/trinity/internal/approval"
	"github.com/trinity-controlplane/trinity/internal/common/config"
	"github.com/trinity-controlplane/trinity/internal/common/httpmw"
	"github.com/trinity-controlplane/trinity/internal/common/logger"
	"github.com/trinity-controlplane/trinity/internal/credentials"
	"github.com/trinity-controlplane/trinity/internal/execqueue"
	"github.com/trinity-controlplane/trinity/internal/lifecycle"
	"github.com/trinity-controlplane/trinity/internal/persistence"
	"github.com/trinity-controlplane/trinity/internal/process"
	"github.com/trinity-controlplane/trinity/internal/scheduler"
	"github.com/trinity-controlplane/trinity/internal/secrets"
	"github.com/trinity-controlplane/trinity/internal/session"
)

// Deps wires every collaborator a handler group needs. Built by the
// cmd/trinityd composition root.
type Deps struct {
	Lifecycle   *lifecycle.Manager
	Queue       *execqueue.Manager
	Activities  *activity.Stream
	Sessions    *session.Tracker
	Scheduler   *scheduler.Scheduler
	Process     *process.Engine
	Approvals   *approval.Gateway
	Matrix      *accessmatrix.Matrix
	KeyResolver httpmw.KeyResolver
	Notifier    credentials.AgentNotifier
	Secrets     secrets.Store

	Users       *persistence.UserStore
	Schedules   *persistence.ScheduleStore
	Executions  *persistence.ExecutionStore
	Definitions *persistence.ProcessDefinitionStore
	Runs        *persistence.ProcessRunStore
	Shares      *persistence.ShareStore
	Invocations *persistence.InvocationStore
	Folders     *persistence.SharedFolderStore
	MCPKeys     *persistence.MCPKeyStore

	JWTSecret     string
	SessionTTL    time.Duration
	ChatWaitLimit time.Duration

	Logger *logger.Logger
}

// NewRouter assembles the full Gin engine: ambient middleware, then one
// route group per resource family, matching the table in spec.md §6.
func NewRouter(cfg config.ServerConfig, deps *Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(deps.Logger, "api"))
	router.Use(httpmw.OtelTracing("api"))

	h := &handler{deps: deps}

	router.POST("/auth/login", h.login)

	authed := router.Group("/")
	authed.Use(httpmw.Authenticate(deps.JWTSecret, deps.KeyResolver))

	agents := authed.Group("/agents")
	{
		agents.GET("", h.listAgents)
		agents.POST("", h.createAgent)
		agents.GET("/:name", h.getAgent)
		agents.POST("/:name/start", h.startAgent)
		agents.POST("/:name/stop", h.stopAgent)
		agents.DELETE("/:name", h.deleteAgent)
		agents.POST("/:name/reload-credentials", h.reloadCredentials)
		agents.GET("/:name/stats", h.agentStats)
		agents.GET("/:name/logs", h.agentLogs)
		agents.GET("/:name/queue", h.queueStatus)
		agents.POST("/:name/queue/clear", h.queueClear)
		agents.POST("/:name/queue/release", h.queueRelease)
		agents.POST("/:name/chat", h.chat)
		agents.GET("/:name/permissions", h.getPermissions)
		agents.PUT("/:name/permissions", h.putPermissions)
		agents.GET("/:name/folders", h.getFolders)
		agents.PUT("/:name/folders", h.putFolders)
		agents.GET("/:name/schedules", h.listSchedules)
		agents.POST("/:name/schedules", h.createSchedule)
		agents.DELETE("/:name/schedules/:id", h.deleteSchedule)
		agents.POST("/:name/schedules/:id/trigger", h.triggerSchedule)
	}

	authed.GET("/schedules/executions/:id", h.getExecution)
	authed.POST("/systems/deploy", h.deploySystem)
	authed.POST("/processes", h.putProcessDefinition)
	authed.POST("/processes/:name/run", h.runProcess)
	authed.POST("/processes/runs/:runId/steps/:stepId/approve", h.resolveApproval)
	authed.GET("/processes/approvals/pending", h.listPendingApprovals)

	admin := authed.Group("/admin")
	admin.Use(h.requireAdmin)
	secrets.NewHandler(deps.Secrets, deps.Logger).RegisterRoutes(admin)
	admin.POST("/schedules/pause-all", h.pauseAllSchedules)
	admin.POST("/schedules/resume-all", h.resumeAllSchedules)
	admin.GET("/agents/orphaned", h.orphanedAgents)

	return router
}
