// Package main is the entry point for the Trinity control plane daemon.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trinity-controlplane/trinity/internal/accessmatrix"
	"github.com/trinity-controlplane/trinity/internal/activity"
	"github.com/trinity-controlplane/trinity/internal/agentclient"
	"github.com/trinity-controlplane/trinity/internal/api"
	"github.com/trinity-controlplane/trinity/internal/approval"
	"github.com/trinity-controlplane/trinity/internal/common/config"
	"github.com/trinity-controlplane/trinity/internal/common/logger"
	"github.com/trinity-controlplane/trinity/internal/common/tracing"
	"github.com/trinity-controlplane/trinity/internal/containerengine"
	"github.com/trinity-controlplane/trinity/internal/credentials"
	"github.com/trinity-controlplane/trinity/internal/domain"
	"github.com/trinity-controlplane/trinity/internal/eventbus"
	"github.com/trinity-controlplane/trinity/internal/execqueue"
	"github.com/trinity-controlplane/trinity/internal/gateway"
	"github.com/trinity-controlplane/trinity/internal/lifecycle"
	"github.com/trinity-controlplane/trinity/internal/notify"
	"github.com/trinity-controlplane/trinity/internal/persistence"
	"github.com/trinity-controlplane/trinity/internal/process"
	"github.com/trinity-controlplane/trinity/internal/scheduler"
	"github.com/trinity-controlplane/trinity/internal/secrets"
	"github.com/trinity-controlplane/trinity/internal/session"
	"github.com/trinity-controlplane/trinity/internal/template"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)
	log.Info("starting trinityd")
	tracing.Init(cfg.Tracing.Endpoint, cfg.Tracing.ServiceName)

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Open the database and apply schema migrations
	db, err := persistence.Open(cfg.Database)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()
	if err := persistence.Migrate(db); err != nil {
		log.Fatal("failed to migrate database", zap.Error(err))
	}
	log.Info("database ready", zap.String("driver", cfg.Database.Driver))

	// 5. Connect the event bus: NATS when configured, in-process otherwise
	var bus eventbus.Bus
	if cfg.NATS.URL != "" {
		natsBus, err := eventbus.NewNATSBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer natsBus.Close()
		bus = natsBus
		log.Info("connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		bus = eventbus.NewMemoryBus(log)
		log.Info("using in-process event bus")
	}

	// 6. Persistence stores, one per aggregate
	userStore := persistence.NewUserStore(db)
	agentStore := persistence.NewAgentStore(db)
	shareStore := persistence.NewShareStore(db)
	invocationStore := persistence.NewInvocationStore(db)
	folderStore := persistence.NewSharedFolderStore(db)
	mcpKeyStore := persistence.NewMCPKeyStore(db)
	executionStore := persistence.NewExecutionStore(db)
	activityStore := persistence.NewActivityStore(db)
	sessionStore := persistence.NewSessionStore(db)
	scheduleStore := persistence.NewScheduleStore(db)
	definitionStore := persistence.NewProcessDefinitionStore(db)
	runStore := persistence.NewProcessRunStore(db)
	approvalStore := persistence.NewApprovalStore(db)

	// 7. Secret Store (C1)
	masterKey, err := secrets.NewMasterKeyProvider(cfg.Secrets.MasterKeyPath)
	if err != nil {
		log.Fatal("failed to initialize master key", zap.Error(err))
	}
	secretStore := secrets.NewStore(db, masterKey)

	// 8. Container Engine Adapter (C4): fall back to the in-memory fake
	// when the Docker daemon is unreachable, so a dev host without
	// Docker can still exercise the rest of the control plane.
	var engine containerengine.Engine
	dockerEngine, err := containerengine.NewDockerEngine(cfg.Engine, log)
	if err != nil {
		log.Warn("docker engine unavailable, falling back to fake engine", zap.Error(err))
		engine = containerengine.NewFakeEngine()
	} else {
		engine = dockerEngine
	}

	// 9. Template Resolver (C2)
	cloner := template.NewCloner(template.ClonerConfig{BasePath: cfg.Template.ClonePath}, log)
	resolver := template.NewResolver(cfg.Template.RegistryRoot, cloner, log)

	// 10. Credential Renderer (C3)
	renderer := credentials.NewRenderer(secretStore)

	// 11. Single HTTP client shared across every collaborator that talks
	// to an agent container's control endpoint
	agentCli := agentclient.New(30*time.Second, log)

	// 12. Lifecycle Manager (C5)
	ports := lifecycle.NewPortAllocator(cfg.Lifecycle.SSHPortRangeStart, cfg.Lifecycle.SSHPortRangeEnd, cfg.Lifecycle.HTTPPortRangeStart, cfg.Lifecycle.HTTPPortRangeEnd)
	existingAgents, err := agentStore.List(ctx)
	if err != nil {
		log.Fatal("failed to list agents for port reservation", zap.Error(err))
	}
	for _, a := range existingAgents {
		ports.Reserve(a.Name, a.Ports)
	}
	activities := activity.New(bus, activityStore, cfg.Retention, log)
	lifecycleMgr := lifecycle.New(cfg.Lifecycle, cfg.Engine, engine, resolver, renderer, agentStore, activities, agentCli, ports, log)
	go activities.StartRetentionSweep(ctx)
	go func() { // executions retention sweep, on its own window
		ticker := time.NewTicker(time.Duration(max(cfg.Retention.SweepIntervalMinutes, 1)) * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-time.Duration(cfg.Retention.ExecutionWindowHours) * time.Hour)
				if err := executionStore.DeleteOlderThan(ctx, cutoff); err != nil {
					log.Error("execution retention sweep failed", zap.Error(err))
				}
			}
		}
	}()

	// 13. Execution Queue (C7)
	queue := execqueue.New(cfg.Queue, agentStore, executionStore, activities, agentCli, log, uuid.NewString)

	// 14. Session/Context Tracker (C9)
	sessions := session.New(sessionStore)

	// 15. Access Matrix (C6)
	matrix := accessmatrix.New(userStore, agentStore, shareStore, invocationStore)
	keyResolver := accessmatrix.NewKeyResolver(mcpKeyStore)

	// 16. Scheduler (C10), fed through an adapter onto the Execution Queue
	sched := scheduler.New(cfg.Scheduler, scheduleStore, executionStore, &queueEnqueuer{queue: queue}, log, nil)
	if err := sched.Start(ctx); err != nil {
		log.Fatal("failed to start scheduler", zap.Error(err))
	}

	// 17. Process Engine collaborators (C11) and the engine itself
	approvals := approval.New(approvalStore, log)
	notifier := notify.New(log)
	agentTasks := process.NewQueueAgentTaskRunner(queue, executionStore)
	subProcess := process.NewSelfSubProcessRunner(definitionStore)
	engineProc := process.New(runStore, definitionStore, agentTasks, approvals, notifier, subProcess, log)
	subProcess.Bind(engineProc)

	// 18. Public API Surface (C12): HTTP router
	deps := &api.Deps{
		Lifecycle:     lifecycleMgr,
		Queue:         queue,
		Activities:    activities,
		Sessions:      sessions,
		Scheduler:     sched,
		Process:       engineProc,
		Approvals:     approvals,
		Matrix:        matrix,
		KeyResolver:   keyResolver,
		Notifier:      agentCli,
		Secrets:       secretStore,
		Users:         userStore,
		Schedules:     scheduleStore,
		Executions:    executionStore,
		Definitions:   definitionStore,
		Runs:          runStore,
		Shares:        shareStore,
		Invocations:   invocationStore,
		Folders:       folderStore,
		MCPKeys:       mcpKeyStore,
		JWTSecret:     cfg.Auth.JWTSecret,
		SessionTTL:    time.Duration(cfg.Auth.TokenDuration) * time.Second,
		ChatWaitLimit: cfg.Queue.RequestTimeoutDuration(),
		Logger:        log,
	}
	router := api.NewRouter(cfg.Server, deps)

	// 19. WebSocket gateway (Public API Surface's second half)
	hub := gateway.NewHub(activities, matrix, lifecycleMgr, engine, log)
	go hub.Run(ctx)
	wsHandler := gateway.NewHandler(hub, cfg.Auth.JWTSecret, keyResolver, log)
	router.GET("/ws", wsHandler.HandleConnection)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// 20. HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	// 21. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down trinityd")

	// 22. Graceful shutdown
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}
	sched.Stop()
	activities.Stop()
	log.Info("trinityd stopped")
}

// queueEnqueuer bridges execqueue.Manager's request-struct Enqueue onto
// the narrow positional shape the Scheduler fires schedules through.
type queueEnqueuer struct {
	queue *execqueue.Manager
}

func (e *queueEnqueuer) Enqueue(ctx context.Context, agentName, body string, origin domain.ExecutionOrigin) (string, error) {
	return e.queue.Enqueue(ctx, execqueue.Request{AgentName: agentName, Origin: origin, Body: body})
}
