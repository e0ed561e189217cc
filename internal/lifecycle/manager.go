// Package lifecycle implements the Lifecycle Manager (C5): it
// orchestrates an agent through create → materialize workspace →
// allocate ports → start container → wait healthy → register, and the
// reverse path for stop and delete (spec.md §4.1).
package lifecycle

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trinity-controlplane/trinity/internal/common/config"
	"github.com/trinity-controlplane/trinity/internal/common/logger"
	"github.com/trinity-controlplane/trinity/internal/common/trinityerr"
	"github.com/trinity-controlplane/trinity/internal/containerengine"
	"github.com/trinity-controlplane/trinity/internal/credentials"
	"github.com/trinity-controlplane/trinity/internal/domain"
	"github.com/trinity-controlplane/trinity/internal/template"
)

var agentNamePattern = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]{0,61}[a-z0-9])?$`)

// ValidateName reports whether name is DNS-safe per spec.md §3.
func ValidateName(name string) error {
	if !agentNamePattern.MatchString(name) {
		return trinityerr.New(trinityerr.InvalidInput, "agent name must be a DNS-safe label").WithHint(name)
	}
	return nil
}

// CreateOptions carries the caller-supplied parameters for CreateAgent.
type CreateOptions struct {
	Name            string
	TemplateRef     string
	OwnerUserID     string
	IsSystem        bool
	AutonomyEnabled bool
	Resources       domain.ResourceLimits
	Env             map[string]string
}

// Manager drives agent containers through the §4.1 state machine. It
// owns no container engine connection details beyond the narrow Engine
// interface, so it is testable against containerengine.FakeEngine.
type Manager struct {
	cfg        config.LifecycleConfig
	engineCfg  config.EngineConfig
	engine     containerengine.Engine
	resolver   *template.Resolver
	renderer   *credentials.Renderer
	repo       AgentRepository
	activities ActivityPublisher
	agentCli   AgentClient
	ports      *PortAllocator
	logger     *logger.Logger

	locks sync.Map // agent name -> *sync.Mutex
}

// New builds a Manager. ports should already be seeded with Reserve
// calls for any agents the repository already knows about.
func New(
	cfg config.LifecycleConfig,
	engineCfg config.EngineConfig,
	engine containerengine.Engine,
	resolver *template.Resolver,
	renderer *credentials.Renderer,
	repo AgentRepository,
	activities ActivityPublisher,
	agentCli AgentClient,
	ports *PortAllocator,
	log *logger.Logger,
) *Manager {
	return &Manager{
		cfg:        cfg,
		engineCfg:  engineCfg,
		engine:     engine,
		resolver:   resolver,
		renderer:   renderer,
		repo:       repo,
		activities: activities,
		agentCli:   agentCli,
		ports:      ports,
		logger:     log.WithFields(zap.String("component", "lifecycle")),
	}
}

func (m *Manager) lockFor(name string) *sync.Mutex {
	mu, _ := m.locks.LoadOrStore(name, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (m *Manager) workspacePath(name string) string {
	return filepath.Join(m.cfg.WorkspaceVolumeRoot, name)
}

func (m *Manager) publish(ctx context.Context, agentName string, kind domain.ActivityKind, payload map[string]any) {
	if m.activities == nil {
		return
	}
	if err := m.activities.Publish(ctx, domain.Activity{
		AgentName: agentName,
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now(),
	}); err != nil {
		m.logger.Warn("failed to publish lifecycle activity", zap.String("agent", agentName), zap.Error(err))
	}
}

// CreateAgent resolves the template, materializes the workspace,
// allocates ports, writes the agent record, and creates (but does not
// start) the container.
func (m *Manager) CreateAgent(ctx context.Context, opts CreateOptions) (*domain.Agent, error) {
	if err := ValidateName(opts.Name); err != nil {
		return nil, err
	}

	mu := m.lockFor(opts.Name)
	mu.Lock()
	defer mu.Unlock()

	if _, err := m.repo.Get(ctx, opts.Name); err == nil {
		return nil, trinityerr.New(trinityerr.Conflict, "agent name already exists").WithHint(opts.Name)
	}

	resolved, err := m.resolver.Resolve(ctx, opts.TemplateRef)
	if err != nil {
		return nil, trinityerr.Wrap(trinityerr.TemplateUnavailable, "resolve template", err)
	}

	resources := opts.Resources
	if resources.CPUNanos == 0 && resources.MemoryMiB == 0 {
		resources = resolved.Manifest.DefaultResources
	}

	ports, err := m.ports.Allocate(opts.Name)
	if err != nil {
		return nil, trinityerr.Wrap(trinityerr.Internal, "allocate ports", err)
	}

	workspace := m.workspacePath(opts.Name)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		m.ports.Release(ports)
		return nil, trinityerr.Wrap(trinityerr.Internal, "create workspace volume", err)
	}

	if _, err := m.renderer.Render(ctx, workspace, resolved.RootDir, resolved.Manifest); err != nil {
		m.ports.Release(ports)
		return nil, trinityerr.Wrap(trinityerr.Internal, "render credentials", err)
	}

	agent := &domain.Agent{
		ID:              opts.Name,
		Name:            opts.Name,
		TemplateRef:     opts.TemplateRef,
		OwnerUserID:     opts.OwnerUserID,
		IsSystem:        opts.IsSystem,
		AutonomyEnabled: opts.AutonomyEnabled,
		Resources:       resources,
		Ports:           ports,
		Status:          domain.AgentStatusCreating,
		WorkspaceVolume: workspace,
		CreatedAt:       time.Now(),
	}

	containerID, err := m.createContainer(ctx, agent, resources, ports, opts.Env)
	if err != nil {
		m.ports.Release(ports)
		return nil, err
	}
	agent.ContainerID = containerID
	agent.Status = domain.AgentStatusStopped

	if err := m.repo.Create(ctx, agent); err != nil {
		return nil, trinityerr.Wrap(trinityerr.Internal, "persist agent record", err)
	}

	m.publish(ctx, agent.Name, domain.ActivityKindLifecycle, map[string]any{"event": "lifecycle:created"})
	return agent, nil
}

func (m *Manager) createContainer(ctx context.Context, agent *domain.Agent, resources domain.ResourceLimits, ports domain.Ports, env map[string]string) (string, error) {
	image := m.engineCfg.BaseImage
	if err := m.engine.EnsureImage(ctx, image); err != nil {
		return "", trinityerr.Wrap(trinityerr.EngineUnavailable, "pull base image", err)
	}

	envList := make([]string, 0, len(env))
	for k, v := range env {
		envList = append(envList, fmt.Sprintf("%s=%s", k, v))
	}

	spec := containerengine.ContainerSpec{
		Name:       "trinity-agent-" + agent.Name,
		Image:      image,
		Env:        envList,
		WorkingDir: "/workspace",
		Mounts: []containerengine.Mount{
			{Source: agent.WorkspaceVolume, Target: "/workspace"},
		},
		PortBinds: map[string]string{
			containerengine.PortSpec(22, "tcp"):   fmt.Sprintf("%d", ports.SSHPort),
			containerengine.PortSpec(8080, "tcp"): fmt.Sprintf("%d", ports.InternalHTTP),
		},
		MemoryMiB: resources.MemoryMiB,
		CPUNanos:  resources.CPUNanos,
		Labels: map[string]string{
			"trinity.agent":    agent.Name,
			"trinity.owner":    agent.OwnerUserID,
			"trinity.template": agent.TemplateRef,
		},
	}

	containerID, err := m.engine.CreateContainer(ctx, spec)
	if err != nil {
		return "", trinityerr.Wrap(trinityerr.EngineUnavailable, "create container", err)
	}
	return containerID, nil
}

// StartAgent transitions stopped→starting→running, polling the
// agent-local health endpoint before declaring success.
func (m *Manager) StartAgent(ctx context.Context, name string) (*domain.Agent, error) {
	mu := m.lockFor(name)
	mu.Lock()
	defer mu.Unlock()

	agent, err := m.repo.Get(ctx, name)
	if err != nil {
		return nil, trinityerr.Wrap(trinityerr.NotFound, "get agent", err)
	}
	if agent.Status == domain.AgentStatusRunning {
		return agent, nil
	}
	if agent.Status != domain.AgentStatusStopped && agent.Status != domain.AgentStatusError {
		return nil, trinityerr.New(trinityerr.Conflict, "agent is not in a startable state").WithHint(string(agent.Status))
	}

	agent.Status = domain.AgentStatusStarting
	_ = m.repo.Update(ctx, agent)

	if err := m.engine.StartContainer(ctx, agent.ContainerID); err != nil {
		return m.markError(ctx, agent, "start container", err)
	}

	if err := m.waitHealthy(ctx, agent); err != nil {
		return m.markError(ctx, agent, "health check", err)
	}

	if m.agentCli != nil {
		if err := m.agentCli.InjectMetaPrompt(ctx, "127.0.0.1", agent.Ports.InternalHTTP, agent); err != nil {
			m.logger.Warn("meta-prompt injection failed", zap.String("agent", agent.Name), zap.Error(err))
		}
	}

	agent.Status = domain.AgentStatusRunning
	agent.LastError = ""
	if err := m.repo.Update(ctx, agent); err != nil {
		return nil, trinityerr.Wrap(trinityerr.Internal, "persist agent status", err)
	}

	m.publish(ctx, agent.Name, domain.ActivityKindLifecycle, map[string]any{"event": "lifecycle:started"})
	return agent, nil
}

func (m *Manager) waitHealthy(ctx context.Context, agent *domain.Agent) error {
	if m.agentCli == nil {
		return nil
	}
	timeout := time.Duration(m.cfg.HealthPollTimeout) * time.Second
	deadline := time.Now().Add(timeout)
	interval := m.cfg.HealthPollIntervalDuration()

	var lastErr error
	for time.Now().Before(deadline) {
		pollCtx, cancel := context.WithTimeout(ctx, interval)
		lastErr = m.agentCli.CheckHealth(pollCtx, "127.0.0.1", agent.Ports.InternalHTTP)
		cancel()
		if lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("health check timed out after %s", timeout)
	}
	return lastErr
}

func (m *Manager) markError(ctx context.Context, agent *domain.Agent, step string, cause error) (*domain.Agent, error) {
	agent.Status = domain.AgentStatusError
	agent.LastError = cause.Error()
	_ = m.repo.Update(ctx, agent)
	m.publish(ctx, agent.Name, domain.ActivityKindLifecycle, map[string]any{
		"event": "lifecycle:start_failed",
		"step":  step,
		"error": cause.Error(),
	})
	return nil, trinityerr.Wrap(trinityerr.EngineUnavailable, step, cause)
}

// StopAgent transitions running→stopping→stopped. Idempotent when
// already stopped.
func (m *Manager) StopAgent(ctx context.Context, name string) (*domain.Agent, error) {
	mu := m.lockFor(name)
	mu.Lock()
	defer mu.Unlock()

	agent, err := m.repo.Get(ctx, name)
	if err != nil {
		return nil, trinityerr.Wrap(trinityerr.NotFound, "get agent", err)
	}
	if agent.Status == domain.AgentStatusStopped {
		return agent, nil
	}

	agent.Status = domain.AgentStatusStopping
	_ = m.repo.Update(ctx, agent)

	grace := time.Duration(m.cfg.StopGraceSeconds) * time.Second
	if err := m.engine.StopContainer(ctx, agent.ContainerID, grace); err != nil {
		return m.markError(ctx, agent, "stop container", err)
	}

	agent.Status = domain.AgentStatusStopped
	if err := m.repo.Update(ctx, agent); err != nil {
		return nil, trinityerr.Wrap(trinityerr.Internal, "persist agent status", err)
	}

	m.publish(ctx, agent.Name, domain.ActivityKindLifecycle, map[string]any{"event": "lifecycle:stopped"})
	return agent, nil
}

// DeleteAgent removes the container, workspace volume, ports, and agent
// record. Allowed only from stopped or error.
func (m *Manager) DeleteAgent(ctx context.Context, name string, preserveWorkspace bool) error {
	mu := m.lockFor(name)
	mu.Lock()
	defer mu.Unlock()

	agent, err := m.repo.Get(ctx, name)
	if err != nil {
		return trinityerr.Wrap(trinityerr.NotFound, "get agent", err)
	}
	if agent.Status != domain.AgentStatusStopped && agent.Status != domain.AgentStatusError {
		return trinityerr.New(trinityerr.Conflict, "agent must be stopped before deletion").WithHint(string(agent.Status))
	}

	if err := m.engine.RemoveContainer(ctx, agent.ContainerID, true); err != nil {
		m.logger.Warn("failed to remove container during delete", zap.String("agent", name), zap.Error(err))
	}

	if !preserveWorkspace {
		if err := os.RemoveAll(agent.WorkspaceVolume); err != nil {
			m.logger.Warn("failed to remove workspace volume", zap.String("agent", name), zap.Error(err))
		}
	}

	m.ports.Release(agent.Ports)

	if err := m.repo.Delete(ctx, name); err != nil {
		return trinityerr.Wrap(trinityerr.Internal, "delete agent record", err)
	}

	m.publish(ctx, name, domain.ActivityKindLifecycle, map[string]any{"event": "lifecycle:deleted"})
	m.locks.Delete(name)
	return nil
}

// RecreateContainer stops a running agent, recreates its container with
// new resource limits or environment on the same workspace volume, and
// starts it again.
func (m *Manager) RecreateContainer(ctx context.Context, name string, resources domain.ResourceLimits, env map[string]string) (*domain.Agent, error) {
	if _, err := m.StopAgent(ctx, name); err != nil {
		return nil, err
	}

	mu := m.lockFor(name)
	mu.Lock()
	agent, err := m.repo.Get(ctx, name)
	if err != nil {
		mu.Unlock()
		return nil, trinityerr.Wrap(trinityerr.NotFound, "get agent", err)
	}

	if err := m.engine.RemoveContainer(ctx, agent.ContainerID, true); err != nil {
		mu.Unlock()
		return nil, trinityerr.Wrap(trinityerr.EngineUnavailable, "remove container for recreate", err)
	}

	containerID, err := m.createContainer(ctx, agent, resources, agent.Ports, env)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	agent.ContainerID = containerID
	agent.Resources = resources
	agent.Status = domain.AgentStatusStopped
	updateErr := m.repo.Update(ctx, agent)
	mu.Unlock()
	if updateErr != nil {
		return nil, trinityerr.Wrap(trinityerr.Internal, "persist recreated agent", updateErr)
	}

	m.publish(ctx, name, domain.ActivityKindLifecycle, map[string]any{"event": "lifecycle:recreated"})
	return m.StartAgent(ctx, name)
}

// Get resolves one agent record, for read-only API surface handlers.
func (m *Manager) Get(ctx context.Context, name string) (*domain.Agent, error) {
	agent, err := m.repo.Get(ctx, name)
	if err != nil {
		return nil, trinityerr.Wrap(trinityerr.NotFound, "get agent", err)
	}
	return agent, nil
}

// List resolves every agent record, for the API surface's agent list
// endpoint; visibility filtering happens one layer up, against the
// Access Matrix.
func (m *Manager) List(ctx context.Context) ([]*domain.Agent, error) {
	agents, err := m.repo.List(ctx)
	if err != nil {
		return nil, trinityerr.Wrap(trinityerr.Internal, "list agents", err)
	}
	return agents, nil
}

// Logs streams the agent container's stdout/stderr, tail-limited and
// optionally following, for the GET /agents/{name}/logs endpoint.
func (m *Manager) Logs(ctx context.Context, name string, follow bool, tail string) (io.ReadCloser, error) {
	agent, err := m.repo.Get(ctx, name)
	if err != nil {
		return nil, trinityerr.Wrap(trinityerr.NotFound, "get agent", err)
	}
	reader, err := m.engine.Logs(ctx, agent.ContainerID, follow, tail)
	if err != nil {
		return nil, trinityerr.Wrap(trinityerr.EngineUnavailable, "get container logs", err)
	}
	return reader, nil
}

// Stats reports the agent container's current resource usage, for the
// GET /agents/{name}/stats endpoint.
func (m *Manager) Stats(ctx context.Context, name string) (containerengine.ContainerStats, error) {
	agent, err := m.repo.Get(ctx, name)
	if err != nil {
		return containerengine.ContainerStats{}, trinityerr.Wrap(trinityerr.NotFound, "get agent", err)
	}
	stats, err := m.engine.Stats(ctx, agent.ContainerID)
	if err != nil {
		return containerengine.ContainerStats{}, trinityerr.Wrap(trinityerr.EngineUnavailable, "get container stats", err)
	}
	return stats, nil
}

// OrphanedContainers lists containers the engine reports as trinity
// agents but which have no matching agent record, for the admin-only
// GET /admin/agents/orphaned endpoint. These are containers left behind
// by a crash between CreateContainer and the agent record being
// persisted, or by manual container-engine surgery on the host.
func (m *Manager) OrphanedContainers(ctx context.Context) ([]containerengine.ContainerInfo, error) {
	containers, err := m.engine.List(ctx, map[string]string{})
	if err != nil {
		return nil, trinityerr.Wrap(trinityerr.EngineUnavailable, "list containers", err)
	}
	agents, err := m.repo.List(ctx)
	if err != nil {
		return nil, trinityerr.Wrap(trinityerr.Internal, "list agents", err)
	}
	knownContainerIDs := make(map[string]bool, len(agents))
	for _, agent := range agents {
		knownContainerIDs[agent.ContainerID] = true
	}

	var orphaned []containerengine.ContainerInfo
	for _, c := range containers {
		if !strings.HasPrefix(c.Name, "trinity-agent-") {
			continue
		}
		if knownContainerIDs[c.ID] {
			continue
		}
		orphaned = append(orphaned, c)
	}
	return orphaned, nil
}

// ReloadCredentials re-resolves the agent's template and re-renders its
// credential files into the live workspace, then notifies the
// agent-local server so it re-reads its environment (spec.md §4.2 Hot
// reload). It does not restart the container.
func (m *Manager) ReloadCredentials(ctx context.Context, name string, notifier credentials.AgentNotifier) (*credentials.ReloadResult, error) {
	agent, err := m.repo.Get(ctx, name)
	if err != nil {
		return nil, trinityerr.Wrap(trinityerr.NotFound, "get agent", err)
	}
	resolved, err := m.resolver.Resolve(ctx, agent.TemplateRef)
	if err != nil {
		return nil, trinityerr.Wrap(trinityerr.TemplateUnavailable, "resolve template", err)
	}
	return m.renderer.ReloadCredentials(ctx, agent.WorkspaceVolume, resolved.RootDir, resolved.Manifest, agent, notifier)
}
