package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/trinity-controlplane/trinity/internal/common/config"
	"github.com/trinity-controlplane/trinity/internal/common/logger"
	"github.com/trinity-controlplane/trinity/internal/containerengine"
	"github.com/trinity-controlplane/trinity/internal/credentials"
	"github.com/trinity-controlplane/trinity/internal/domain"
	"github.com/trinity-controlplane/trinity/internal/secrets"
	"github.com/trinity-controlplane/trinity/internal/template"
)

type memRepo struct {
	mu     sync.Mutex
	agents map[string]*domain.Agent
}

func newMemRepo() *memRepo { return &memRepo{agents: make(map[string]*domain.Agent)} }

func (r *memRepo) Create(ctx context.Context, a *domain.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *a
	r.agents[a.Name] = &cp
	return nil
}

func (r *memRepo) Get(ctx context.Context, name string) (*domain.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[name]
	if !ok {
		return nil, os.ErrNotExist
	}
	cp := *a
	return &cp, nil
}

func (r *memRepo) Update(ctx context.Context, a *domain.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *a
	r.agents[a.Name] = &cp
	return nil
}

func (r *memRepo) Delete(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, name)
	return nil
}

func (r *memRepo) List(ctx context.Context) ([]*domain.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

type memActivityPublisher struct {
	mu     sync.Mutex
	events []domain.Activity
}

func (p *memActivityPublisher) Publish(ctx context.Context, a domain.Activity) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, a)
	return nil
}

type fakeAgentClient struct {
	healthy bool
}

func (f *fakeAgentClient) CheckHealth(ctx context.Context, ip string, port int) error {
	if f.healthy {
		return nil
	}
	return context.DeadlineExceeded
}

func (f *fakeAgentClient) InjectMetaPrompt(ctx context.Context, ip string, port int, agent *domain.Agent) error {
	return nil
}

func newTestManager(t *testing.T, healthy bool) (*Manager, *memRepo, *memActivityPublisher) {
	t.Helper()

	registryRoot := t.TempDir()
	templateDir := filepath.Join(registryRoot, "svc")
	require.NoError(t, os.MkdirAll(templateDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(templateDir, "trinity.manifest.yaml"), []byte(`
name: svc
displayName: Service Agent
`), 0o644))

	cloner := template.NewCloner(template.ClonerConfig{BasePath: t.TempDir()}, logger.Default())
	resolver := template.NewResolver(registryRoot, cloner, logger.Default())

	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	_, err = db.Exec(secrets.Schema)
	require.NoError(t, err)
	provider, err := secrets.NewMasterKeyProvider(filepath.Join(t.TempDir(), "master.key"))
	require.NoError(t, err)
	secretStore := secrets.NewStore(db, provider)
	renderer := credentials.NewRenderer(secretStore)

	repo := newMemRepo()
	activities := &memActivityPublisher{}
	engine := containerengine.NewFakeEngine()

	lifecycleCfg := config.LifecycleConfig{
		SSHPortRangeStart:   2222,
		SSHPortRangeEnd:     2300,
		HTTPPortRangeStart:  8000,
		HTTPPortRangeEnd:    8100,
		HealthPollInterval:  10,
		HealthPollTimeout:   1,
		StopGraceSeconds:    1,
		WorkspaceVolumeRoot: t.TempDir(),
	}
	engineCfg := config.EngineConfig{BaseImage: "trinity/agent-base:latest"}

	mgr := New(lifecycleCfg, engineCfg, engine, resolver, renderer, repo, activities,
		&fakeAgentClient{healthy: healthy}, NewPortAllocator(
			lifecycleCfg.SSHPortRangeStart, lifecycleCfg.SSHPortRangeEnd,
			lifecycleCfg.HTTPPortRangeStart, lifecycleCfg.HTTPPortRangeEnd,
		), logger.Default())
	return mgr, repo, activities
}

func TestCreateStartStopDeleteAgent(t *testing.T) {
	ctx := context.Background()
	mgr, _, activities := newTestManager(t, true)

	agent, err := mgr.CreateAgent(ctx, CreateOptions{Name: "svc-one", TemplateRef: "local:svc", OwnerUserID: "user-1"})
	require.NoError(t, err)
	require.Equal(t, domain.AgentStatusStopped, agent.Status)
	require.NotZero(t, agent.Ports.SSHPort)

	started, err := mgr.StartAgent(ctx, "svc-one")
	require.NoError(t, err)
	require.Equal(t, domain.AgentStatusRunning, started.Status)

	again, err := mgr.StartAgent(ctx, "svc-one")
	require.NoError(t, err)
	require.Equal(t, domain.AgentStatusRunning, again.Status)

	stopped, err := mgr.StopAgent(ctx, "svc-one")
	require.NoError(t, err)
	require.Equal(t, domain.AgentStatusStopped, stopped.Status)

	require.NoError(t, mgr.DeleteAgent(ctx, "svc-one", false))
	_, err = mgr.repo.Get(ctx, "svc-one")
	require.Error(t, err)

	activities.mu.Lock()
	defer activities.mu.Unlock()
	require.GreaterOrEqual(t, len(activities.events), 4)
}

func TestStartAgentMarksErrorOnFailedHealthCheck(t *testing.T) {
	ctx := context.Background()
	mgr, _, _ := newTestManager(t, false)

	_, err := mgr.CreateAgent(ctx, CreateOptions{Name: "svc-bad", TemplateRef: "local:svc", OwnerUserID: "user-1"})
	require.NoError(t, err)

	_, err = mgr.StartAgent(ctx, "svc-bad")
	require.Error(t, err)

	agent, getErr := mgr.repo.Get(ctx, "svc-bad")
	require.NoError(t, getErr)
	require.Equal(t, domain.AgentStatusError, agent.Status)
	require.NotEmpty(t, agent.LastError)
}

func TestCreateAgentRejectsInvalidName(t *testing.T) {
	ctx := context.Background()
	mgr, _, _ := newTestManager(t, true)

	_, err := mgr.CreateAgent(ctx, CreateOptions{Name: "Not_DNS_Safe", TemplateRef: "local:svc", OwnerUserID: "user-1"})
	require.Error(t, err)
}

func TestDeleteAgentRejectsRunning(t *testing.T) {
	ctx := context.Background()
	mgr, _, _ := newTestManager(t, true)

	_, err := mgr.CreateAgent(ctx, CreateOptions{Name: "svc-running", TemplateRef: "local:svc", OwnerUserID: "user-1"})
	require.NoError(t, err)
	_, err = mgr.StartAgent(ctx, "svc-running")
	require.NoError(t, err)

	err = mgr.DeleteAgent(ctx, "svc-running", false)
	require.Error(t, err)
}

func TestLogsAndStatsPassThroughToEngine(t *testing.T) {
	ctx := context.Background()
	mgr, _, _ := newTestManager(t, true)

	_, err := mgr.CreateAgent(ctx, CreateOptions{Name: "svc-observed", TemplateRef: "local:svc", OwnerUserID: "user-1"})
	require.NoError(t, err)
	_, err = mgr.StartAgent(ctx, "svc-observed")
	require.NoError(t, err)

	reader, err := mgr.Logs(ctx, "svc-observed", false, "100")
	require.NoError(t, err)
	reader.Close()

	stats, err := mgr.Stats(ctx, "svc-observed")
	require.NoError(t, err)
	require.GreaterOrEqual(t, stats.CPUPercent, 0.0)

	_, err = mgr.Logs(ctx, "no-such-agent", false, "100")
	require.Error(t, err)
}

func TestOrphanedContainersExcludesKnownAgents(t *testing.T) {
	ctx := context.Background()
	mgr, _, _ := newTestManager(t, true)

	_, err := mgr.CreateAgent(ctx, CreateOptions{Name: "svc-known", TemplateRef: "local:svc", OwnerUserID: "user-1"})
	require.NoError(t, err)

	fake := mgr.engine.(*containerengine.FakeEngine)
	_, err = fake.CreateContainer(ctx, containerengine.ContainerSpec{Name: "trinity-agent-leftover", Image: "trinity/agent-base:latest"})
	require.NoError(t, err)

	orphaned, err := mgr.OrphanedContainers(ctx)
	require.NoError(t, err)
	require.Len(t, orphaned, 1)
	require.Equal(t, "trinity-agent-leftover", orphaned[0].Name)
}
