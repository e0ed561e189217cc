package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/trinity-controlplane/trinity/internal/accessmatrix"
	"github.com/trinity-controlplane/trinity/internal/activity"
	"github.com/trinity-controlplane/trinity/internal/common/config"
	"github.com/trinity-controlplane/trinity/internal/common/httpmw"
	"github.com/trinity-controlplane/trinity/internal/common/logger"
	"github.com/trinity-controlplane/trinity/internal/containerengine"
	"github.com/trinity-controlplane/trinity/internal/credentials"
	"github.com/trinity-controlplane/trinity/internal/domain"
	"github.com/trinity-controlplane/trinity/internal/eventbus"
	"github.com/trinity-controlplane/trinity/internal/execqueue"
	"github.com/trinity-controlplane/trinity/internal/lifecycle"
	"github.com/trinity-controlplane/trinity/internal/persistence"
	"github.com/trinity-controlplane/trinity/internal/secrets"
	"github.com/trinity-controlplane/trinity/internal/session"
	"github.com/trinity-controlplane/trinity/internal/template"
)

// fakeAgentClient satisfies lifecycle.AgentClient, credentials.AgentNotifier
// and execqueue.AgentInvoker with a single canned response, so the router
// can be exercised end to end without a real agent container.
type fakeAgentClient struct {
	reply string
}

func (f *fakeAgentClient) CheckHealth(ctx context.Context, ip string, port int) error { return nil }

func (f *fakeAgentClient) InjectMetaPrompt(ctx context.Context, ip string, port int, agent *domain.Agent) error {
	return nil
}

func (f *fakeAgentClient) ReloadCredentials(ctx context.Context, agent *domain.Agent) (bool, []string, error) {
	return false, nil, nil
}

func (f *fakeAgentClient) Invoke(ctx context.Context, agent *domain.Agent, request string, onDelta func(execqueue.Delta)) (execqueue.InvokeResult, error) {
	onDelta(execqueue.Delta{Kind: domain.ActivityKindMessageOut, Payload: map[string]any{"text": f.reply}})
	return execqueue.InvokeResult{ResponseSummary: f.reply, Tokens: domain.TokenUsage{OutputTokens: 3}}, nil
}

func (f *fakeAgentClient) Abort(ctx context.Context, agent *domain.Agent, executionID string) error {
	return nil
}

type testServer struct {
	router  *httptest.Server
	users   *persistence.UserStore
	db      *sqlx.DB
	jwt     string
}

func newTestServer(t *testing.T, reply string) *testServer {
	t.Helper()

	db, err := sqlx.Connect("sqlite3", ":memory:?_foreign_keys=on")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, persistence.Migrate(db))

	log := logger.Default()

	registryRoot := t.TempDir()
	templateDir := filepath.Join(registryRoot, "svc")
	require.NoError(t, os.MkdirAll(templateDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(templateDir, "trinity.manifest.yaml"), []byte(`
name: svc
displayName: Service Agent
`), 0o644))
	cloner := template.NewCloner(template.ClonerConfig{BasePath: t.TempDir()}, log)
	resolver := template.NewResolver(registryRoot, cloner, log)

	provider, err := secrets.NewMasterKeyProvider(filepath.Join(t.TempDir(), "master.key"))
	require.NoError(t, err)
	secretStore := secrets.NewStore(db, provider)
	renderer := credentials.NewRenderer(secretStore)

	agents := persistence.NewAgentStore(db)
	activitiesStore := persistence.NewActivityStore(db)
	executions := persistence.NewExecutionStore(db)
	users := persistence.NewUserStore(db)
	schedules := persistence.NewScheduleStore(db)
	shares := persistence.NewShareStore(db)
	invocations := persistence.NewInvocationStore(db)
	folders := persistence.NewSharedFolderStore(db)
	mcpKeys := persistence.NewMCPKeyStore(db)
	definitions := persistence.NewProcessDefinitionStore(db)
	runs := persistence.NewProcessRunStore(db)
	sessionStore := persistence.NewSessionStore(db)

	bus := eventbus.NewMemoryBus(log)
	activityStream := activity.New(bus, activitiesStore, config.RetentionConfig{ActivityWindowHours: 24}, log)

	client := &fakeAgentClient{reply: reply}

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
	lifecycleMgr := lifecycle.New(lifecycleCfg, engineCfg, containerengine.NewFakeEngine(), resolver, renderer,
		agents, activityStream, client, lifecycle.NewPortAllocator(
			lifecycleCfg.SSHPortRangeStart, lifecycleCfg.SSHPortRangeEnd,
			lifecycleCfg.HTTPPortRangeStart, lifecycleCfg.HTTPPortRangeEnd,
		), log)

	queueCfg := config.QueueConfig{RequestTimeoutSeconds: 5, StartWaitCeilingSeconds: 1}
	queue := execqueue.New(queueCfg, agents, executions, activityStream, client, log, uuid.NewString)

	sessions := session.New(sessionStore)
	matrix := accessmatrix.New(users, agents, shares, invocations)
	keyResolver := accessmatrix.NewKeyResolver(mcpKeys)

	// Process Engine and Scheduler are exercised by their own package
	// tests; the API surface tests here never hit /processes or a
	// schedule's cron tick, so both are left nil in Deps.
	deps := &Deps{
		Lifecycle:     lifecycleMgr,
		Queue:         queue,
		Activities:    activityStream,
		Sessions:      sessions,
		Matrix:        matrix,
		KeyResolver:   keyResolver,
		Notifier:      client,
		Users:         users,
		Schedules:     schedules,
		Executions:    executions,
		Definitions:   definitions,
		Runs:          runs,
		Shares:        shares,
		Invocations:   invocations,
		Folders:       folders,
		MCPKeys:       mcpKeys,
		JWTSecret:     "test-secret",
		SessionTTL:    time.Hour,
		ChatWaitLimit: 2 * time.Second,
		Logger:        log,
	}

	router := NewRouter(config.ServerConfig{}, deps)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	user := &domain.User{ID: uuid.NewString(), Handle: "alice", Email: "alice@example.com", Role: domain.RoleAdmin, CreatedAt: time.Now()}
	require.NoError(t, users.Create(context.Background(), user))

	token, err := httpmw.MintSessionToken(deps.JWTSecret, user.ID, deps.SessionTTL)
	require.NoError(t, err)

	return &testServer{router: srv, users: users, db: db, jwt: token}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.router.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if ts.jwt != "" {
		req.Header.Set("Authorization", "Bearer "+ts.jwt)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestLoginMintsSessionToken(t *testing.T) {
	ts := newTestServer(t, "pong")
	ts.jwt = ""

	resp := ts.do(t, http.MethodPost, "/auth/login", loginRequest{Email: "alice@example.com"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out loginResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.Token)
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	ts := newTestServer(t, "pong")
	ts.jwt = ""

	resp := ts.do(t, http.MethodGet, "/agents", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCreateListAndGetAgent(t *testing.T) {
	ts := newTestServer(t, "pong")

	resp := ts.do(t, http.MethodPost, "/agents", createAgentRequest{Name: "echo-1", TemplateRef: "local:svc"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	listResp := ts.do(t, http.MethodGet, "/agents", nil)
	defer listResp.Body.Close()
	require.Equal(t, http.StatusOK, listResp.StatusCode)
	var listed struct {
		Agents []domain.Agent `json:"agents"`
	}
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&listed))
	require.Len(t, listed.Agents, 1)
	require.Equal(t, "echo-1", listed.Agents[0].Name)

	getResp := ts.do(t, http.MethodGet, "/agents/echo-1", nil)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)
}

func TestChatEnqueuesAndReturnsSynchronousReply(t *testing.T) {
	ts := newTestServer(t, "pong")

	createResp := ts.do(t, http.MethodPost, "/agents", createAgentRequest{Name: "echo-1", TemplateRef: "local:svc"})
	require.Equal(t, http.StatusCreated, createResp.StatusCode)
	createResp.Body.Close()

	startResp := ts.do(t, http.MethodPost, "/agents/echo-1/start", nil)
	require.Equal(t, http.StatusOK, startResp.StatusCode)
	startResp.Body.Close()

	chatResp := ts.do(t, http.MethodPost, "/agents/echo-1/chat", chatRequest{Message: "ping"})
	defer chatResp.Body.Close()
	require.Equal(t, http.StatusOK, chatResp.StatusCode)

	var out struct {
		Text   string `json:"text"`
		Status string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(chatResp.Body).Decode(&out))
	require.Equal(t, "pong", out.Text)
	require.Equal(t, string(domain.ExecutionStatusSucceeded), out.Status)
}

func TestGetAgentForbiddenForNonOwner(t *testing.T) {
	ts := newTestServer(t, "pong")

	createResp := ts.do(t, http.MethodPost, "/agents", createAgentRequest{Name: "echo-1", TemplateRef: "local:svc"})
	require.Equal(t, http.StatusCreated, createResp.StatusCode)
	createResp.Body.Close()

	other := &domain.User{ID: uuid.NewString(), Handle: "bob", Email: "bob@example.com", Role: domain.RoleUser, CreatedAt: time.Now()}
	require.NoError(t, ts.users.Create(context.Background(), other))
	token, err := httpmw.MintSessionToken("test-secret", other.ID, time.Hour)
	require.NoError(t, err)
	ts.jwt = token

	resp := ts.do(t, http.MethodGet, "/agents/echo-1", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}
