package accessmatrix

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trinity-controlplane/trinity/internal/common/httpmw"
	"github.com/trinity-controlplane/trinity/internal/domain"
)

type fakeUsers struct{ byID map[string]*domain.User }

func (f *fakeUsers) Get(ctx context.Context, id string) (*domain.User, error) {
	u, ok := f.byID[id]
	if !ok {
		return nil, fmt.Errorf("no such user %s", id)
	}
	return u, nil
}

type fakeAgents struct{ byName map[string]*domain.Agent }

func (f *fakeAgents) Get(ctx context.Context, name string) (*domain.Agent, error) {
	a, ok := f.byName[name]
	if !ok {
		return nil, fmt.Errorf("no such agent %s", name)
	}
	return a, nil
}

type fakeShares struct{ byAgent map[string][]domain.Share }

func (f *fakeShares) ListByAgent(ctx context.Context, agentName string) ([]domain.Share, error) {
	return f.byAgent[agentName], nil
}

type fakeInvocations struct{ allowed map[string]bool }

func key(caller, callee string) string { return caller + "->" + callee }

func (f *fakeInvocations) IsAllowed(ctx context.Context, caller, callee string) (bool, error) {
	return f.allowed[key(caller, callee)], nil
}

func (f *fakeInvocations) Grant(ctx context.Context, caller, callee string) error {
	if f.allowed == nil {
		f.allowed = make(map[string]bool)
	}
	f.allowed[key(caller, callee)] = true
	return nil
}

func setup() (*Matrix, *fakeUsers, *fakeAgents, *fakeShares, *fakeInvocations) {
	users := &fakeUsers{byID: map[string]*domain.User{
		"admin-1": {ID: "admin-1", Email: "admin@example.com", Role: domain.RoleAdmin},
		"user-1":  {ID: "user-1", Email: "owner@example.com", Role: domain.RoleUser},
		"user-2":  {ID: "user-2", Email: "other@example.com", Role: domain.RoleUser},
	}}
	agents := &fakeAgents{byName: map[string]*domain.Agent{
		"svc-a": {Name: "svc-a", OwnerUserID: "user-1"},
		"svc-b": {Name: "svc-b", OwnerUserID: "user-1"},
	}}
	shares := &fakeShares{byAgent: map[string][]domain.Share{}}
	invocations := &fakeInvocations{allowed: map[string]bool{}}
	return New(users, agents, shares, invocations), users, agents, shares, invocations
}

func TestOwnerCanViewAndConfigure(t *testing.T) {
	m, _, _, _, _ := setup()
	ctx := context.Background()
	p := httpmw.Principal{Kind: httpmw.PrincipalUser, UserID: "user-1"}

	require.NoError(t, m.Check(ctx, p, ActionView, Target{AgentName: "svc-a"}))
	require.NoError(t, m.Check(ctx, p, ActionConfigure, Target{AgentName: "svc-a"}))
	require.NoError(t, m.Check(ctx, p, ActionDelete, Target{AgentName: "svc-a"}))
}

func TestNonOwnerDeniedWithoutShare(t *testing.T) {
	m, _, _, _, _ := setup()
	ctx := context.Background()
	p := httpmw.Principal{Kind: httpmw.PrincipalUser, UserID: "user-2"}

	err := m.Check(ctx, p, ActionView, Target{AgentName: "svc-a"})
	require.Error(t, err)
}

func TestSharedGranteeCanViewButNotConfigure(t *testing.T) {
	m, _, _, shares, _ := setup()
	ctx := context.Background()
	shares.byAgent["svc-a"] = []domain.Share{{AgentID: "svc-a", GranteeEmail: "other@example.com", GrantedBy: "user-1", CreatedAt: time.Now()}}

	p := httpmw.Principal{Kind: httpmw.PrincipalUser, UserID: "user-2"}
	require.NoError(t, m.Check(ctx, p, ActionView, Target{AgentName: "svc-a"}))
	require.Error(t, m.Check(ctx, p, ActionConfigure, Target{AgentName: "svc-a"}))
}

func TestAdminSeesEverything(t *testing.T) {
	m, _, _, _, _ := setup()
	ctx := context.Background()
	p := httpmw.Principal{Kind: httpmw.PrincipalUser, UserID: "admin-1"}

	require.NoError(t, m.Check(ctx, p, ActionView, Target{AgentName: "svc-a"}))
	require.NoError(t, m.Check(ctx, p, ActionDelete, Target{AgentName: "svc-a"}))
}

func TestSystemScopedKeyBypassesAllChecks(t *testing.T) {
	m, _, _, _, _ := setup()
	ctx := context.Background()
	p := httpmw.Principal{Kind: httpmw.PrincipalKey, SystemScoped: true}

	require.NoError(t, m.Check(ctx, p, ActionDelete, Target{AgentName: "svc-a"}))
}

func TestInvocationDefaultsToDeny(t *testing.T) {
	m, _, _, _, _ := setup()
	ctx := context.Background()
	p := httpmw.Principal{Kind: httpmw.PrincipalUser, UserID: "user-1"}

	err := m.Check(ctx, p, ActionInvoke, Target{AgentName: "svc-b", CallerAgentName: "svc-a"})
	require.Error(t, err)
}

func TestGrantSameOwnerInvocationAllowsSubsequentCheck(t *testing.T) {
	m, _, _, _, _ := setup()
	ctx := context.Background()
	require.NoError(t, m.GrantSameOwnerInvocation(ctx, "svc-a", "svc-b"))

	p := httpmw.Principal{Kind: httpmw.PrincipalUser, UserID: "user-1"}
	require.NoError(t, m.Check(ctx, p, ActionInvoke, Target{AgentName: "svc-b", CallerAgentName: "svc-a"}))
}
