package persistence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trinity-controlplane/trinity/internal/domain"
)

func TestAgentStoreCreateGetUpdateDelete(t *testing.T) {
	db := newTestDB(t)
	store := NewAgentStore(db)
	ctx := context.Background()

	agent := &domain.Agent{
		Name: "svc-a", TemplateRef: "base", OwnerUserID: "user-1",
		Status: domain.AgentStatusCreating,
		Resources: domain.ResourceLimits{CPUNanos: 500000000, MemoryMiB: 512},
	}
	require.NoError(t, store.Create(ctx, agent))
	require.NotEmpty(t, agent.ID)

	got, err := store.Get(ctx, "svc-a")
	require.NoError(t, err)
	require.Equal(t, domain.AgentStatusCreating, got.Status)
	require.Equal(t, int64(512), got.Resources.MemoryMiB)

	got.Status = domain.AgentStatusRunning
	got.Ports = domain.Ports{SSHPort: 32768, InternalHTTP: 32769}
	require.NoError(t, store.Update(ctx, got))

	reloaded, err := store.Get(ctx, "svc-a")
	require.NoError(t, err)
	require.Equal(t, domain.AgentStatusRunning, reloaded.Status)
	require.Equal(t, 32768, reloaded.Ports.SSHPort)

	require.NoError(t, store.Delete(ctx, "svc-a"))
	_, err = store.Get(ctx, "svc-a")
	require.Error(t, err)
}

func TestAgentStoreListExcludesDeleted(t *testing.T) {
	db := newTestDB(t)
	store := NewAgentStore(db)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &domain.Agent{Name: "a1", TemplateRef: "base", OwnerUserID: "u1", Status: domain.AgentStatusRunning}))
	require.NoError(t, store.Create(ctx, &domain.Agent{Name: "a2", TemplateRef: "base", OwnerUserID: "u1", Status: domain.AgentStatusRunning}))
	require.NoError(t, store.Delete(ctx, "a2"))

	agents, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	require.Equal(t, "a1", agents[0].Name)
}
