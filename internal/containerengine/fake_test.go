package containerengine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFakeEngineLifecycle(t *testing.T) {
	ctx := context.Background()
	var engine Engine = NewFakeEngine()

	require.NoError(t, engine.EnsureImage(ctx, "trinity/agent-base:latest"))

	id, err := engine.CreateContainer(ctx, ContainerSpec{Name: "agent-1", Image: "trinity/agent-base:latest"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	info, err := engine.Inspect(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "created", info.State)

	require.NoError(t, engine.StartContainer(ctx, id))
	info, err = engine.Inspect(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "running", info.State)
	require.False(t, info.StartedAt.IsZero())

	require.NoError(t, engine.StopContainer(ctx, id, 0))
	info, err = engine.Inspect(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "exited", info.State)

	require.NoError(t, engine.RemoveContainer(ctx, id, true))
	_, err = engine.Inspect(ctx, id)
	require.Error(t, err)
}

func TestFakeEngineListAndPing(t *testing.T) {
	ctx := context.Background()
	engine := NewFakeEngine()

	_, err := engine.CreateContainer(ctx, ContainerSpec{Name: "agent-a", Image: "img"})
	require.NoError(t, err)
	_, err = engine.CreateContainer(ctx, ContainerSpec{Name: "agent-b", Image: "img"})
	require.NoError(t, err)

	list, err := engine.List(ctx, nil)
	require.NoError(t, err)
	require.Len(t, list, 2)

	require.NoError(t, engine.Ping(ctx))
}

func TestFakeEngineStats(t *testing.T) {
	ctx := context.Background()
	engine := NewFakeEngine()

	id, err := engine.CreateContainer(ctx, ContainerSpec{Name: "agent-a", Image: "img"})
	require.NoError(t, err)

	stats, err := engine.Stats(ctx, id)
	require.NoError(t, err)
	require.GreaterOrEqual(t, stats.CPUPercent, 0.0)

	_, err = engine.Stats(ctx, "no-such-container")
	require.Error(t, err)
}
