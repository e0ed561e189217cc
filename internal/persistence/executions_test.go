package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trinity-controlplane/trinity/internal/domain"
)

func TestExecutionStoreCreateUpdateGet(t *testing.T) {
	db := newTestDB(t)
	store := NewExecutionStore(db)
	ctx := context.Background()

	exec := &domain.Execution{
		ID: "exec-1", AgentID: "agent-1", Origin: domain.ExecutionOriginManual,
		Status: domain.ExecutionStatusQueued, Request: "do the thing",
	}
	require.NoError(t, store.Create(ctx, exec))

	exec.Status = domain.ExecutionStatusSucceeded
	exec.ResponseSummary = "done"
	exec.Cost = 0.05
	require.NoError(t, store.Update(ctx, exec))

	got, err := store.Get(ctx, "exec-1")
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionStatusSucceeded, got.Status)
	require.Equal(t, "done", got.ResponseSummary)
	require.InDelta(t, 0.05, got.Cost, 0.0001)
}

func TestExecutionStoreCountInFlightFiltersBySchedule(t *testing.T) {
	db := newTestDB(t)
	store := NewExecutionStore(db)
	ctx := context.Background()

	require.NoError(t, store.CreateScheduled(ctx, &domain.Execution{
		ID: "e1", AgentID: "a", Origin: domain.ExecutionOriginSchedule, Status: domain.ExecutionStatusRunning, Request: "r",
	}, "sched-1"))
	require.NoError(t, store.CreateScheduled(ctx, &domain.Execution{
		ID: "e2", AgentID: "a", Origin: domain.ExecutionOriginSchedule, Status: domain.ExecutionStatusSucceeded, Request: "r",
	}, "sched-1"))

	count, err := store.CountInFlight(ctx, "sched-1")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestExecutionStoreDeleteOlderThanKeepsInFlight(t *testing.T) {
	db := newTestDB(t)
	store := NewExecutionStore(db)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, store.Create(ctx, &domain.Execution{
		ID: "old-done", AgentID: "a", Origin: domain.ExecutionOriginManual,
		Status: domain.ExecutionStatusSucceeded, Request: "r", StartedAt: &old,
	}))
	require.NoError(t, store.Create(ctx, &domain.Execution{
		ID: "old-running", AgentID: "a", Origin: domain.ExecutionOriginManual,
		Status: domain.ExecutionStatusRunning, Request: "r", StartedAt: &old,
	}))

	require.NoError(t, store.DeleteOlderThan(ctx, time.Now().Add(-time.Hour)))

	_, err := store.Get(ctx, "old-done")
	require.Error(t, err)
	_, err = store.Get(ctx, "old-running")
	require.NoError(t, err)
}
