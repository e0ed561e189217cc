package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trinity-controlplane/trinity/internal/domain"
)

func TestProcessDefinitionStorePutGetAndVersions(t *testing.T) {
	db := newTestDB(t)
	store := NewProcessDefinitionStore(db)
	ctx := context.Background()

	def1 := &domain.ProcessDefinition{
		Name: "onboarding", Version: 1, Trigger: domain.TriggerManual,
		Steps:         []domain.ProcessStep{{ID: "step-1", Type: domain.StepTypeAgentTask}},
		InputSchema:   map[string]any{"type": "object"},
		OutputBinding: map[string]string{"result": "{{steps.step-1.output.text}}"},
	}
	require.NoError(t, store.Put(ctx, def1))

	def2 := &domain.ProcessDefinition{
		Name: "onboarding", Version: 2, Trigger: domain.TriggerManual,
		Steps: []domain.ProcessStep{{ID: "step-1", Type: domain.StepTypeAgentTask}, {ID: "step-2", Type: domain.StepTypeNotification}},
	}
	require.NoError(t, store.Put(ctx, def2))

	got, err := store.Get(ctx, "onboarding", 1)
	require.NoError(t, err)
	require.Len(t, got.Steps, 1)
	require.Equal(t, "{{steps.step-1.output.text}}", got.OutputBinding["result"])

	latest, err := store.GetLatest(ctx, "onboarding")
	require.NoError(t, err)
	require.Equal(t, 2, latest.Version)
	require.Len(t, latest.Steps, 2)

	names, err := store.ListNames(ctx)
	require.NoError(t, err)
	require.Contains(t, names, "onboarding")
}

func TestProcessRunStoreCreateUpdateGetList(t *testing.T) {
	db := newTestDB(t)
	store := NewProcessRunStore(db)
	ctx := context.Background()

	run := &domain.ProcessRun{
		ID: "run-1", DefinitionName: "onboarding", DefinitionVer: 1,
		Inputs: map[string]any{"email": "a@example.com"},
		StepStates: map[string]*domain.StepState{
			"step-1": {StepID: "step-1", Status: domain.StepRunPending},
		},
		Status:    domain.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Create(ctx, run))

	run.Status = domain.RunStatusSucceeded
	run.StepStates["step-1"].Status = domain.StepRunSucceeded
	run.Outputs = map[string]any{"result": "done"}
	ended := time.Now().UTC()
	run.EndedAt = &ended
	require.NoError(t, store.Update(ctx, run))

	got, err := store.Get(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusSucceeded, got.Status)
	require.Equal(t, domain.StepRunSucceeded, got.StepStates["step-1"].Status)
	require.Equal(t, "done", got.Outputs["result"])

	runs, err := store.ListByDefinition(ctx, "onboarding", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
}
