package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trinity-controlplane/trinity/internal/domain"
)

func TestScheduleStoreCreateGetUpdateDelete(t *testing.T) {
	db := newTestDB(t)
	store := NewScheduleStore(db)
	ctx := context.Background()

	sched := &domain.Schedule{
		AgentID: "svc-a", CronExpr: "0 9 * * *", Timezone: "UTC",
		Enabled: true, MessageTemplate: "daily report", MaxConcurrency: 1,
	}
	require.NoError(t, store.Create(ctx, sched))
	require.NotEmpty(t, sched.ID)

	got, err := store.Get(ctx, sched.ID)
	require.NoError(t, err)
	require.Equal(t, "0 9 * * *", got.CronExpr)

	got.MaxConcurrency = 3
	got.Enabled = false
	require.NoError(t, store.Update(ctx, got))

	reloaded, err := store.Get(ctx, sched.ID)
	require.NoError(t, err)
	require.Equal(t, 3, reloaded.MaxConcurrency)
	require.False(t, reloaded.Enabled)

	now := time.Now().UTC()
	require.NoError(t, store.UpdateFireTimes(ctx, sched.ID, &now, &now))
	reloaded, err = store.Get(ctx, sched.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.NextFireAt)

	require.NoError(t, store.Delete(ctx, sched.ID))
	_, err = store.Get(ctx, sched.ID)
	require.Error(t, err)
}

func TestScheduleStoreListByAgent(t *testing.T) {
	db := newTestDB(t)
	store := NewScheduleStore(db)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &domain.Schedule{AgentID: "a", CronExpr: "* * * * *", Timezone: "UTC", MaxConcurrency: 1}))
	require.NoError(t, store.Create(ctx, &domain.Schedule{AgentID: "a", CronExpr: "*/5 * * * *", Timezone: "UTC", MaxConcurrency: 1}))
	require.NoError(t, store.Create(ctx, &domain.Schedule{AgentID: "b", CronExpr: "* * * * *", Timezone: "UTC", MaxConcurrency: 1}))

	schedules, err := store.ListByAgent(ctx, "a")
	require.NoError(t, err)
	require.Len(t, schedules, 2)

	all, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
}
