package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trinity-controlplane/trinity/internal/common/config"
	"github.com/trinity-controlplane/trinity/internal/common/logger"
	"github.com/trinity-controlplane/trinity/internal/domain"
)

type memSchedules struct {
	mu   sync.Mutex
	rows map[string]*domain.Schedule
}

func newMemSchedules(rows ...domain.Schedule) *memSchedules {
	m := &memSchedules{rows: make(map[string]*domain.Schedule)}
	for i := range rows {
		cp := rows[i]
		m.rows[cp.ID] = &cp
	}
	return m
}

func (m *memSchedules) List(ctx context.Context) ([]domain.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Schedule
	for _, s := range m.rows {
		out = append(out, *s)
	}
	return out, nil
}

func (m *memSchedules) UpdateFireTimes(ctx context.Context, id string, next, last *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.rows[id]; ok {
		s.NextFireAt = next
		s.LastFireAt = last
	}
	return nil
}

func (m *memSchedules) get(id string) domain.Schedule {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.rows[id]
}

type fixedInFlight struct{ count int }

func (f *fixedInFlight) CountInFlight(ctx context.Context, scheduleID string) (int, error) {
	return f.count, nil
}

type recordingEnqueuer struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingEnqueuer) Enqueue(ctx context.Context, agentName, body string, origin domain.ExecutionOrigin) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, agentName+":"+body)
	return "exec-1", nil
}

func (r *recordingEnqueuer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestTickFiresDueEnabledSchedule(t *testing.T) {
	past := time.Now().Add(-time.Minute)
	sched := domain.Schedule{ID: "s1", AgentID: "svc-a", CronExpr: "* * * * *", Timezone: "UTC", Enabled: true,
		MessageTemplate: "ping", MaxConcurrency: 1, NextFireAt: &past}

	schedules := newMemSchedules(sched)
	enqueuer := &recordingEnqueuer{}
	s := New(config.SchedulerConfig{TickInterval: 1, DefaultMaxConcurrency: 1}, schedules, &fixedInFlight{count: 0}, enqueuer, logger.Default(), nil)

	s.tick(context.Background())

	require.Equal(t, 1, enqueuer.count())
	updated := schedules.get("s1")
	require.NotNil(t, updated.LastFireAt)
	require.NotNil(t, updated.NextFireAt)
	require.True(t, updated.NextFireAt.After(time.Now()))
}

func TestTickSkipsDisabledSchedule(t *testing.T) {
	past := time.Now().Add(-time.Minute)
	sched := domain.Schedule{ID: "s1", AgentID: "svc-a", CronExpr: "* * * * *", Timezone: "UTC", Enabled: false, NextFireAt: &past}
	schedules := newMemSchedules(sched)
	enqueuer := &recordingEnqueuer{}
	s := New(config.SchedulerConfig{TickInterval: 1, DefaultMaxConcurrency: 1}, schedules, &fixedInFlight{}, enqueuer, logger.Default(), nil)

	s.tick(context.Background())
	require.Equal(t, 0, enqueuer.count())
}

func TestTickRespectsMaxConcurrency(t *testing.T) {
	past := time.Now().Add(-time.Minute)
	sched := domain.Schedule{ID: "s1", AgentID: "svc-a", CronExpr: "* * * * *", Timezone: "UTC", Enabled: true, MaxConcurrency: 1, NextFireAt: &past}
	schedules := newMemSchedules(sched)
	enqueuer := &recordingEnqueuer{}
	s := New(config.SchedulerConfig{TickInterval: 1, DefaultMaxConcurrency: 1}, schedules, &fixedInFlight{count: 1}, enqueuer, logger.Default(), nil)

	s.tick(context.Background())

	require.Equal(t, 0, enqueuer.count())
	updated := schedules.get("s1")
	require.True(t, updated.NextFireAt.After(time.Now()), "next fire time should still advance even when skipped for concurrency")
}

func TestEmergencyPauseStopsAllFiring(t *testing.T) {
	past := time.Now().Add(-time.Minute)
	sched := domain.Schedule{ID: "s1", AgentID: "svc-a", CronExpr: "* * * * *", Timezone: "UTC", Enabled: true, MaxConcurrency: 1, NextFireAt: &past}
	schedules := newMemSchedules(sched)
	enqueuer := &recordingEnqueuer{}
	s := New(config.SchedulerConfig{TickInterval: 1, DefaultMaxConcurrency: 1}, schedules, &fixedInFlight{}, enqueuer, logger.Default(), nil)

	s.PauseAll()
	require.True(t, s.EmergencyPaused())
	s.tick(context.Background())
	require.Equal(t, 0, enqueuer.count())

	s.ResumeAll()
	s.tick(context.Background())
	require.Equal(t, 1, enqueuer.count())
}

func TestMessageTemplateRendering(t *testing.T) {
	past := time.Now().Add(-time.Minute)
	sched := domain.Schedule{ID: "s1", AgentID: "svc-a", CronExpr: "* * * * *", Timezone: "UTC", Enabled: true, MaxConcurrency: 1, MessageTemplate: "run", NextFireAt: &past}
	schedules := newMemSchedules(sched)
	enqueuer := &recordingEnqueuer{}
	render := func(template string, meta RunMeta) string { return template + "-" + meta.ScheduleID }
	s := New(config.SchedulerConfig{TickInterval: 1, DefaultMaxConcurrency: 1}, schedules, &fixedInFlight{}, enqueuer, logger.Default(), render)

	s.tick(context.Background())

	require.Equal(t, []string{"svc-a:run-s1"}, enqueuer.calls)
}

func TestComputeInitialNextFire(t *testing.T) {
	next, err := ComputeInitialNextFire("* * * * *", "UTC", time.Now())
	require.NoError(t, err)
	require.True(t, next.After(time.Now()))
}
