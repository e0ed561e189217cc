// Package scheduler implements the Scheduler (C10): it evaluates cron
// expressions against configured Schedules and enqueues due runs
// through the Execution Queue, bounded by per-schedule concurrency and
// subject to per-schedule pause and an atomic emergency pause.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/trinity-controlplane/trinity/internal/common/config"
	"github.com/trinity-controlplane/trinity/internal/common/logger"
	"github.com/trinity-controlplane/trinity/internal/domain"
)

// ScheduleRepository is the persistence contract the Scheduler needs.
type ScheduleRepository interface {
	List(ctx context.Context) ([]domain.Schedule, error)
	UpdateFireTimes(ctx context.Context, id string, next, last *time.Time) error
}

// Enqueuer is the narrow Execution Queue surface the Scheduler fires
// schedules through; a positional form of execqueue.Manager.Enqueue's
// request-struct call, bridged by an adapter in cmd/trinityd, so this
// package has no build-order dependency on that package.
type Enqueuer interface {
	Enqueue(ctx context.Context, agentName, body string, origin domain.ExecutionOrigin) (string, error)
}

// InFlightCounter reports how many not-yet-terminal executions a
// schedule currently has outstanding, for the max-concurrency gate.
type InFlightCounter interface {
	CountInFlight(ctx context.Context, scheduleID string) (int, error)
}

// parser accepts the standard five-field cron grammar; kandev's own
// processing loop runs on a plain ticker with no expression language, so
// this parser is the one piece of scheduling logic with no teacher
// analogue, taken directly from the dependency this repo already needs
// for its cron semantics.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Scheduler runs the tick loop that fires due schedules.
type Scheduler struct {
	cfg        config.SchedulerConfig
	schedules  ScheduleRepository
	inflight   InFlightCounter
	enqueuer   Enqueuer
	logger     *logger.Logger
	renderer   func(template string, meta RunMeta) string

	emergencyPause atomic.Bool

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// RunMeta is the run metadata a message-template may interpolate.
type RunMeta struct {
	ScheduleID string
	AgentID    string
	FiredAt    time.Time
}

// New builds a Scheduler. renderer may be nil to use the template text
// verbatim with no interpolation.
func New(cfg config.SchedulerConfig, schedules ScheduleRepository, inflight InFlightCounter, enqueuer Enqueuer, log *logger.Logger, renderer func(string, RunMeta) string) *Scheduler {
	if renderer == nil {
		renderer = func(template string, _ RunMeta) string { return template }
	}
	return &Scheduler{
		cfg:       cfg,
		schedules: schedules,
		inflight:  inflight,
		enqueuer:  enqueuer,
		logger:    log.WithFields(zap.String("component", "scheduler")),
		renderer:  renderer,
	}
}

// Start launches the tick loop. It returns an error if the loop is
// already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	interval := time.Duration(s.cfg.TickInterval) * time.Second
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}

	s.wg.Add(1)
	go s.loop(ctx, interval)
	return nil
}

// Stop halts the tick loop and waits for the current tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()
	s.wg.Wait()
}

// PauseAll flips the emergency pause switch: no schedule fires,
// regardless of its individual enabled flag, until ResumeAll is called.
func (s *Scheduler) PauseAll() { s.emergencyPause.Store(true) }

// ResumeAll clears the emergency pause switch.
func (s *Scheduler) ResumeAll() { s.emergencyPause.Store(false) }

// EmergencyPaused reports the current emergency-pause state.
func (s *Scheduler) EmergencyPaused() bool { return s.emergencyPause.Load() }

func (s *Scheduler) loop(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if s.emergencyPause.Load() {
		return
	}

	schedules, err := s.schedules.List(ctx)
	if err != nil {
		s.logger.Error("list schedules failed", zap.Error(err))
		return
	}

	now := time.Now()
	for _, sched := range schedules {
		if !sched.Enabled {
			continue
		}
		if sched.NextFireAt == nil || sched.NextFireAt.After(now) {
			continue
		}
		s.fire(ctx, sched, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, sched domain.Schedule, now time.Time) {
	next, err := s.computeNext(sched, now)
	if err != nil {
		s.logger.Error("compute next fire time failed", zap.String("schedule_id", sched.ID), zap.Error(err))
		return
	}

	maxConcurrency := sched.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = s.cfg.DefaultMaxConcurrency
	}

	inFlight, err := s.inflight.CountInFlight(ctx, sched.ID)
	if err != nil {
		s.logger.Error("count in-flight runs failed", zap.String("schedule_id", sched.ID), zap.Error(err))
		return
	}
	if inFlight >= maxConcurrency {
		s.logger.Info("schedule tick skipped: at concurrency cap",
			zap.String("schedule_id", sched.ID), zap.Int("in_flight", inFlight), zap.Int("max_concurrency", maxConcurrency))
		if err := s.schedules.UpdateFireTimes(ctx, sched.ID, &next, sched.LastFireAt); err != nil {
			s.logger.Error("advance next fire time failed", zap.String("schedule_id", sched.ID), zap.Error(err))
		}
		return
	}

	body := s.renderer(sched.MessageTemplate, RunMeta{ScheduleID: sched.ID, AgentID: sched.AgentID, FiredAt: now})
	if _, err := s.enqueuer.Enqueue(ctx, sched.AgentID, body, domain.ExecutionOriginSchedule); err != nil {
		s.logger.Error("enqueue scheduled run failed", zap.String("schedule_id", sched.ID), zap.Error(err))
		return
	}

	last := now
	if err := s.schedules.UpdateFireTimes(ctx, sched.ID, &next, &last); err != nil {
		s.logger.Error("record fire times failed", zap.String("schedule_id", sched.ID), zap.Error(err))
	}
}

// computeNext parses the schedule's cron expression in its timezone and
// returns the next fire time strictly after now.
func (s *Scheduler) computeNext(sched domain.Schedule, now time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(sched.Timezone)
	if err != nil {
		loc = time.UTC
	}
	schedule, err := parser.Parse(sched.CronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", sched.CronExpr, err)
	}
	return schedule.Next(now.In(loc)), nil
}

// ComputeInitialNextFire returns the first fire time for a freshly
// created or resumed schedule, for use when it is written to the store.
func ComputeInitialNextFire(cronExpr, timezone string, from time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		loc = time.UTC
	}
	schedule, err := parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from.In(loc)), nil
}
