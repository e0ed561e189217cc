package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/trinity-controlplane/trinity/internal/common/trinityerr"
	"github.com/trinity-controlplane/trinity/internal/domain"
)

const schedulesSchema = `
CREATE TABLE IF NOT EXISTS schedules (
	id               TEXT PRIMARY KEY,
	agent_id         TEXT NOT NULL,
	cron_expr        TEXT NOT NULL,
	timezone         TEXT NOT NULL,
	enabled          BOOLEAN NOT NULL DEFAULT TRUE,
	message_template TEXT NOT NULL DEFAULT '',
	max_concurrency  INTEGER NOT NULL DEFAULT 1,
	next_fire_at     TIMESTAMP,
	last_fire_at     TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_schedules_agent ON schedules(agent_id);
`

// ScheduleStore is the sqlx-backed implementation of scheduler.ScheduleRepository.
type ScheduleStore struct {
	db *sqlx.DB
}

// NewScheduleStore builds a ScheduleStore over an already-migrated handle.
func NewScheduleStore(db *sqlx.DB) *ScheduleStore { return &ScheduleStore{db: db} }

const scheduleColumns = `id, agent_id, cron_expr, timezone, enabled, message_template, max_concurrency, next_fire_at, last_fire_at`

// Create inserts a new schedule, assigning an ID if absent.
func (s *ScheduleStore) Create(ctx context.Context, sched *domain.Schedule) error {
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	query := s.db.Rebind(`
		INSERT INTO schedules (` + scheduleColumns + `)
		VALUES (:id, :agent_id, :cron_expr, :timezone, :enabled, :message_template, :max_concurrency, :next_fire_at, :last_fire_at)`)
	if _, err := s.db.NamedExecContext(ctx, query, sched); err != nil {
		return trinityerr.Wrap(trinityerr.Conflict, "insert schedule", err)
	}
	return nil
}

// Get resolves a schedule by ID.
func (s *ScheduleStore) Get(ctx context.Context, id string) (*domain.Schedule, error) {
	var row domain.Schedule
	query := s.db.Rebind(`SELECT ` + scheduleColumns + ` FROM schedules WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, trinityerr.New(trinityerr.NotFound, "schedule not found")
		}
		return nil, trinityerr.Wrap(trinityerr.Internal, "get schedule", err)
	}
	return &row, nil
}

// List returns every schedule, for the tick loop to evaluate.
func (s *ScheduleStore) List(ctx context.Context) ([]domain.Schedule, error) {
	var rows []domain.Schedule
	query := `SELECT ` + scheduleColumns + ` FROM schedules`
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, trinityerr.Wrap(trinityerr.Internal, "list schedules", err)
	}
	return rows, nil
}

// ListByAgent returns every schedule targeting agentID.
func (s *ScheduleStore) ListByAgent(ctx context.Context, agentID string) ([]domain.Schedule, error) {
	var rows []domain.Schedule
	query := s.db.Rebind(`SELECT ` + scheduleColumns + ` FROM schedules WHERE agent_id = ?`)
	if err := s.db.SelectContext(ctx, &rows, query, agentID); err != nil {
		return nil, trinityerr.Wrap(trinityerr.Internal, "list schedules by agent", err)
	}
	return rows, nil
}

// Update persists every mutable field of sched except its fire times,
// which go through UpdateFireTimes so the tick loop's own writes aren't
// clobbered by a concurrent operator edit.
func (s *ScheduleStore) Update(ctx context.Context, sched *domain.Schedule) error {
	query := s.db.Rebind(`
		UPDATE schedules SET
			cron_expr = :cron_expr, timezone = :timezone, enabled = :enabled,
			message_template = :message_template, max_concurrency = :max_concurrency
		WHERE id = :id`)
	result, err := s.db.NamedExecContext(ctx, query, sched)
	if err != nil {
		return trinityerr.Wrap(trinityerr.Internal, "update schedule", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return trinityerr.New(trinityerr.NotFound, "schedule not found").WithHint(sched.ID)
	}
	return nil
}

// UpdateFireTimes implements scheduler.ScheduleRepository's fire-time
// advance, called by the tick loop after every evaluation.
func (s *ScheduleStore) UpdateFireTimes(ctx context.Context, id string, next, last *time.Time) error {
	query := s.db.Rebind(`UPDATE schedules SET next_fire_at = ?, last_fire_at = ? WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, next, last, id); err != nil {
		return trinityerr.Wrap(trinityerr.Internal, "update schedule fire times", err)
	}
	return nil
}

// Delete removes a schedule.
func (s *ScheduleStore) Delete(ctx context.Context, id string) error {
	query := s.db.Rebind(`DELETE FROM schedules WHERE id = ?`)
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return trinityerr.Wrap(trinityerr.Internal, "delete schedule", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return trinityerr.New(trinityerr.NotFound, "schedule not found")
	}
	return nil
}
