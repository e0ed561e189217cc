package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/trinity-controlplane/trinity/internal/common/trinityerr"
	"github.com/trinity-controlplane/trinity/internal/domain"
)

const executionsSchema = `
CREATE TABLE IF NOT EXISTS executions (
	id                    TEXT PRIMARY KEY,
	agent_id              TEXT NOT NULL,
	caller_user_id        TEXT,
	caller_agent_id       TEXT,
	origin                TEXT NOT NULL,
	status                TEXT NOT NULL,
	request               TEXT NOT NULL,
	started_at            TIMESTAMP,
	ended_at              TIMESTAMP,
	cost                  DOUBLE PRECISION NOT NULL DEFAULT 0,
	input_tokens          BIGINT NOT NULL DEFAULT 0,
	output_tokens         BIGINT NOT NULL DEFAULT 0,
	cache_read_tokens     BIGINT NOT NULL DEFAULT 0,
	cache_creation_tokens BIGINT NOT NULL DEFAULT 0,
	response_summary      TEXT NOT NULL DEFAULT '',
	error                 TEXT NOT NULL DEFAULT '',
	schedule_id           TEXT
);
CREATE INDEX IF NOT EXISTS idx_executions_agent ON executions(agent_id);
CREATE INDEX IF NOT EXISTS idx_executions_schedule ON executions(schedule_id, status);
`

type executionRow struct {
	ID                  string         `db:"id"`
	AgentID             string         `db:"agent_id"`
	CallerUserID        sql.NullString `db:"caller_user_id"`
	CallerAgentID       sql.NullString `db:"caller_agent_id"`
	Origin              string         `db:"origin"`
	Status              string         `db:"status"`
	Request             string         `db:"request"`
	StartedAt           *time.Time     `db:"started_at"`
	EndedAt             *time.Time     `db:"ended_at"`
	Cost                float64        `db:"cost"`
	InputTokens         int64          `db:"input_tokens"`
	OutputTokens        int64          `db:"output_tokens"`
	CacheReadTokens     int64          `db:"cache_read_tokens"`
	CacheCreationTokens int64          `db:"cache_creation_tokens"`
	ResponseSummary     string         `db:"response_summary"`
	Error               string         `db:"error"`
	ScheduleID          sql.NullString `db:"schedule_id"`
}

func toExecutionRow(e *domain.Execution, scheduleID string) executionRow {
	row := executionRow{
		ID: e.ID, AgentID: e.AgentID, Origin: string(e.Origin), Status: string(e.Status),
		Request: e.Request, StartedAt: e.StartedAt, EndedAt: e.EndedAt, Cost: e.Cost,
		InputTokens: e.Tokens.InputTokens, OutputTokens: e.Tokens.OutputTokens,
		CacheReadTokens: e.Tokens.CacheReadTokens, CacheCreationTokens: e.Tokens.CacheCreationTokens,
		ResponseSummary: e.ResponseSummary, Error: e.Error,
	}
	if e.CallerUserID != nil {
		row.CallerUserID = sql.NullString{String: *e.CallerUserID, Valid: true}
	}
	if e.CallerAgentID != nil {
		row.CallerAgentID = sql.NullString{String: *e.CallerAgentID, Valid: true}
	}
	if scheduleID != "" {
		row.ScheduleID = sql.NullString{String: scheduleID, Valid: true}
	}
	return row
}

func (r executionRow) toDomain() *domain.Execution {
	e := &domain.Execution{
		ID: r.ID, AgentID: r.AgentID, Origin: domain.ExecutionOrigin(r.Origin), Status: domain.ExecutionStatus(r.Status),
		Request: r.Request, StartedAt: r.StartedAt, EndedAt: r.EndedAt, Cost: r.Cost,
		Tokens: domain.TokenUsage{
			InputTokens: r.InputTokens, OutputTokens: r.OutputTokens,
			CacheReadTokens: r.CacheReadTokens, CacheCreationTokens: r.CacheCreationTokens,
		},
		ResponseSummary: r.ResponseSummary, Error: r.Error,
	}
	if r.CallerUserID.Valid {
		e.CallerUserID = &r.CallerUserID.String
	}
	if r.CallerAgentID.Valid {
		e.CallerAgentID = &r.CallerAgentID.String
	}
	return e
}

const executionColumns = `id, agent_id, caller_user_id, caller_agent_id, origin, status, request,
	started_at, ended_at, cost, input_tokens, output_tokens, cache_read_tokens,
	cache_creation_tokens, response_summary, error, schedule_id`

// ExecutionStore is the sqlx-backed implementation of execqueue.ExecutionStore.
type ExecutionStore struct {
	db *sqlx.DB
}

// NewExecutionStore builds an ExecutionStore over an already-migrated handle.
func NewExecutionStore(db *sqlx.DB) *ExecutionStore { return &ExecutionStore{db: db} }

// Create inserts a new execution row.
func (s *ExecutionStore) Create(ctx context.Context, execution *domain.Execution) error {
	return s.createWithSchedule(ctx, execution, "")
}

// CreateScheduled inserts a new execution row tagged with the schedule
// that fired it, so CountInFlight can answer the scheduler's
// per-schedule concurrency query.
func (s *ExecutionStore) CreateScheduled(ctx context.Context, execution *domain.Execution, scheduleID string) error {
	return s.createWithSchedule(ctx, execution, scheduleID)
}

func (s *ExecutionStore) createWithSchedule(ctx context.Context, execution *domain.Execution, scheduleID string) error {
	row := toExecutionRow(execution, scheduleID)
	query := s.db.Rebind(`
		INSERT INTO executions (` + executionColumns + `)
		VALUES (:id, :agent_id, :caller_user_id, :caller_agent_id, :origin, :status, :request,
			:started_at, :ended_at, :cost, :input_tokens, :output_tokens, :cache_read_tokens,
			:cache_creation_tokens, :response_summary, :error, :schedule_id)`)
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return trinityerr.Wrap(trinityerr.Conflict, "insert execution", err)
	}
	return nil
}

// Update persists every mutable field of execution.
func (s *ExecutionStore) Update(ctx context.Context, execution *domain.Execution) error {
	row := toExecutionRow(execution, "")
	query := s.db.Rebind(`
		UPDATE executions SET
			status = :status, started_at = :started_at, ended_at = :ended_at, cost = :cost,
			input_tokens = :input_tokens, output_tokens = :output_tokens,
			cache_read_tokens = :cache_read_tokens, cache_creation_tokens = :cache_creation_tokens,
			response_summary = :response_summary, error = :error
		WHERE id = :id`)
	result, err := s.db.NamedExecContext(ctx, query, row)
	if err != nil {
		return trinityerr.Wrap(trinityerr.Internal, "update execution", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return trinityerr.New(trinityerr.NotFound, "execution not found").WithHint(execution.ID)
	}
	return nil
}

// Get resolves an execution by ID.
func (s *ExecutionStore) Get(ctx context.Context, id string) (*domain.Execution, error) {
	var row executionRow
	query := s.db.Rebind(`SELECT ` + executionColumns + ` FROM executions WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, trinityerr.New(trinityerr.NotFound, "execution not found")
		}
		return nil, trinityerr.Wrap(trinityerr.Internal, "get execution", err)
	}
	return row.toDomain(), nil
}

// ListByAgent returns every execution for agentID, most recent first.
func (s *ExecutionStore) ListByAgent(ctx context.Context, agentID string, limit int) ([]*domain.Execution, error) {
	if limit <= 0 {
		limit = 100
	}
	var dbRows []executionRow
	query := s.db.Rebind(`SELECT ` + executionColumns + ` FROM executions WHERE agent_id = ? ORDER BY started_at DESC LIMIT ?`)
	if err := s.db.SelectContext(ctx, &dbRows, query, agentID, limit); err != nil {
		return nil, trinityerr.Wrap(trinityerr.Internal, "list executions", err)
	}
	out := make([]*domain.Execution, len(dbRows))
	for i, r := range dbRows {
		out[i] = r.toDomain()
	}
	return out, nil
}

// CountInFlight implements scheduler.InFlightCounter: the number of
// not-yet-terminal executions fired by scheduleID.
func (s *ExecutionStore) CountInFlight(ctx context.Context, scheduleID string) (int, error) {
	var count int
	query := s.db.Rebind(`
		SELECT COUNT(*) FROM executions
		WHERE schedule_id = ? AND status IN (?, ?)`)
	err := s.db.GetContext(ctx, &count, query, scheduleID, string(domain.ExecutionStatusQueued), string(domain.ExecutionStatusRunning))
	if err != nil {
		return 0, trinityerr.Wrap(trinityerr.Internal, "count in-flight executions", err)
	}
	return count, nil
}

// DeleteOlderThan removes terminated executions started before cutoff,
// part of the Activity Stream's retention sweep (spec.md §8).
func (s *ExecutionStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) error {
	query := s.db.Rebind(`
		DELETE FROM executions
		WHERE started_at < ? AND status NOT IN (?, ?)`)
	_, err := s.db.ExecContext(ctx, query, cutoff, string(domain.ExecutionStatusQueued), string(domain.ExecutionStatusRunning))
	if err != nil {
		return trinityerr.Wrap(trinityerr.Internal, "delete old executions", err)
	}
	return nil
}
