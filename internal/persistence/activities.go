package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/trinity-controlplane/trinity/internal/common/trinityerr"
	"github.com/trinity-controlplane/trinity/internal/domain"
)

const activitiesSchema = `
CREATE TABLE IF NOT EXISTS activities (
	id           BIGINT PRIMARY KEY,
	agent_name   TEXT NOT NULL,
	execution_id TEXT,
	kind         TEXT NOT NULL,
	payload      TEXT NOT NULL DEFAULT '{}',
	truncated    BOOLEAN NOT NULL DEFAULT FALSE,
	ts           TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_activities_agent_ts ON activities(agent_name, ts);
`

type activityRow struct {
	ID          int64          `db:"id"`
	AgentName   string         `db:"agent_name"`
	ExecutionID sql.NullString `db:"execution_id"`
	Kind        string         `db:"kind"`
	Payload     string         `db:"payload"`
	Truncated   bool           `db:"truncated"`
	Timestamp   time.Time      `db:"ts"`
}

func (r activityRow) toDomain() domain.Activity {
	a := domain.Activity{
		ID: r.ID, AgentName: r.AgentName, Kind: domain.ActivityKind(r.Kind),
		Truncated: r.Truncated, Timestamp: r.Timestamp,
	}
	if r.ExecutionID.Valid {
		a.ExecutionID = &r.ExecutionID.String
	}
	_ = json.Unmarshal([]byte(r.Payload), &a.Payload)
	return a
}

// ActivityStore is the sqlx-backed implementation of activity.Store.
type ActivityStore struct {
	db *sqlx.DB
}

// NewActivityStore builds an ActivityStore over an already-migrated handle.
func NewActivityStore(db *sqlx.DB) *ActivityStore { return &ActivityStore{db: db} }

// Append persists one activity row. The Activity Stream has already
// assigned a monotone ID before calling this.
func (s *ActivityStore) Append(ctx context.Context, a *domain.Activity) error {
	payload, err := json.Marshal(a.Payload)
	if err != nil {
		return trinityerr.Wrap(trinityerr.Internal, "marshal activity payload", err)
	}

	var executionID sql.NullString
	if a.ExecutionID != nil {
		executionID = sql.NullString{String: *a.ExecutionID, Valid: true}
	}

	query := s.db.Rebind(`
		INSERT INTO activities (id, agent_name, execution_id, kind, payload, truncated, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query, a.ID, a.AgentName, executionID, string(a.Kind), string(payload), a.Truncated, a.Timestamp)
	if err != nil {
		return trinityerr.Wrap(trinityerr.Internal, "insert activity", err)
	}
	return nil
}

// ListSince returns every activity for agentName timestamped after
// since, oldest first, bounded by limit.
func (s *ActivityStore) ListSince(ctx context.Context, agentName string, since time.Time, limit int) ([]domain.Activity, error) {
	if limit <= 0 {
		limit = 500
	}
	var dbRows []activityRow
	query := s.db.Rebind(`
		SELECT id, agent_name, execution_id, kind, payload, truncated, ts
		FROM activities WHERE agent_name = ? AND ts > ? ORDER BY id ASC LIMIT ?`)
	if err := s.db.SelectContext(ctx, &dbRows, query, agentName, since, limit); err != nil {
		return nil, trinityerr.Wrap(trinityerr.Internal, "list activities", err)
	}
	out := make([]domain.Activity, len(dbRows))
	for i, r := range dbRows {
		out[i] = r.toDomain()
	}
	return out, nil
}

// DeleteOlderThan removes activities older than cutoff, part of the
// retention sweep (spec.md §8), and reports how many rows were removed.
func (s *ActivityStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := s.db.Rebind(`DELETE FROM activities WHERE ts < ?`)
	result, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, trinityerr.Wrap(trinityerr.Internal, "delete old activities", err)
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}
