package persistence

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"

	"github.com/trinity-controlplane/trinity/internal/common/trinityerr"
	"github.com/trinity-controlplane/trinity/internal/domain"
)

const sessionsSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	agent_id            TEXT PRIMARY KEY,
	context_tokens_used BIGINT NOT NULL DEFAULT 0,
	context_tokens_max  BIGINT NOT NULL DEFAULT 0,
	cost_accumulated    DOUBLE PRECISION NOT NULL DEFAULT 0,
	last_activity_at    TIMESTAMP NOT NULL,
	current_status      TEXT NOT NULL
);
`

// SessionStore is the sqlx-backed implementation of session.Store.
type SessionStore struct {
	db *sqlx.DB
}

// NewSessionStore builds a SessionStore over an already-migrated handle.
func NewSessionStore(db *sqlx.DB) *SessionStore { return &SessionStore{db: db} }

// Get resolves an agent's rolling session record.
func (s *SessionStore) Get(ctx context.Context, agentID string) (*domain.Session, error) {
	var row domain.Session
	query := s.db.Rebind(`
		SELECT agent_id, context_tokens_used, context_tokens_max, cost_accumulated, last_activity_at, current_status
		FROM sessions WHERE agent_id = ?`)
	if err := s.db.GetContext(ctx, &row, query, agentID); err != nil {
		if err == sql.ErrNoRows {
			return nil, trinityerr.New(trinityerr.NotFound, "session not found")
		}
		return nil, trinityerr.Wrap(trinityerr.Internal, "get session", err)
	}
	return &row, nil
}

// Upsert writes the full session record, inserting if absent.
func (s *SessionStore) Upsert(ctx context.Context, session *domain.Session) error {
	query := s.db.Rebind(`
		INSERT INTO sessions (agent_id, context_tokens_used, context_tokens_max, cost_accumulated, last_activity_at, current_status)
		VALUES (:agent_id, :context_tokens_used, :context_tokens_max, :cost_accumulated, :last_activity_at, :current_status)
		ON CONFLICT (agent_id) DO UPDATE SET
			context_tokens_used = excluded.context_tokens_used,
			context_tokens_max = excluded.context_tokens_max,
			cost_accumulated = excluded.cost_accumulated,
			last_activity_at = excluded.last_activity_at,
			current_status = excluded.current_status`)
	if _, err := s.db.NamedExecContext(ctx, query, session); err != nil {
		return trinityerr.Wrap(trinityerr.Internal, "upsert session", err)
	}
	return nil
}
