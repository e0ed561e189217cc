package persistence

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/trinity-controlplane/trinity/internal/common/trinityerr"
	"github.com/trinity-controlplane/trinity/internal/domain"
)

const sharesSchema = `
CREATE TABLE IF NOT EXISTS shares (
	agent_id      TEXT NOT NULL,
	grantee_email TEXT NOT NULL,
	granted_by    TEXT NOT NULL,
	created_at    TIMESTAMP NOT NULL,
	PRIMARY KEY (agent_id, grantee_email)
);
`

const invocationsSchema = `
CREATE TABLE IF NOT EXISTS invocation_permissions (
	caller_agent_id TEXT NOT NULL,
	callee_agent_id TEXT NOT NULL,
	allowed         BOOLEAN NOT NULL DEFAULT TRUE,
	PRIMARY KEY (caller_agent_id, callee_agent_id)
);
`

const sharedFolderMountsSchema = `
CREATE TABLE IF NOT EXISTS shared_folder_mounts (
	producer_agent_id TEXT NOT NULL,
	consumer_agent_id TEXT NOT NULL,
	path              TEXT NOT NULL,
	PRIMARY KEY (producer_agent_id, consumer_agent_id, path)
);
`

const mcpKeysSchema = `
CREATE TABLE IF NOT EXISTS mcp_keys (
	id             TEXT PRIMARY KEY,
	owner_user_id  TEXT NOT NULL,
	secret_hash    TEXT NOT NULL UNIQUE,
	label          TEXT NOT NULL,
	system_scoped  BOOLEAN NOT NULL DEFAULT FALSE,
	created_at     TIMESTAMP NOT NULL,
	revoked_at     TIMESTAMP,
	last_used_at   TIMESTAMP,
	usage_count    BIGINT NOT NULL DEFAULT 0
);
`

// ShareStore is the sqlx-backed implementation of accessmatrix.ShareRepository.
type ShareStore struct{ db *sqlx.DB }

// NewShareStore builds a ShareStore over an already-migrated handle.
func NewShareStore(db *sqlx.DB) *ShareStore { return &ShareStore{db: db} }

// Grant records that granteeEmail may view/invoke agentID's agent.
func (s *ShareStore) Grant(ctx context.Context, agentID, granteeEmail, grantedBy string) error {
	query := s.db.Rebind(`
		INSERT INTO shares (agent_id, grantee_email, granted_by, created_at)
		VALUES (?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query, agentID, granteeEmail, grantedBy, time.Now().UTC())
	if err != nil {
		return trinityerr.Wrap(trinityerr.Conflict, "grant share", err)
	}
	return nil
}

// Revoke removes a previously granted share.
func (s *ShareStore) Revoke(ctx context.Context, agentID, granteeEmail string) error {
	query := s.db.Rebind(`DELETE FROM shares WHERE agent_id = ? AND grantee_email = ?`)
	if _, err := s.db.ExecContext(ctx, query, agentID, granteeEmail); err != nil {
		return trinityerr.Wrap(trinityerr.Internal, "revoke share", err)
	}
	return nil
}

// ListByAgent lists every grantee share for one agent.
func (s *ShareStore) ListByAgent(ctx context.Context, agentID string) ([]domain.Share, error) {
	var rows []domain.Share
	query := s.db.Rebind(`SELECT agent_id, grantee_email, granted_by, created_at FROM shares WHERE agent_id = ?`)
	if err := s.db.SelectContext(ctx, &rows, query, agentID); err != nil {
		return nil, trinityerr.Wrap(trinityerr.Internal, "list shares", err)
	}
	return rows, nil
}

// InvocationStore is the sqlx-backed implementation of
// accessmatrix.InvocationRepository.
type InvocationStore struct{ db *sqlx.DB }

// NewInvocationStore builds an InvocationStore over an already-migrated handle.
func NewInvocationStore(db *sqlx.DB) *InvocationStore { return &InvocationStore{db: db} }

// IsAllowed reports whether callerAgentName may invoke calleeAgentName.
func (s *InvocationStore) IsAllowed(ctx context.Context, callerAgentName, calleeAgentName string) (bool, error) {
	var allowed bool
	query := s.db.Rebind(`SELECT allowed FROM invocation_permissions WHERE caller_agent_id = ? AND callee_agent_id = ?`)
	err := s.db.GetContext(ctx, &allowed, query, callerAgentName, calleeAgentName)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, trinityerr.Wrap(trinityerr.Internal, "check invocation permission", err)
	}
	return allowed, nil
}

// Grant records a caller->callee invocation permission.
func (s *InvocationStore) Grant(ctx context.Context, callerAgentName, calleeAgentName string) error {
	query := s.db.Rebind(`
		INSERT INTO invocation_permissions (caller_agent_id, callee_agent_id, allowed)
		VALUES (?, ?, TRUE)`)
	if _, err := s.db.ExecContext(ctx, query, callerAgentName, calleeAgentName); err != nil {
		if isUniqueViolation(err) {
			update := s.db.Rebind(`UPDATE invocation_permissions SET allowed = TRUE WHERE caller_agent_id = ? AND callee_agent_id = ?`)
			if _, uerr := s.db.ExecContext(ctx, update, callerAgentName, calleeAgentName); uerr != nil {
				return trinityerr.Wrap(trinityerr.Internal, "update invocation permission", uerr)
			}
			return nil
		}
		return trinityerr.Wrap(trinityerr.Internal, "grant invocation permission", err)
	}
	return nil
}

// Revoke removes a caller->callee invocation permission.
func (s *InvocationStore) Revoke(ctx context.Context, callerAgentName, calleeAgentName string) error {
	query := s.db.Rebind(`DELETE FROM invocation_permissions WHERE caller_agent_id = ? AND callee_agent_id = ?`)
	if _, err := s.db.ExecContext(ctx, query, callerAgentName, calleeAgentName); err != nil {
		return trinityerr.Wrap(trinityerr.Internal, "revoke invocation permission", err)
	}
	return nil
}

// SharedFolderStore tracks producer/consumer shared-folder mounts.
type SharedFolderStore struct{ db *sqlx.DB }

// NewSharedFolderStore builds a SharedFolderStore over an already-migrated handle.
func NewSharedFolderStore(db *sqlx.DB) *SharedFolderStore { return &SharedFolderStore{db: db} }

// Mount records a producer->consumer shared-folder wiring.
func (s *SharedFolderStore) Mount(ctx context.Context, mount domain.SharedFolderMount) error {
	query := s.db.Rebind(`
		INSERT INTO shared_folder_mounts (producer_agent_id, consumer_agent_id, path)
		VALUES (?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, mount.ProducerAgentID, mount.ConsumerAgentID, mount.Path); err != nil {
		return trinityerr.Wrap(trinityerr.Conflict, "mount shared folder", err)
	}
	return nil
}

// Unmount removes a shared-folder wiring.
func (s *SharedFolderStore) Unmount(ctx context.Context, mount domain.SharedFolderMount) error {
	query := s.db.Rebind(`
		DELETE FROM shared_folder_mounts WHERE producer_agent_id = ? AND consumer_agent_id = ? AND path = ?`)
	if _, err := s.db.ExecContext(ctx, query, mount.ProducerAgentID, mount.ConsumerAgentID, mount.Path); err != nil {
		return trinityerr.Wrap(trinityerr.Internal, "unmount shared folder", err)
	}
	return nil
}

// ListByConsumer lists every folder mounted into consumerAgentID.
func (s *SharedFolderStore) ListByConsumer(ctx context.Context, consumerAgentID string) ([]domain.SharedFolderMount, error) {
	var rows []domain.SharedFolderMount
	query := s.db.Rebind(`SELECT producer_agent_id, consumer_agent_id, path FROM shared_folder_mounts WHERE consumer_agent_id = ?`)
	if err := s.db.SelectContext(ctx, &rows, query, consumerAgentID); err != nil {
		return nil, trinityerr.Wrap(trinityerr.Internal, "list shared folder mounts", err)
	}
	return rows, nil
}

// MCPKeyStore is the sqlx-backed implementation of accessmatrix.MCPKeyRepository.
type MCPKeyStore struct{ db *sqlx.DB }

// NewMCPKeyStore builds an MCPKeyStore over an already-migrated handle.
func NewMCPKeyStore(db *sqlx.DB) *MCPKeyStore { return &MCPKeyStore{db: db} }

// Create issues a new MCP key row. SecretHash must already be computed
// by the caller (accessmatrix.HashKey); the raw bearer value is never
// persisted.
func (s *MCPKeyStore) Create(ctx context.Context, key *domain.MCPKey) error {
	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	key.CreatedAt = time.Now().UTC()
	query := s.db.Rebind(`
		INSERT INTO mcp_keys (id, owner_user_id, secret_hash, label, system_scoped, created_at, revoked_at, last_used_at, usage_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query, key.ID, key.OwnerUserID, key.SecretHash, key.Label,
		key.SystemScoped, key.CreatedAt, key.RevokedAt, key.LastUsedAt, key.UsageCount)
	if err != nil {
		return trinityerr.Wrap(trinityerr.Conflict, "insert mcp key", err)
	}
	return nil
}

// GetBySecretHash resolves a key by the hash of its raw bearer secret.
func (s *MCPKeyStore) GetBySecretHash(ctx context.Context, hash string) (*domain.MCPKey, error) {
	var row domain.MCPKey
	query := s.db.Rebind(`
		SELECT id, owner_user_id, secret_hash, label, system_scoped, created_at, revoked_at, last_used_at, usage_count
		FROM mcp_keys WHERE secret_hash = ?`)
	if err := s.db.GetContext(ctx, &row, query, hash); err != nil {
		if err == sql.ErrNoRows {
			return nil, trinityerr.New(trinityerr.NotFound, "mcp key not found")
		}
		return nil, trinityerr.Wrap(trinityerr.Internal, "get mcp key", err)
	}
	return &row, nil
}

// TouchUsage bumps a key's usage counter and last-used timestamp.
func (s *MCPKeyStore) TouchUsage(ctx context.Context, keyID string) error {
	query := s.db.Rebind(`UPDATE mcp_keys SET usage_count = usage_count + 1, last_used_at = ? WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, time.Now().UTC(), keyID); err != nil {
		return trinityerr.Wrap(trinityerr.Internal, "touch mcp key usage", err)
	}
	return nil
}

// Revoke marks a key unusable without deleting its audit trail.
func (s *MCPKeyStore) Revoke(ctx context.Context, keyID string) error {
	query := s.db.Rebind(`UPDATE mcp_keys SET revoked_at = ? WHERE id = ?`)
	result, err := s.db.ExecContext(ctx, query, time.Now().UTC(), keyID)
	if err != nil {
		return trinityerr.Wrap(trinityerr.Internal, "revoke mcp key", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return trinityerr.New(trinityerr.NotFound, "mcp key not found")
	}
	return nil
}

// ListByOwner lists every key owned by userID.
func (s *MCPKeyStore) ListByOwner(ctx context.Context, userID string) ([]*domain.MCPKey, error) {
	var rows []*domain.MCPKey
	query := s.db.Rebind(`
		SELECT id, owner_user_id, secret_hash, label, system_scoped, created_at, revoked_at, last_used_at, usage_count
		FROM mcp_keys WHERE owner_user_id = ? ORDER BY created_at DESC`)
	if err := s.db.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, trinityerr.Wrap(trinityerr.Internal, "list mcp keys", err)
	}
	return rows, nil
}

// isUniqueViolation reports whether err looks like a primary-key or
// unique-constraint conflict across both the sqlite and postgres
// drivers, whose error text differs but both mention the constraint.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}
