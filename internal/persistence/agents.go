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

const agentsSchema = `
CREATE TABLE IF NOT EXISTS agents (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL UNIQUE,
	template_ref     TEXT NOT NULL,
	owner_user_id    TEXT NOT NULL,
	is_system        BOOLEAN NOT NULL DEFAULT FALSE,
	autonomy_enabled BOOLEAN NOT NULL DEFAULT FALSE,
	cpu_nanos        BIGINT NOT NULL DEFAULT 0,
	memory_mib       BIGINT NOT NULL DEFAULT 0,
	ssh_port         INTEGER NOT NULL DEFAULT 0,
	internal_http_port INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL,
	container_id     TEXT NOT NULL DEFAULT '',
	workspace_volume TEXT NOT NULL DEFAULT '',
	last_error       TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMP NOT NULL,
	deleted_at       TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_agents_owner ON agents(owner_user_id);
`

// agentRow is the flat wire shape matching every agents column; Agent's
// Resources/Ports fields carry db:"-" so sqlx needs the flattened struct
// on both read and write paths.
type agentRow struct {
	ID              string     `db:"id"`
	Name            string     `db:"name"`
	TemplateRef     string     `db:"template_ref"`
	OwnerUserID     string     `db:"owner_user_id"`
	IsSystem        bool       `db:"is_system"`
	AutonomyEnabled bool       `db:"autonomy_enabled"`
	CPUNanos        int64      `db:"cpu_nanos"`
	MemoryMiB       int64      `db:"memory_mib"`
	SSHPort         int        `db:"ssh_port"`
	InternalHTTP    int        `db:"internal_http_port"`
	Status          string     `db:"status"`
	ContainerID     string     `db:"container_id"`
	WorkspaceVolume string     `db:"workspace_volume"`
	LastError       string     `db:"last_error"`
	CreatedAt       time.Time  `db:"created_at"`
	DeletedAt       *time.Time `db:"deleted_at"`
}

func toAgentRow(a *domain.Agent) agentRow {
	return agentRow{
		ID: a.ID, Name: a.Name, TemplateRef: a.TemplateRef, OwnerUserID: a.OwnerUserID,
		IsSystem: a.IsSystem, AutonomyEnabled: a.AutonomyEnabled,
		CPUNanos: a.Resources.CPUNanos, MemoryMiB: a.Resources.MemoryMiB,
		SSHPort: a.Ports.SSHPort, InternalHTTP: a.Ports.InternalHTTP,
		Status: string(a.Status), ContainerID: a.ContainerID, WorkspaceVolume: a.WorkspaceVolume,
		LastError: a.LastError, CreatedAt: a.CreatedAt, DeletedAt: a.DeletedAt,
	}
}

func (r agentRow) toDomain() *domain.Agent {
	return &domain.Agent{
		ID: r.ID, Name: r.Name, TemplateRef: r.TemplateRef, OwnerUserID: r.OwnerUserID,
		IsSystem: r.IsSystem, AutonomyEnabled: r.AutonomyEnabled,
		Resources: domain.ResourceLimits{CPUNanos: r.CPUNanos, MemoryMiB: r.MemoryMiB},
		Ports:     domain.Ports{SSHPort: r.SSHPort, InternalHTTP: r.InternalHTTP},
		Status:    domain.AgentStatus(r.Status), ContainerID: r.ContainerID, WorkspaceVolume: r.WorkspaceVolume,
		LastError: r.LastError, CreatedAt: r.CreatedAt, DeletedAt: r.DeletedAt,
	}
}

const agentColumns = `id, name, template_ref, owner_user_id, is_system, autonomy_enabled,
	cpu_nanos, memory_mib, ssh_port, internal_http_port, status, container_id,
	workspace_volume, last_error, created_at, deleted_at`

// AgentStore is the sqlx-backed implementation of lifecycle.AgentRepository,
// accessmatrix.AgentRepository, and execqueue.AgentLookup.
type AgentStore struct {
	db *sqlx.DB
}

// NewAgentStore builds an AgentStore over an already-migrated handle.
func NewAgentStore(db *sqlx.DB) *AgentStore { return &AgentStore{db: db} }

// Create inserts a new agent, assigning an ID and creation time.
func (s *AgentStore) Create(ctx context.Context, agent *domain.Agent) error {
	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	agent.CreatedAt = time.Now().UTC()
	row := toAgentRow(agent)

	query := s.db.Rebind(`
		INSERT INTO agents (` + agentColumns + `)
		VALUES (:id, :name, :template_ref, :owner_user_id, :is_system, :autonomy_enabled,
			:cpu_nanos, :memory_mib, :ssh_port, :internal_http_port, :status, :container_id,
			:workspace_volume, :last_error, :created_at, :deleted_at)`)
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return trinityerr.Wrap(trinityerr.Conflict, "insert agent", err)
	}
	return nil
}

// Get resolves an agent by name, excluding soft-deleted rows.
func (s *AgentStore) Get(ctx context.Context, name string) (*domain.Agent, error) {
	var row agentRow
	query := s.db.Rebind(`SELECT ` + agentColumns + ` FROM agents WHERE name = ? AND deleted_at IS NULL`)
	if err := s.db.GetContext(ctx, &row, query, name); err != nil {
		if err == sql.ErrNoRows {
			return nil, trinityerr.New(trinityerr.NotFound, "agent not found").WithHint(name)
		}
		return nil, trinityerr.Wrap(trinityerr.Internal, "get agent", err)
	}
	return row.toDomain(), nil
}

// Update persists every mutable field of agent.
func (s *AgentStore) Update(ctx context.Context, agent *domain.Agent) error {
	row := toAgentRow(agent)
	query := s.db.Rebind(`
		UPDATE agents SET
			template_ref = :template_ref, autonomy_enabled = :autonomy_enabled,
			cpu_nanos = :cpu_nanos, memory_mib = :memory_mib,
			ssh_port = :ssh_port, internal_http_port = :internal_http_port,
			status = :status, container_id = :container_id, workspace_volume = :workspace_volume,
			last_error = :last_error, deleted_at = :deleted_at
		WHERE id = :id`)
	result, err := s.db.NamedExecContext(ctx, query, row)
	if err != nil {
		return trinityerr.Wrap(trinityerr.Internal, "update agent", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return trinityerr.New(trinityerr.NotFound, "agent not found").WithHint(agent.Name)
	}
	return nil
}

// Delete soft-deletes an agent by name.
func (s *AgentStore) Delete(ctx context.Context, name string) error {
	query := s.db.Rebind(`UPDATE agents SET deleted_at = ? WHERE name = ? AND deleted_at IS NULL`)
	result, err := s.db.ExecContext(ctx, query, time.Now().UTC(), name)
	if err != nil {
		return trinityerr.Wrap(trinityerr.Internal, "delete agent", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return trinityerr.New(trinityerr.NotFound, "agent not found").WithHint(name)
	}
	return nil
}

// List returns every non-deleted agent.
func (s *AgentStore) List(ctx context.Context) ([]*domain.Agent, error) {
	var dbRows []agentRow
	query := `SELECT ` + agentColumns + ` FROM agents WHERE deleted_at IS NULL ORDER BY created_at`
	if err := s.db.SelectContext(ctx, &dbRows, query); err != nil {
		return nil, trinityerr.Wrap(trinityerr.Internal, "list agents", err)
	}
	out := make([]*domain.Agent, len(dbRows))
	for i, r := range dbRows {
		out[i] = r.toDomain()
	}
	return out, nil
}
