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

const processDefinitionsSchema = `
CREATE TABLE IF NOT EXISTS process_definitions (
	name           TEXT NOT NULL,
	version        INTEGER NOT NULL,
	trigger        TEXT NOT NULL,
	steps          TEXT NOT NULL DEFAULT '[]',
	input_schema   TEXT NOT NULL DEFAULT '{}',
	output_binding TEXT NOT NULL DEFAULT '{}',
	created_at     TIMESTAMP NOT NULL,
	PRIMARY KEY (name, version)
);
`

const processRunsSchema = `
CREATE TABLE IF NOT EXISTS process_runs (
	id                  TEXT PRIMARY KEY,
	definition_name     TEXT NOT NULL,
	definition_version  INTEGER NOT NULL,
	inputs              TEXT NOT NULL DEFAULT '{}',
	step_states         TEXT NOT NULL DEFAULT '{}',
	status              TEXT NOT NULL,
	outputs             TEXT NOT NULL DEFAULT '{}',
	started_at          TIMESTAMP NOT NULL,
	ended_at            TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_process_runs_definition ON process_runs(definition_name);
`

type processDefinitionRow struct {
	Name          string    `db:"name"`
	Version       int       `db:"version"`
	Trigger       string    `db:"trigger"`
	Steps         string    `db:"steps"`
	InputSchema   string    `db:"input_schema"`
	OutputBinding string    `db:"output_binding"`
	CreatedAt     time.Time `db:"created_at"`
}

func toDefinitionRow(d *domain.ProcessDefinition) (processDefinitionRow, error) {
	steps, err := json.Marshal(d.Steps)
	if err != nil {
		return processDefinitionRow{}, err
	}
	inputSchema, err := json.Marshal(d.InputSchema)
	if err != nil {
		return processDefinitionRow{}, err
	}
	outputBinding, err := json.Marshal(d.OutputBinding)
	if err != nil {
		return processDefinitionRow{}, err
	}
	return processDefinitionRow{
		Name: d.Name, Version: d.Version, Trigger: string(d.Trigger),
		Steps: string(steps), InputSchema: string(inputSchema), OutputBinding: string(outputBinding),
		CreatedAt: d.CreatedAt,
	}, nil
}

func (r processDefinitionRow) toDomain() (*domain.ProcessDefinition, error) {
	d := &domain.ProcessDefinition{
		Name: r.Name, Version: r.Version, Trigger: domain.TriggerKind(r.Trigger), CreatedAt: r.CreatedAt,
	}
	if err := json.Unmarshal([]byte(r.Steps), &d.Steps); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(r.InputSchema), &d.InputSchema); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(r.OutputBinding), &d.OutputBinding); err != nil {
		return nil, err
	}
	return d, nil
}

const definitionColumns = `name, version, trigger, steps, input_schema, output_binding, created_at`

// ProcessDefinitionStore is the sqlx-backed implementation of process.DefinitionStore.
type ProcessDefinitionStore struct {
	db *sqlx.DB
}

// NewProcessDefinitionStore builds a ProcessDefinitionStore over an
// already-migrated handle.
func NewProcessDefinitionStore(db *sqlx.DB) *ProcessDefinitionStore {
	return &ProcessDefinitionStore{db: db}
}

// Put inserts a new version of a Process Definition. Versions are
// append-only: an existing (name, version) pair is a conflict.
func (s *ProcessDefinitionStore) Put(ctx context.Context, def *domain.ProcessDefinition) error {
	def.CreatedAt = time.Now().UTC()
	row, err := toDefinitionRow(def)
	if err != nil {
		return trinityerr.Wrap(trinityerr.Internal, "marshal process definition", err)
	}
	query := s.db.Rebind(`
		INSERT INTO process_definitions (` + definitionColumns + `)
		VALUES (:name, :version, :trigger, :steps, :input_schema, :output_binding, :created_at)`)
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return trinityerr.Wrap(trinityerr.Conflict, "insert process definition", err)
	}
	return nil
}

// Get resolves a named, versioned Process Definition.
func (s *ProcessDefinitionStore) Get(ctx context.Context, name string, version int) (*domain.ProcessDefinition, error) {
	var row processDefinitionRow
	query := s.db.Rebind(`SELECT ` + definitionColumns + ` FROM process_definitions WHERE name = ? AND version = ?`)
	if err := s.db.GetContext(ctx, &row, query, name, version); err != nil {
		if err == sql.ErrNoRows {
			return nil, trinityerr.New(trinityerr.NotFound, "process definition not found").WithHint(name)
		}
		return nil, trinityerr.Wrap(trinityerr.Internal, "get process definition", err)
	}
	def, err := row.toDomain()
	if err != nil {
		return nil, trinityerr.Wrap(trinityerr.Internal, "unmarshal process definition", err)
	}
	return def, nil
}

// GetLatest resolves the highest version of a named Process Definition.
func (s *ProcessDefinitionStore) GetLatest(ctx context.Context, name string) (*domain.ProcessDefinition, error) {
	var row processDefinitionRow
	query := s.db.Rebind(`
		SELECT ` + definitionColumns + ` FROM process_definitions
		WHERE name = ? ORDER BY version DESC LIMIT 1`)
	if err := s.db.GetContext(ctx, &row, query, name); err != nil {
		if err == sql.ErrNoRows {
			return nil, trinityerr.New(trinityerr.NotFound, "process definition not found").WithHint(name)
		}
		return nil, trinityerr.Wrap(trinityerr.Internal, "get latest process definition", err)
	}
	def, err := row.toDomain()
	if err != nil {
		return nil, trinityerr.Wrap(trinityerr.Internal, "unmarshal process definition", err)
	}
	return def, nil
}

// ListNames returns every distinct Process Definition name.
func (s *ProcessDefinitionStore) ListNames(ctx context.Context) ([]string, error) {
	var names []string
	query := `SELECT DISTINCT name FROM process_definitions ORDER BY name`
	if err := s.db.SelectContext(ctx, &names, query); err != nil {
		return nil, trinityerr.Wrap(trinityerr.Internal, "list process definition names", err)
	}
	return names, nil
}

type processRunRow struct {
	ID                string     `db:"id"`
	DefinitionName    string     `db:"definition_name"`
	DefinitionVersion int        `db:"definition_version"`
	Inputs            string     `db:"inputs"`
	StepStates        string     `db:"step_states"`
	Status            string     `db:"status"`
	Outputs           string     `db:"outputs"`
	StartedAt         time.Time  `db:"started_at"`
	EndedAt           *time.Time `db:"ended_at"`
}

func toRunRow(r *domain.ProcessRun) (processRunRow, error) {
	inputs, err := json.Marshal(r.Inputs)
	if err != nil {
		return processRunRow{}, err
	}
	stepStates, err := json.Marshal(r.StepStates)
	if err != nil {
		return processRunRow{}, err
	}
	outputs, err := json.Marshal(r.Outputs)
	if err != nil {
		return processRunRow{}, err
	}
	return processRunRow{
		ID: r.ID, DefinitionName: r.DefinitionName, DefinitionVersion: r.DefinitionVer,
		Inputs: string(inputs), StepStates: string(stepStates), Status: string(r.Status),
		Outputs: string(outputs), StartedAt: r.StartedAt, EndedAt: r.EndedAt,
	}, nil
}

func (r processRunRow) toDomain() (*domain.ProcessRun, error) {
	run := &domain.ProcessRun{
		ID: r.ID, DefinitionName: r.DefinitionName, DefinitionVer: r.DefinitionVersion,
		Status: domain.RunStatus(r.Status), StartedAt: r.StartedAt, EndedAt: r.EndedAt,
	}
	if err := json.Unmarshal([]byte(r.Inputs), &run.Inputs); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(r.StepStates), &run.StepStates); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(r.Outputs), &run.Outputs); err != nil {
		return nil, err
	}
	return run, nil
}

const runColumns = `id, definition_name, definition_version, inputs, step_states, status, outputs, started_at, ended_at`

// ProcessRunStore is the sqlx-backed implementation of process.RunStore.
type ProcessRunStore struct {
	db *sqlx.DB
}

// NewProcessRunStore builds a ProcessRunStore over an already-migrated handle.
func NewProcessRunStore(db *sqlx.DB) *ProcessRunStore { return &ProcessRunStore{db: db} }

// Create inserts a new run row.
func (s *ProcessRunStore) Create(ctx context.Context, run *domain.ProcessRun) error {
	row, err := toRunRow(run)
	if err != nil {
		return trinityerr.Wrap(trinityerr.Internal, "marshal process run", err)
	}
	query := s.db.Rebind(`
		INSERT INTO process_runs (` + runColumns + `)
		VALUES (:id, :definition_name, :definition_version, :inputs, :step_states, :status, :outputs, :started_at, :ended_at)`)
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return trinityerr.Wrap(trinityerr.Conflict, "insert process run", err)
	}
	return nil
}

// Update persists every field of run, including its in-flight step states.
func (s *ProcessRunStore) Update(ctx context.Context, run *domain.ProcessRun) error {
	row, err := toRunRow(run)
	if err != nil {
		return trinityerr.Wrap(trinityerr.Internal, "marshal process run", err)
	}
	query := s.db.Rebind(`
		UPDATE process_runs SET
			inputs = :inputs, step_states = :step_states, status = :status,
			outputs = :outputs, ended_at = :ended_at
		WHERE id = :id`)
	result, err := s.db.NamedExecContext(ctx, query, row)
	if err != nil {
		return trinityerr.Wrap(trinityerr.Internal, "update process run", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return trinityerr.New(trinityerr.NotFound, "process run not found").WithHint(run.ID)
	}
	return nil
}

// Get resolves a run by ID.
func (s *ProcessRunStore) Get(ctx context.Context, id string) (*domain.ProcessRun, error) {
	var row processRunRow
	query := s.db.Rebind(`SELECT ` + runColumns + ` FROM process_runs WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, trinityerr.New(trinityerr.NotFound, "process run not found")
		}
		return nil, trinityerr.Wrap(trinityerr.Internal, "get process run", err)
	}
	run, err := row.toDomain()
	if err != nil {
		return nil, trinityerr.Wrap(trinityerr.Internal, "unmarshal process run", err)
	}
	return run, nil
}

// ListByDefinition returns every run of the named Process Definition,
// most recent first.
func (s *ProcessRunStore) ListByDefinition(ctx context.Context, name string, limit int) ([]*domain.ProcessRun, error) {
	if limit <= 0 {
		limit = 100
	}
	var dbRows []processRunRow
	query := s.db.Rebind(`
		SELECT ` + runColumns + ` FROM process_runs WHERE definition_name = ? ORDER BY started_at DESC LIMIT ?`)
	if err := s.db.SelectContext(ctx, &dbRows, query, name, limit); err != nil {
		return nil, trinityerr.Wrap(trinityerr.Internal, "list process runs", err)
	}
	out := make([]*domain.ProcessRun, len(dbRows))
	for i, r := range dbRows {
		run, err := r.toDomain()
		if err != nil {
			return nil, trinityerr.Wrap(trinityerr.Internal, "unmarshal process run", err)
		}
		out[i] = run
	}
	return out, nil
}
