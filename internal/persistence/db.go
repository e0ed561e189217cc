// Package persistence implements C13: the sqlx-backed storage layer
// behind every other component's repository interfaces, portable across
// the sqlite and postgres drivers named in spec.md §8.
package persistence

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/trinity-controlplane/trinity/internal/common/config"
	"github.com/trinity-controlplane/trinity/internal/secrets"
)

// Open connects to the configured database driver and applies the
// pending schema. The returned handle is safe for concurrent use by
// every repository in this package.
func Open(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	var db *sqlx.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		path := cfg.Path
		if path == "" {
			path = "./trinity.db"
		}
		db, err = sqlx.Connect("sqlite3", path+"?_foreign_keys=on")
	case "postgres":
		db, err = sqlx.Connect("pgx", cfg.DSN())
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to %s database: %w", cfg.Driver, err)
	}

	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		db.SetMaxIdleConns(cfg.MinConns)
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

// schemas lists every table's DDL, applied in dependency order. Each
// statement is idempotent (CREATE ... IF NOT EXISTS) so Migrate can run
// on every process start rather than needing a separate migration step.
var schemas = []string{
	usersSchema,
	mcpKeysSchema,
	agentsSchema,
	sharesSchema,
	invocationsSchema,
	sharedFolderMountsSchema,
	secrets.Schema,
	executionsSchema,
	activitiesSchema,
	sessionsSchema,
	schedulesSchema,
	processDefinitionsSchema,
	processRunsSchema,
	approvalsSchema,
}

// Migrate applies every table's idempotent DDL. kandev's own sqlite
// provider applies hand-written CREATE TABLE IF NOT EXISTS statements at
// startup rather than a migration-file runner; Trinity keeps that
// approach since every statement here is already idempotent and a
// single-binary control plane has no multi-version rollout to track.
func Migrate(db *sqlx.DB) error {
	for _, stmt := range schemas {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
