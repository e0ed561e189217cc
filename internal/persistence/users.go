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

const usersSchema = `
CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	handle     TEXT NOT NULL UNIQUE,
	email      TEXT NOT NULL UNIQUE,
	role       TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	archived   BOOLEAN NOT NULL DEFAULT FALSE
);
`

// UserStore is the sqlx-backed implementation of accessmatrix.UserRepository.
type UserStore struct {
	db *sqlx.DB
}

// NewUserStore builds a UserStore over an already-migrated handle.
func NewUserStore(db *sqlx.DB) *UserStore { return &UserStore{db: db} }

// Create inserts a new user, assigning an ID if one was not supplied.
func (s *UserStore) Create(ctx context.Context, user *domain.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	user.CreatedAt = time.Now().UTC()

	query := s.db.Rebind(`
		INSERT INTO users (id, handle, email, role, created_at, archived)
		VALUES (?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query, user.ID, user.Handle, user.Email, user.Role, user.CreatedAt, user.Archived)
	if err != nil {
		return trinityerr.Wrap(trinityerr.Conflict, "insert user", err)
	}
	return nil
}

// Get resolves a user by ID.
func (s *UserStore) Get(ctx context.Context, userID string) (*domain.User, error) {
	var row domain.User
	query := s.db.Rebind(`SELECT id, handle, email, role, created_at, archived FROM users WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, query, userID); err != nil {
		if err == sql.ErrNoRows {
			return nil, trinityerr.New(trinityerr.NotFound, "user not found")
		}
		return nil, trinityerr.Wrap(trinityerr.Internal, "get user", err)
	}
	return &row, nil
}

// GetByEmail resolves a user by email, for login flows.
func (s *UserStore) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	var row domain.User
	query := s.db.Rebind(`SELECT id, handle, email, role, created_at, archived FROM users WHERE email = ?`)
	if err := s.db.GetContext(ctx, &row, query, email); err != nil {
		if err == sql.ErrNoRows {
			return nil, trinityerr.New(trinityerr.NotFound, "user not found")
		}
		return nil, trinityerr.Wrap(trinityerr.Internal, "get user by email", err)
	}
	return &row, nil
}

// List returns every non-archived user.
func (s *UserStore) List(ctx context.Context) ([]*domain.User, error) {
	var rows []*domain.User
	query := `SELECT id, handle, email, role, created_at, archived FROM users WHERE archived = FALSE ORDER BY created_at`
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, trinityerr.Wrap(trinityerr.Internal, "list users", err)
	}
	return rows, nil
}

// Archive soft-deletes a user rather than removing their row, so
// historical ownership references (agents, executions) stay resolvable.
func (s *UserStore) Archive(ctx context.Context, userID string) error {
	query := s.db.Rebind(`UPDATE users SET archived = TRUE WHERE id = ?`)
	result, err := s.db.ExecContext(ctx, query, userID)
	if err != nil {
		return trinityerr.Wrap(trinityerr.Internal, "archive user", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return trinityerr.New(trinityerr.NotFound, "user not found")
	}
	return nil
}
