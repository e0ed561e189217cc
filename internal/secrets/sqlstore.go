package secrets

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/trinity-controlplane/trinity/internal/common/trinityerr"
)

// sqlStore is a Store backed by sqlx, portable across the sqlite and
// postgres drivers C13 supports: every query goes through db.Rebind so
// the same SQL text works with both `?` and `$N` placeholder styles.
type sqlStore struct {
	db     *sqlx.DB
	crypto *MasterKeyProvider
}

var _ Store = (*sqlStore)(nil)

// Schema is the DDL for the secrets table, applied by the persistence
// layer's migration runner alongside the rest of C13's schema.
const Schema = `
CREATE TABLE IF NOT EXISTS secrets (
	id              TEXT PRIMARY KEY,
	env_key         TEXT NOT NULL UNIQUE,
	encrypted_value BLOB NOT NULL,
	nonce           BLOB NOT NULL,
	created_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_secrets_env_key ON secrets(env_key);
`

// NewStore builds a Store over an already-migrated database handle.
func NewStore(db *sqlx.DB, crypto *MasterKeyProvider) Store {
	return &sqlStore{db: db, crypto: crypto}
}

func (s *sqlStore) Close() error { return nil }

func (s *sqlStore) Create(ctx context.Context, secret *SecretWithValue) error {
	if secret.ID == "" {
		secret.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	secret.CreatedAt = now
	secret.UpdatedAt = now

	ciphertext, nonce, err := Encrypt([]byte(secret.Value), s.crypto.Key())
	if err != nil {
		return trinityerr.Wrap(trinityerr.Internal, "encrypt secret", err)
	}

	query := s.db.Rebind(`
		INSERT INTO secrets (id, env_key, encrypted_value, nonce, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		secret.ID, secret.EnvKey, ciphertext, nonce, now, now,
	)
	if err != nil {
		return trinityerr.Wrap(trinityerr.Conflict, "insert secret", err)
	}
	return nil
}

func (s *sqlStore) Get(ctx context.Context, id string) (*Secret, error) {
	var row Secret
	query := s.db.Rebind(`SELECT id, env_key, created_at, updated_at FROM secrets WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, trinityerr.New(trinityerr.NotFound, "secret not found")
		}
		return nil, trinityerr.Wrap(trinityerr.Internal, "get secret", err)
	}
	return &row, nil
}

func (s *sqlStore) GetByEnvKey(ctx context.Context, envKey string) (*Secret, error) {
	var row Secret
	query := s.db.Rebind(`SELECT id, env_key, created_at, updated_at FROM secrets WHERE env_key = ?`)
	if err := s.db.GetContext(ctx, &row, query, envKey); err != nil {
		if err == sql.ErrNoRows {
			return nil, trinityerr.New(trinityerr.NotFound, "secret not found for env key")
		}
		return nil, trinityerr.Wrap(trinityerr.Internal, "get secret by env_key", err)
	}
	return &row, nil
}

func (s *sqlStore) Reveal(ctx context.Context, id string) (string, error) {
	return s.reveal(ctx, "id", id)
}

func (s *sqlStore) RevealByEnvKey(ctx context.Context, envKey string) (string, error) {
	return s.reveal(ctx, "env_key", envKey)
}

func (s *sqlStore) reveal(ctx context.Context, column, value string) (string, error) {
	var ciphertext, nonce []byte
	query := s.db.Rebind(fmt.Sprintf(`SELECT encrypted_value, nonce FROM secrets WHERE %s = ?`, column))
	err := s.db.QueryRowContext(ctx, query, value).Scan(&ciphertext, &nonce)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", trinityerr.New(trinityerr.NotFound, "secret not found")
		}
		return "", trinityerr.Wrap(trinityerr.Internal, "reveal secret", err)
	}

	plaintext, err := Decrypt(ciphertext, nonce, s.crypto.Key())
	if err != nil {
		return "", trinityerr.Wrap(trinityerr.Internal, "decrypt secret", err)
	}
	return string(plaintext), nil
}

func (s *sqlStore) Update(ctx context.Context, id string, req *UpdateSecretRequest) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if req.Value == nil {
		return nil
	}

	now := time.Now().UTC()
	ciphertext, nonce, err := Encrypt([]byte(*req.Value), s.crypto.Key())
	if err != nil {
		return trinityerr.Wrap(trinityerr.Internal, "encrypt secret", err)
	}

	query := s.db.Rebind(`UPDATE secrets SET encrypted_value = ?, nonce = ?, updated_at = ? WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, ciphertext, nonce, now, id); err != nil {
		return trinityerr.Wrap(trinityerr.Internal, "update secret", err)
	}
	return nil
}

func (s *sqlStore) Delete(ctx context.Context, id string) error {
	query := s.db.Rebind(`DELETE FROM secrets WHERE id = ?`)
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return trinityerr.Wrap(trinityerr.Internal, "delete secret", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return trinityerr.New(trinityerr.NotFound, "secret not found")
	}
	return nil
}

func (s *sqlStore) List(ctx context.Context) ([]*SecretListItem, error) {
	var rows []struct {
		ID        string    `db:"id"`
		EnvKey    string    `db:"env_key"`
		CreatedAt time.Time `db:"created_at"`
		UpdatedAt time.Time `db:"updated_at"`
	}
	query := `SELECT id, env_key, created_at, updated_at FROM secrets ORDER BY created_at DESC`
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, trinityerr.Wrap(trinityerr.Internal, "list secrets", err)
	}
	items := make([]*SecretListItem, len(rows))
	for i, r := range rows {
		items[i] = &SecretListItem{
			ID:        r.ID,
			EnvKey:    r.EnvKey,
			HasValue:  true,
			CreatedAt: r.CreatedAt,
			UpdatedAt: r.UpdatedAt,
		}
	}
	return items, nil
}
