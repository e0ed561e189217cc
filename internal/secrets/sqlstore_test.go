package secrets

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) Store {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	_, err = db.Exec(Schema)
	require.NoError(t, err)

	keyPath := filepath.Join(t.TempDir(), "master.key")
	provider, err := NewMasterKeyProvider(keyPath)
	require.NoError(t, err)

	return NewStore(db, provider)
}

func TestCreateAndReveal(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	item := &SecretWithValue{Secret: Secret{EnvKey: "API_KEY"}, Value: "alpha"}
	require.NoError(t, store.Create(ctx, item))

	value, err := store.RevealByEnvKey(ctx, "API_KEY")
	require.NoError(t, err)
	require.Equal(t, "alpha", value)
}

func TestUpdateChangesRevealedValue(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	item := &SecretWithValue{Secret: Secret{EnvKey: "API_KEY"}, Value: "alpha"}
	require.NoError(t, store.Create(ctx, item))

	newValue := "beta"
	require.NoError(t, store.Update(ctx, item.ID, &UpdateSecretRequest{Value: &newValue}))

	value, err := store.Reveal(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, "beta", value)
}

func TestRevealByEnvKeyNotFound(t *testing.T) {
	store := setupTestStore(t)
	_, err := store.RevealByEnvKey(context.Background(), "MISSING")
	require.Error(t, err)
}

func TestListNeverIncludesValue(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &SecretWithValue{Secret: Secret{EnvKey: "A"}, Value: "secret-a"}))
	require.NoError(t, store.Create(ctx, &SecretWithValue{Secret: Secret{EnvKey: "B"}, Value: "secret-b"}))

	items, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, it := range items {
		require.True(t, it.HasValue)
	}
}

func TestMasterKeyPersistsAcrossProviders(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "master.key")

	p1, err := NewMasterKeyProvider(keyPath)
	require.NoError(t, err)

	p2, err := NewMasterKeyProvider(keyPath)
	require.NoError(t, err)

	require.Equal(t, p1.Key(), p2.Key())

	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := make([]byte, MasterKeySize)
	ciphertext, nonce, err := Encrypt([]byte("hello"), key)
	require.NoError(t, err)
	require.NotEqual(t, []byte("hello"), ciphertext)

	plaintext, err := Decrypt(ciphertext, nonce, key)
	require.NoError(t, err)
	require.Equal(t, "hello", string(plaintext))
}
