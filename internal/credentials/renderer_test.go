package credentials

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/trinity-controlplane/trinity/internal/domain"
	"github.com/trinity-controlplane/trinity/internal/secrets"
)

func newTestStore(t *testing.T) secrets.Store {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	_, err = db.Exec(secrets.Schema)
	require.NoError(t, err)
	provider, err := secrets.NewMasterKeyProvider(filepath.Join(t.TempDir(), "master.key"))
	require.NoError(t, err)
	return secrets.NewStore(db, provider)
}

func manifestWithBinding(def *string) *domain.Manifest {
	return &domain.Manifest{
		Name: "svc",
		Bindings: []domain.CredentialBinding{
			{Name: "API_KEY", Default: def, Scope: domain.CredentialScopeEnv},
		},
	}
}

func writeTemplateTree(t *testing.T, root string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "config.txt.template"), []byte("key=${API_KEY}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "readme.txt"), []byte("static content"), 0o644))
}

func TestRenderUsesSecretOverDefault(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Create(ctx, &secrets.SecretWithValue{
		Secret: secrets.Secret{EnvKey: "API_KEY"}, Value: "alpha",
	}))

	def := "fallback"
	manifest := manifestWithBinding(&def)

	templateRoot := t.TempDir()
	writeTemplateTree(t, templateRoot)
	workspace := t.TempDir()

	r := NewRenderer(store)
	result, err := r.Render(ctx, workspace, templateRoot, manifest)
	require.NoError(t, err)
	require.Len(t, result.Audit, 1)
	require.Equal(t, SourceSecret, result.Audit[0].Source)

	rendered, err := os.ReadFile(filepath.Join(workspace, "config.txt"))
	require.NoError(t, err)
	require.Equal(t, "key=alpha", string(rendered))

	staticCopy, err := os.ReadFile(filepath.Join(workspace, "readme.txt"))
	require.NoError(t, err)
	require.Equal(t, "static content", string(staticCopy))
}

func TestRenderFallsBackToManifestDefault(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	def := "fallback"
	manifest := manifestWithBinding(&def)

	templateRoot := t.TempDir()
	writeTemplateTree(t, templateRoot)
	workspace := t.TempDir()

	r := NewRenderer(store)
	result, err := r.Render(ctx, workspace, templateRoot, manifest)
	require.NoError(t, err)
	require.Equal(t, SourceDefault, result.Audit[0].Source)

	rendered, err := os.ReadFile(filepath.Join(workspace, "config.txt"))
	require.NoError(t, err)
	require.Equal(t, "key=fallback", string(rendered))
}

func TestRenderIsDeterministic(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Create(ctx, &secrets.SecretWithValue{
		Secret: secrets.Secret{EnvKey: "API_KEY"}, Value: "alpha",
	}))
	manifest := manifestWithBinding(nil)

	templateRoot := t.TempDir()
	writeTemplateTree(t, templateRoot)

	r := NewRenderer(store)
	ws1, ws2 := t.TempDir(), t.TempDir()
	_, err := r.Render(ctx, ws1, templateRoot, manifest)
	require.NoError(t, err)
	_, err = r.Render(ctx, ws2, templateRoot, manifest)
	require.NoError(t, err)

	b1, err := os.ReadFile(filepath.Join(ws1, "config.txt"))
	require.NoError(t, err)
	b2, err := os.ReadFile(filepath.Join(ws2, "config.txt"))
	require.NoError(t, err)
	require.Equal(t, b1, b2)
}

func TestEnvFileWrittenFromBindings(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Create(ctx, &secrets.SecretWithValue{
		Secret: secrets.Secret{EnvKey: "API_KEY"}, Value: "alpha",
	}))
	manifest := manifestWithBinding(nil)

	templateRoot := t.TempDir()
	writeTemplateTree(t, templateRoot)
	workspace := t.TempDir()

	r := NewRenderer(store)
	_, err := r.Render(ctx, workspace, templateRoot, manifest)
	require.NoError(t, err)

	env, err := os.ReadFile(filepath.Join(workspace, envFileName))
	require.NoError(t, err)
	require.Equal(t, "API_KEY=alpha\n", string(env))

	info, err := os.Stat(filepath.Join(workspace, envFileName))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestGitignoreWrittenOnce(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	manifest := manifestWithBinding(nil)

	templateRoot := t.TempDir()
	writeTemplateTree(t, templateRoot)
	workspace := t.TempDir()

	custom := "# custom\n"
	require.NoError(t, os.WriteFile(filepath.Join(workspace, gitignoreName), []byte(custom), 0o644))

	r := NewRenderer(store)
	_, err := r.Render(ctx, workspace, templateRoot, manifest)
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(workspace, gitignoreName))
	require.NoError(t, err)
	require.Equal(t, custom, string(content))
}
