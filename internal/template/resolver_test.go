package template

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trinity-controlplane/trinity/internal/common/logger"
)

func writeLocalTemplate(t *testing.T, root, name string) {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	manifest := `
name: svc
displayName: Service Agent
credentialBindings:
  - name: API_KEY
    scope: env
futureField: kept-for-round-trip
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifestFileName), []byte(manifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agent.md.template"), []byte("hello ${API_KEY}"), 0o644))
}

func TestResolveLocalTemplate(t *testing.T) {
	root := t.TempDir()
	writeLocalTemplate(t, root, "svc")

	r := NewResolver(root, NewCloner(ClonerConfig{BasePath: t.TempDir()}, logger.Default()), logger.Default())

	resolved, err := r.Resolve(context.Background(), "local:svc")
	require.NoError(t, err)
	require.Equal(t, "svc", resolved.Manifest.Name)
	require.Len(t, resolved.Manifest.Bindings, 1)
	require.Equal(t, "API_KEY", resolved.Manifest.Bindings[0].Name)
	require.Equal(t, "kept-for-round-trip", resolved.Manifest.Extra["futureField"])
	require.NotEmpty(t, resolved.Revision)
}

func TestResolveLocalTemplateCachesByRevision(t *testing.T) {
	root := t.TempDir()
	writeLocalTemplate(t, root, "svc")
	r := NewResolver(root, NewCloner(ClonerConfig{BasePath: t.TempDir()}, logger.Default()), logger.Default())

	first, err := r.Resolve(context.Background(), "local:svc")
	require.NoError(t, err)
	second, err := r.Resolve(context.Background(), "local:svc")
	require.NoError(t, err)
	require.Same(t, first, second)
}

func TestParseReferenceRejectsUnknownKind(t *testing.T) {
	_, err := ParseReference("ftp:something")
	require.Error(t, err)
}

func TestParseReferenceDefaultsRepoBranch(t *testing.T) {
	ref, err := ParseReference("repo:https://example.com/org/repo.git")
	require.NoError(t, err)
	require.Equal(t, "main", ref.Branch)
}

func TestResolveMissingLocalTemplate(t *testing.T) {
	root := t.TempDir()
	r := NewResolver(root, NewCloner(ClonerConfig{BasePath: t.TempDir()}, logger.Default()), logger.Default())
	_, err := r.Resolve(context.Background(), "local:missing")
	require.Error(t, err)
}
