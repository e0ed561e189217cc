// Package credentials implements the Credential Renderer (C3): it
// renders placeholder-bearing template files using Secret Store values
// into an agent's materialized workspace, and re-renders them in place
// for hot reload.
package credentials

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/trinity-controlplane/trinity/internal/common/trinityerr"
	"github.com/trinity-controlplane/trinity/internal/domain"
	"github.com/trinity-controlplane/trinity/internal/secrets"
)

const (
	templateSuffix   = ".template"
	envFileName      = ".env"
	gitignoreName    = ".gitignore"
)

// placeholderPattern matches ${NAME} where NAME is an ASCII identifier.
var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ValueSource records which of the three precedence sources (secret,
// manifest default, empty) supplied a rendered placeholder's value, for
// audit (spec.md §4.2).
type ValueSource string

const (
	SourceSecret  ValueSource = "secret"
	SourceDefault ValueSource = "default"
	SourceEmpty   ValueSource = "empty"
)

// AuditEntry records one placeholder resolution.
type AuditEntry struct {
	Name   string
	Source ValueSource
}

// RenderResult summarizes one Render invocation.
type RenderResult struct {
	Audit []AuditEntry
}

// Renderer renders a resolved template's file tree into a workspace
// directory, substituting credential placeholders from the Secret Store.
type Renderer struct {
	store secrets.Store
}

// NewRenderer builds a Renderer backed by the given Secret Store.
func NewRenderer(store secrets.Store) *Renderer {
	return &Renderer{store: store}
}

// Render copies templateRoot's file tree into workspaceDir, substituting
// `${NAME}` placeholders in any `*.template` file (suffix stripped on
// output), writing a credentials `.env` file from the manifest's
// bindings, and ensuring a `.gitignore` excludes that `.env` file (files
// rendered from `*.template` are not added to it). Render is deterministic: the same (manifest, secret values)
// always produce byte-identical output (spec.md §8).
func (r *Renderer) Render(ctx context.Context, workspaceDir, templateRoot string, manifest *domain.Manifest) (*RenderResult, error) {
	resolved, audit, err := r.resolveBindings(ctx, manifest)
	if err != nil {
		return nil, err
	}

	if err := copyTree(templateRoot, workspaceDir, resolved); err != nil {
		return nil, trinityerr.Wrap(trinityerr.Internal, "render template tree", err)
	}

	if err := writeEnvFile(workspaceDir, manifest, resolved); err != nil {
		return nil, trinityerr.Wrap(trinityerr.Internal, "write credentials env file", err)
	}

	if err := ensureGitignore(workspaceDir, manifest); err != nil {
		return nil, trinityerr.Wrap(trinityerr.Internal, "write gitignore", err)
	}

	return &RenderResult{Audit: audit}, nil
}

// resolveBindings resolves every declared binding's value following the
// secret > manifest-default > empty precedence (spec.md §4.2), recording
// which source won.
func (r *Renderer) resolveBindings(ctx context.Context, manifest *domain.Manifest) (map[string]string, []AuditEntry, error) {
	values := make(map[string]string, len(manifest.Bindings))
	audit := make([]AuditEntry, 0, len(manifest.Bindings))

	for _, binding := range manifest.Bindings {
		value, err := r.store.RevealByEnvKey(ctx, binding.Name)
		switch {
		case err == nil:
			values[binding.Name] = value
			audit = append(audit, AuditEntry{Name: binding.Name, Source: SourceSecret})
		case binding.Default != nil:
			values[binding.Name] = *binding.Default
			audit = append(audit, AuditEntry{Name: binding.Name, Source: SourceDefault})
		default:
			values[binding.Name] = ""
			audit = append(audit, AuditEntry{Name: binding.Name, Source: SourceEmpty})
		}
	}
	return values, audit, nil
}

// substitute replaces every ${NAME} occurrence in content using values,
// falling back to the empty string for names with no binding at all.
func substitute(content string, values map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(content, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		return values[name]
	})
}

func copyTree(srcRoot, dstRoot string, values map[string]string) error {
	return filepath.Walk(srcRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcRoot, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return os.MkdirAll(dstRoot, 0o755)
		}
		dst := filepath.Join(dstRoot, rel)

		if info.IsDir() {
			return os.MkdirAll(dst, 0o755)
		}

		if strings.HasSuffix(path, templateSuffix) {
			raw, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			rendered := substitute(string(raw), values)
			dst = strings.TrimSuffix(dst, templateSuffix)
			return os.WriteFile(dst, []byte(rendered), 0o600)
		}

		return copyFile(path, dst, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// writeEnvFile writes one KEY=VALUE per line, values unquoted unless
// they contain whitespace (spec.md §4.2).
func writeEnvFile(workspaceDir string, manifest *domain.Manifest, values map[string]string) error {
	names := make([]string, 0, len(manifest.Bindings))
	for _, b := range manifest.Bindings {
		names = append(names, b.Name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		value := values[name]
		if strings.ContainsAny(value, " \t\n") {
			sb.WriteString(fmt.Sprintf("%s=%q\n", name, value))
		} else {
			sb.WriteString(fmt.Sprintf("%s=%s\n", name, value))
		}
	}
	return os.WriteFile(filepath.Join(workspaceDir, envFileName), []byte(sb.String()), 0o600)
}

// ensureGitignore writes a .gitignore excluding the credentials .env file
// and any declared shared-folder expose paths, if one is not already
// present. Files rendered from `*.template` sources are not listed.
func ensureGitignore(workspaceDir string, manifest *domain.Manifest) error {
	path := filepath.Join(workspaceDir, gitignoreName)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(envFileName + "\n")
	for _, folder := range manifest.SharedFolders {
		if folder.Expose {
			sb.WriteString(strings.TrimPrefix(folder.Path, "/") + "\n")
		}
	}
	return os.WriteFile(path, []byte(sb.String()), 0o644)
}
