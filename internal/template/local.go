package template

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/trinity-controlplane/trinity/internal/domain"
)

const manifestFileName = "trinity.manifest.yaml"

// localSource resolves templates from a process-local registry
// directory laid out as <root>/<name>/ containing trinity.manifest.yaml
// and the template's file tree.
type localSource struct {
	root string
}

func (s *localSource) templateDir(name string) string {
	return filepath.Join(s.root, name)
}

func (s *localSource) readManifest(_ context.Context, name string) (*domain.Manifest, error) {
	path := filepath.Join(s.templateDir(name), manifestFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest for %q: %w", name, err)
	}
	return ParseManifest(raw)
}

// locate returns the template's root directory and a content-derived
// revision (a hash of the file tree), since local registry entries have
// no VCS revision of their own.
func (s *localSource) locate(_ context.Context, name string) (rootDir, revision string, err error) {
	dir := s.templateDir(name)
	if _, statErr := os.Stat(dir); statErr != nil {
		return "", "", fmt.Errorf("template %q not found: %w", name, statErr)
	}
	revision, err = hashTree(dir)
	if err != nil {
		return "", "", err
	}
	return dir, revision, nil
}

func readManifestFile(rootDir string) (*domain.Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(rootDir, manifestFileName))
	if err != nil {
		return nil, err
	}
	return ParseManifest(raw)
}

// hashTree computes a stable hash over relative file paths and contents,
// used as the cache revision key for sources without their own VCS
// revision (the local registry).
func hashTree(root string) (string, error) {
	var paths []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, rel := range paths {
		h.Write([]byte(rel))
		f, err := os.Open(filepath.Join(root, rel))
		if err != nil {
			return "", err
		}
		_, copyErr := io.Copy(h, f)
		f.Close()
		if copyErr != nil {
			return "", copyErr
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
