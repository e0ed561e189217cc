// Package template implements the Template Resolver (C2): it fetches and
// caches agent templates from a local registry or a source repository,
// and extracts the manifest and file tree the Credential Renderer (C3)
// and Lifecycle Manager (C5) consume.
package template

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/trinity-controlplane/trinity/internal/domain"
)

// manifestFile is the on-disk shape of a template manifest
// (`trinity.manifest.yaml` at the template root). ParseManifest collects
// unrecognized top-level keys into the Manifest's Extra so future
// manifest revisions round-trip
// without a schema migration (SPEC_FULL.md §4).
type manifestFile struct {
	Name             string                          `yaml:"name"`
	DisplayName      string                          `yaml:"displayName"`
	Description      string                          `yaml:"description"`
	DefaultResources domain.ResourceLimits            `yaml:"defaultResources"`
	Bindings         []domain.CredentialBinding       `yaml:"credentialBindings"`
	SharedFolders    []domain.SharedFolderCapability   `yaml:"sharedFolders"`
	SkillRefs        []string                         `yaml:"skillRefs"`
}

// ParseManifest parses raw manifest YAML, preserving unknown top-level
// fields in Extra.
func ParseManifest(raw []byte) (*domain.Manifest, error) {
	var mf manifestFile
	if err := yaml.Unmarshal(raw, &mf); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	var rawMap map[string]any
	if err := yaml.Unmarshal(raw, &rawMap); err != nil {
		return nil, fmt.Errorf("parse manifest extras: %w", err)
	}
	known := map[string]bool{
		"name": true, "displayName": true, "description": true,
		"defaultResources": true, "credentialBindings": true,
		"sharedFolders": true, "skillRefs": true,
	}
	extra := map[string]any{}
	for k, v := range rawMap {
		if !known[k] {
			extra[k] = v
		}
	}

	if mf.Name == "" {
		return nil, fmt.Errorf("manifest missing required field: name")
	}

	return &domain.Manifest{
		Name:             mf.Name,
		DisplayName:      mf.DisplayName,
		Description:      mf.Description,
		DefaultResources: mf.DefaultResources,
		Bindings:         mf.Bindings,
		SharedFolders:    mf.SharedFolders,
		SkillRefs:        mf.SkillRefs,
		Extra:            extra,
	}, nil
}
