package credentials

import (
	"context"

	"github.com/trinity-controlplane/trinity/internal/domain"
)

// AgentNotifier is the subset of the agent-local-server client the
// Credential Renderer needs to complete a hot reload. Kept as an
// interface here, implemented by internal/agentclient, so this package
// never depends on the HTTP transport.
type AgentNotifier interface {
	ReloadCredentials(ctx context.Context, agent *domain.Agent) (restartRequired bool, changed []string, err error)
}

// ReloadResult is returned by ReloadCredentials.
type ReloadResult struct {
	RestartRequired bool
	Changed         []string
	Audit           []AuditEntry
}

// ReloadCredentials re-runs Render into the live workspace without
// restarting the container, then notifies the agent-local server so it
// re-reads its environment (spec.md §4.2 Hot reload). If the agent
// declares requires-restart for a changed binding, RestartRequired is
// true but the container is never restarted by this operation.
func (r *Renderer) ReloadCredentials(ctx context.Context, workspaceDir, templateRoot string, manifest *domain.Manifest, agent *domain.Agent, notifier AgentNotifier) (*ReloadResult, error) {
	result, err := r.Render(ctx, workspaceDir, templateRoot, manifest)
	if err != nil {
		return nil, err
	}

	restartRequired, changed, err := notifier.ReloadCredentials(ctx, agent)
	if err != nil {
		return nil, err
	}

	if !restartRequired {
		restartRequired = anyRequiresRestart(manifest, changed)
	}

	return &ReloadResult{
		RestartRequired: restartRequired,
		Changed:         changed,
		Audit:           result.Audit,
	}, nil
}

func anyRequiresRestart(manifest *domain.Manifest, changed []string) bool {
	requiresRestart := make(map[string]bool, len(manifest.Bindings))
	for _, b := range manifest.Bindings {
		if b.RequiresRestart {
			requiresRestart[b.Name] = true
		}
	}
	for _, name := range changed {
		if requiresRestart[name] {
			return true
		}
	}
	return false
}
