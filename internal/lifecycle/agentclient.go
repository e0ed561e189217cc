package lifecycle

import (
	"context"

	"github.com/trinity-controlplane/trinity/internal/domain"
)

// AgentClient is the subset of the agent-local HTTP server contract (§6)
// the Lifecycle Manager needs: health polling to gate the
// starting→running transition, and meta-prompt injection once an agent
// comes up. Implemented by internal/agentclient; kept as an interface
// here so this package never depends on the HTTP transport.
type AgentClient interface {
	CheckHealth(ctx context.Context, ip string, port int) error
	InjectMetaPrompt(ctx context.Context, ip string, port int, agent *domain.Agent) error
}
