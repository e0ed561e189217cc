package lifecycle

import (
	"context"

	"github.com/trinity-controlplane/trinity/internal/domain"
)

// AgentRepository is the persistence contract the Lifecycle Manager
// needs. Implemented by internal/persistence; kept as an interface here
// so component build order does not force this package to depend on the
// concrete sqlx store.
type AgentRepository interface {
	Create(ctx context.Context, agent *domain.Agent) error
	Get(ctx context.Context, name string) (*domain.Agent, error)
	Update(ctx context.Context, agent *domain.Agent) error
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]*domain.Agent, error)
}

// ActivityPublisher is the narrow slice of the Activity Stream (C8) the
// Lifecycle Manager publishes lifecycle events through.
type ActivityPublisher interface {
	Publish(ctx context.Context, activity domain.Activity) error
}
