// Package accessmatrix implements the Access Matrix (C6): the single
// authoritative Check function every boundary entry point calls before
// dispatching to a subsystem (spec.md §4.4).
package accessmatrix

import (
	"context"

	"github.com/trinity-controlplane/trinity/internal/common/httpmw"
	"github.com/trinity-controlplane/trinity/internal/common/trinityerr"
	"github.com/trinity-controlplane/trinity/internal/domain"
)

// Action identifies the kind of operation being authorized.
type Action string

const (
	ActionView      Action = "view"
	ActionInvoke    Action = "invoke"
	ActionConfigure Action = "configure"
	ActionDelete    Action = "delete"
)

// Target names the agent (and, for agent-to-agent invocation, the
// calling agent) an action applies to.
type Target struct {
	AgentName       string
	CallerAgentName string // set only when the caller is itself an agent
}

// UserRepository resolves a principal's effective user record.
type UserRepository interface {
	Get(ctx context.Context, userID string) (*domain.User, error)
}

// AgentRepository resolves the owning agent for a Check.
type AgentRepository interface {
	Get(ctx context.Context, name string) (*domain.Agent, error)
}

// ShareRepository lists grantee emails an agent has been shared with.
type ShareRepository interface {
	ListByAgent(ctx context.Context, agentName string) ([]domain.Share, error)
}

// InvocationRepository resolves agent-to-agent invocation grants.
type InvocationRepository interface {
	IsAllowed(ctx context.Context, callerAgentName, calleeAgentName string) (bool, error)
	Grant(ctx context.Context, callerAgentName, calleeAgentName string) error
}

// Matrix implements Check against the repositories above.
type Matrix struct {
	users       UserRepository
	agents      AgentRepository
	shares      ShareRepository
	invocations InvocationRepository
}

// New builds a Matrix.
func New(users UserRepository, agents AgentRepository, shares ShareRepository, invocations InvocationRepository) *Matrix {
	return &Matrix{users: users, agents: agents, shares: shares, invocations: invocations}
}

// Check is the single authorization entry point. It returns nil when
// the principal may perform action against target, or a trinityerr
// Unauthorized/Forbidden/NotFound error otherwise.
func (m *Matrix) Check(ctx context.Context, principal httpmw.Principal, action Action, target Target) error {
	if principal.SystemScoped {
		return nil
	}

	user, err := m.users.Get(ctx, principal.UserID)
	if err != nil {
		return trinityerr.Wrap(trinityerr.Unauthorized, "resolve principal", err)
	}

	agent, err := m.agents.Get(ctx, target.AgentName)
	if err != nil {
		return trinityerr.Wrap(trinityerr.NotFound, "resolve target agent", err)
	}

	canSee, err := m.canSee(ctx, user, agent)
	if err != nil {
		return err
	}
	if !canSee {
		return trinityerr.New(trinityerr.Forbidden, "principal cannot access agent").WithHint(agent.Name)
	}

	switch action {
	case ActionView:
		return nil
	case ActionInvoke:
		if target.CallerAgentName == "" {
			return nil
		}
		allowed, err := m.invocations.IsAllowed(ctx, target.CallerAgentName, agent.Name)
		if err != nil {
			return trinityerr.Wrap(trinityerr.Internal, "check invocation permission", err)
		}
		if !allowed {
			return trinityerr.New(trinityerr.Forbidden, "invocation not permitted between agents").
				WithHint(target.CallerAgentName + " -> " + agent.Name)
		}
		return nil
	case ActionConfigure, ActionDelete:
		if user.Role == domain.RoleAdmin || agent.OwnerUserID == user.ID {
			return nil
		}
		return trinityerr.New(trinityerr.Forbidden, "only admin or owner may modify this agent").WithHint(agent.Name)
	default:
		return trinityerr.New(trinityerr.Internal, "unknown access matrix action").WithHint(string(action))
	}
}

func (m *Matrix) canSee(ctx context.Context, user *domain.User, agent *domain.Agent) (bool, error) {
	if user.Role == domain.RoleAdmin {
		return true, nil
	}
	if agent.OwnerUserID == user.ID {
		return true, nil
	}

	shares, err := m.shares.ListByAgent(ctx, agent.Name)
	if err != nil {
		return false, trinityerr.Wrap(trinityerr.Internal, "list shares", err)
	}
	for _, s := range shares {
		if s.GranteeEmail == user.Email {
			return true, nil
		}
	}
	return false, nil
}

// GrantSameOwnerInvocation auto-grants caller->callee invocation when
// both agents share an owner, per spec.md §4.4's creation-time
// exception to the default-deny rule.
func (m *Matrix) GrantSameOwnerInvocation(ctx context.Context, callerAgentName, calleeAgentName string) error {
	caller, err := m.agents.Get(ctx, callerAgentName)
	if err != nil {
		return trinityerr.Wrap(trinityerr.NotFound, "resolve caller agent", err)
	}
	callee, err := m.agents.Get(ctx, calleeAgentName)
	if err != nil {
		return trinityerr.Wrap(trinityerr.NotFound, "resolve callee agent", err)
	}
	if caller.OwnerUserID != callee.OwnerUserID {
		return nil
	}
	return m.invocations.Grant(ctx, callerAgentName, calleeAgentName)
}
