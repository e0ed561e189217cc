package process

import (
	"context"
	"time"

	"github.com/trinity-controlplane/trinity/internal/common/trinityerr"
	"github.com/trinity-controlplane/trinity/internal/domain"
	"github.com/trinity-controlplane/trinity/internal/execqueue"
)

// ExecutionResolver resolves an Execution by ID; satisfied by
// internal/persistence.ExecutionStore.
type ExecutionResolver interface {
	Get(ctx context.Context, id string) (*domain.Execution, error)
}

// QueueAgentTaskRunner drives an agent_task step through the Execution
// Queue (C7), polling the persisted Execution to a terminal state the
// same way the chat API's own wait ceiling does (internal/api's
// awaitTerminal), generalized to the step's own timeout instead of a
// fixed server-wide ceiling.
type QueueAgentTaskRunner struct {
	queue        *execqueue.Manager
	executions   ExecutionResolver
	pollInterval time.Duration
}

// NewQueueAgentTaskRunner builds a runner over an already-started queue manager.
func NewQueueAgentTaskRunner(queue *execqueue.Manager, executions ExecutionResolver) *QueueAgentTaskRunner {
	return &QueueAgentTaskRunner{queue: queue, executions: executions, pollInterval: 200 * time.Millisecond}
}

// RunAndAwait enqueues message against agentName and blocks until the
// resulting execution terminates or timeout elapses.
func (r *QueueAgentTaskRunner) RunAndAwait(ctx context.Context, agentName, message string, timeout time.Duration) (map[string]any, error) {
	id, err := r.queue.Enqueue(ctx, execqueue.Request{
		AgentName:    agentName,
		Origin:       domain.ExecutionOriginProcess,
		Body:         message,
		WaitForStart: true,
	})
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	for {
		execution, err := r.executions.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		switch execution.Status {
		case domain.ExecutionStatusSucceeded:
			return map[string]any{
				"text":  execution.ResponseSummary,
				"cost":  execution.Cost,
				"usage": execution.Tokens,
			}, nil
		case domain.ExecutionStatusFailed, domain.ExecutionStatusCancelled, domain.ExecutionStatusTimedOut:
			return nil, trinityerr.New(trinityerr.Internal, "agent task step did not succeed").WithHint(execution.Error)
		}
		if time.Now().After(deadline) {
			return nil, trinityerr.New(trinityerr.Timeout, "agent task step exceeded its timeout").WithHint(agentName)
		}
		select {
		case <-ctx.Done():
			return nil, trinityerr.Wrap(trinityerr.Cancelled, "agent task step cancelled", ctx.Err())
		case <-time.After(r.pollInterval):
		}
	}
}

// ForceRelease cancels agentName's in-flight execution, used when the
// owning run is cancelled mid-step.
func (r *QueueAgentTaskRunner) ForceRelease(ctx context.Context, agentName string) error {
	return r.queue.ForceRelease(ctx, agentName)
}
