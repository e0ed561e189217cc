// Package execqueue implements the Execution Queue (C7): one strict
// FIFO queue per agent with at-most-one request in flight, grounded on
// the orchestrator's container/heap-based task queue generalized from a
// single global priority queue into per-agent plain-FIFO queues (spec.md
// §4.3 requires no cross-agent fairness guarantee, so a priority heap
// has no job here — a container/list-backed FIFO is the idiomatic shape).
package execqueue

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trinity-controlplane/trinity/internal/common/config"
	"github.com/trinity-controlplane/trinity/internal/common/logger"
	"github.com/trinity-controlplane/trinity/internal/common/trinityerr"
	"github.com/trinity-controlplane/trinity/internal/domain"
)

// AgentLookup resolves an agent's current status.
type AgentLookup interface {
	Get(ctx context.Context, name string) (*domain.Agent, error)
}

// ExecutionStore persists Execution rows.
type ExecutionStore interface {
	Create(ctx context.Context, execution *domain.Execution) error
	Update(ctx context.Context, execution *domain.Execution) error
}

// ActivityPublisher is the narrow Activity Stream write path the queue
// worker uses to record streamed deltas.
type ActivityPublisher interface {
	Publish(ctx context.Context, activity domain.Activity) error
}

// Delta is one structured streamed update from an in-flight invocation
// (tool_use, message_out, usage), per spec.md §6's wire contract.
type Delta struct {
	Kind    domain.ActivityKind
	Payload map[string]any
}

// InvokeResult is the terminal outcome of a completed invocation.
type InvokeResult struct {
	ResponseSummary string
	Tokens          domain.TokenUsage
	Cost            float64
}

// AgentInvoker sends one request to the agent-local server and streams
// back structured deltas until completion. Implemented by
// internal/agentclient; kept as an interface so this package never
// depends on the HTTP transport.
type AgentInvoker interface {
	Invoke(ctx context.Context, agent *domain.Agent, request string, onDelta func(Delta)) (InvokeResult, error)
	Abort(ctx context.Context, agent *domain.Agent, executionID string) error
}

// Request submits one invocation to an agent's queue.
type Request struct {
	AgentName     string
	Origin        domain.ExecutionOrigin
	CallerUserID  *string
	CallerAgentID *string
	Body          string
	WaitForStart  bool // opt into the bounded startup-wait ceiling instead of failing fast
}

// Status reports an agent queue's current occupancy.
type Status struct {
	Queued        int
	Running       *string
	LastCompleted *string
}

type item struct {
	execution *domain.Execution
	request   string
	cancel    context.CancelFunc
	done      chan struct{}
}

// agentQueue is the strict FIFO for one agent.
type agentQueue struct {
	mu            sync.Mutex
	pending       *list.List // of *item
	running       *item
	lastCompleted *string
	wake          chan struct{}
}

func newAgentQueue() *agentQueue {
	return &agentQueue{pending: list.New(), wake: make(chan struct{}, 1)}
}

func (q *agentQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Manager owns one agentQueue per agent and the worker goroutines that
// drain them.
type Manager struct {
	cfg        config.QueueConfig
	agents     AgentLookup
	executions ExecutionStore
	activities ActivityPublisher
	invoker    AgentInvoker
	logger     *logger.Logger

	mu     sync.Mutex
	queues map[string]*agentQueue

	idGen func() string
}

// New builds a Manager. idGen generates execution IDs; pass
// uuid.NewString in production.
func New(cfg config.QueueConfig, agents AgentLookup, executions ExecutionStore, activities ActivityPublisher, invoker AgentInvoker, log *logger.Logger, idGen func() string) *Manager {
	return &Manager{
		cfg:        cfg,
		agents:     agents,
		executions: executions,
		activities: activities,
		invoker:    invoker,
		logger:     log.WithFields(zap.String("component", "execqueue")),
		queues:     make(map[string]*agentQueue),
		idGen:      idGen,
	}
}

func (m *Manager) queueFor(name string) *agentQueue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	if !ok {
		q = newAgentQueue()
		m.queues[name] = q
		go m.worker(name, q)
	}
	return q
}

// Enqueue admits a request onto its agent's FIFO. It fails with
// QueueNotReady unless the agent is running, or unless WaitForStart is
// set and the agent becomes running within the configured ceiling.
func (m *Manager) Enqueue(ctx context.Context, req Request) (string, error) {
	if err := m.awaitRunning(ctx, req.AgentName, req.WaitForStart); err != nil {
		return "", err
	}

	execution := &domain.Execution{
		ID:            m.idGen(),
		AgentID:       req.AgentName,
		CallerUserID:  req.CallerUserID,
		CallerAgentID: req.CallerAgentID,
		Origin:        req.Origin,
		Status:        domain.ExecutionStatusQueued,
		Request:       req.Body,
	}
	if err := m.executions.Create(ctx, execution); err != nil {
		return "", trinityerr.Wrap(trinityerr.Internal, "persist execution", err)
	}

	q := m.queueFor(req.AgentName)
	q.mu.Lock()
	q.pending.PushBack(&item{execution: execution, request: req.Body, done: make(chan struct{})})
	q.mu.Unlock()
	q.signal()

	return execution.ID, nil
}

func (m *Manager) awaitRunning(ctx context.Context, agentName string, wait bool) error {
	agent, err := m.agents.Get(ctx, agentName)
	if err != nil {
		return trinityerr.Wrap(trinityerr.NotFound, "resolve agent", err)
	}
	if agent.Status == domain.AgentStatusRunning {
		return nil
	}
	if !wait {
		return trinityerr.New(trinityerr.QueueNotReady, "agent is not running").WithHint(agentName)
	}

	deadline := time.Now().Add(m.cfg.StartWaitCeilingDuration())
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return trinityerr.Wrap(trinityerr.Cancelled, "wait for agent start", ctx.Err())
		case <-time.After(200 * time.Millisecond):
		}
		agent, err = m.agents.Get(ctx, agentName)
		if err != nil {
			return trinityerr.Wrap(trinityerr.NotFound, "resolve agent", err)
		}
		if agent.Status == domain.AgentStatusRunning {
			return nil
		}
	}
	return trinityerr.New(trinityerr.QueueNotReady, "agent did not reach running state in time").WithHint(agentName)
}

// Status reports an agent queue's current occupancy.
func (m *Manager) Status(agentName string) Status {
	q := m.queueFor(agentName)
	q.mu.Lock()
	defer q.mu.Unlock()

	status := Status{Queued: q.pending.Len(), LastCompleted: q.lastCompleted}
	if q.running != nil {
		id := q.running.execution.ID
		status.Running = &id
	}
	return status
}

// Clear drops every queued (not in-flight) item, recording queue:cleared.
func (m *Manager) Clear(ctx context.Context, agentName string) int {
	q := m.queueFor(agentName)
	q.mu.Lock()
	dropped := make([]*item, 0, q.pending.Len())
	for e := q.pending.Front(); e != nil; e = e.Next() {
		dropped = append(dropped, e.Value.(*item))
	}
	q.pending.Init()
	q.mu.Unlock()

	for _, it := range dropped {
		it.execution.Status = domain.ExecutionStatusCancelled
		it.execution.Error = "queue cleared"
		_ = m.executions.Update(ctx, it.execution)
		close(it.done)
	}
	if m.activities != nil {
		_ = m.activities.Publish(ctx, domain.Activity{AgentName: agentName, Kind: domain.ActivityKindLifecycle,
			Payload: map[string]any{"event": "queue:cleared", "dropped": len(dropped)}, Timestamp: time.Now()})
	}
	return len(dropped)
}

// ForceRelease cancels the in-flight item, if any, with reason
// "forced", best-effort notifying the agent-local server. A no-op
// success when nothing is in flight.
func (m *Manager) ForceRelease(ctx context.Context, agentName string) error {
	q := m.queueFor(agentName)
	q.mu.Lock()
	running := q.running
	q.mu.Unlock()

	if running == nil {
		return nil
	}

	running.execution.Error = "forced"
	if running.cancel != nil {
		running.cancel()
	}

	agent, err := m.agents.Get(ctx, agentName)
	if err == nil && m.invoker != nil {
		if abortErr := m.invoker.Abort(ctx, agent, running.execution.ID); abortErr != nil {
			m.logger.Warn("best-effort abort failed", zap.String("agent", agentName), zap.Error(abortErr))
		}
	}
	return nil
}

// worker drains one agent's FIFO, one request at a time.
func (m *Manager) worker(agentName string, q *agentQueue) {
	for range q.wake {
		for {
			q.mu.Lock()
			front := q.pending.Front()
			if front == nil {
				q.mu.Unlock()
				break
			}
			it := front.Value.(*item)
			q.pending.Remove(front)
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RequestTimeoutDuration())
			it.cancel = cancel
			q.running = it
			q.mu.Unlock()

			m.runOne(ctx, agentName, it)
			cancel()

			q.mu.Lock()
			q.running = nil
			id := it.execution.ID
			q.lastCompleted = &id
			q.mu.Unlock()
			close(it.done)
		}
	}
}

func (m *Manager) runOne(ctx context.Context, agentName string, it *item) {
	agent, err := m.agents.Get(ctx, agentName)
	if err != nil {
		it.execution.Status = domain.ExecutionStatusFailed
		it.execution.Error = err.Error()
		_ = m.executions.Update(ctx, it.execution)
		return
	}

	now := time.Now()
	it.execution.StartedAt = &now
	it.execution.Status = domain.ExecutionStatusRunning
	_ = m.executions.Update(ctx, it.execution)

	result, err := m.invoker.Invoke(ctx, agent, it.request, func(d Delta) {
		if m.activities == nil {
			return
		}
		execID := it.execution.ID
		_ = m.activities.Publish(context.Background(), domain.Activity{
			AgentName:   agentName,
			ExecutionID: &execID,
			Kind:        d.Kind,
			Payload:     d.Payload,
			Timestamp:   time.Now(),
		})
	})

	ended := time.Now()
	it.execution.EndedAt = &ended

	switch {
	case ctx.Err() == context.DeadlineExceeded:
		it.execution.Status = domain.ExecutionStatusTimedOut
		it.execution.Error = "execution timed out"
	case it.execution.Error == "forced":
		it.execution.Status = domain.ExecutionStatusCancelled
	case err != nil:
		it.execution.Status = domain.ExecutionStatusFailed
		it.execution.Error = err.Error()
	default:
		it.execution.Status = domain.ExecutionStatusSucceeded
		it.execution.ResponseSummary = result.ResponseSummary
		it.execution.Cost = result.Cost
		it.execution.Tokens = result.Tokens
	}
	_ = m.executions.Update(ctx, it.execution)
}
