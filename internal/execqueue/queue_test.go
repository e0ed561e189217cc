package execqueue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trinity-controlplane/trinity/internal/common/config"
	"github.com/trinity-controlplane/trinity/internal/common/logger"
	"github.com/trinity-controlplane/trinity/internal/domain"
)

type fakeAgents struct {
	mu   sync.Mutex
	byID map[string]*domain.Agent
}

func (f *fakeAgents) Get(ctx context.Context, name string) (*domain.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.byID[name]
	if !ok {
		return nil, fmt.Errorf("no such agent %s", name)
	}
	return a, nil
}

func (f *fakeAgents) setStatus(name string, status domain.AgentStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[name].Status = status
}

type memExecutions struct {
	mu   sync.Mutex
	rows map[string]*domain.Execution
}

func newMemExecutions() *memExecutions {
	return &memExecutions{rows: make(map[string]*domain.Execution)}
}

func (m *memExecutions) Create(ctx context.Context, e *domain.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.rows[e.ID] = &cp
	return nil
}

func (m *memExecutions) Update(ctx context.Context, e *domain.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.rows[e.ID] = &cp
	return nil
}

func (m *memExecutions) get(id string) *domain.Execution {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[id]
}

type memActivities struct {
	mu    sync.Mutex
	items []domain.Activity
}

func (m *memActivities) Publish(ctx context.Context, a domain.Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, a)
	return nil
}

func (m *memActivities) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// fakeInvoker records invocation order per agent and optionally blocks
// until released, to exercise FIFO and at-most-one-in-flight ordering.
type fakeInvoker struct {
	mu       sync.Mutex
	order    []string
	release  chan struct{}
	blocking bool
}

func (f *fakeInvoker) Invoke(ctx context.Context, agent *domain.Agent, request string, onDelta func(Delta)) (InvokeResult, error) {
	f.mu.Lock()
	f.order = append(f.order, request)
	blocking := f.blocking
	f.mu.Unlock()

	onDelta(Delta{Kind: domain.ActivityKindMessageOut, Payload: map[string]any{"text": "ack"}})

	if blocking {
		select {
		case <-f.release:
		case <-ctx.Done():
			return InvokeResult{}, ctx.Err()
		}
	}
	return InvokeResult{ResponseSummary: "ok " + request}, nil
}

func (f *fakeInvoker) Abort(ctx context.Context, agent *domain.Agent, executionID string) error {
	return nil
}

func newIDGen() func() string {
	n := 0
	var mu sync.Mutex
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return "exec-" + strconv.Itoa(n)
	}
}

func TestEnqueueRejectsWhenAgentNotRunning(t *testing.T) {
	agents := &fakeAgents{byID: map[string]*domain.Agent{
		"svc-a": {Name: "svc-a", Status: domain.AgentStatusStopped},
	}}
	m := New(config.QueueConfig{RequestTimeoutSeconds: 5, StartWaitCeilingSeconds: 1},
		agents, newMemExecutions(), &memActivities{}, &fakeInvoker{}, logger.Default(), newIDGen())

	_, err := m.Enqueue(context.Background(), Request{AgentName: "svc-a", Body: "hi"})
	require.Error(t, err)
}

func TestEnqueueWaitsForStartWithinCeiling(t *testing.T) {
	agents := &fakeAgents{byID: map[string]*domain.Agent{
		"svc-a": {Name: "svc-a", Status: domain.AgentStatusStarting},
	}}
	m := New(config.QueueConfig{RequestTimeoutSeconds: 5, StartWaitCeilingSeconds: 2},
		agents, newMemExecutions(), &memActivities{}, &fakeInvoker{}, logger.Default(), newIDGen())

	go func() {
		time.Sleep(50 * time.Millisecond)
		agents.setStatus("svc-a", domain.AgentStatusRunning)
	}()

	id, err := m.Enqueue(context.Background(), Request{AgentName: "svc-a", Body: "hi", WaitForStart: true})
	require.NoError(t, err)
	require.NotEmpty(t, id)
}

func TestFIFOOrderPerAgentAtMostOneInFlight(t *testing.T) {
	agents := &fakeAgents{byID: map[string]*domain.Agent{
		"svc-a": {Name: "svc-a", Status: domain.AgentStatusRunning},
	}}
	execs := newMemExecutions()
	activities := &memActivities{}
	invoker := &fakeInvoker{}
	m := New(config.QueueConfig{RequestTimeoutSeconds: 5, StartWaitCeilingSeconds: 1},
		agents, execs, activities, invoker, logger.Default(), newIDGen())

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := m.Enqueue(context.Background(), Request{AgentName: "svc-a", Body: fmt.Sprintf("req-%d", i)})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	require.Eventually(t, func() bool {
		for _, id := range ids {
			e := execs.get(id)
			if e == nil || e.Status != domain.ExecutionStatusSucceeded {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	invoker.mu.Lock()
	order := append([]string(nil), invoker.order...)
	invoker.mu.Unlock()
	require.Equal(t, []string{"req-0", "req-1", "req-2"}, order)
	require.GreaterOrEqual(t, activities.count(), 3)
}

func TestClearDropsQueuedNotRunning(t *testing.T) {
	agents := &fakeAgents{byID: map[string]*domain.Agent{
		"svc-a": {Name: "svc-a", Status: domain.AgentStatusRunning},
	}}
	execs := newMemExecutions()
	invoker := &fakeInvoker{blocking: true, release: make(chan struct{})}
	m := New(config.QueueConfig{RequestTimeoutSeconds: 5, StartWaitCeilingSeconds: 1},
		agents, execs, &memActivities{}, invoker, logger.Default(), newIDGen())

	_, err := m.Enqueue(context.Background(), Request{AgentName: "svc-a", Body: "running"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return m.Status("svc-a").Running != nil }, time.Second, 5*time.Millisecond)

	_, err = m.Enqueue(context.Background(), Request{AgentName: "svc-a", Body: "queued-1"})
	require.NoError(t, err)
	_, err = m.Enqueue(context.Background(), Request{AgentName: "svc-a", Body: "queued-2"})
	require.NoError(t, err)

	dropped := m.Clear(context.Background(), "svc-a")
	require.Equal(t, 2, dropped)
	require.Equal(t, 0, m.Status("svc-a").Queued)

	close(invoker.release)
}

func TestForceReleaseCancelsRunning(t *testing.T) {
	agents := &fakeAgents{byID: map[string]*domain.Agent{
		"svc-a": {Name: "svc-a", Status: domain.AgentStatusRunning},
	}}
	execs := newMemExecutions()
	invoker := &fakeInvoker{blocking: true, release: make(chan struct{})}
	m := New(config.QueueConfig{RequestTimeoutSeconds: 5, StartWaitCeilingSeconds: 1},
		agents, execs, &memActivities{}, invoker, logger.Default(), newIDGen())

	id, err := m.Enqueue(context.Background(), Request{AgentName: "svc-a", Body: "running"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return m.Status("svc-a").Running != nil }, time.Second, 5*time.Millisecond)

	require.NoError(t, m.ForceRelease(context.Background(), "svc-a"))

	require.Eventually(t, func() bool {
		e := execs.get(id)
		return e != nil && e.Status == domain.ExecutionStatusCancelled
	}, time.Second, 5*time.Millisecond)
}
