package session

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trinity-controlplane/trinity/internal/domain"
)

type memStore struct {
	mu   sync.Mutex
	rows map[string]*domain.Session
}

func newMemStore() *memStore { return &memStore{rows: make(map[string]*domain.Session)} }

func (m *memStore) Get(ctx context.Context, agentID string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[agentID]
	if !ok {
		return &domain.Session{AgentID: agentID, CurrentStatus: domain.SessionStatusIdle}, nil
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) Upsert(ctx context.Context, s *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.rows[s.AgentID] = &cp
	return nil
}

func TestMarkBusyThenIdle(t *testing.T) {
	tr := New(newMemStore())
	ctx := context.Background()

	require.NoError(t, tr.MarkBusy(ctx, "svc-a"))
	s, err := tr.Get(ctx, "svc-a")
	require.NoError(t, err)
	require.Equal(t, domain.SessionStatusBusy, s.CurrentStatus)

	require.NoError(t, tr.MarkIdle(ctx, "svc-a"))
	s, err = tr.Get(ctx, "svc-a")
	require.NoError(t, err)
	require.Equal(t, domain.SessionStatusIdle, s.CurrentStatus)
}

func TestApplyUsageDeltaAccumulatesCost(t *testing.T) {
	tr := New(newMemStore())
	ctx := context.Background()

	require.NoError(t, tr.ApplyUsageDelta(ctx, UsageDelta{AgentID: "svc-a", ContextTokensUsed: 100, ContextTokensMax: 1000, CostDelta: 0.05}))
	require.NoError(t, tr.ApplyUsageDelta(ctx, UsageDelta{AgentID: "svc-a", ContextTokensUsed: 150, ContextTokensMax: 1000, CostDelta: 0.02}))

	s, err := tr.Get(ctx, "svc-a")
	require.NoError(t, err)
	require.Equal(t, int64(150), s.ContextTokensUsed)
	require.InDelta(t, 0.07, s.CostAccumulated, 0.0001)
}

func TestDegradedStatusOverridesBusy(t *testing.T) {
	tr := New(newMemStore())
	ctx := context.Background()

	require.NoError(t, tr.MarkBusy(ctx, "svc-a"))
	require.NoError(t, tr.ApplyUsageDelta(ctx, UsageDelta{AgentID: "svc-a", ContextTokensUsed: 950, ContextTokensMax: 1000}))

	s, err := tr.Get(ctx, "svc-a")
	require.NoError(t, err)
	require.Equal(t, domain.SessionStatusDegraded, s.CurrentStatus)
}

func TestGetUnknownAgentDefaultsIdle(t *testing.T) {
	tr := New(newMemStore())
	s, err := tr.Get(context.Background(), "unknown")
	require.NoError(t, err)
	require.Equal(t, domain.SessionStatusIdle, s.CurrentStatus)
}
