package activity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trinity-controlplane/trinity/internal/common/config"
	"github.com/trinity-controlplane/trinity/internal/common/logger"
	"github.com/trinity-controlplane/trinity/internal/domain"
)

type memStore struct {
	mu   sync.Mutex
	rows []domain.Activity
}

func (m *memStore) Append(ctx context.Context, a *domain.Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, *a)
	return nil
}

func (m *memStore) ListSince(ctx context.Context, agentName string, since time.Time, limit int) ([]domain.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Activity
	for _, a := range m.rows {
		if agentName != "" && agentName != "all" && a.AgentName != agentName {
			continue
		}
		if a.Timestamp.Before(since) {
			continue
		}
		out = append(out, a)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []domain.Activity
	var deleted int64
	for _, a := range m.rows {
		if a.Timestamp.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, a)
	}
	m.rows = kept
	return deleted, nil
}

func TestPublishAssignsMonotoneIDs(t *testing.T) {
	s := New(nil, &memStore{}, config.RetentionConfig{ActivityWindowHours: 24, SweepIntervalMinutes: 60}, logger.Default())

	require.NoError(t, s.Publish(context.Background(), domain.Activity{AgentName: "svc-a", Kind: domain.ActivityKindMessageOut}))
	require.NoError(t, s.Publish(context.Background(), domain.Activity{AgentName: "svc-a", Kind: domain.ActivityKindMessageOut}))

	hist, err := s.History(context.Background(), "svc-a", time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	require.Equal(t, int64(1), hist[0].ID)
	require.Equal(t, int64(2), hist[1].ID)
}

func TestSubscribeFiltersByAgentAndKind(t *testing.T) {
	s := New(nil, &memStore{}, config.RetentionConfig{ActivityWindowHours: 24, SweepIntervalMinutes: 60}, logger.Default())

	sub := s.Subscribe(Filter{AgentName: "svc-a", Kinds: []domain.ActivityKind{domain.ActivityKindMessageOut}})
	defer sub.Close()

	require.NoError(t, s.Publish(context.Background(), domain.Activity{AgentName: "svc-b", Kind: domain.ActivityKindMessageOut}))
	require.NoError(t, s.Publish(context.Background(), domain.Activity{AgentName: "svc-a", Kind: domain.ActivityKindToolCall}))
	require.NoError(t, s.Publish(context.Background(), domain.Activity{AgentName: "svc-a", Kind: domain.ActivityKindMessageOut}))

	select {
	case a := <-sub.Events:
		require.Equal(t, "svc-a", a.AgentName)
		require.Equal(t, domain.ActivityKindMessageOut, a.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected a matching activity")
	}

	select {
	case a := <-sub.Events:
		t.Fatalf("unexpected extra delivery: %+v", a)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeVisibilityGate(t *testing.T) {
	s := New(nil, &memStore{}, config.RetentionConfig{ActivityWindowHours: 24, SweepIntervalMinutes: 60}, logger.Default())

	visible := map[string]bool{"svc-a": true}
	sub := s.Subscribe(Filter{Visible: func(agent string) bool { return visible[agent] }})
	defer sub.Close()

	require.NoError(t, s.Publish(context.Background(), domain.Activity{AgentName: "svc-b", Kind: domain.ActivityKindLifecycle}))
	require.NoError(t, s.Publish(context.Background(), domain.Activity{AgentName: "svc-a", Kind: domain.ActivityKindLifecycle}))

	select {
	case a := <-sub.Events:
		require.Equal(t, "svc-a", a.AgentName)
	case <-time.After(time.Second):
		t.Fatal("expected the visible agent's activity")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	s := New(nil, &memStore{}, config.RetentionConfig{ActivityWindowHours: 24, SweepIntervalMinutes: 60}, logger.Default())
	sub := s.Subscribe(Filter{})
	sub.Close()

	_, ok := <-sub.Events
	require.False(t, ok)
}

func TestOverflowDropsInsteadOfBlocking(t *testing.T) {
	s := New(nil, &memStore{}, config.RetentionConfig{ActivityWindowHours: 24, SweepIntervalMinutes: 60}, logger.Default())
	sub := s.Subscribe(Filter{})
	defer sub.Close()

	for i := 0; i < subscriberBuffer+10; i++ {
		require.NoError(t, s.Publish(context.Background(), domain.Activity{AgentName: "svc-a", Kind: domain.ActivityKindCustom}))
	}

	require.Greater(t, sub.Dropped(), int64(0))
}

func TestRetentionSweepDeletesOldRows(t *testing.T) {
	store := &memStore{}
	s := New(nil, store, config.RetentionConfig{ActivityWindowHours: 1, SweepIntervalMinutes: 60}, logger.Default())

	store.rows = append(store.rows, domain.Activity{AgentName: "svc-a", Timestamp: time.Now().Add(-2 * time.Hour)})
	store.rows = append(store.rows, domain.Activity{AgentName: "svc-a", Timestamp: time.Now()})

	s.sweepOnce(context.Background())

	require.Len(t, store.rows, 1)
}
