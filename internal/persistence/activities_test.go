package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trinity-controlplane/trinity/internal/domain"
)

func TestActivityStoreAppendAndListSince(t *testing.T) {
	db := newTestDB(t)
	store := NewActivityStore(db)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, store.Append(ctx, &domain.Activity{
		ID: 1, AgentName: "svc-a", Kind: domain.ActivityKindMessageOut,
		Payload: map[string]any{"text": "hello"}, Timestamp: base,
	}))
	require.NoError(t, store.Append(ctx, &domain.Activity{
		ID: 2, AgentName: "svc-a", Kind: domain.ActivityKindMessageOut,
		Payload: map[string]any{"text": "world"}, Timestamp: base.Add(time.Minute),
	}))
	require.NoError(t, store.Append(ctx, &domain.Activity{
		ID: 3, AgentName: "svc-b", Kind: domain.ActivityKindMessageOut,
		Payload: map[string]any{"text": "other agent"}, Timestamp: base.Add(time.Minute),
	}))

	activities, err := store.ListSince(ctx, "svc-a", base.Add(-time.Second), 100)
	require.NoError(t, err)
	require.Len(t, activities, 2)
	require.Equal(t, "hello", activities[0].Payload["text"])
	require.Equal(t, "world", activities[1].Payload["text"])
}

func TestActivityStoreDeleteOlderThan(t *testing.T) {
	db := newTestDB(t)
	store := NewActivityStore(db)
	ctx := context.Background()

	old := time.Now().UTC().Add(-30 * 24 * time.Hour)
	recent := time.Now().UTC()
	require.NoError(t, store.Append(ctx, &domain.Activity{ID: 1, AgentName: "svc-a", Kind: domain.ActivityKindMessageOut, Payload: map[string]any{}, Timestamp: old}))
	require.NoError(t, store.Append(ctx, &domain.Activity{ID: 2, AgentName: "svc-a", Kind: domain.ActivityKindMessageOut, Payload: map[string]any{}, Timestamp: recent}))

	removed, err := store.DeleteOlderThan(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	remaining, err := store.ListSince(ctx, "svc-a", old.Add(-time.Minute), 100)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
}
