package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trinity-controlplane/trinity/internal/domain"
)

func TestSessionStoreUpsertAndGet(t *testing.T) {
	db := newTestDB(t)
	store := NewSessionStore(db)
	ctx := context.Background()

	session := &domain.Session{
		AgentID: "svc-a", ContextTokensUsed: 100, ContextTokensMax: 200000,
		CostAccumulated: 0.01, LastActivityAt: time.Now().UTC(), CurrentStatus: domain.SessionStatus("idle"),
	}
	require.NoError(t, store.Upsert(ctx, session))

	got, err := store.Get(ctx, "svc-a")
	require.NoError(t, err)
	require.Equal(t, int64(100), got.ContextTokensUsed)

	session.ContextTokensUsed = 5000
	session.CurrentStatus = domain.SessionStatus("active")
	require.NoError(t, store.Upsert(ctx, session))

	reloaded, err := store.Get(ctx, "svc-a")
	require.NoError(t, err)
	require.Equal(t, int64(5000), reloaded.ContextTokensUsed)
	require.Equal(t, domain.SessionStatus("active"), reloaded.CurrentStatus)
}

func TestSessionStoreGetMissingReturnsNotFound(t *testing.T) {
	db := newTestDB(t)
	store := NewSessionStore(db)
	_, err := store.Get(context.Background(), "no-such-agent")
	require.Error(t, err)
}
