package persistence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trinity-controlplane/trinity/internal/accessmatrix"
	"github.com/trinity-controlplane/trinity/internal/domain"
)

func TestShareStoreGrantAndList(t *testing.T) {
	db := newTestDB(t)
	store := NewShareStore(db)
	ctx := context.Background()

	require.NoError(t, store.Grant(ctx, "agent-1", "a@example.com", "owner-1"))
	require.NoError(t, store.Grant(ctx, "agent-1", "b@example.com", "owner-1"))

	shares, err := store.ListByAgent(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, shares, 2)

	require.NoError(t, store.Revoke(ctx, "agent-1", "a@example.com"))
	shares, err = store.ListByAgent(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, shares, 1)
}

func TestInvocationStoreGrantAndCheck(t *testing.T) {
	db := newTestDB(t)
	store := NewInvocationStore(db)
	ctx := context.Background()

	allowed, err := store.IsAllowed(ctx, "a", "b")
	require.NoError(t, err)
	require.False(t, allowed)

	require.NoError(t, store.Grant(ctx, "a", "b"))
	allowed, err = store.IsAllowed(ctx, "a", "b")
	require.NoError(t, err)
	require.True(t, allowed)

	require.NoError(t, store.Revoke(ctx, "a", "b"))
	allowed, err = store.IsAllowed(ctx, "a", "b")
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestMCPKeyStoreCreateAndResolveByHash(t *testing.T) {
	db := newTestDB(t)
	store := NewMCPKeyStore(db)
	ctx := context.Background()

	hash := accessmatrix.HashKey("raw-secret-value")
	key := &domain.MCPKey{OwnerUserID: "user-1", SecretHash: hash, Label: "ci-bot"}
	require.NoError(t, store.Create(ctx, key))

	resolved, err := store.GetBySecretHash(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, key.ID, resolved.ID)

	require.NoError(t, store.TouchUsage(ctx, resolved.ID))
	reloaded, err := store.GetBySecretHash(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, int64(1), reloaded.UsageCount)

	require.NoError(t, store.Revoke(ctx, resolved.ID))
	revoked, err := store.GetBySecretHash(ctx, hash)
	require.NoError(t, err)
	require.NotNil(t, revoked.RevokedAt)
}
