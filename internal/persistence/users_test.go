package persistence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trinity-controlplane/trinity/internal/domain"
)

func TestUserStoreCreateGetByEmailAndArchive(t *testing.T) {
	db := newTestDB(t)
	store := NewUserStore(db)
	ctx := context.Background()

	user := &domain.User{Handle: "alice", Email: "alice@example.com", Role: domain.RoleUser}
	require.NoError(t, store.Create(ctx, user))
	require.NotEmpty(t, user.ID)

	byEmail, err := store.GetByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	require.Equal(t, user.ID, byEmail.ID)

	require.NoError(t, store.Archive(ctx, user.ID))

	users, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, users, 0)

	stillGettable, err := store.Get(ctx, user.ID)
	require.NoError(t, err)
	require.True(t, stillGettable.Archived)
}
