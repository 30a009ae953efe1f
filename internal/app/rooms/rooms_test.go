package rooms

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStores(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	for name, s := range map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStore(rdb, ""),
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			created, err := s.Create(ctx, Room{Name: "  Standup ", WorkspaceID: "ws-1", MaxMembers: 8, CreatedBy: "alice"})
			require.NoError(t, err)
			require.NotEmpty(t, created.ID)
			assert.Equal(t, "Standup", created.Name)

			got, err := s.Get(ctx, created.ID)
			require.NoError(t, err)
			assert.Equal(t, created.Name, got.Name)
			assert.Equal(t, "ws-1", got.WorkspaceID)
			assert.Equal(t, 8, got.MaxMembers)
			assert.Equal(t, "alice", got.CreatedBy)
			assert.True(t, created.CreatedAt.Equal(got.CreatedAt))

			_, err = s.Create(ctx, Room{ID: created.ID, Name: "dup"})
			assert.Error(t, err)

			require.NoError(t, s.Delete(ctx, created.ID))
			_, err = s.Get(ctx, created.ID)
			assert.True(t, IsNotFound(err))
			assert.True(t, IsNotFound(s.Delete(ctx, created.ID)))
		})
	}
}
