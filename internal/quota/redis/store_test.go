package redis_test

import (
	"context"
	"os"
	"testing"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/davidbz/markl/internal/domain"
	"github.com/davidbz/markl/internal/quota/redis"
)

func startRedis(t *testing.T) *goredis.Client {
	t.Helper()

	if os.Getenv("MARKL_INTEGRATION") != "1" {
		t.Skip("set MARKL_INTEGRATION=1 to run container tests")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp"),
		},
		Started: true,
	})
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client := goredis.NewClient(&goredis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestStore_Integration(t *testing.T) {
	store := redis.NewStore(startRedis(t))
	ctx := context.Background()
	identity := domain.Identity{UserID: "u1", TeamID: "t1"}
	user := domain.ScopeRef{Scope: domain.ScopeIndividual, ID: "u1"}
	team := domain.ScopeRef{Scope: domain.ScopeTeam, ID: "t1"}

	t.Run("should report zero for an unseen day", func(t *testing.T) {
		used, err := store.UsedOn(ctx, user, "2026-01-01")

		require.NoError(t, err)
		require.Zero(t, used)
	})

	t.Run("should accumulate usage on every scope", func(t *testing.T) {
		day := "2026-01-02"
		for range 2 {
			require.NoError(t, store.Record(ctx, domain.UsageEntry{
				Identity: identity,
				Day:      day,
				Usage:    domain.Usage{InputTokens: 10, OutputTokens: 5},
			}))
		}

		used, err := store.UsedOn(ctx, user, day)
		require.NoError(t, err)
		require.Equal(t, 30, used)

		used, err = store.UsedOn(ctx, team, day)
		require.NoError(t, err)
		require.Equal(t, 30, used)

		used, err = store.UsedOn(ctx, user, "2026-01-03")
		require.NoError(t, err)
		require.Zero(t, used)
	})

	t.Run("should store and read limit overrides", func(t *testing.T) {
		_, ok, err := store.DailyLimit(ctx, team)
		require.NoError(t, err)
		require.False(t, ok)

		require.NoError(t, store.SetDailyLimit(ctx, team, 500))

		limit, ok, err := store.DailyLimit(ctx, team)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, 500, limit)
	})
}
