package memory_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/markl/internal/domain"
	"github.com/davidbz/markl/internal/store/memory"
)

func TestStore_Usage(t *testing.T) {
	ctx := context.Background()
	user := domain.ScopeRef{Scope: domain.ScopeIndividual, ID: "u1"}
	org := domain.ScopeRef{Scope: domain.ScopeOrganization, ID: "o1"}

	t.Run("should charge every scope of the identity", func(t *testing.T) {
		store := memory.NewStore()
		entry := domain.UsageEntry{
			Identity: domain.Identity{UserID: "u1", OrganizationID: "o1"},
			Day:      "2026-10-15",
			Usage:    domain.Usage{InputTokens: 7, OutputTokens: 3},
		}

		require.NoError(t, store.Record(ctx, entry))

		used, err := store.UsedOn(ctx, user, "2026-10-15")
		require.NoError(t, err)
		require.Equal(t, 10, used)

		used, err = store.UsedOn(ctx, org, "2026-10-15")
		require.NoError(t, err)
		require.Equal(t, 10, used)

		used, err = store.UsedOn(ctx, user, "2026-10-16")
		require.NoError(t, err)
		require.Zero(t, used)

		require.Len(t, store.Entries(), 1)
	})

	t.Run("should reject entries without identity", func(t *testing.T) {
		require.Error(t, memory.NewStore().Record(ctx, domain.UsageEntry{Day: "2026-10-15"}))
	})

	t.Run("should accumulate concurrent records", func(t *testing.T) {
		store := memory.NewStore()
		var wg sync.WaitGroup
		for range 100 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = store.Record(ctx, domain.UsageEntry{
					Identity: domain.Identity{UserID: "u1"},
					Day:      "2026-10-15",
					Usage:    domain.Usage{InputTokens: 1},
				})
			}()
		}
		wg.Wait()

		used, err := store.UsedOn(ctx, user, "2026-10-15")
		require.NoError(t, err)
		require.Equal(t, 100, used)
	})
}

func TestStore_Limits(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	ref := domain.ScopeRef{Scope: domain.ScopeTeam, ID: "t1"}

	_, ok, err := store.DailyLimit(ctx, ref)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.SetDailyLimit(ctx, ref, 42))
	require.Error(t, store.SetDailyLimit(ctx, ref, -1))

	limit, ok, err := store.DailyLimit(ctx, ref)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 42, limit)
}

func TestStore_Conversations(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()

	status, _, err := store.ConversationStatus(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "active", status)

	require.NoError(t, store.MarkEscalated(ctx, "c1", "urgent"))

	status, category, err := store.ConversationStatus(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "escalated", status)
	require.Equal(t, "urgent", category)
}
