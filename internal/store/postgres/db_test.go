package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/davidbz/markl/internal/domain"
	"github.com/davidbz/markl/internal/store/postgres"
)

func openDB(t *testing.T) *postgres.DB {
	t.Helper()

	if os.Getenv("MARKL_INTEGRATION") != "1" {
		t.Skip("set MARKL_INTEGRATION=1 to run container tests")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("markl"),
		tcpostgres.WithUsername("markl"),
		tcpostgres.WithPassword("markl"),
		tcpostgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := postgres.Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestDB_Integration(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()

	identity := domain.Identity{UserID: "u1", TeamID: "t1", OrganizationID: "o1"}
	day := "2026-10-15"

	t.Run("should be idempotent when ensuring tables", func(t *testing.T) {
		require.NoError(t, db.EnsureTables(ctx))
	})

	t.Run("should sum usage per scope and day", func(t *testing.T) {
		require.NoError(t, db.Record(ctx, domain.UsageEntry{
			Identity:   identity,
			Day:        day,
			Usage:      domain.Usage{InputTokens: 12, OutputTokens: 2},
			Vendor:     domain.VendorOpenAI,
			Model:      "gpt-4o",
			RecordedAt: time.Now(),
		}))
		require.NoError(t, db.Record(ctx, domain.UsageEntry{
			Identity:   domain.Identity{UserID: "u2", TeamID: "t1"},
			Day:        day,
			Usage:      domain.Usage{InputTokens: 5, OutputTokens: 5, Estimated: true},
			RecordedAt: time.Now(),
		}))

		used, err := db.UsedOn(ctx, domain.ScopeRef{Scope: domain.ScopeIndividual, ID: "u1"}, day)
		require.NoError(t, err)
		require.Equal(t, 14, used)

		used, err = db.UsedOn(ctx, domain.ScopeRef{Scope: domain.ScopeTeam, ID: "t1"}, day)
		require.NoError(t, err)
		require.Equal(t, 24, used)

		used, err = db.UsedOn(ctx, domain.ScopeRef{Scope: domain.ScopeOrganization, ID: "o1"}, "2026-10-16")
		require.NoError(t, err)
		require.Zero(t, used)
	})

	t.Run("should upsert limit overrides", func(t *testing.T) {
		ref := domain.ScopeRef{Scope: domain.ScopeTeam, ID: "t1"}

		_, ok, err := db.DailyLimit(ctx, ref)
		require.NoError(t, err)
		require.False(t, ok)

		require.NoError(t, db.SetDailyLimit(ctx, ref, 100))
		require.NoError(t, db.SetDailyLimit(ctx, ref, 200))

		limit, ok, err := db.DailyLimit(ctx, ref)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, 200, limit)
	})

	t.Run("should mark conversations escalated", func(t *testing.T) {
		status, _, err := db.ConversationStatus(ctx, "conv-1")
		require.NoError(t, err)
		require.Equal(t, "active", status)

		require.NoError(t, db.MarkEscalated(ctx, "conv-1", "urgent"))
		require.NoError(t, db.MarkEscalated(ctx, "conv-1", "bug_report"))

		status, category, err := db.ConversationStatus(ctx, "conv-1")
		require.NoError(t, err)
		require.Equal(t, "escalated", status)
		require.Equal(t, "bug_report", category)
	})
}
