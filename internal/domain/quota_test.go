package domain_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/davidbz/markl/internal/domain"
	"github.com/davidbz/markl/internal/mocks"
)

var fixedNow = time.Date(2026, 3, 14, 23, 30, 0, 0, time.FixedZone("JST", 9*60*60))

func newQuotaService(ledger *fakeLedger, limits domain.LimitStore, publisher domain.EventPublisher) *domain.QuotaService {
	prices := domain.NewPriceTable()
	_ = prices.SetPrice("priced-model", domain.ModelPrice{InputPer1K: 1, OutputPer1K: 2})

	return domain.NewQuotaService(ledger, limits, prices, publisher,
		domain.DefaultQuotaDefaults()).WithClock(func() time.Time { return fixedNow })
}

func TestQuotaService_CheckAndAdmit(t *testing.T) {
	ctx := context.Background()
	user := domain.ScopeRef{Scope: domain.ScopeIndividual, ID: "u1"}
	team := domain.ScopeRef{Scope: domain.ScopeTeam, ID: "t1"}
	org := domain.ScopeRef{Scope: domain.ScopeOrganization, ID: "o1"}
	identity := domain.Identity{UserID: "u1", TeamID: "t1", OrganizationID: "o1"}

	t.Run("should deny the individual scope at 9999 of 10000", func(t *testing.T) {
		ledger := newFakeLedger()
		ledger.used[user] = 9999
		publisher := &recordingPublisher{}

		decision, err := newQuotaService(ledger, nil, publisher).CheckAndAdmit(ctx, identity, 5)

		require.NoError(t, err)
		require.Equal(t, domain.QuotaDecision{Admitted: false, Scope: user, Limit: 10000, Used: 9999}, decision)
		require.Equal(t, []domain.ScopeRef{user}, ledger.reads)
		require.Contains(t, publisher.types(), "quota.denied")

		var quotaErr *domain.QuotaExceededError
		require.True(t, errors.As(decision.DeniedError(5), &quotaErr))
		require.True(t, domain.IsQuotaExceeded(decision.DeniedError(5)))
		require.Equal(t, 5, quotaErr.Requested)
	})

	t.Run("should admit when every scope has room", func(t *testing.T) {
		ledger := newFakeLedger()
		ledger.used[user] = 100
		ledger.used[team] = 5000

		decision, err := newQuotaService(ledger, nil, nil).CheckAndAdmit(ctx, identity, 50)

		require.NoError(t, err)
		require.True(t, decision.Admitted)
		require.Equal(t, []domain.ScopeRef{user, team, org}, ledger.reads)
		require.NoError(t, decision.DeniedError(50))
	})

	t.Run("should deny when remaining budget equals the estimate", func(t *testing.T) {
		ledger := newFakeLedger()
		ledger.used[user] = 9990

		decision, err := newQuotaService(ledger, nil, nil).CheckAndAdmit(ctx, identity, 10)

		require.NoError(t, err)
		require.False(t, decision.Admitted)
	})

	t.Run("should report the first violated scope in order", func(t *testing.T) {
		ledger := newFakeLedger()
		ledger.used[team] = 100000
		ledger.used[org] = 100000

		decision, err := newQuotaService(ledger, nil, nil).CheckAndAdmit(ctx, identity, 1)

		require.NoError(t, err)
		require.Equal(t, team, decision.Scope)
		require.Equal(t, []domain.ScopeRef{user, team}, ledger.reads)
	})

	t.Run("should skip absent team and organization scopes", func(t *testing.T) {
		ledger := newFakeLedger()

		decision, err := newQuotaService(ledger, nil, nil).CheckAndAdmit(ctx, domain.Identity{UserID: "u1"}, 1)

		require.NoError(t, err)
		require.True(t, decision.Admitted)
		require.Equal(t, []domain.ScopeRef{user}, ledger.reads)
	})

	t.Run("should prefer configured limits over defaults", func(t *testing.T) {
		ledger := newFakeLedger()
		ledger.used[user] = 400
		limits := &fakeLimits{limits: map[domain.ScopeRef]int{user: 500}}

		decision, err := newQuotaService(ledger, limits, nil).CheckAndAdmit(ctx, identity, 100)

		require.NoError(t, err)
		require.False(t, decision.Admitted)
		require.Equal(t, 500, decision.Limit)
	})

	t.Run("should fall back to defaults when limits cannot be read", func(t *testing.T) {
		ledger := newFakeLedger()
		ledger.used[user] = 400
		limits := &fakeLimits{err: errors.New("limits offline")}

		decision, err := newQuotaService(ledger, limits, nil).CheckAndAdmit(ctx, identity, 100)

		require.NoError(t, err)
		require.True(t, decision.Admitted)
	})

	t.Run("should admit a scope whose usage cannot be read", func(t *testing.T) {
		ledger := newFakeLedger()
		ledger.readErr[user] = errors.New("ledger offline")
		ledger.used[team] = 100000

		decision, err := newQuotaService(ledger, nil, nil).CheckAndAdmit(ctx, identity, 1)

		require.NoError(t, err)
		require.False(t, decision.Admitted)
		require.Equal(t, team, decision.Scope)
	})

	t.Run("should reject identities without a user", func(t *testing.T) {
		_, err := newQuotaService(newFakeLedger(), nil, nil).CheckAndAdmit(ctx, domain.Identity{TeamID: "t1"}, 1)

		require.ErrorIs(t, err, domain.ErrInvalidRequest)
	})

	t.Run("should apply the documented defaults", func(t *testing.T) {
		ledger := newFakeLedger()
		ledger.used[team] = 99999

		decision, err := domain.NewQuotaService(ledger, nil, nil, nil, domain.QuotaDefaults{}).
			CheckAndAdmit(ctx, identity, 1)

		require.NoError(t, err)
		require.False(t, decision.Admitted)
		require.Equal(t, 100000, decision.Limit)
	})
}

func TestQuotaService_Record(t *testing.T) {
	ctx := context.Background()
	identity := domain.Identity{UserID: "u1", TeamID: "t1"}

	t.Run("should append an entry under the UTC day with cost", func(t *testing.T) {
		ledger := newFakeLedger()
		usage := domain.Usage{InputTokens: 1000, OutputTokens: 500}

		err := newQuotaService(ledger, nil, nil).Record(ctx, identity, usage,
			domain.UsageMeta{Vendor: domain.VendorOpenAI, Model: "priced-model"})
		require.NoError(t, err)

		entries := ledger.recorded()
		require.Len(t, entries, 1)
		require.Equal(t, "2026-03-14", entries[0].Day)
		require.Equal(t, usage, entries[0].Usage)
		require.Equal(t, domain.VendorOpenAI, entries[0].Vendor)
		require.InDelta(t, 2.0, entries[0].Cost, 1e-9)
	})

	t.Run("should publish the recorded usage with its provenance", func(t *testing.T) {
		publisher := mocks.NewMockEventPublisher(t)
		publisher.EXPECT().Publish(mock.Anything, "quota.recorded", map[string]interface{}{
			"vendor":        "anthropic",
			"input_tokens":  40,
			"output_tokens": 7,
			"estimated":     true,
		}).Return().Once()

		usage := domain.Usage{InputTokens: 40, OutputTokens: 7, Estimated: true}
		err := newQuotaService(newFakeLedger(), nil, publisher).Record(ctx, identity, usage,
			domain.UsageMeta{Vendor: domain.VendorAnthropic, Model: "claude-sonnet-4-5"})

		require.NoError(t, err)
	})

	t.Run("should not publish when the ledger rejects the entry", func(t *testing.T) {
		ledger := newFakeLedger()
		ledger.recordErr = errors.New("disk full")
		publisher := mocks.NewMockEventPublisher(t)

		err := newQuotaService(ledger, nil, publisher).Record(ctx, identity, domain.Usage{InputTokens: 1}, domain.UsageMeta{})

		require.Error(t, err)
		publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("should keep the estimated flag", func(t *testing.T) {
		ledger := newFakeLedger()
		usage := domain.Usage{InputTokens: 3, OutputTokens: 2, Estimated: true}

		require.NoError(t, newQuotaService(ledger, nil, nil).Record(ctx, identity, usage, domain.UsageMeta{Model: "unpriced"}))

		entries := ledger.recorded()
		require.True(t, entries[0].Usage.Estimated)
		require.Zero(t, entries[0].Cost)
	})

	t.Run("should return ledger failures", func(t *testing.T) {
		ledger := newFakeLedger()
		ledger.recordErr = errors.New("disk full")

		err := newQuotaService(ledger, nil, nil).Record(ctx, identity, domain.Usage{InputTokens: 1}, domain.UsageMeta{})

		require.ErrorContains(t, err, "disk full")
	})
}

func TestDayKey(t *testing.T) {
	require.Equal(t, "2026-03-14", domain.DayKey(fixedNow))
	require.Equal(t, "2026-03-15", domain.DayKey(time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)))
}
