package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/davidbz/markl/internal/observability"
)

// QuotaScope is a level of the budget hierarchy.
type QuotaScope string

const (
	ScopeIndividual   QuotaScope = "individual"
	ScopeTeam         QuotaScope = "team"
	ScopeOrganization QuotaScope = "organization"
)

const (
	DefaultIndividualDailyLimit   = 10000
	DefaultTeamDailyLimit         = 100000
	DefaultOrganizationDailyLimit = 100000

	dayKeyLayout = "2006-01-02"
)

// ScopeRef names one budget: a scope plus the id of its owner.
type ScopeRef struct {
	Scope QuotaScope `json:"scope"`
	ID    string     `json:"id"`
}

func (r ScopeRef) String() string {
	return string(r.Scope) + ":" + r.ID
}

// Identity is the caller as resolved by the authentication collaborator.
type Identity struct {
	UserID         string `json:"userId"`
	TeamID         string `json:"teamId,omitempty"`
	OrganizationID string `json:"organizationId,omitempty"`
	Role           string `json:"role,omitempty"`
}

// Scopes returns the present scopes in evaluation order.
func (i Identity) Scopes() []ScopeRef {
	refs := make([]ScopeRef, 0, 3)
	if i.UserID != "" {
		refs = append(refs, ScopeRef{Scope: ScopeIndividual, ID: i.UserID})
	}
	if i.TeamID != "" {
		refs = append(refs, ScopeRef{Scope: ScopeTeam, ID: i.TeamID})
	}
	if i.OrganizationID != "" {
		refs = append(refs, ScopeRef{Scope: ScopeOrganization, ID: i.OrganizationID})
	}
	return refs
}

// QuotaDefaults are the daily limits used when a scope has no override.
type QuotaDefaults struct {
	Individual   int
	Team         int
	Organization int
}

// DefaultQuotaDefaults returns the system-wide fallback limits.
func DefaultQuotaDefaults() QuotaDefaults {
	return QuotaDefaults{
		Individual:   DefaultIndividualDailyLimit,
		Team:         DefaultTeamDailyLimit,
		Organization: DefaultOrganizationDailyLimit,
	}
}

// For returns the default limit of a scope.
func (d QuotaDefaults) For(scope QuotaScope) int {
	switch scope {
	case ScopeIndividual:
		return d.Individual
	case ScopeTeam:
		return d.Team
	case ScopeOrganization:
		return d.Organization
	default:
		return 0
	}
}

// QuotaDecision is the outcome of an admission check. When Admitted is false,
// Scope, Limit and Used describe the first violated budget.
type QuotaDecision struct {
	Admitted bool
	Scope    ScopeRef
	Limit    int
	Used     int
}

// UsageMeta annotates a ledger entry.
type UsageMeta struct {
	Vendor Vendor
	Model  string
}

// UsageEntry is one ledger row.
type UsageEntry struct {
	Identity   Identity
	Day        string
	Usage      Usage
	Vendor     Vendor
	Model      string
	Cost       float64
	RecordedAt time.Time
}

// DayKey returns the UTC calendar date used to bucket usage.
func DayKey(t time.Time) string {
	return t.UTC().Format(dayKeyLayout)
}

// QuotaService enforces hierarchical daily token budgets. Admission and
// recording are separate calls; concurrent requests may both be admitted
// against the same remaining budget.
type QuotaService struct {
	ledger    UsageLedger
	limits    LimitStore
	costs     CostCalculator
	publisher EventPublisher
	defaults  QuotaDefaults
	now       func() time.Time
}

// NewQuotaService creates a new quota service.
func NewQuotaService(
	ledger UsageLedger,
	limits LimitStore,
	costs CostCalculator,
	publisher EventPublisher,
	defaults QuotaDefaults,
) *QuotaService {
	fallback := DefaultQuotaDefaults()
	if defaults.Individual <= 0 {
		defaults.Individual = fallback.Individual
	}
	if defaults.Team <= 0 {
		defaults.Team = fallback.Team
	}
	if defaults.Organization <= 0 {
		defaults.Organization = fallback.Organization
	}

	return &QuotaService{
		ledger:    ledger,
		limits:    limits,
		costs:     costs,
		publisher: publisher,
		defaults:  defaults,
		now:       time.Now,
	}
}

// WithClock replaces the clock used for day keys.
func (q *QuotaService) WithClock(now func() time.Time) *QuotaService {
	q.now = now
	return q
}

// CheckAndAdmit evaluates individual, team and organization budgets in order
// and denies at the first scope where limit - used <= estimatedCost. Ledger
// read failures admit the scope.
func (q *QuotaService) CheckAndAdmit(
	ctx context.Context,
	identity Identity,
	estimatedCost int,
) (QuotaDecision, error) {
	if identity.UserID == "" {
		return QuotaDecision{}, fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	if estimatedCost < 0 {
		estimatedCost = 0
	}

	logger := observability.FromContext(ctx)
	day := DayKey(q.now())

	for _, ref := range identity.Scopes() {
		limit := q.limitFor(ctx, ref)

		used, err := q.ledger.UsedOn(ctx, ref, day)
		if err != nil {
			logger.Warn("quota usage read failed, admitting scope",
				observability.String("scope", ref.String()),
				observability.Error(err))
			continue
		}

		if limit-used <= estimatedCost {
			logger.Info("quota denied",
				observability.String("scope", ref.String()),
				observability.Int("limit", limit),
				observability.Int("used", used),
				observability.Int("estimated_cost", estimatedCost))
			q.publish(ctx, "quota.denied", map[string]interface{}{
				"scope": string(ref.Scope),
				"id":    ref.ID,
				"limit": limit,
				"used":  used,
			})
			return QuotaDecision{Admitted: false, Scope: ref, Limit: limit, Used: used}, nil
		}
	}

	return QuotaDecision{Admitted: true}, nil
}

// Record appends a usage entry for today's date key.
func (q *QuotaService) Record(ctx context.Context, identity Identity, usage Usage, meta UsageMeta) error {
	if identity.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}

	now := q.now()
	entry := UsageEntry{
		Identity:   identity,
		Day:        DayKey(now),
		Usage:      usage,
		Vendor:     meta.Vendor,
		Model:      meta.Model,
		RecordedAt: now.UTC(),
	}

	if q.costs != nil && meta.Model != "" {
		cost, err := q.costs.Calculate(ctx, meta.Model, usage)
		if err == nil {
			entry.Cost = cost
		}
	}

	if err := q.ledger.Record(ctx, entry); err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}

	q.publish(ctx, "quota.recorded", map[string]interface{}{
		"vendor":        string(meta.Vendor),
		"input_tokens":  usage.InputTokens,
		"output_tokens": usage.OutputTokens,
		"estimated":     usage.Estimated,
	})
	return nil
}

// DeniedError converts a denial into the error surfaced to callers.
func (d QuotaDecision) DeniedError(requested int) error {
	if d.Admitted {
		return nil
	}
	return &QuotaExceededError{Scope: d.Scope, Limit: d.Limit, Used: d.Used, Requested: requested}
}

func (q *QuotaService) limitFor(ctx context.Context, ref ScopeRef) int {
	if q.limits == nil {
		return q.defaults.For(ref.Scope)
	}

	limit, ok, err := q.limits.DailyLimit(ctx, ref)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			observability.FromContext(ctx).Warn("quota limit read failed, using default",
				observability.String("scope", ref.String()),
				observability.Error(err))
		}
		return q.defaults.For(ref.Scope)
	}
	if !ok {
		return q.defaults.For(ref.Scope)
	}
	return limit
}

func (q *QuotaService) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if q.publisher != nil {
		q.publisher.Publish(ctx, eventType, data)
	}
}
