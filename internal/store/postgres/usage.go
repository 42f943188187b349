package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/davidbz/markl/internal/domain"
)

// Record appends one ledger row.
func (d *DB) Record(ctx context.Context, entry domain.UsageEntry) error {
	if entry.Identity.UserID == "" {
		return errors.New("usage entry has no user")
	}

	stmt := `INSERT INTO usage_record
	         (user_id, team_id, organization_id, day, vendor, model, input_tokens, output_tokens, estimated, cost, recorded_ts)
	         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := d.db.ExecContext(ctx, stmt,
		entry.Identity.UserID, entry.Identity.TeamID, entry.Identity.OrganizationID,
		entry.Day, string(entry.Vendor), entry.Model,
		entry.Usage.InputTokens, entry.Usage.OutputTokens, entry.Usage.Estimated,
		entry.Cost, entry.RecordedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// UsedOn sums the tokens charged to ref on day.
func (d *DB) UsedOn(ctx context.Context, ref domain.ScopeRef, day string) (int, error) {
	column, err := scopeColumn(ref.Scope)
	if err != nil {
		return 0, err
	}

	query := fmt.Sprintf(
		`SELECT COALESCE(SUM(input_tokens + output_tokens), 0) FROM usage_record WHERE %s = $1 AND day = $2`,
		column,
	)
	var used int
	if err := d.db.QueryRowContext(ctx, query, ref.ID, day).Scan(&used); err != nil {
		return 0, fmt.Errorf("sum usage of %s: %w", ref, err)
	}
	return used, nil
}

// DailyLimit returns the override for ref, if any.
func (d *DB) DailyLimit(ctx context.Context, ref domain.ScopeRef) (int, bool, error) {
	var limit int
	err := d.db.QueryRowContext(ctx,
		`SELECT daily_limit FROM scope_limit WHERE scope = $1 AND scope_id = $2`,
		string(ref.Scope), ref.ID,
	).Scan(&limit)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read limit of %s: %w", ref, err)
	}
	return limit, true, nil
}

// SetDailyLimit upserts the override for ref.
func (d *DB) SetDailyLimit(ctx context.Context, ref domain.ScopeRef, limit int) error {
	if limit < 0 {
		return fmt.Errorf("limit must not be negative: %d", limit)
	}

	stmt := `INSERT INTO scope_limit (scope, scope_id, daily_limit)
	         VALUES ($1, $2, $3)
	         ON CONFLICT (scope, scope_id)
	         DO UPDATE SET daily_limit = EXCLUDED.daily_limit, updated_ts = EXTRACT(EPOCH FROM NOW())`
	if _, err := d.db.ExecContext(ctx, stmt, string(ref.Scope), ref.ID, limit); err != nil {
		return fmt.Errorf("set limit of %s: %w", ref, err)
	}
	return nil
}

func scopeColumn(scope domain.QuotaScope) (string, error) {
	switch scope {
	case domain.ScopeIndividual:
		return "user_id", nil
	case domain.ScopeTeam:
		return "team_id", nil
	case domain.ScopeOrganization:
		return "organization_id", nil
	default:
		return "", fmt.Errorf("unknown quota scope %q", scope)
	}
}
