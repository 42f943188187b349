// Package postgres persists the usage ledger, limit overrides and
// conversation status in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	// Registers the "postgres" driver.
	_ "github.com/lib/pq"
)

// DB wraps a PostgreSQL connection pool.
type DB struct {
	db *sql.DB
}

// Open connects to dsn and creates missing tables.
func Open(ctx context.Context, dsn string) (*DB, error) {
	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	d := &DB{db: sqlDB}
	if err := d.EnsureTables(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ensure tables: %w", err)
	}
	return d, nil
}

// Close releases the pool.
func (d *DB) Close() error {
	return d.db.Close()
}

// EnsureTables creates the schema if it does not exist.
func (d *DB) EnsureTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS usage_record (
			id              BIGSERIAL PRIMARY KEY,
			user_id         TEXT             NOT NULL,
			team_id         TEXT             NOT NULL DEFAULT '',
			organization_id TEXT             NOT NULL DEFAULT '',
			day             TEXT             NOT NULL,
			vendor          TEXT             NOT NULL DEFAULT '',
			model           TEXT             NOT NULL DEFAULT '',
			input_tokens    INTEGER          NOT NULL DEFAULT 0,
			output_tokens   INTEGER          NOT NULL DEFAULT 0,
			estimated       BOOLEAN          NOT NULL DEFAULT FALSE,
			cost            DOUBLE PRECISION NOT NULL DEFAULT 0,
			recorded_ts     BIGINT           NOT NULL DEFAULT EXTRACT(EPOCH FROM NOW())
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_record_user_day ON usage_record(user_id, day)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_record_team_day ON usage_record(team_id, day)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_record_org_day ON usage_record(organization_id, day)`,
		`CREATE TABLE IF NOT EXISTS scope_limit (
			scope       TEXT    NOT NULL,
			scope_id    TEXT    NOT NULL,
			daily_limit INTEGER NOT NULL,
			updated_ts  BIGINT  NOT NULL DEFAULT EXTRACT(EPOCH FROM NOW()),
			PRIMARY KEY (scope, scope_id)
		)`,
		`CREATE TABLE IF NOT EXISTS conversation (
			id                  TEXT   PRIMARY KEY,
			status              TEXT   NOT NULL DEFAULT 'active',
			escalation_category TEXT   NOT NULL DEFAULT '',
			updated_ts          BIGINT NOT NULL DEFAULT EXTRACT(EPOCH FROM NOW())
		)`,
	}
	for _, s := range stmts {
		if _, err := d.db.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return nil
}
