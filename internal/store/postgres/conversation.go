package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const statusEscalated = "escalated"

// MarkEscalated flags the conversation, creating the row when needed.
func (d *DB) MarkEscalated(ctx context.Context, conversationID string, category string) error {
	stmt := `INSERT INTO conversation (id, status, escalation_category)
	         VALUES ($1, $2, $3)
	         ON CONFLICT (id)
	         DO UPDATE SET status = EXCLUDED.status,
	                       escalation_category = EXCLUDED.escalation_category,
	                       updated_ts = EXTRACT(EPOCH FROM NOW())`
	if _, err := d.db.ExecContext(ctx, stmt, conversationID, statusEscalated, category); err != nil {
		return fmt.Errorf("mark conversation %s escalated: %w", conversationID, err)
	}
	return nil
}

// ConversationStatus returns the stored status and escalation category.
// Unknown conversations are reported as active.
func (d *DB) ConversationStatus(ctx context.Context, conversationID string) (string, string, error) {
	var status, category string
	err := d.db.QueryRowContext(ctx,
		`SELECT status, escalation_category FROM conversation WHERE id = $1`, conversationID,
	).Scan(&status, &category)
	if errors.Is(err, sql.ErrNoRows) {
		return "active", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("read conversation %s: %w", conversationID, err)
	}
	return status, category, nil
}
